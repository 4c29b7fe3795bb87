package connpool

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
)

// MySQLConnector opens connections of KindMySQL through database/sql.
// Settings mapping: Host/Port form the tcp address (default
// localhost:3306), Database/User/Password fill the DSN, Options is a
// "k=v&k=v" list of extra DSN parameters.
type MySQLConnector struct{}

func (MySQLConnector) Kind() Kind { return KindMySQL }

func (MySQLConnector) Open(ctx context.Context, name string, s Settings) (Conn, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"

	host := s.Host
	if len(host) == 0 {
		host = "localhost"
	}
	port := s.Port
	if port <= 0 {
		port = 3306
	}
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))

	if len(s.Database) > 0 {
		cfg.DBName = s.Database
	}
	if len(s.User) > 0 {
		cfg.User = s.User
	}
	if len(s.Password) > 0 {
		cfg.Passwd = s.Password
	}
	if len(s.Options) > 0 {
		cfg.Params = make(map[string]string)
		for _, kv := range strings.Split(s.Options, "&") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			cfg.Params[k] = v
		}
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	// One pool slot maps to one real connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &mysqlConn{db: db}, nil
}

type mysqlConn struct {
	db     *sql.DB
	closed uint32
}

// DB exposes the underlying sql.DB to the application logic holding
// this connection's handle.
func (c *mysqlConn) DB() *sql.DB { return c.db }

func (c *mysqlConn) IsOpen() bool {
	return atomic.LoadUint32(&c.closed) == 0
}

func (c *mysqlConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *mysqlConn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	return c.db.Close()
}
