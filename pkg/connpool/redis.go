package connpool

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisConnector opens connections of KindRedis.
// Settings mapping: Host/Port form the address (default localhost:6379),
// Database selects the redis logical db number, User/Password are the
// AUTH credentials, Options, if set, is a full redis URL that overrides
// everything else.
type RedisConnector struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger
}

func (c RedisConnector) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return nopLogger
}

func (RedisConnector) Kind() Kind { return KindRedis }

func (c RedisConnector) Open(ctx context.Context, name string, s Settings) (Conn, error) {
	var opt *redis.Options
	if len(s.Options) > 0 {
		var err error
		opt, err = redis.ParseURL(s.Options)
		if err != nil {
			return nil, err
		}
	} else {
		opt = &redis.Options{}
	}

	host := s.Host
	if len(host) == 0 && len(opt.Addr) == 0 {
		host = "localhost"
	}
	if len(host) > 0 {
		port := s.Port
		if port <= 0 {
			port = 6379
		}
		opt.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if len(s.Database) > 0 {
		db, err := strconv.Atoi(s.Database)
		if err != nil {
			c.logger().Warn("invalid redis database number, using 0",
				zap.String("database", s.Database), zap.Error(err))
		} else {
			opt.DB = db
		}
	}
	if len(s.User) > 0 {
		opt.Username = s.User
	}
	if len(s.Password) > 0 {
		opt.Password = s.Password
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisConn{c: client}, nil
}

type redisConn struct {
	c      *redis.Client
	closed uint32
}

// Client exposes the underlying redis client to the application logic
// holding this connection's handle.
func (c *redisConn) Client() *redis.Client { return c.c }

func (c *redisConn) IsOpen() bool {
	return atomic.LoadUint32(&c.closed) == 0
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.c.Ping(ctx).Err()
}

func (c *redisConn) Close() error {
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return nil
	}
	return c.c.Close()
}
