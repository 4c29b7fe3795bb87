// Package conn_handler implements the built-in application logic run by
// the server workers: a line-oriented text protocol over the accepted
// connection, backed by the cache store and the connection pool.
package conn_handler

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strandapp/strand/pkg/connpool"
)

var nopLogger = zap.NewNop()

const (
	defaultQueryTimeout = 5 * time.Second
	defaultIdleTimeout  = 10 * time.Second
)

// Store is the cache surface consumed by the handler.
type Store interface {
	Get(key string) []byte
	Set(key string, value []byte, ttl time.Duration) bool
	Remove(key string) bool
	Count() int
	DBSize() int64
	GC()
}

// Pool is the connection-pool surface consumed by the handler.
type Pool interface {
	Acquire(ctx context.Context, kind connpool.Kind) (*connpool.Handle, error)
	Release(h *connpool.Handle) error
}

type EntryHandlerOpts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Store serves the cache commands. Required.
	Store Store

	// Pool serves the PING command. Optional, PING fails without it.
	Pool Pool

	// QueryTimeout bounds a single command. Default is 5s.
	QueryTimeout time.Duration

	// IdleTimeout closes a connection with no complete command within
	// the period. Default is 10s.
	IdleTimeout time.Duration
}

func (opts *EntryHandlerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
}

// EntryHandler answers newline-terminated commands:
//
//	GET <key>
//	SET <key> <ttl_millis> <value>
//	DEL <key>
//	COUNT
//	SIZE
//	GC
//	PING <kind>
//	QUIT
//
// Replies are a single line, "+..." on success, "-ERR ..." on failure.
// A command error never terminates the connection.
type EntryHandler struct {
	opts EntryHandlerOpts
}

func NewEntryHandler(opts EntryHandlerOpts) *EntryHandler {
	opts.init()
	return &EntryHandler{opts: opts}
}

func (h *EntryHandler) ServeConn(ctx context.Context, c net.Conn) {
	br := bufio.NewReader(c)
	bw := bufio.NewWriter(c)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.SetReadDeadline(time.Now().Add(h.opts.IdleTimeout))
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}

		cmdCtx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
		quit := h.handleCommand(cmdCtx, bw, strings.TrimRight(line, "\r\n"))
		cancel()

		if err := bw.Flush(); err != nil || quit {
			return
		}
	}
}

func (h *EntryHandler) handleCommand(ctx context.Context, bw *bufio.Writer, line string) (quit bool) {
	fields := strings.SplitN(line, " ", 4)
	cmd := strings.ToUpper(fields[0])

	switch cmd {
	case "GET":
		if len(fields) != 2 {
			fmt.Fprintf(bw, "-ERR usage: GET <key>\n")
			return false
		}
		v := h.opts.Store.Get(fields[1])
		if v == nil {
			fmt.Fprintf(bw, "-ERR not found\n")
			return false
		}
		bw.WriteByte('+')
		bw.Write(v)
		bw.WriteByte('\n')

	case "SET":
		if len(fields) != 4 {
			fmt.Fprintf(bw, "-ERR usage: SET <key> <ttl_millis> <value>\n")
			return false
		}
		ttl, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || ttl <= 0 {
			fmt.Fprintf(bw, "-ERR invalid ttl\n")
			return false
		}
		if !h.opts.Store.Set(fields[1], []byte(fields[3]), time.Duration(ttl)*time.Millisecond) {
			fmt.Fprintf(bw, "-ERR store failed\n")
			return false
		}
		fmt.Fprintf(bw, "+OK\n")

	case "DEL":
		if len(fields) != 2 {
			fmt.Fprintf(bw, "-ERR usage: DEL <key>\n")
			return false
		}
		if !h.opts.Store.Remove(fields[1]) {
			fmt.Fprintf(bw, "-ERR store failed\n")
			return false
		}
		fmt.Fprintf(bw, "+OK\n")

	case "COUNT":
		fmt.Fprintf(bw, "+%d\n", h.opts.Store.Count())

	case "SIZE":
		fmt.Fprintf(bw, "+%d\n", h.opts.Store.DBSize())

	case "GC":
		h.opts.Store.GC()
		fmt.Fprintf(bw, "+OK\n")

	case "PING":
		if len(fields) != 2 {
			fmt.Fprintf(bw, "-ERR usage: PING <kind>\n")
			return false
		}
		h.ping(ctx, bw, connpool.Kind(fields[1]))

	case "QUIT":
		fmt.Fprintf(bw, "+BYE\n")
		return true

	default:
		fmt.Fprintf(bw, "-ERR unknown command %q\n", cmd)
	}
	return false
}

// ping borrows a pooled connection of the given kind, checks its
// liveness and returns it to the pool.
func (h *EntryHandler) ping(ctx context.Context, bw *bufio.Writer, kind connpool.Kind) {
	if h.opts.Pool == nil {
		fmt.Fprintf(bw, "-ERR no pool configured\n")
		return
	}

	handle, err := h.opts.Pool.Acquire(ctx, kind)
	if err != nil {
		h.opts.Logger.Warn("acquire failed", zap.String("kind", string(kind)), zap.Error(err))
		fmt.Fprintf(bw, "-ERR %v\n", err)
		return
	}
	defer h.opts.Pool.Release(handle)

	if err := handle.Conn().Ping(ctx); err != nil {
		fmt.Fprintf(bw, "-ERR %v\n", err)
		return
	}
	fmt.Fprintf(bw, "+PONG\n")
}
