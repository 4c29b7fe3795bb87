package coremain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strandapp/strand/pkg/connpool"
)

type testProvider map[connpool.Kind]connpool.Settings

func (p testProvider) KindSettings(kind connpool.Kind, _ string) (connpool.Settings, bool) {
	s, ok := p[kind]
	return s, ok
}

type testConnector struct {
	kind    connpool.Kind
	openErr error
}

func (c *testConnector) Kind() connpool.Kind { return c.kind }

func (c *testConnector) Open(context.Context, string, connpool.Settings) (connpool.Conn, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	return &testConn{}, nil
}

type testConn struct{ closed bool }

func (c *testConn) IsOpen() bool               { return !c.closed }
func (c *testConn) Ping(context.Context) error { return nil }
func (c *testConn) Close() error               { c.closed = true; return nil }

func newPreloadPool(t *testing.T, c connpool.Connector) *connpool.Pool {
	t.Helper()
	p := connpool.New(connpool.PoolOpts{
		Env:             "test",
		Provider:        testProvider{c.Kind(): {}},
		Connectors:      []connpool.Connector{c},
		MaxConns:        2,
		ReclaimInterval: time.Hour,
	})
	t.Cleanup(p.Close)
	return p
}

func TestPreloadStores(t *testing.T) {
	t.Run("warms every available kind", func(t *testing.T) {
		p := newPreloadPool(t, &testConnector{kind: connpool.Kind("store_a")})

		// store_b is not configured and must be skipped, not fail.
		preload := preloadStores(p, connpool.Kind("store_a"), connpool.Kind("store_b"))
		if err := preload(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("surfaces an open failure", func(t *testing.T) {
		openErr := errors.New("connection refused")
		p := newPreloadPool(t, &testConnector{kind: connpool.Kind("store_a"), openErr: openErr})

		preload := preloadStores(p, connpool.Kind("store_a"))
		if err := preload(); !errors.Is(err, openErr) {
			t.Fatalf("got %v, want the open error", err)
		}
	})
}
