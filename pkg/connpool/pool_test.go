package connpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider map[Kind]Settings

func (p fakeProvider) KindSettings(kind Kind, _ string) (Settings, bool) {
	s, ok := p[kind]
	return s, ok
}

type fakeConnector struct {
	kind    Kind
	openErr error

	open    int32 // currently open
	maxOpen int32 // high watermark
}

func (c *fakeConnector) Kind() Kind { return c.kind }

func (c *fakeConnector) Open(_ context.Context, _ string, _ Settings) (Conn, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	n := atomic.AddInt32(&c.open, 1)
	for {
		max := atomic.LoadInt32(&c.maxOpen)
		if n <= max || atomic.CompareAndSwapInt32(&c.maxOpen, max, n) {
			break
		}
	}
	return &fakeConn{connector: c}, nil
}

type fakeConn struct {
	connector *fakeConnector
	closed    uint32
}

func (c *fakeConn) IsOpen() bool {
	return atomic.LoadUint32(&c.closed) == 0
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		atomic.AddInt32(&c.connector.open, -1)
	}
	return nil
}

const testKind = Kind("teststore")

func newTestPool(t *testing.T, maxConns int, connector *fakeConnector) *Pool {
	t.Helper()
	p := New(PoolOpts{
		Env:        "test",
		Provider:   fakeProvider{testKind: {}},
		Connectors: []Connector{connector},
		MaxConns:   maxConns,
		// Keep the timer out of the way, reclamation is tested directly.
		ReclaimInterval: time.Hour,
	})
	t.Cleanup(p.Close)
	return p
}

func checkCounts(t *testing.T, p *Pool, wantAvailable, wantCached, wantInUse int) {
	t.Helper()
	available, cached, inUse := p.counts(testKind)
	if available != wantAvailable || cached != wantCached || inUse != wantInUse {
		t.Fatalf("slot counts = %d/%d/%d, want %d/%d/%d",
			available, cached, inUse, wantAvailable, wantCached, wantInUse)
	}
}

func Test_pool_acquireRelease(t *testing.T) {
	p := newTestPool(t, 4, &fakeConnector{kind: testKind})
	ctx := context.Background()

	h, err := p.Acquire(ctx, testKind)
	if err != nil {
		t.Fatal(err)
	}
	if !h.IsValid() || !h.Conn().IsOpen() {
		t.Fatal("acquired handle is not open")
	}
	checkCounts(t, p, 3, 0, 1)

	if err := p.Release(h); err != nil {
		t.Fatal(err)
	}
	if h.IsValid() {
		t.Fatal("handle still valid after release")
	}
	checkCounts(t, p, 3, 1, 0)

	// The released connection must come back on the fast path, open.
	h2, err := p.Acquire(ctx, testKind)
	if err != nil {
		t.Fatal(err)
	}
	if !h2.Conn().IsOpen() {
		t.Fatal("cached connection is not open")
	}
	checkCounts(t, p, 3, 0, 1)
	p.Release(h2)
}

func Test_pool_kindUnavailable(t *testing.T) {
	p := newTestPool(t, 2, &fakeConnector{kind: testKind})

	_, err := p.Acquire(context.Background(), Kind("nosuch"))
	if !errors.Is(err, ErrKindUnavailable) {
		t.Fatalf("want ErrKindUnavailable, got %v", err)
	}
}

func Test_pool_openFailure(t *testing.T) {
	c := &fakeConnector{kind: testKind, openErr: errors.New("connection refused")}
	p := newTestPool(t, 4, c)

	_, err := p.Acquire(context.Background(), testKind)
	if err == nil {
		t.Fatal("want open error")
	}
	// The slot goes back to the available stack, capacity is preserved.
	checkCounts(t, p, 4, 0, 0)
}

func Test_pool_releaseInvalid(t *testing.T) {
	p := newTestPool(t, 2, &fakeConnector{kind: testKind})

	if err := p.Release(nil); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("want ErrInvalidHandle, got %v", err)
	}

	h, err := p.Acquire(context.Background(), testKind)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("double release: want ErrInvalidHandle, got %v", err)
	}

	bad := &Handle{kind: Kind("nosuch"), name: "x", conn: &fakeConn{connector: &fakeConnector{}}}
	if err := p.Release(bad); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("unknown kind: want ErrInvalidHandle, got %v", err)
	}
}

func Test_pool_reclaimPass(t *testing.T) {
	p := newTestPool(t, 4, &fakeConnector{kind: testKind})
	ctx := context.Background()

	handles := make([]*Handle, 0, 3)
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(ctx, testKind)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		p.Release(h)
	}
	checkCounts(t, p, 1, 3, 0)

	ks := p.kinds[testKind]

	// Watermark is fresh, nothing to reclaim yet.
	if moved := p.reclaimPass(); moved != 0 {
		t.Fatalf("reclaimed %d connections before idle timeout", moved)
	}

	// Age the watermark past the idle timeout. Each pass moves exactly
	// one connection per kind, until the cached stack is empty.
	ks.lastCached.Store(time.Now().Add(-time.Minute).Unix())
	for want := 2; want >= 0; want-- {
		if moved := p.reclaimPass(); moved != 1 {
			t.Fatalf("pass moved %d connections, want 1", moved)
		}
		checkCounts(t, p, 4-want, want, 0)
	}
	if moved := p.reclaimPass(); moved != 0 {
		t.Fatal("reclaim pass moved a connection off an empty cached stack")
	}
}

func Test_pool_race(t *testing.T) {
	const maxConns = 4
	c := &fakeConnector{kind: testKind}
	p := newTestPool(t, maxConns, c)

	wg := sync.WaitGroup{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for j := 0; j < 128; j++ {
				h, err := p.Acquire(ctx, testKind)
				if err != nil {
					t.Error(err)
					return
				}
				if !h.Conn().IsOpen() {
					t.Error("acquired connection is not open")
					return
				}
				p.Release(h)
			}
		}()
	}
	wg.Wait()

	if max := atomic.LoadInt32(&c.maxOpen); max > maxConns {
		t.Fatalf("observed %d simultaneously open connections, capacity is %d", max, maxConns)
	}
	available, cached, inUse := p.counts(testKind)
	if available+cached != maxConns || inUse != 0 {
		t.Fatalf("slot leak: available=%d cached=%d inUse=%d", available, cached, inUse)
	}
}
