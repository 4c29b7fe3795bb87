package connpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strandapp/strand/pkg/stack"
)

var nopLogger = zap.NewNop()

var (
	// ErrKindUnavailable is returned by Acquire for a kind that has no
	// connector or no settings. Never retried automatically.
	ErrKindUnavailable = errors.New("store kind not available")

	// ErrInvalidHandle is returned by Release for a nil, already
	// released or unknown-kind handle. This is a programming error.
	ErrInvalidHandle = errors.New("invalid connection handle")

	ErrPoolClosed = errors.New("pool closed")
)

const (
	defaultMaxConns        = 128
	defaultReclaimInterval = 10 * time.Second
	defaultIdleTimeout     = 30 * time.Second
	defaultOpenTimeout     = 5 * time.Second
)

type PoolOpts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Env selects the settings environment, e.g. "product" or "dev".
	Env string

	// Provider resolves per-kind settings. A nil Provider marks every
	// kind unavailable.
	Provider SettingsProvider

	// Connectors lists the store kinds this pool manages.
	Connectors []Connector

	// MaxConns is the fixed number of connection slots per kind.
	// Default is 128.
	MaxConns int

	// ReclaimInterval is the period of the idle reclamation timer.
	// Default is 10s.
	ReclaimInterval time.Duration

	// IdleTimeout is how long a kind's cached connections may sit
	// unused before reclamation starts closing them. Default is 30s.
	IdleTimeout time.Duration

	// OpenTimeout bounds a single connector Open call. Default is 5s.
	OpenTimeout time.Duration
}

func (opts *PoolOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = defaultReclaimInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
}

// entry is one pooled connection slot. Its fields are only touched by
// the goroutine that popped the slot's name off one of the stacks, the
// stacks are the ownership transfer points.
type entry struct {
	name string
	conn Conn // nil while the slot is closed
}

// kindState is the pool state of a single store kind. The two stacks
// and the watermark are the only shared mutable state.
type kindState struct {
	connector Connector
	settings  Settings

	// available holds the names of closed slots, ready to be opened on
	// demand. cached holds the names of open idle connections, ready
	// for immediate reuse.
	available *stack.Stack[string]
	cached    *stack.Stack[string]

	// lastCached is the unix time of the most recent Release for this
	// kind, read by the reclamation timer.
	lastCached atomic.Int64

	entries map[string]*entry // fixed at construction
}

// Pool is a type-indexed pool of named store connections. For every
// configured kind it owns a fixed number of slots, each slot is always
// in exactly one of three places: the available stack (closed), the
// cached stack (open, idle) or held by a caller (in use).
type Pool struct {
	opts PoolOpts

	kinds map[Kind]*kindState

	metrics *poolMetrics

	closeOnce sync.Once
	closeCh   chan struct{}
	reclaimWG sync.WaitGroup
}

// New builds the pool and opens no connections. Kinds whose settings
// cannot be resolved are left unavailable, Acquire for them fails fast.
func New(opts PoolOpts) *Pool {
	opts.init()
	p := &Pool{
		opts:    opts,
		kinds:   make(map[Kind]*kindState),
		closeCh: make(chan struct{}),
	}
	p.metrics = newPoolMetrics(p)

	for _, c := range opts.Connectors {
		kind := c.Kind()
		if opts.Provider == nil {
			p.opts.Logger.Debug("store not available, no settings provider", zap.String("kind", string(kind)))
			continue
		}
		s, ok := opts.Provider.KindSettings(kind, opts.Env)
		if !ok {
			p.opts.Logger.Debug("store not available", zap.String("kind", string(kind)), zap.String("env", opts.Env))
			continue
		}

		ks := &kindState{
			connector: c,
			settings:  s,
			available: stack.New[string](),
			cached:    stack.New[string](),
			entries:   make(map[string]*entry, opts.MaxConns),
		}
		for i := 0; i < opts.MaxConns; i++ {
			name := fmt.Sprintf("%s_%02d", kind, i)
			ks.entries[name] = &entry{name: name}
			ks.available.Push(name)
			p.opts.Logger.Debug("added connection slot", zap.String("name", name))
		}
		p.kinds[kind] = ks
	}

	if len(p.kinds) > 0 {
		p.reclaimWG.Add(1)
		go p.reclaimLoop()
	}
	return p
}

// Available reports whether kind is configured and usable.
func (p *Pool) Available(kind Kind) bool {
	_, ok := p.kinds[kind]
	return ok
}

// Acquire returns an open connection handle of the given kind.
// If every slot is in use it waits, yielding between retries, until a
// slot frees or ctx is done. The returned handle must be given back
// with Release.
func (p *Pool) Acquire(ctx context.Context, kind Kind) (*Handle, error) {
	ks, ok := p.kinds[kind]
	if !ok {
		p.opts.Logger.Error("store not available, check the settings file", zap.String("kind", string(kind)))
		p.metrics.acquireFailures.Inc()
		return nil, fmt.Errorf("%w: %s", ErrKindUnavailable, kind)
	}

	for {
		// Fast path: reuse an open idle connection, no I/O.
		if name, ok := ks.cached.Pop(); ok {
			e := ks.entries[name]
			if e.conn != nil && e.conn.IsOpen() {
				p.opts.Logger.Debug("got cached connection", zap.String("name", name))
				p.metrics.acquires.Inc()
				return &Handle{kind: kind, name: name, conn: e.conn}, nil
			}

			// A cached slot must hold an open connection.
			p.opts.Logger.Error("pooled connection is not open", zap.String("name", name))
			e.conn = nil
			ks.available.Push(name)
			continue
		}

		if name, ok := ks.available.Pop(); ok {
			e := ks.entries[name]
			if e.conn != nil && e.conn.IsOpen() {
				p.opts.Logger.Warn("got an open connection from the available stack", zap.String("name", name))
				p.metrics.acquires.Inc()
				return &Handle{kind: kind, name: name, conn: e.conn}, nil
			}

			// Open outside of any lock, only this goroutine owns the slot.
			openCtx, cancel := context.WithTimeout(ctx, p.opts.OpenTimeout)
			conn, err := ks.connector.Open(openCtx, name, ks.settings)
			cancel()
			if err != nil {
				// Keep the slot poolable, the total cardinality per
				// kind never changes.
				ks.available.Push(name)
				p.opts.Logger.Error("failed to open store connection",
					zap.String("kind", string(kind)), zap.String("name", name), zap.Error(err))
				p.metrics.acquireFailures.Inc()
				return nil, fmt.Errorf("open %s connection %s: %w", kind, name, err)
			}

			e.conn = conn
			p.opts.Logger.Debug("store connection opened",
				zap.String("env", p.opts.Env), zap.String("name", name))
			p.metrics.acquires.Inc()
			return &Handle{kind: kind, name: name, conn: conn}, nil
		}

		// All slots in use. Wait transiently for a Release, a slot
		// always comes back because the slot count is fixed.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closeCh:
			return nil, ErrPoolClosed
		default:
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

// Release returns the handle's connection to its kind's cached stack
// and invalidates the handle. Releasing a nil, already released or
// unknown-kind handle is a programming error.
func (p *Pool) Release(h *Handle) error {
	if !h.IsValid() {
		p.opts.Logger.Error("release of an invalid handle")
		return ErrInvalidHandle
	}

	ks, ok := p.kinds[h.kind]
	if !ok {
		p.opts.Logger.Error("release of a handle with unknown kind", zap.String("kind", string(h.kind)))
		return fmt.Errorf("%w: unknown kind %s", ErrInvalidHandle, h.kind)
	}

	ks.cached.Push(h.name)
	ks.lastCached.Store(time.Now().Unix())
	p.opts.Logger.Debug("pooled connection", zap.String("name", h.name))

	h.conn = nil
	return nil
}

func (p *Pool) reclaimLoop() {
	defer p.reclaimWG.Done()

	ticker := time.NewTicker(p.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			for p.reclaimPass() > 0 {
			}
		}
	}
}

// reclaimPass moves at most one idle connection per kind from the
// cached stack back to the available stack, closing it on the way.
// It returns the number of connections moved.
func (p *Pool) reclaimPass() int {
	moved := 0
	now := time.Now().Unix()

	for kind, ks := range p.kinds {
		if now-ks.lastCached.Load() < int64(p.opts.IdleTimeout/time.Second) {
			continue
		}
		name, ok := ks.cached.Pop()
		if !ok {
			continue
		}

		e := ks.entries[name]
		if e.conn != nil {
			if err := e.conn.Close(); err != nil {
				p.opts.Logger.Warn("failed to close idle connection",
					zap.String("name", name), zap.Error(err))
			}
			e.conn = nil
		}
		ks.available.Push(name)
		p.metrics.reclaimed.Inc()
		p.opts.Logger.Debug("closed idle store connection",
			zap.String("kind", string(kind)), zap.String("name", name))
		moved++
	}
	return moved
}

// Close stops the reclamation timer and closes every idle connection.
// Callers must have released all handles before Close.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.reclaimWG.Wait()

		for _, ks := range p.kinds {
			for {
				name, ok := ks.cached.Pop()
				if !ok {
					break
				}
				e := ks.entries[name]
				if e.conn != nil {
					_ = e.conn.Close()
					e.conn = nil
				}
				ks.available.Push(name)
			}
		}
	})
}

// counts returns the per-kind slot distribution, used by metrics and tests.
func (p *Pool) counts(kind Kind) (available, cached, inUse int) {
	ks, ok := p.kinds[kind]
	if !ok {
		return 0, 0, 0
	}
	available = ks.available.Len()
	cached = ks.cached.Len()
	inUse = p.opts.MaxConns - available - cached
	return available, cached, inUse
}
