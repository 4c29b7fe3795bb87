package server

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strandapp/strand/pkg/stack"
)

var (
	ErrServerClosed   = errors.New("server closed")
	errMissingHandler = errors.New("missing connection handler")
	errNilListener    = errors.New("nil listener")
)

var nopLogger = zap.NewNop()

const (
	defaultMaxWorkers   = 128
	defaultShutdownWait = 10 * time.Second
	reloadCheckInterval = 500 * time.Millisecond
)

// Handler processes one accepted connection end to end. It runs on a
// pooled worker and must return when ctx is done or the connection is
// exhausted. The server closes the connection after Handler returns.
type Handler interface {
	ServeConn(ctx context.Context, c net.Conn)
}

type ServerOpts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Handler is the application logic run by the workers. Required.
	Handler Handler

	// MaxWorkers is the fixed size of the worker pool, the maximum
	// number of concurrently served connections. Default is 128.
	MaxWorkers int

	// Preload, if set, is run by Start before accepting connections,
	// e.g. to load the application logic. A Preload error fails Start
	// only when Strict is set, otherwise the server starts degraded.
	Preload func() error

	// Strict makes a Preload failure fatal to Start.
	Strict bool

	// ArtifactPath is the application artifact watched by the
	// auto-reload timer. A modification time newer than the serve start
	// triggers OnReloadRequired.
	ArtifactPath string

	// OnReloadRequired is invoked once when a newer artifact is
	// detected, typically to exit so a supervisor restarts the process.
	OnReloadRequired func()

	// ShutdownWait bounds how long Stop waits for in-flight workers.
	// Default is 10s.
	ShutdownWait time.Duration
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = defaultMaxWorkers
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = defaultShutdownWait
	}
}

// Server accepts inbound connections and hands each one to a worker
// drawn from a fixed-size pool. A worker is on the free stack or in
// flight, never both; after serving a connection it pushes itself back.
type Server struct {
	opts ServerOpts

	free     *stack.Stack[*worker]
	workers  []*worker
	inflight sync.WaitGroup
	acceptWG sync.WaitGroup

	m         sync.Mutex
	started   bool
	closed    bool
	listener  net.Listener
	startedAt time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	reloadM    sync.Mutex
	reloadStop chan struct{}

	metrics *serverMetrics
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	s := &Server{
		opts: opts,
		free: stack.New[*worker](),
	}
	s.metrics = newServerMetrics(s)
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s
}

// Closed returns true if the server was stopped.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// Start provisions the worker pool and begins accepting connections on
// l. Calling Start on a server that is already serving is a no-op.
func (s *Server) Start(l net.Listener) error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return nil
	}
	if s.opts.Handler == nil {
		return errMissingHandler
	}
	if l == nil {
		s.opts.Logger.Error("no listening socket")
		return errNilListener
	}

	if s.opts.Preload != nil {
		if err := s.opts.Preload(); err != nil {
			if s.opts.Strict {
				s.opts.Logger.Error("failed to preload application logic", zap.Error(err))
				return err
			}
			s.opts.Logger.Warn("failed to preload application logic", zap.Error(err))
		}
	}

	s.opts.Logger.Debug("starting worker pool", zap.Int("max_workers", s.opts.MaxWorkers))
	s.workers = make([]*worker, s.opts.MaxWorkers)
	for i := 0; i < s.opts.MaxWorkers; i++ {
		w := &worker{
			s:      s,
			id:     i,
			connCh: make(chan net.Conn),
		}
		s.workers[i] = w
		s.free.Push(w)
		go w.loop()
	}

	s.listener = l
	s.started = true
	s.startedAt = time.Now()

	s.acceptWG.Add(1)
	go s.acceptLoop(l)
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.acceptWG.Done()

	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			s.opts.Logger.Error("unexpected listener error", zap.Error(err))
			return
		}

		w, ok := s.acquireWorker()
		if !ok {
			_ = c.Close()
			return
		}
		s.inflight.Add(1)
		s.metrics.dispatched.Inc()
		w.connCh <- c
	}
}

// acquireWorker pops a free worker, retrying with a short yield until
// one is available. The pool never grows, callers may wait but a worker
// always comes back.
func (s *Server) acquireWorker() (*worker, bool) {
	for {
		if w, ok := s.free.Pop(); ok {
			return w, true
		}
		if s.Closed() {
			return nil, false
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

// Stop closes the listener and, unless auto-reloading is active, waits
// a bounded time for in-flight workers to finish before releasing the
// worker pool. Idempotent.
func (s *Server) Stop() {
	s.m.Lock()
	if !s.started || s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true
	l := s.listener
	s.listener = nil
	s.m.Unlock()

	_ = l.Close()
	s.acceptWG.Wait()

	if !s.IsAutoReloadingEnabled() {
		if !waitTimeout(&s.inflight, s.opts.ShutdownWait) {
			s.opts.Logger.Warn("timed out waiting for busy workers")
		}
	}
	s.SetAutoReloadingEnabled(false)

	s.baseCancel()
	for _, w := range s.workers {
		close(w.connCh)
	}
	s.opts.Logger.Debug("server stopped")
}

// SetAutoReloadingEnabled starts or stops the periodic artifact
// staleness check.
func (s *Server) SetAutoReloadingEnabled(enable bool) {
	s.reloadM.Lock()
	defer s.reloadM.Unlock()

	if enable == (s.reloadStop != nil) {
		return
	}
	if enable {
		stop := make(chan struct{})
		s.reloadStop = stop
		go s.reloadLoop(stop)
	} else {
		close(s.reloadStop)
		s.reloadStop = nil
	}
}

func (s *Server) IsAutoReloadingEnabled() bool {
	s.reloadM.Lock()
	defer s.reloadM.Unlock()
	return s.reloadStop != nil
}

// reloadLoop periodically checks whether the application artifact was
// rebuilt since serving started. Coarse, at most one check per
// interval, not a live hot swap.
func (s *Server) reloadLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(reloadCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.newerArtifactExists() {
				s.opts.Logger.Info("detected new application artifact, requesting restart")
				if f := s.opts.OnReloadRequired; f != nil {
					f()
				}
				return
			}
		}
	}
}

func (s *Server) newerArtifactExists() bool {
	if len(s.opts.ArtifactPath) == 0 {
		return false
	}
	fi, err := os.Stat(s.opts.ArtifactPath)
	if err != nil {
		s.opts.Logger.Debug("failed to stat application artifact", zap.Error(err))
		return false
	}

	s.m.Lock()
	loaded := s.startedAt
	s.m.Unlock()
	if loaded.IsZero() {
		return false
	}
	return fi.ModTime().After(loaded)
}

// waitTimeout waits on wg for at most d. Returns false on timeout.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
