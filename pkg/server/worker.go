package server

import (
	"net"

	"go.uber.org/zap"
)

// worker owns one execution context of the pool. It blocks on its conn
// channel until the accept loop dispatches a connection to it, serves
// the connection, then registers itself back on the free stack.
type worker struct {
	s      *Server
	id     int
	connCh chan net.Conn
}

func (w *worker) loop() {
	for c := range w.connCh {
		w.s.metrics.busyWorkers.Inc()
		w.serve(c)
		w.s.metrics.busyWorkers.Dec()
		w.s.inflight.Done()
		w.s.free.Push(w)
	}
}

func (w *worker) serve(c net.Conn) {
	defer c.Close()
	defer func() {
		if v := recover(); v != nil {
			w.s.opts.Logger.Error("handler panic",
				zap.Int("worker", w.id), zap.Any("panic", v), zap.Stack("stack"))
		}
	}()

	w.s.opts.Logger.Debug("worker dispatched",
		zap.Int("worker", w.id), zap.Stringer("from", c.RemoteAddr()))
	w.s.opts.Handler.ServeConn(w.s.baseCtx, c)
}
