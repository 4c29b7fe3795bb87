package safe_close

import "sync"

// SafeClose coordinates the shutdown of a service and its sub goroutines.
//
// The main service goroutine waits on ReceiveCloseSignal and calls Done
// before it returns. Sub goroutines are started through Attach and also
// wait on ReceiveCloseSignal. Any of them may call SendCloseSignal on a
// fatal error. External callers use CloseWait, which returns only after
// Done was called and every attached goroutine has finished.
type SafeClose struct {
	m        sync.Mutex
	wg       sync.WaitGroup
	closing  chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func NewSafeClose() *SafeClose {
	return &SafeClose{
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// CloseWait sends a close signal and blocks until the service is fully
// closed. Concurrent safe, may be called multiple times. Must not be
// called from inside an attached goroutine, that would deadlock.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal requests a close. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closing:
	default:
		if err != nil {
			s.err = err
		}
		close(s.closing)
	}
}

// Err returns the error that triggered the close, if any.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.err
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closing
}

// Attach starts f in a new goroutine tracked by CloseWait.
// f must return after closeSignal is closed and must call done exactly once.
// If the service is already closing, f is not started.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) {
	s.m.Lock()
	select {
	case <-s.closing:
		s.m.Unlock()
		return
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go f(s.wg.Done, s.closing)
}

// Done notifies CloseWait that the main service goroutine has finished.
// Concurrent safe, may be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
