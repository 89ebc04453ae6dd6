package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SignalCoordinator turns termination signals into cancellation of a single
// run context. Only the first signal has an effect.
type SignalCoordinator struct {
	// Signals defaults to SIGINT and SIGTERM.
	Signals []os.Signal
	Logger  *zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	received []os.Signal
}

func (s *SignalCoordinator) logger() *zerolog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return &log.Logger
}

// Watch returns a context cancelled on the first watched signal. stop
// releases the signal handlers and cancels the context.
func (s *SignalCoordinator) Watch(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	sigs := s.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				s.Trigger(sig)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
			cancel(nil)
		})
	}
}

// Trigger cancels the run as if sig had been delivered. Repeated calls only
// log.
func (s *SignalCoordinator) Trigger(sig os.Signal) {
	s.mu.Lock()
	s.received = append(s.received, sig)
	first := len(s.received) == 1
	cancel := s.cancel
	s.mu.Unlock()

	if !first {
		s.logger().Warn().Stringer("signal", sig).Msg("already cancelling, waiting for running tasks to stop")
		return
	}
	s.logger().Warn().Stringer("signal", sig).Msg("interrupt received, cancelling run")
	if cancel != nil {
		cancel(fmt.Errorf("%w by %s", ErrInterrupted, sig))
	}
}

// Interrupted reports whether any signal was received.
func (s *SignalCoordinator) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received) > 0
}
