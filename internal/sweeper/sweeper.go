// Package sweeper runs the periodic timeout pass that fails RUNNING tasks
// whose heartbeat lapsed or whose execution budget ran out.
package sweeper

import (
	"context"
	"time"

	"labtasker/internal/logging"
	"labtasker/internal/storage"
)

// Sweeper periodically invokes the engine's timeout handling.
type Sweeper struct {
	engine   *storage.Engine
	interval time.Duration
	log      logging.Logger
	stop     chan struct{}
	done     chan struct{}
}

// New creates a sweeper running every interval.
func New(engine *storage.Engine, interval time.Duration) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
		log:      logging.NewComponentLogger("sweeper"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run loops until ctx is cancelled or Stop is called. A failing sweep is
// logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	defer close(s.done)
	s.log.Info("timeout sweeper started (interval %s)", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.engine.HandleTimeouts(ctx); err != nil {
				s.log.Error("timeout sweep failed: %v", err)
			}
		case <-ctx.Done():
			s.log.Info("timeout sweeper stopped: %v", ctx.Err())
			return
		case <-s.stop:
			s.log.Info("timeout sweeper stopped")
			return
		}
	}
}

// Stop terminates the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
