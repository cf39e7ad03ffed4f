package service

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/sync/semaphore"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
)

// periodicSweep runs a sweep function on every tick of a clock ticker. A tick
// that arrives while the previous sweep is still running is skipped.
type periodicSweep struct {
	name     string
	interval time.Duration
	clock    clock.Clock
	run      func(ctx context.Context) error
	inFlight *semaphore.Weighted
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sweeps sync.WaitGroup
}

func newPeriodicSweep(name string, interval time.Duration, clk clock.Clock, run func(context.Context) error, m *metrics.Metrics, log *logger.Logger) *periodicSweep {
	return &periodicSweep{
		name:     name,
		interval: interval,
		clock:    clk,
		run:      run,
		inFlight: semaphore.NewWeighted(1),
		metrics:  m,
		log:      log,
	}
}

// Start launches the ticker loop. It returns immediately; calling it twice is
// a no-op.
func (s *periodicSweep) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	ticker := s.clock.Ticker(s.interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Each tick gets its own goroutine so an overlapping tick
				// observes the in-flight sweep and is skipped.
				s.sweeps.Add(1)
				go func() {
					defer s.sweeps.Done()
					_, _ = s.RunOnce(ctx)
				}()
			}
		}
	}()

	s.log.Info().Str("sweep", s.name).Dur("interval", s.interval).Msg("Sweep started")
}

// Stop ends the ticker loop and waits for it to exit. An in-flight sweep is
// cancelled through its context.
func (s *periodicSweep) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.sweeps.Wait()
	s.log.Info().Str("sweep", s.name).Msg("Sweep stopped")
}

// RunOnce performs one sweep unless another is in flight, in which case it
// reports false without running.
func (s *periodicSweep) RunOnce(ctx context.Context) (bool, error) {
	if !s.inFlight.TryAcquire(1) {
		s.log.Debug().Str("sweep", s.name).Msg("Previous sweep still running, skipping tick")
		return false, nil
	}
	defer s.inFlight.Release(1)

	start := time.Now()
	err := s.run(ctx)
	s.metrics.SweepDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.Warn().Err(err).Str("sweep", s.name).Msg("Sweep finished with errors")
	}
	return true, err
}
