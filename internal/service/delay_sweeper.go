package service

import (
	"context"
	"time"

	"github.com/facebookgo/clock"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
)

// DelaySweeper resumes executions whose delay step has elapsed.
type DelaySweeper struct {
	*periodicSweep
	engine *WorkflowEngine
	log    *logger.Logger
}

func NewDelaySweeper(engine *WorkflowEngine, clk clock.Clock, interval time.Duration, m *metrics.Metrics, log *logger.Logger) *DelaySweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &DelaySweeper{engine: engine, log: log.Component("delay_sweeper")}
	s.periodicSweep = newPeriodicSweep("delays", interval, clk, s.sweep, m, s.log)
	return s
}

func (s *DelaySweeper) sweep(ctx context.Context) error {
	resumed, err := s.engine.ResumeDueDelays(ctx)
	if resumed > 0 {
		s.log.Info().Int("resumed", resumed).Msg("Delayed executions resumed")
	}
	return err
}
