package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// ScheduleSource emits a schedule event into the trigger registry each time
// one of its named cron schedules fires. The event payload carries the
// schedule name under "schedule", which schedule triggers match on.
type ScheduleSource struct {
	registry  *TriggerRegistry
	cron      *cron.Cron
	clock     clock.Clock
	schedules map[string]string
	log       *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduleSource parses every schedule (standard five-field cron syntax or
// descriptors such as @hourly) and fails on the first invalid one.
func NewScheduleSource(registry *TriggerRegistry, schedules map[string]string, clk clock.Clock, log *logger.Logger) (*ScheduleSource, error) {
	s := &ScheduleSource{
		registry:  registry,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		clock:     clk,
		schedules: schedules,
		log:       log.Component("schedule_source"),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	names := make([]string, 0, len(schedules))
	for name := range schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := s.cron.AddFunc(schedules[name], func() { s.fire(s.ctx, name) }); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return s, nil
}

// Start begins firing schedules in the background.
func (s *ScheduleSource) Start() {
	s.cron.Start()
	s.log.Info().Int("schedules", len(s.schedules)).Msg("Schedule source started")
}

// Stop stops the cron runner and waits for running dispatches to finish.
func (s *ScheduleSource) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.log.Info().Msg("Schedule source stopped")
}

func (s *ScheduleSource) fire(ctx context.Context, name string) *DispatchResult {
	payload := map[string]any{
		"schedule": name,
		"fired_at": s.clock.Now().UTC().Format(time.RFC3339),
	}
	result, err := s.registry.Dispatch(ctx, repository.TriggerSchedule, payload)
	if err != nil {
		s.log.Warn().Err(err).Str("schedule", name).Msg("Schedule dispatch failed")
		return nil
	}
	s.log.Debug().
		Str("schedule", name).
		Int("started", len(result.Started)).
		Int("failed", len(result.Failures)).
		Msg("Schedule fired")
	return result
}
