package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/facebookgo/clock"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
)

// ReminderConfig tunes the ReminderScheduler.
type ReminderConfig struct {
	Interval time.Duration
	// Threshold is how long before due_by a reminder is sent.
	Threshold time.Duration
}

// ReminderScheduler sweeps pending approval requests on every tick. Requests
// past due are escalated; requests within the reminder threshold of their due
// date get one reminder. It holds no workflow state of its own.
type ReminderScheduler struct {
	*periodicSweep
	approvals *ApprovalCoordinator
	clock     clock.Clock
	threshold time.Duration
	log       *logger.Logger
}

// NewReminderScheduler creates a scheduler. Call Start to begin ticking.
func NewReminderScheduler(approvals *ApprovalCoordinator, clk clock.Clock, cfg ReminderConfig, m *metrics.Metrics, log *logger.Logger) *ReminderScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	s := &ReminderScheduler{
		approvals: approvals,
		clock:     clk,
		threshold: cfg.Threshold,
		log:       log.Component("reminder_scheduler"),
	}
	s.periodicSweep = newPeriodicSweep("reminders", cfg.Interval, clk, s.sweep, m, s.log)
	return s
}

func (s *ReminderScheduler) sweep(ctx context.Context) error {
	now := s.clock.Now().UTC()
	requests, err := s.approvals.PendingDueBefore(ctx, now.Add(s.threshold))
	if err != nil {
		return err
	}

	var errs []error
	escalated, reminded := 0, 0
	for _, req := range requests {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		var (
			done bool
			err  error
		)
		switch {
		case !now.Before(req.DueBy):
			if req.EscalatedAt != nil {
				continue
			}
			done, err = s.approvals.Escalate(ctx, req.ID)
			if done {
				escalated++
			}
		case req.RemindedAt == nil && req.EscalatedAt == nil:
			done, err = s.approvals.Remind(ctx, req.ID)
			if done {
				reminded++
			}
		}

		// A response may have closed the request since it was listed.
		if errors.Is(err, errors.ErrCodeInvalidState) {
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Reminder sweep failed for request, retrying next tick")
			errs = append(errs, err)
		}
	}

	if escalated > 0 || reminded > 0 {
		s.log.Info().Int("escalated", escalated).Int("reminded", reminded).Msg("Reminder sweep completed")
	}
	return stderrors.Join(errs...)
}
