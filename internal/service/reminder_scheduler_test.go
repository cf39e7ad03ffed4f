package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

func TestReminderSweepRemindsThenEscalatesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scheduler := NewReminderScheduler(h.approvals, h.clock, ReminderConfig{Interval: time.Minute, Threshold: 4 * time.Hour}, h.metrics, logger.Nop())

	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice", "bob"))
	exec := h.start(t, "invoice", nil)
	reqs := h.requests(t, exec.ID)

	// Outside the reminder window nothing happens.
	ran, err := scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, h.notifier.events("approval_reminder"))

	h.clock.Add(testDue - 3*time.Hour)
	for i := 0; i < 3; i++ {
		_, err := scheduler.RunOnce(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, h.notifier.events("approval_reminder"), 2)
	assert.Empty(t, h.notifier.events("approval_escalated"))

	// Bob answers; only Alice's request is overdue.
	respond(t, h, reqs["bob"], repository.ApprovalRejected)

	h.clock.Add(3 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := scheduler.RunOnce(ctx)
		require.NoError(t, err)
	}
	escalations := h.notifier.events("approval_escalated")
	require.Len(t, escalations, 1)
	assert.Equal(t, reqs["alice"].ID, escalations[0].Data["request_id"])

	// Past the extended due date nothing is escalated a second time.
	h.clock.Add(testGrace + time.Hour)
	_, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, h.notifier.events("approval_escalated"), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Escalations))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Reminders))
}

func TestReminderSweepRetriesFailedEscalation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scheduler := NewReminderScheduler(h.approvals, h.clock, ReminderConfig{Interval: time.Minute}, h.metrics, logger.Nop())

	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	h.start(t, "invoice", nil)
	h.clock.Add(testDue)

	h.notifier.failEvent("approval_escalated", true)
	_, err := scheduler.RunOnce(ctx)
	assert.Error(t, err)

	h.notifier.failEvent("approval_escalated", false)
	_, err = scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, h.notifier.events("approval_escalated"), 1)
}

func TestPeriodicSweepSkipsOverlappingRuns(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	var runs atomic.Int32

	sweep := newPeriodicSweep("test", time.Second, h.clock, func(context.Context) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	}, h.metrics, logger.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		ran, err := sweep.RunOnce(context.Background())
		assert.NoError(t, err)
		assert.True(t, ran)
	}()
	<-entered

	ran, err := sweep.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "a sweep is already in flight")

	close(release)
	<-done
	assert.EqualValues(t, 1, runs.Load())
}

func TestPeriodicSweepRunsOnTicks(t *testing.T) {
	h := newHarness(t)
	var runs atomic.Int32
	sweep := newPeriodicSweep("test", time.Minute, h.clock, func(context.Context) error {
		runs.Add(1)
		return nil
	}, h.metrics, logger.Nop())

	sweep.Start(context.Background())
	sweep.Start(context.Background())
	h.clock.Add(time.Minute)
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)

	sweep.Stop()
	sweep.Stop()
	after := runs.Load()
	h.clock.Add(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestDelaySweeperResumesDueExecutions(t *testing.T) {
	h := newHarness(t)
	sweeper := NewDelaySweeper(h.engine, h.clock, time.Second, h.metrics, logger.Nop())
	h.publish(t, &repository.WorkflowDefinition{
		ID: "cooling-off",
		Steps: []repository.Step{
			{ID: "wait", Type: repository.StepTypeDelay, Delay: &repository.DelayConfig{Duration: repository.Duration{Duration: 30 * time.Minute}}},
		},
	})
	exec := h.start(t, "cooling-off", nil)

	_, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, repository.ExecutionRunning, h.execution(t, exec.ID).Status)

	h.clock.Add(30 * time.Minute)
	_, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, repository.ExecutionCompleted, h.execution(t, exec.ID).Status)
}
