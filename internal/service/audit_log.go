package service

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// Audit actions.
const (
	AuditExecutionStarted   = "execution.started"
	AuditExecutionCompleted = "execution.completed"
	AuditExecutionFailed    = "execution.failed"
	AuditExecutionCancelled = "execution.cancelled"
	AuditStepEntered        = "step.entered"
	AuditStepCompleted      = "step.completed"
	AuditStepFailed         = "step.failed"
	AuditStepWaiting        = "step.waiting"
	AuditApprovalRequested  = "approval.requested"
	AuditApprovalDecided    = "approval.decided"
	AuditApprovalDelegated  = "approval.delegated"
	AuditApprovalEscalated  = "approval.escalated"
	AuditApprovalReminded   = "approval.reminded"
	AuditBatchResolved      = "approval.batch_resolved"
)

// systemActor is recorded for transitions not caused by a user.
const systemActor = "system"

// AuditLog appends the immutable record of state transitions. Appends happen
// after the transition they describe has been committed and never fail the
// caller; a failed append is logged and counted.
type AuditLog struct {
	store   repository.AuditStore
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewAuditLog creates an AuditLog.
func NewAuditLog(store repository.AuditStore, clk clock.Clock, m *metrics.Metrics, log *logger.Logger) *AuditLog {
	return &AuditLog{store: store, clock: clk, metrics: m, log: log.Component("audit_log")}
}

// Append writes one entry, filling in the id and timestamp when unset.
func (a *AuditLog) Append(ctx context.Context, entry *repository.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.clock.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = systemActor
	}

	// The transition is already committed; a cancelled request must not lose its record.
	if err := a.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		a.metrics.AuditFailures.Inc()
		a.log.Warn().Err(err).
			Str("execution_id", entry.ExecutionID).
			Str("action", entry.Action).
			Msg("Failed to append audit entry")
	}
}

// Record is a shorthand for Append.
func (a *AuditLog) Record(ctx context.Context, executionID, stepExecutionID, actor, action string, before, after, metadata map[string]any) {
	a.Append(ctx, &repository.AuditEntry{
		ExecutionID:     executionID,
		StepExecutionID: stepExecutionID,
		Actor:           actor,
		Action:          action,
		Before:          before,
		After:           after,
		Metadata:        metadata,
	})
}

// ListByExecution returns the audit trail of an execution oldest-first.
func (a *AuditLog) ListByExecution(ctx context.Context, executionID string) ([]*repository.AuditEntry, error) {
	return a.store.ListAuditByExecution(ctx, executionID)
}
