package repository

import (
	"context"
	"time"
)

// DefinitionStore persists published workflow definitions.
type DefinitionStore interface {
	// CreateDefinition inserts a new (id, version). Returns CONFLICT when the
	// version already exists.
	CreateDefinition(ctx context.Context, def *WorkflowDefinition) error
	// GetDefinition returns a specific version; version 0 means latest.
	GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error)
	// LatestDefinitionVersion returns 0 when the definition does not exist.
	LatestDefinitionVersion(ctx context.Context, id string) (int, error)
}

// ExecutionStore persists executions and their step executions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, exec *WorkflowExecution) error

	CreateStepExecution(ctx context.Context, step *StepExecution) error
	GetStepExecution(ctx context.Context, id string) (*StepExecution, error)
	UpdateStepExecution(ctx context.Context, step *StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)
	// ListDueDelays returns running delay step executions with resume_at <= now.
	ListDueDelays(ctx context.Context, now time.Time) ([]*StepExecution, error)
}

// ApprovalStore persists approval batches and requests. Status changes are
// optimistic: they only apply when the row is still in the expected state and
// report whether they did.
type ApprovalStore interface {
	CreateBatch(ctx context.Context, batch *ApprovalBatch, requests []*ApprovalRequest) error
	GetBatch(ctx context.Context, id string) (*ApprovalBatch, error)
	// ResolveBatch moves a pending batch to status.
	ResolveBatch(ctx context.Context, id string, status BatchStatus, at time.Time) (bool, error)

	// CreateApproval inserts one request. Returns CONFLICT when the approver
	// already holds a live request for the same step execution.
	CreateApproval(ctx context.Context, req *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	ListApprovalsByBatch(ctx context.Context, batchID string) ([]*ApprovalRequest, error)
	ListApprovalsByExecution(ctx context.Context, executionID string) ([]*ApprovalRequest, error)
	ListPendingApprovalsForUser(ctx context.Context, userID string) ([]*ApprovalRequest, error)
	// ListPendingApprovalsDueBefore returns pending requests with due_by <= t.
	ListPendingApprovalsDueBefore(ctx context.Context, t time.Time) ([]*ApprovalRequest, error)

	TransitionApproval(ctx context.Context, id string, from, to ApprovalStatus, update ApprovalUpdate) (bool, error)
	ExpirePendingApprovals(ctx context.Context, batchID string, at time.Time) (int, error)
	// MarkEscalated stamps escalated_at and moves due_by, only for a pending
	// request that was never escalated.
	MarkEscalated(ctx context.Context, id string, at, newDueBy time.Time) (bool, error)
	// MarkReminded stamps reminded_at, only for a pending request that was
	// never reminded.
	MarkReminded(ctx context.Context, id string, at time.Time) (bool, error)
	ApprovalStatistics(ctx context.Context, now time.Time) (*ApprovalStatistics, error)
}

// TriggerStore persists triggers.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
	SetTriggerEnabled(ctx context.Context, id string, enabled bool) error
	ListTriggers(ctx context.Context, enabledOnly bool) ([]*Trigger, error)
}

// AuditStore appends and reads audit entries. There is no update or delete.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAuditByExecution(ctx context.Context, executionID string) ([]*AuditEntry, error)
}

// Store is the full persistence surface used by the service layer.
type Store interface {
	DefinitionStore
	ExecutionStore
	ApprovalStore
	TriggerStore
	AuditStore

	// InTx runs fn against a transactional view of the store. Either every
	// write made through tx is kept or none is. Nested calls join the outer
	// transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error
}
