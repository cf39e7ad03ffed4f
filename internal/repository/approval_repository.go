package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// ── workflow_approval_batches ────────────────────────────────────────────────

// CreateBatch inserts a batch and all of its requests. Callers wrap it in
// InTx together with the step execution update.
func (s *PostgresStore) CreateBatch(ctx context.Context, batch *ApprovalBatch, requests []*ApprovalRequest) error {
	query := `
		INSERT INTO workflow_approval_batches
		    (id, execution_id, step_execution_id, policy, status,
		     escalate_to, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
	`

	_, err := s.q.Exec(ctx, query,
		batch.ID,
		batch.ExecutionID,
		batch.StepExecutionID,
		batch.Policy,
		batch.Status,
		nullable(batch.EscalateTo),
		batch.CreatedAt,
		batch.ResolvedAt,
	)
	if err != nil {
		return translate(err, "approval_batch", batch.ID, "failed to create approval batch")
	}

	for _, req := range requests {
		if err := s.CreateApproval(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// GetBatch retrieves a batch by id.
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*ApprovalBatch, error) {
	query := `
		SELECT id, execution_id, step_execution_id, policy, status,
		       escalate_to, created_at, resolved_at
		FROM workflow_approval_batches
		WHERE id = $1
	`

	batch := &ApprovalBatch{}
	var escalateTo *string
	err := s.q.QueryRow(ctx, query, id).Scan(
		&batch.ID,
		&batch.ExecutionID,
		&batch.StepExecutionID,
		&batch.Policy,
		&batch.Status,
		&escalateTo,
		&batch.CreatedAt,
		&batch.ResolvedAt,
	)
	if err != nil {
		return nil, translate(err, "approval_batch", id, "failed to get approval batch")
	}
	batch.EscalateTo = deref(escalateTo)
	return batch, nil
}

// ResolveBatch moves a pending batch to its chain outcome.
func (s *PostgresStore) ResolveBatch(ctx context.Context, id string, status BatchStatus, at time.Time) (bool, error) {
	query := `
		UPDATE workflow_approval_batches
		SET status      = $2,
		    resolved_at = $3
		WHERE id = $1
		  AND status = 'pending'
	`

	tag, err := s.q.Exec(ctx, query, id, status, at)
	if err != nil {
		return false, errors.Persistence(err, "failed to resolve approval batch")
	}
	return tag.RowsAffected() == 1, nil
}

// ── workflow_approvals ───────────────────────────────────────────────────────

const approvalColumns = `
	id, batch_id, execution_id, step_execution_id, approver_user_id,
	status, comment, decided_by, decided_at,
	delegated_to, delegated_from, due_by,
	escalated_at, reminded_at, created_at, updated_at
`

// CreateApproval inserts one approval request.
func (s *PostgresStore) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	query := `
		INSERT INTO workflow_approvals (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12,
		        $13, $14, $15, $16)
	`

	_, err := s.q.Exec(ctx, query,
		req.ID,
		req.BatchID,
		req.ExecutionID,
		req.StepExecutionID,
		req.ApproverID,
		req.Status,
		nullable(req.Comment),
		nullable(req.DecidedBy),
		req.DecidedAt,
		nullable(req.DelegatedTo),
		nullable(req.DelegatedFrom),
		req.DueBy,
		req.EscalatedAt,
		req.RemindedAt,
		req.CreatedAt,
		req.UpdatedAt,
	)
	return translate(err, "approval_request", req.ID, "approver already has a live request for this step")
}

// GetApproval retrieves one request by id.
func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM workflow_approvals WHERE id = $1`

	req, err := s.scanApproval(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err, "approval_request", id, "failed to get approval request")
	}
	return req, nil
}

// ListApprovalsByBatch returns every request of a batch, delegated ones included.
func (s *PostgresStore) ListApprovalsByBatch(ctx context.Context, batchID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM workflow_approvals
		WHERE batch_id = $1
		ORDER BY created_at ASC, id ASC
	`
	return s.queryApprovals(ctx, query, batchID)
}

// ListApprovalsByExecution returns every request raised by an execution.
func (s *PostgresStore) ListApprovalsByExecution(ctx context.Context, executionID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM workflow_approvals
		WHERE execution_id = $1
		ORDER BY created_at ASC, id ASC
	`
	return s.queryApprovals(ctx, query, executionID)
}

// ListPendingApprovalsForUser returns the pending requests assigned to a user.
func (s *PostgresStore) ListPendingApprovalsForUser(ctx context.Context, userID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM workflow_approvals
		WHERE approver_user_id = $1
		  AND status = 'pending'
		ORDER BY due_by ASC, created_at ASC
	`
	return s.queryApprovals(ctx, query, userID)
}

// ListPendingApprovalsDueBefore returns pending requests due at or before t.
func (s *PostgresStore) ListPendingApprovalsDueBefore(ctx context.Context, t time.Time) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM workflow_approvals
		WHERE status = 'pending'
		  AND due_by <= $1
		ORDER BY due_by ASC
	`
	return s.queryApprovals(ctx, query, t)
}

// TransitionApproval applies a status change only when the request is still
// in the from state.
func (s *PostgresStore) TransitionApproval(ctx context.Context, id string, from, to ApprovalStatus, update ApprovalUpdate) (bool, error) {
	query := `
		UPDATE workflow_approvals
		SET status       = $3,
		    decided_by   = COALESCE($4, decided_by),
		    decided_at   = $5,
		    comment      = COALESCE($6, comment),
		    delegated_to = COALESCE($7, delegated_to),
		    updated_at   = $5
		WHERE id = $1
		  AND status = $2
	`

	tag, err := s.q.Exec(ctx, query,
		id,
		from,
		to,
		nullable(update.DecidedBy),
		update.DecidedAt,
		nullable(update.Comment),
		nullable(update.DelegatedTo),
	)
	if err != nil {
		return false, errors.Persistence(err, "failed to update approval request")
	}
	return tag.RowsAffected() == 1, nil
}

// ExpirePendingApprovals marks every pending request of a batch expired.
func (s *PostgresStore) ExpirePendingApprovals(ctx context.Context, batchID string, at time.Time) (int, error) {
	query := `
		UPDATE workflow_approvals
		SET status     = 'expired',
		    updated_at = $2
		WHERE batch_id = $1
		  AND status = 'pending'
	`

	tag, err := s.q.Exec(ctx, query, batchID, at)
	if err != nil {
		return 0, errors.Persistence(err, "failed to expire approval requests")
	}
	return int(tag.RowsAffected()), nil
}

// MarkEscalated claims the single escalation of a request.
func (s *PostgresStore) MarkEscalated(ctx context.Context, id string, at, newDueBy time.Time) (bool, error) {
	query := `
		UPDATE workflow_approvals
		SET escalated_at = $2,
		    due_by       = $3,
		    updated_at   = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND escalated_at IS NULL
	`

	tag, err := s.q.Exec(ctx, query, id, at, newDueBy)
	if err != nil {
		return false, errors.Persistence(err, "failed to mark approval escalated")
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReminded claims the single reminder of a request.
func (s *PostgresStore) MarkReminded(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE workflow_approvals
		SET reminded_at = $2,
		    updated_at  = $2
		WHERE id = $1
		  AND status = 'pending'
		  AND reminded_at IS NULL
	`

	tag, err := s.q.Exec(ctx, query, id, at)
	if err != nil {
		return false, errors.Persistence(err, "failed to mark approval reminded")
	}
	return tag.RowsAffected() == 1, nil
}

// ApprovalStatistics aggregates request counts by status.
func (s *PostgresStore) ApprovalStatistics(ctx context.Context, now time.Time) (*ApprovalStatistics, error) {
	query := `
		SELECT
		    COUNT(*) FILTER (WHERE status = 'pending'),
		    COUNT(*) FILTER (WHERE status = 'approved'),
		    COUNT(*) FILTER (WHERE status = 'rejected'),
		    COUNT(*) FILTER (WHERE status = 'delegated'),
		    COUNT(*) FILTER (WHERE status = 'expired'),
		    COUNT(*) FILTER (WHERE status = 'pending' AND due_by <= $1),
		    COUNT(*) FILTER (WHERE escalated_at IS NOT NULL)
		FROM workflow_approvals
	`

	stats := &ApprovalStatistics{}
	err := s.q.QueryRow(ctx, query, now).Scan(
		&stats.Pending,
		&stats.Approved,
		&stats.Rejected,
		&stats.Delegated,
		&stats.Expired,
		&stats.Overdue,
		&stats.Escalated,
	)
	if err != nil {
		return nil, errors.Persistence(err, "failed to compute approval statistics")
	}
	return stats, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (s *PostgresStore) queryApprovals(ctx context.Context, query string, args ...any) ([]*ApprovalRequest, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list approval requests")
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := s.scanApproval(rows)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to iterate approval requests")
	}
	return reqs, nil
}

func (s *PostgresStore) scanApproval(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var comment, decidedBy, delegatedTo, delegatedFrom *string

	err := row.Scan(
		&req.ID,
		&req.BatchID,
		&req.ExecutionID,
		&req.StepExecutionID,
		&req.ApproverID,
		&req.Status,
		&comment,
		&decidedBy,
		&req.DecidedAt,
		&delegatedTo,
		&delegatedFrom,
		&req.DueBy,
		&req.EscalatedAt,
		&req.RemindedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Comment = deref(comment)
	req.DecidedBy = deref(decidedBy)
	req.DelegatedTo = deref(delegatedTo)
	req.DelegatedFrom = deref(delegatedFrom)
	return req, nil
}
