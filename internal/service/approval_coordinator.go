package service

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/lock"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// ApprovalConfig tunes escalation.
type ApprovalConfig struct {
	// EscalationGrace extends due_by once a request has been escalated.
	EscalationGrace time.Duration
	// EscalationTarget is notified when a batch names no escalate_to.
	EscalationTarget string
}

// ResponseResult is the outcome of recording one approval decision.
type ResponseResult struct {
	Request     *repository.ApprovalRequest `json:"request"`
	BatchStatus repository.BatchStatus      `json:"batch_status"`
	Resolved    bool                        `json:"resolved"`
}

// ApprovalHistory is the approval trail of one execution.
type ApprovalHistory struct {
	Requests []*repository.ApprovalRequest `json:"requests"`
	Audit    []*repository.AuditEntry      `json:"audit"`
}

// ApprovalCoordinator manages approval batches: it creates requests, records
// decisions, resolves batches by policy and resumes the owning execution
// exactly once per resolution.
type ApprovalCoordinator struct {
	store    repository.Store
	locker   lock.Locker
	notifier client.Notifier
	audit    *AuditLog
	clock    clock.Clock
	cfg      ApprovalConfig
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	log      *logger.Logger

	resumer ExecutionResumer
}

// NewApprovalCoordinator creates a coordinator. The engine registers itself
// as resumer when it is constructed.
func NewApprovalCoordinator(
	store repository.Store,
	locker lock.Locker,
	notifier client.Notifier,
	audit *AuditLog,
	clk clock.Clock,
	cfg ApprovalConfig,
	m *metrics.Metrics,
	log *logger.Logger,
) *ApprovalCoordinator {
	if cfg.EscalationGrace <= 0 {
		cfg.EscalationGrace = 24 * time.Hour
	}
	return &ApprovalCoordinator{
		store:    store,
		locker:   locker,
		notifier: notifier,
		audit:    audit,
		clock:    clk,
		cfg:      cfg,
		metrics:  m,
		tracer:   tracer(),
		log:      log.Component("approval_coordinator"),
	}
}

// SetResumer sets the callback invoked when a batch resolves.
func (c *ApprovalCoordinator) SetResumer(r ExecutionResumer) {
	c.resumer = r
}

// RequestApprovals opens a batch for a running approval step execution that
// has none yet and returns the batch id.
func (c *ApprovalCoordinator) RequestApprovals(
	ctx context.Context,
	stepExecutionID string,
	approvers []string,
	policy repository.ApprovalPolicy,
	dueBy time.Time,
) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ApprovalCoordinator.RequestApprovals",
		trace.WithAttributes(attribute.String("workflow.step_execution_id", stepExecutionID)))
	var err error
	defer func() { endSpan(span, err) }()

	approvers = dedupe(approvers)
	if len(approvers) == 0 {
		err = errors.InvalidInput("approvers", "at least one approver is required")
		return "", err
	}
	if !policy.Valid() {
		err = errors.InvalidInput("policy", fmt.Sprintf("unknown policy %q", policy))
		return "", err
	}

	stepExec, err := c.store.GetStepExecution(ctx, stepExecutionID)
	if err != nil {
		return "", err
	}
	unlock, err := c.locker.Lock(ctx, lock.ExecutionKey(stepExec.ExecutionID))
	if err != nil {
		return "", err
	}
	defer unlock()

	// Re-read under the lock.
	if stepExec, err = c.store.GetStepExecution(ctx, stepExecutionID); err != nil {
		return "", err
	}
	exec, err := c.store.GetExecution(ctx, stepExec.ExecutionID)
	if err != nil {
		return "", err
	}
	switch {
	case exec.Status.Terminal():
		err = errors.InvalidState("execution %s is %s", exec.ID, exec.Status)
	case stepExec.StepType != repository.StepTypeApproval:
		err = errors.InvalidState("step execution %s is a %s step", stepExec.ID, stepExec.StepType)
	case stepExec.Status != repository.StepRunning || stepExec.BatchID != "":
		err = errors.InvalidState("step execution %s already has approvals", stepExec.ID)
	}
	if err != nil {
		return "", err
	}

	batchID, err := c.open(ctx, exec, stepExec, approvers, policy, dueBy, "")
	return batchID, err
}

// open persists a batch with one pending request per approver and moves the
// step execution and execution to waiting-approval. Callers hold the
// execution lock.
func (c *ApprovalCoordinator) open(
	ctx context.Context,
	exec *repository.WorkflowExecution,
	stepExec *repository.StepExecution,
	approvers []string,
	policy repository.ApprovalPolicy,
	dueBy time.Time,
	escalateTo string,
) (string, error) {
	now := c.now()
	dueBy = dueBy.UTC()
	batch := &repository.ApprovalBatch{
		ID:              uuid.NewString(),
		ExecutionID:     exec.ID,
		StepExecutionID: stepExec.ID,
		Policy:          policy,
		Status:          repository.BatchPending,
		EscalateTo:      escalateTo,
		CreatedAt:       now,
	}
	requests := make([]*repository.ApprovalRequest, 0, len(approvers))
	for _, approver := range approvers {
		requests = append(requests, &repository.ApprovalRequest{
			ID:              uuid.NewString(),
			BatchID:         batch.ID,
			ExecutionID:     exec.ID,
			StepExecutionID: stepExec.ID,
			ApproverID:      approver,
			Status:          repository.ApprovalPending,
			DueBy:           dueBy,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	before := executionSnapshot(exec)
	err := c.store.InTx(ctx, func(tx repository.Store) error {
		if err := tx.CreateBatch(ctx, batch, requests); err != nil {
			return err
		}
		stepExec.Status = repository.StepWaitingApproval
		stepExec.BatchID = batch.ID
		if err := tx.UpdateStepExecution(ctx, stepExec); err != nil {
			return err
		}
		exec.Status = repository.ExecutionWaitingApproval
		exec.UpdatedAt = now
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return "", err
	}

	c.audit.Record(ctx, exec.ID, stepExec.ID, systemActor, AuditApprovalRequested, nil,
		map[string]any{"batch_id": batch.ID, "approvers": approvers},
		map[string]any{"policy": string(policy), "due_by": dueBy})
	c.audit.Record(ctx, exec.ID, stepExec.ID, systemActor, AuditStepWaiting, before, executionSnapshot(exec), nil)

	for _, req := range requests {
		c.notify(ctx, client.Notification{
			Recipient:   req.ApproverID,
			Subject:     "Approval requested",
			Body:        fmt.Sprintf("Your approval is requested for step %s, due by %s.", stepExec.StepID, dueBy.Format(time.RFC3339)),
			Event:       "approval_requested",
			ExecutionID: exec.ID,
			Data:        map[string]any{"request_id": req.ID, "batch_id": batch.ID},
		})
	}

	c.log.Info().
		Str("execution_id", exec.ID).
		Str("batch_id", batch.ID).
		Str("policy", string(policy)).
		Int("approvers", len(requests)).
		Msg("Approval batch opened")
	return batch.ID, nil
}

// RecordResponse records an approved or rejected decision by actingUser. When
// the decision resolves the batch, the remaining pending requests expire and
// the execution is resumed. A resolution happens at most once per batch.
func (c *ApprovalCoordinator) RecordResponse(
	ctx context.Context,
	requestID string,
	decision repository.ApprovalStatus,
	actingUser string,
	comment string,
) (*ResponseResult, error) {
	ctx, span := c.tracer.Start(ctx, "ApprovalCoordinator.RecordResponse",
		trace.WithAttributes(
			attribute.String("workflow.request_id", requestID),
			attribute.String("workflow.decision", string(decision)),
		))
	var err error
	defer func() { endSpan(span, err) }()

	if decision != repository.ApprovalApproved && decision != repository.ApprovalRejected {
		err = errors.InvalidInput("decision", "must be approved or rejected")
		return nil, err
	}

	req, err := c.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	unlock, err := c.locker.Lock(ctx, lock.BatchKey(req.BatchID))
	if err != nil {
		return nil, err
	}

	now := c.now()
	var (
		batch    *repository.ApprovalBatch
		resolved repository.BatchStatus
		expired  int
	)
	err = c.store.InTx(ctx, func(tx repository.Store) error {
		current, err := tx.GetApproval(ctx, requestID)
		if err != nil {
			return err
		}
		if err := checkPending(current); err != nil {
			return err
		}
		if batch, err = tx.GetBatch(ctx, current.BatchID); err != nil {
			return err
		}
		if batch.Status != repository.BatchPending {
			return errors.InvalidState("approval batch %s is already %s", batch.ID, batch.Status)
		}

		ok, err := tx.TransitionApproval(ctx, requestID, repository.ApprovalPending, decision, repository.ApprovalUpdate{
			DecidedBy: actingUser,
			DecidedAt: now,
			Comment:   comment,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errors.AlreadyDecided(requestID, "decided")
		}

		all, err := tx.ListApprovalsByBatch(ctx, batch.ID)
		if err != nil {
			return err
		}
		resolved = evaluatePolicy(batch.Policy, all)
		if resolved == repository.BatchPending {
			return nil
		}
		ok, err = tx.ResolveBatch(ctx, batch.ID, resolved, now)
		if err != nil {
			return err
		}
		if !ok {
			return errors.InvalidState("approval batch %s was resolved concurrently", batch.ID)
		}
		expired, err = tx.ExpirePendingApprovals(ctx, batch.ID, now)
		return err
	})
	unlock()
	if err != nil {
		return nil, err
	}

	updated, err := c.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}

	c.metrics.ApprovalDecisions.WithLabelValues(string(decision)).Inc()
	c.audit.Record(ctx, updated.ExecutionID, updated.StepExecutionID, actorOr(actingUser), AuditApprovalDecided,
		map[string]any{"status": string(repository.ApprovalPending)},
		map[string]any{"status": string(decision)},
		map[string]any{"request_id": requestID, "batch_id": updated.BatchID, "comment": comment})

	result := &ResponseResult{Request: updated, BatchStatus: resolved, Resolved: resolved != repository.BatchPending}
	c.log.Info().
		Str("request_id", requestID).
		Str("batch_id", updated.BatchID).
		Str("decision", string(decision)).
		Str("batch_status", string(resolved)).
		Msg("Approval decision recorded")
	if !result.Resolved {
		return result, nil
	}

	c.metrics.BatchesResolved.WithLabelValues(string(batch.Policy), string(resolved)).Inc()
	c.audit.Record(ctx, updated.ExecutionID, updated.StepExecutionID, systemActor, AuditBatchResolved,
		map[string]any{"status": string(repository.BatchPending)},
		map[string]any{"status": string(resolved)},
		map[string]any{"batch_id": updated.BatchID, "policy": string(batch.Policy), "expired_requests": expired})

	if c.resumer != nil {
		if err = c.resumer.Resume(ctx, updated.ExecutionID); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Delegate hands a pending request over to toUser. The original request is
// marked delegated and a new pending request with the same due date is
// created for toUser.
func (c *ApprovalCoordinator) Delegate(ctx context.Context, requestID, toUser, actingUser string) (*repository.ApprovalRequest, error) {
	ctx, span := c.tracer.Start(ctx, "ApprovalCoordinator.Delegate",
		trace.WithAttributes(attribute.String("workflow.request_id", requestID)))
	var err error
	defer func() { endSpan(span, err) }()

	if toUser == "" {
		err = errors.InvalidInput("to_user", "is required")
		return nil, err
	}
	req, err := c.store.GetApproval(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ApproverID == toUser {
		err = errors.InvalidInput("to_user", "cannot delegate to the current approver")
		return nil, err
	}

	unlock, err := c.locker.Lock(ctx, lock.BatchKey(req.BatchID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := c.now()
	var delegated *repository.ApprovalRequest
	err = c.store.InTx(ctx, func(tx repository.Store) error {
		current, err := tx.GetApproval(ctx, requestID)
		if err != nil {
			return err
		}
		if err := checkPending(current); err != nil {
			return err
		}
		ok, err := tx.TransitionApproval(ctx, requestID, repository.ApprovalPending, repository.ApprovalDelegated, repository.ApprovalUpdate{
			DecidedBy:   actingUser,
			DecidedAt:   now,
			DelegatedTo: toUser,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errors.AlreadyDecided(requestID, "decided")
		}
		delegated = &repository.ApprovalRequest{
			ID:              uuid.NewString(),
			BatchID:         current.BatchID,
			ExecutionID:     current.ExecutionID,
			StepExecutionID: current.StepExecutionID,
			ApproverID:      toUser,
			Status:          repository.ApprovalPending,
			DelegatedFrom:   current.ID,
			DueBy:           current.DueBy,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.CreateApproval(ctx, delegated)
	})
	if err != nil {
		return nil, err
	}

	c.audit.Record(ctx, delegated.ExecutionID, delegated.StepExecutionID, actorOr(actingUser), AuditApprovalDelegated,
		map[string]any{"approver_id": req.ApproverID},
		map[string]any{"approver_id": toUser},
		map[string]any{"request_id": requestID, "new_request_id": delegated.ID})
	c.notify(ctx, client.Notification{
		Recipient:   toUser,
		Subject:     "Approval delegated to you",
		Body:        fmt.Sprintf("%s delegated an approval to you, due by %s.", req.ApproverID, delegated.DueBy.Format(time.RFC3339)),
		Event:       "approval_requested",
		ExecutionID: delegated.ExecutionID,
		Data:        map[string]any{"request_id": delegated.ID, "delegated_from": requestID},
	})

	c.log.Info().
		Str("request_id", requestID).
		Str("new_request_id", delegated.ID).
		Str("to_user", toUser).
		Msg("Approval delegated")
	return delegated, nil
}

// Escalate notifies the escalation target of an overdue pending request and
// extends its due date by the grace window. It reports false when the request
// was already escalated. The marker and the notification succeed or fail
// together, so a failed notification is retried by the next sweep.
func (c *ApprovalCoordinator) Escalate(ctx context.Context, requestID string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "ApprovalCoordinator.Escalate",
		trace.WithAttributes(attribute.String("workflow.request_id", requestID)))
	var err error
	defer func() { endSpan(span, err) }()

	req, err := c.store.GetApproval(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status != repository.ApprovalPending {
		err = errors.InvalidState("approval request %s is %s", requestID, req.Status)
		return false, err
	}
	if req.EscalatedAt != nil {
		return false, nil
	}
	now := c.now()
	if now.Before(req.DueBy) {
		err = errors.InvalidState("approval request %s is not due until %s", requestID, req.DueBy.Format(time.RFC3339))
		return false, err
	}
	batch, err := c.store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return false, err
	}
	target := batch.EscalateTo
	if target == "" {
		target = c.cfg.EscalationTarget
	}
	newDue := req.DueBy.Add(c.cfg.EscalationGrace)

	claimed := false
	err = c.store.InTx(ctx, func(tx repository.Store) error {
		ok, err := tx.MarkEscalated(ctx, requestID, now, newDue)
		if err != nil || !ok {
			return err
		}
		claimed = true
		if target == "" {
			return nil
		}
		return c.notifier.Send(ctx, client.Notification{
			Recipient:   target,
			Subject:     "Approval overdue",
			Body:        fmt.Sprintf("Approval by %s was due at %s and is still pending.", req.ApproverID, req.DueBy.Format(time.RFC3339)),
			Event:       "approval_escalated",
			ExecutionID: req.ExecutionID,
			Data:        map[string]any{"request_id": req.ID, "approver_id": req.ApproverID},
		})
	})
	if err != nil {
		c.metrics.NotificationFailures.Inc()
		return false, err
	}
	if !claimed {
		return false, nil
	}

	c.metrics.Escalations.Inc()
	c.audit.Record(ctx, req.ExecutionID, req.StepExecutionID, systemActor, AuditApprovalEscalated,
		map[string]any{"due_by": req.DueBy},
		map[string]any{"due_by": newDue},
		map[string]any{"request_id": req.ID, "target": target})
	evt := c.log.Info()
	if target == "" {
		evt = c.log.Warn()
	}
	evt.Str("request_id", req.ID).
		Str("execution_id", req.ExecutionID).
		Str("target", target).
		Time("due_by", newDue).
		Msg("Approval escalated")
	return true, nil
}

// Remind sends the approver a reminder for a pending request, at most once.
func (c *ApprovalCoordinator) Remind(ctx context.Context, requestID string) (bool, error) {
	req, err := c.store.GetApproval(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status != repository.ApprovalPending {
		return false, errors.InvalidState("approval request %s is %s", requestID, req.Status)
	}
	if req.RemindedAt != nil {
		return false, nil
	}

	now := c.now()
	claimed := false
	err = c.store.InTx(ctx, func(tx repository.Store) error {
		ok, err := tx.MarkReminded(ctx, requestID, now)
		if err != nil || !ok {
			return err
		}
		claimed = true
		return c.notifier.Send(ctx, client.Notification{
			Recipient:   req.ApproverID,
			Subject:     "Approval reminder",
			Body:        fmt.Sprintf("Your approval is due by %s.", req.DueBy.Format(time.RFC3339)),
			Event:       "approval_reminder",
			ExecutionID: req.ExecutionID,
			Data:        map[string]any{"request_id": req.ID},
		})
	})
	if err != nil {
		c.metrics.NotificationFailures.Inc()
		return false, err
	}
	if !claimed {
		return false, nil
	}

	c.metrics.Reminders.Inc()
	c.audit.Record(ctx, req.ExecutionID, req.StepExecutionID, systemActor, AuditApprovalReminded, nil, nil,
		map[string]any{"request_id": req.ID, "approver_id": req.ApproverID})
	c.log.Debug().Str("request_id", req.ID).Str("approver_id", req.ApproverID).Msg("Approval reminder sent")
	return true, nil
}

// GetRequest returns one approval request.
func (c *ApprovalCoordinator) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return c.store.GetApproval(ctx, requestID)
}

// ListPendingForUser returns the pending requests assigned to userID.
func (c *ApprovalCoordinator) ListPendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user", "is required")
	}
	return c.store.ListPendingApprovalsForUser(ctx, userID)
}

// PendingDueBefore returns pending requests due at or before t.
func (c *ApprovalCoordinator) PendingDueBefore(ctx context.Context, t time.Time) ([]*repository.ApprovalRequest, error) {
	return c.store.ListPendingApprovalsDueBefore(ctx, t)
}

// History returns every approval request of an execution with its audit trail.
func (c *ApprovalCoordinator) History(ctx context.Context, executionID string) (*ApprovalHistory, error) {
	if _, err := c.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	requests, err := c.store.ListApprovalsByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	entries, err := c.audit.ListByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ApprovalHistory{Requests: requests, Audit: entries}, nil
}

// Statistics counts approval requests by status.
func (c *ApprovalCoordinator) Statistics(ctx context.Context) (*repository.ApprovalStatistics, error) {
	return c.store.ApprovalStatistics(ctx, c.now())
}

// expireBatch closes a batch whose execution is being cancelled and expires
// its pending requests. A batch that already resolved keeps its outcome.
func (c *ApprovalCoordinator) expireBatch(ctx context.Context, tx repository.Store, batchID string, now time.Time) (int, error) {
	if _, err := tx.ResolveBatch(ctx, batchID, repository.BatchExpired, now); err != nil {
		return 0, err
	}
	return tx.ExpirePendingApprovals(ctx, batchID, now)
}

// notify sends n, counting and logging a failure without returning it.
func (c *ApprovalCoordinator) notify(ctx context.Context, n client.Notification) {
	if err := c.notifier.Send(ctx, n); err != nil {
		c.metrics.NotificationFailures.Inc()
		c.log.Warn().Err(err).
			Str("recipient", n.Recipient).
			Str("event", n.Event).
			Str("execution_id", n.ExecutionID).
			Msg("Notification failed (non-fatal)")
	}
}

func (c *ApprovalCoordinator) now() time.Time { return c.clock.Now().UTC() }

// checkPending distinguishes a request closed by cancellation from one that
// already received a decision.
func checkPending(req *repository.ApprovalRequest) error {
	switch req.Status {
	case repository.ApprovalPending:
		return nil
	case repository.ApprovalExpired:
		return errors.InvalidState("approval request %s has expired", req.ID)
	default:
		return errors.AlreadyDecided(req.ID, string(req.Status))
	}
}

// evaluatePolicy returns the status a batch resolves to given its requests,
// or BatchPending when it does not resolve yet. Delegated requests were
// replaced by their delegate's request and are not counted.
func evaluatePolicy(policy repository.ApprovalPolicy, requests []*repository.ApprovalRequest) repository.BatchStatus {
	var total, approved, rejected int
	for _, r := range requests {
		switch r.Status {
		case repository.ApprovalDelegated:
			continue
		case repository.ApprovalApproved:
			approved++
		case repository.ApprovalRejected:
			rejected++
		}
		total++
	}
	if total == 0 {
		return repository.BatchPending
	}

	switch policy {
	case repository.PolicyAll:
		if rejected > 0 {
			return repository.BatchRejected
		}
		if approved == total {
			return repository.BatchApproved
		}
	case repository.PolicyMajority:
		switch {
		case approved*2 > total:
			return repository.BatchApproved
		case rejected*2 > total:
			return repository.BatchRejected
		case approved+rejected == total:
			// Tie with every vote in: rejected.
			return repository.BatchRejected
		}
	default: // ANY
		if approved > 0 {
			return repository.BatchApproved
		}
		if rejected == total {
			return repository.BatchRejected
		}
	}
	return repository.BatchPending
}
