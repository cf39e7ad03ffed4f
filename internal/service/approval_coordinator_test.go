package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

func TestEvaluatePolicy(t *testing.T) {
	const (
		P = repository.ApprovalPending
		A = repository.ApprovalApproved
		R = repository.ApprovalRejected
		D = repository.ApprovalDelegated
	)
	tests := []struct {
		name     string
		policy   repository.ApprovalPolicy
		statuses []repository.ApprovalStatus
		want     repository.BatchStatus
	}{
		{"any first approval", repository.PolicyAny, []repository.ApprovalStatus{A, P, P}, repository.BatchApproved},
		{"any partial rejection", repository.PolicyAny, []repository.ApprovalStatus{R, R, P}, repository.BatchPending},
		{"any all rejected", repository.PolicyAny, []repository.ApprovalStatus{R, R, R}, repository.BatchRejected},
		{"any delegated ignored", repository.PolicyAny, []repository.ApprovalStatus{D, R, R}, repository.BatchRejected},
		{"all partial", repository.PolicyAll, []repository.ApprovalStatus{A, A, P}, repository.BatchPending},
		{"all approved", repository.PolicyAll, []repository.ApprovalStatus{A, A, A}, repository.BatchApproved},
		{"all first rejection", repository.PolicyAll, []repository.ApprovalStatus{R, P, P}, repository.BatchRejected},
		{"all delegated ignored", repository.PolicyAll, []repository.ApprovalStatus{D, A, A}, repository.BatchApproved},
		{"majority two approvals", repository.PolicyMajority, []repository.ApprovalStatus{A, A, P}, repository.BatchApproved},
		{"majority two rejections", repository.PolicyMajority, []repository.ApprovalStatus{R, P, R}, repository.BatchRejected},
		{"majority split pending", repository.PolicyMajority, []repository.ApprovalStatus{A, R, P}, repository.BatchPending},
		{"majority tie decided", repository.PolicyMajority, []repository.ApprovalStatus{A, R, A, R}, repository.BatchRejected},
		{"majority tie undecided", repository.PolicyMajority, []repository.ApprovalStatus{A, R, P, P}, repository.BatchPending},
		{"empty", repository.PolicyAny, nil, repository.BatchPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requests := make([]*repository.ApprovalRequest, len(tt.statuses))
			for i, s := range tt.statuses {
				requests[i] = &repository.ApprovalRequest{ID: fmt.Sprint(i), Status: s}
			}
			assert.Equal(t, tt.want, evaluatePolicy(tt.policy, requests))
		})
	}
}

func respond(t *testing.T, h *harness, req *repository.ApprovalRequest, decision repository.ApprovalStatus) *ResponseResult {
	t.Helper()
	res, err := h.approvals.RecordResponse(context.Background(), req.ID, decision, req.ApproverID, "")
	require.NoError(t, err)
	return res
}

func TestAllPolicy(t *testing.T) {
	t.Run("approves only when everyone approved", func(t *testing.T) {
		h := newHarness(t)
		h.publish(t, approvalDefinition("invoice", repository.PolicyAll, "alice", "bob", "carol"))
		exec := h.start(t, "invoice", nil)
		reqs := h.requests(t, exec.ID)
		require.Len(t, reqs, 3)

		assert.False(t, respond(t, h, reqs["alice"], repository.ApprovalApproved).Resolved)
		assert.False(t, respond(t, h, reqs["bob"], repository.ApprovalApproved).Resolved)
		assert.Equal(t, repository.ExecutionWaitingApproval, h.execution(t, exec.ID).Status)

		res := respond(t, h, reqs["carol"], repository.ApprovalApproved)
		assert.True(t, res.Resolved)
		assert.Equal(t, repository.BatchApproved, res.BatchStatus)

		final := h.execution(t, exec.ID)
		assert.Equal(t, repository.ExecutionCompleted, final.Status)
		assert.Equal(t, "accepted", final.Context["outcome"])
		assert.EqualValues(t, 1, h.resumer.calls.Load())
	})

	t.Run("rejects on the first rejection", func(t *testing.T) {
		h := newHarness(t)
		h.publish(t, approvalDefinition("invoice", repository.PolicyAll, "alice", "bob", "carol"))
		exec := h.start(t, "invoice", nil)
		reqs := h.requests(t, exec.ID)

		res := respond(t, h, reqs["bob"], repository.ApprovalRejected)
		assert.True(t, res.Resolved)
		assert.Equal(t, repository.BatchRejected, res.BatchStatus)

		after := h.requests(t, exec.ID)
		assert.Equal(t, repository.ApprovalExpired, after["alice"].Status)
		assert.Equal(t, repository.ApprovalRejected, after["bob"].Status)
		assert.Equal(t, repository.ApprovalExpired, after["carol"].Status)

		final := h.execution(t, exec.ID)
		assert.Equal(t, repository.ExecutionCompleted, final.Status)
		assert.Equal(t, "declined", final.Context["outcome"])
	})
}

func TestAnyPolicyResolvesOnFirstApproval(t *testing.T) {
	h := newHarness(t)
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice", "bob", "carol"))
	exec := h.start(t, "invoice", nil)
	reqs := h.requests(t, exec.ID)

	// A rejection alone does not resolve ANY.
	assert.False(t, respond(t, h, reqs["alice"], repository.ApprovalRejected).Resolved)
	for _, approver := range []string{"bob", "carol"} {
		assert.Equal(t, repository.ApprovalPending, h.requests(t, exec.ID)[approver].Status)
	}

	res := respond(t, h, reqs["bob"], repository.ApprovalApproved)
	assert.True(t, res.Resolved)
	assert.Equal(t, repository.BatchApproved, res.BatchStatus)
	assert.Equal(t, repository.ApprovalExpired, h.requests(t, exec.ID)["carol"].Status)
	assert.Equal(t, "accepted", h.execution(t, exec.ID).Context["outcome"])
}

func TestMajorityPolicy(t *testing.T) {
	t.Run("split vote waits for the third", func(t *testing.T) {
		h := newHarness(t)
		h.publish(t, approvalDefinition("invoice", repository.PolicyMajority, "alice", "bob", "carol"))
		exec := h.start(t, "invoice", nil)
		reqs := h.requests(t, exec.ID)

		assert.False(t, respond(t, h, reqs["alice"], repository.ApprovalApproved).Resolved)
		assert.False(t, respond(t, h, reqs["bob"], repository.ApprovalRejected).Resolved)
		assert.Equal(t, repository.ExecutionWaitingApproval, h.execution(t, exec.ID).Status)

		res := respond(t, h, reqs["carol"], repository.ApprovalApproved)
		assert.Equal(t, repository.BatchApproved, res.BatchStatus)
		assert.Equal(t, "accepted", h.execution(t, exec.ID).Context["outcome"])
	})

	t.Run("two rejections resolve", func(t *testing.T) {
		h := newHarness(t)
		h.publish(t, approvalDefinition("invoice", repository.PolicyMajority, "alice", "bob", "carol"))
		exec := h.start(t, "invoice", nil)
		reqs := h.requests(t, exec.ID)

		respond(t, h, reqs["alice"], repository.ApprovalRejected)
		res := respond(t, h, reqs["carol"], repository.ApprovalRejected)
		assert.Equal(t, repository.BatchRejected, res.BatchStatus)
		assert.Equal(t, repository.ApprovalExpired, h.requests(t, exec.ID)["bob"].Status)
	})

	t.Run("decided tie rejects", func(t *testing.T) {
		h := newHarness(t)
		h.publish(t, approvalDefinition("invoice", repository.PolicyMajority, "alice", "bob"))
		exec := h.start(t, "invoice", nil)
		reqs := h.requests(t, exec.ID)

		respond(t, h, reqs["alice"], repository.ApprovalApproved)
		res := respond(t, h, reqs["bob"], repository.ApprovalRejected)
		assert.Equal(t, repository.BatchRejected, res.BatchStatus)
		assert.Equal(t, "declined", h.execution(t, exec.ID).Context["outcome"])
	})
}

func TestRecordResponseAlreadyDecided(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAll, "alice", "bob"))
	exec := h.start(t, "invoice", nil)
	reqs := h.requests(t, exec.ID)

	respond(t, h, reqs["alice"], repository.ApprovalApproved)
	_, err := h.approvals.RecordResponse(ctx, reqs["alice"].ID, repository.ApprovalRejected, "alice", "changed my mind")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyDecided), "got %v", err)
	assert.Equal(t, repository.ApprovalApproved, h.requests(t, exec.ID)["alice"].Status)

	respond(t, h, reqs["bob"], repository.ApprovalApproved)
	_, err = h.approvals.RecordResponse(ctx, reqs["bob"].ID, repository.ApprovalApproved, "bob", "")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyDecided), "got %v", err)

	assert.EqualValues(t, 1, h.resumer.calls.Load())
	assert.Equal(t, repository.ExecutionCompleted, h.execution(t, exec.ID).Status)
}

func TestRecordResponseRejectsUnknownDecision(t *testing.T) {
	h := newHarness(t)
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	exec := h.start(t, "invoice", nil)

	_, err := h.approvals.RecordResponse(context.Background(), h.requests(t, exec.ID)["alice"].ID, repository.ApprovalDelegated, "alice", "")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
}

func TestConcurrentResponsesResolveBatchOnce(t *testing.T) {
	h := newHarness(t)
	approvers := []string{"a1", "a2", "a3", "a4", "a5", "a6"}
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, approvers...))
	exec := h.start(t, "invoice", nil)
	reqs := h.requests(t, exec.ID)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
		rejected int
	)
	for _, approver := range approvers {
		req := reqs[approver]
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.approvals.RecordResponse(context.Background(), req.ID, repository.ApprovalApproved, req.ApproverID, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, errors.Is(err, errors.ErrCodeInvalidState), "got %v", err)
				rejected++
				return
			}
			if res.Resolved {
				resolved++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, resolved)
	assert.Equal(t, len(approvers)-1, rejected)
	assert.EqualValues(t, 1, h.resumer.calls.Load())
	assert.Equal(t, repository.ExecutionCompleted, h.execution(t, exec.ID).Status)
}

func TestApproversFromContext(t *testing.T) {
	h := newHarness(t)
	def := approvalDefinition("invoice", repository.PolicyAll)
	def.Steps[0].Approval.Approvers = []string{"controller"}
	def.Steps[0].Approval.ApproversFrom = "invoice.approvers"
	h.publish(t, def)

	exec := h.start(t, "invoice", map[string]any{
		"invoice": map[string]any{"approvers": []any{"alice", "controller", "bob"}},
	})
	reqs := h.requests(t, exec.ID)
	assert.Len(t, reqs, 3)
	for _, approver := range []string{"alice", "bob", "controller"} {
		require.Contains(t, reqs, approver)
		assert.Equal(t, baseTime.Add(testDue), reqs[approver].DueBy)
	}
	assert.Len(t, h.notifier.events("approval_requested"), 3)
}

func TestApprovalStepWithoutApproversFails(t *testing.T) {
	h := newHarness(t)
	def := approvalDefinition("invoice", repository.PolicyAny)
	def.Steps[0].Approval.ApproversFrom = "reviewers"
	h.publish(t, def)

	exec := h.start(t, "invoice", map[string]any{})
	assert.Equal(t, repository.ExecutionFailed, exec.Status)
}

func TestApprovalDueIn(t *testing.T) {
	h := newHarness(t)
	def := approvalDefinition("invoice", repository.PolicyAny, "alice")
	def.Steps[0].Approval.DueIn = &repository.Duration{Duration: 8 * time.Hour}
	h.publish(t, def)

	exec := h.start(t, "invoice", nil)
	assert.Equal(t, baseTime.Add(8*time.Hour), h.requests(t, exec.ID)["alice"].DueBy)
}

func TestDelegate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAll, "alice", "bob"))
	exec := h.start(t, "invoice", nil)
	reqs := h.requests(t, exec.ID)

	delegated, err := h.approvals.Delegate(ctx, reqs["alice"].ID, "dave", "alice")
	require.NoError(t, err)
	assert.Equal(t, "dave", delegated.ApproverID)
	assert.Equal(t, reqs["alice"].ID, delegated.DelegatedFrom)
	assert.Equal(t, reqs["alice"].DueBy, delegated.DueBy)

	original, err := h.approvals.GetRequest(ctx, reqs["alice"].ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalDelegated, original.Status)
	assert.Equal(t, "dave", original.DelegatedTo)

	// The delegated request can no longer be answered or delegated.
	_, err = h.approvals.RecordResponse(ctx, original.ID, repository.ApprovalApproved, "alice", "")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyDecided), "got %v", err)
	_, err = h.approvals.Delegate(ctx, original.ID, "erin", "alice")
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyDecided), "got %v", err)

	// Bob already holds a live request for this step.
	_, err = h.approvals.Delegate(ctx, delegated.ID, "bob", "dave")
	assert.True(t, errors.Is(err, errors.ErrCodeConflict), "got %v", err)
	assert.Equal(t, repository.ApprovalPending, h.requests(t, exec.ID)["dave"].Status)

	// ALL counts the delegate instead of the delegator.
	assert.False(t, respond(t, h, reqs["bob"], repository.ApprovalApproved).Resolved)
	res := respond(t, h, delegated, repository.ApprovalApproved)
	assert.True(t, res.Resolved)
	assert.Equal(t, repository.BatchApproved, res.BatchStatus)
	assert.Equal(t, repository.ExecutionCompleted, h.execution(t, exec.ID).Status)

	notes := h.notifier.events("approval_requested")
	assert.Equal(t, "dave", notes[len(notes)-1].Recipient)
	assert.Contains(t, h.auditActions(t, exec.ID), AuditApprovalDelegated)
}

func TestDelegateToSelfIsRejected(t *testing.T) {
	h := newHarness(t)
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	exec := h.start(t, "invoice", nil)

	_, err := h.approvals.Delegate(context.Background(), h.requests(t, exec.ID)["alice"].ID, "alice", "alice")
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
}

func TestEscalate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	exec := h.start(t, "invoice", nil)
	req := h.requests(t, exec.ID)["alice"]

	_, err := h.approvals.Escalate(ctx, req.ID)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState), "not yet due: %v", err)

	h.clock.Add(testDue + time.Minute)
	escalated, err := h.approvals.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, escalated)

	for i := 0; i < 3; i++ {
		again, err := h.approvals.Escalate(ctx, req.ID)
		require.NoError(t, err)
		assert.False(t, again)
	}

	notes := h.notifier.events("approval_escalated")
	require.Len(t, notes, 1)
	assert.Equal(t, testEscalator, notes[0].Recipient)

	after, err := h.approvals.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, after.EscalatedAt)
	assert.Equal(t, req.DueBy.Add(testGrace), after.DueBy)
	assert.Equal(t, repository.ApprovalPending, after.Status)
}

func TestEscalateUsesStepTarget(t *testing.T) {
	h := newHarness(t)
	def := approvalDefinition("invoice", repository.PolicyAny, "alice")
	def.Steps[0].Approval.EscalateTo = "cfo"
	h.publish(t, def)
	exec := h.start(t, "invoice", nil)

	h.clock.Add(testDue)
	escalated, err := h.approvals.Escalate(context.Background(), h.requests(t, exec.ID)["alice"].ID)
	require.NoError(t, err)
	assert.True(t, escalated)
	assert.Equal(t, "cfo", h.notifier.events("approval_escalated")[0].Recipient)
}

func TestEscalationNotificationFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	exec := h.start(t, "invoice", nil)
	req := h.requests(t, exec.ID)["alice"]
	h.clock.Add(testDue)

	h.notifier.failEvent("approval_escalated", true)
	_, err := h.approvals.Escalate(ctx, req.ID)
	require.Error(t, err)

	unchanged, err := h.approvals.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, unchanged.EscalatedAt)
	assert.Equal(t, req.DueBy, unchanged.DueBy)

	h.notifier.failEvent("approval_escalated", false)
	escalated, err := h.approvals.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, escalated)
}

func TestRemindOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	exec := h.start(t, "invoice", nil)
	req := h.requests(t, exec.ID)["alice"]

	reminded, err := h.approvals.Remind(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, reminded)
	reminded, err = h.approvals.Remind(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, reminded)

	notes := h.notifier.events("approval_reminder")
	require.Len(t, notes, 1)
	assert.Equal(t, "alice", notes[0].Recipient)
}

func TestRequestApprovalsValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAny, "alice"))
	exec := h.start(t, "invoice", nil)
	stepExecID := exec.CurrentStepExecutionID
	due := baseTime.Add(time.Hour)

	_, err := h.approvals.RequestApprovals(ctx, stepExecID, nil, repository.PolicyAny, due)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)

	_, err = h.approvals.RequestApprovals(ctx, stepExecID, []string{"bob"}, "SOME", due)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)

	_, err = h.approvals.RequestApprovals(ctx, stepExecID, []string{"bob"}, repository.PolicyAny, due)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidState), "batch already open: %v", err)

	_, err = h.approvals.RequestApprovals(ctx, "missing", []string{"bob"}, repository.PolicyAny, due)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)
}

func TestHistoryAndStatistics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publish(t, approvalDefinition("invoice", repository.PolicyAll, "alice", "bob"))
	exec := h.start(t, "invoice", nil)
	reqs := h.requests(t, exec.ID)
	respond(t, h, reqs["alice"], repository.ApprovalApproved)

	pending, err := h.approvals.ListPendingForUser(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, reqs["bob"].ID, pending[0].ID)

	h.clock.Add(testDue)
	stats, err := h.approvals.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Overdue)

	history, err := h.approvals.History(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, history.Requests, 2)
	var actions []string
	for _, e := range history.Audit {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, AuditApprovalRequested)
	assert.Contains(t, actions, AuditApprovalDecided)

	_, err = h.approvals.History(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)
}
