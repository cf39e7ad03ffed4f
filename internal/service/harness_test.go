package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/lock"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

const (
	testGrace     = 24 * time.Hour
	testDue       = 72 * time.Hour
	testEscalator = "finance-lead"
)

// fakeNotifier records notifications. Events listed in fail are rejected.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []client.Notification
	fail map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fail: make(map[string]bool)}
}

func (n *fakeNotifier) Send(_ context.Context, note client.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail[note.Event] {
		return fmt.Errorf("notification backend unavailable")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) failEvent(event string, fail bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[event] = fail
}

func (n *fakeNotifier) events(event string) []client.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []client.Notification
	for _, note := range n.sent {
		if note.Event == event {
			out = append(out, note)
		}
	}
	return out
}

// countingResumer counts resolution callbacks before passing them on.
type countingResumer struct {
	next  ExecutionResumer
	calls atomic.Int32
}

func (r *countingResumer) Resume(ctx context.Context, executionID string) error {
	r.calls.Add(1)
	return r.next.Resume(ctx, executionID)
}

type harness struct {
	store     *repository.MemoryStore
	clock     *clock.Mock
	notifier  *fakeNotifier
	metrics   *metrics.Metrics
	audit     *AuditLog
	actions   *ActionRegistry
	approvals *ApprovalCoordinator
	engine    *WorkflowEngine
	resumer   *countingResumer
	triggers  *TriggerRegistry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Add(baseTime.Sub(clk.Now()))

	log := logger.Nop()
	h := &harness{
		store:    repository.NewMemoryStore(),
		clock:    clk,
		notifier: newFakeNotifier(),
		metrics:  metrics.New(),
	}
	locker := lock.NewLocalLocker()
	h.audit = NewAuditLog(h.store, clk, h.metrics, log)
	h.actions = DefaultActions(h.notifier, h.metrics, log)
	h.approvals = NewApprovalCoordinator(h.store, locker, h.notifier, h.audit, clk,
		ApprovalConfig{EscalationGrace: testGrace, EscalationTarget: testEscalator}, h.metrics, log)
	h.engine = NewWorkflowEngine(h.store, locker, h.approvals, h.actions, h.audit, clk,
		EngineConfig{DefaultApprovalDue: testDue}, h.metrics, log)
	h.resumer = &countingResumer{next: h.engine}
	h.approvals.SetResumer(h.resumer)
	h.triggers = NewTriggerRegistry(h.store, h.engine, clk, h.metrics, log)
	return h
}

func (h *harness) publish(t *testing.T, def *repository.WorkflowDefinition) *repository.WorkflowDefinition {
	t.Helper()
	published, err := h.engine.PublishDefinition(context.Background(), def, "author")
	require.NoError(t, err)
	return published
}

func (h *harness) start(t *testing.T, defID string, vars map[string]any) *repository.WorkflowExecution {
	t.Helper()
	exec, err := h.engine.Start(context.Background(), StartRequest{DefinitionID: defID, Context: vars, StartedBy: "requester"})
	require.NoError(t, err)
	return exec
}

func (h *harness) execution(t *testing.T, id string) *repository.WorkflowExecution {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	return exec
}

// requests returns the approval requests of an execution keyed by approver.
// Delegated requests are left out.
func (h *harness) requests(t *testing.T, executionID string) map[string]*repository.ApprovalRequest {
	t.Helper()
	all, err := h.store.ListApprovalsByExecution(context.Background(), executionID)
	require.NoError(t, err)
	out := make(map[string]*repository.ApprovalRequest, len(all))
	for _, r := range all {
		if r.Status != repository.ApprovalDelegated {
			out[r.ApproverID] = r
		}
	}
	return out
}

func (h *harness) auditActions(t *testing.T, executionID string) []string {
	t.Helper()
	entries, err := h.audit.ListByExecution(context.Background(), executionID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

// ── definitions ──────────────────────────────────────────────────────────────

func setStep(id string, params map[string]any) repository.Step {
	return repository.Step{
		ID:     id,
		Type:   repository.StepTypeAction,
		Action: &repository.ActionConfig{Type: "set", Params: params},
	}
}

func conditionStep(id, expr string) repository.Step {
	return repository.Step{
		ID:        id,
		Type:      repository.StepTypeCondition,
		Condition: &repository.ConditionConfig{Expression: json.RawMessage(expr)},
	}
}

func approvalStep(id string, policy repository.ApprovalPolicy, approvers ...string) repository.Step {
	return repository.Step{
		ID:       id,
		Type:     repository.StepTypeApproval,
		Approval: &repository.ApprovalConfig{Approvers: approvers, Policy: policy},
	}
}

// approvalDefinition asks approvers for a decision and records it in the
// "outcome" variable.
func approvalDefinition(id string, policy repository.ApprovalPolicy, approvers ...string) *repository.WorkflowDefinition {
	return &repository.WorkflowDefinition{
		ID:   id,
		Name: "Invoice approval",
		Steps: []repository.Step{
			approvalStep("approve", policy, approvers...),
			setStep("accept", map[string]any{"outcome": "accepted"}),
			setStep("decline", map[string]any{"outcome": "declined"}),
		},
		Transitions: map[string]map[string]string{
			"approve": {
				repository.OutcomeApproved: "accept",
				repository.OutcomeRejected: "decline",
			},
		},
	}
}
