package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("definition versions", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		v, err := store.LatestDefinitionVersion(ctx, "doc-review")
		require.NoError(t, err)
		assert.Equal(t, 0, v)

		require.NoError(t, store.CreateDefinition(ctx, testDefinition("doc-review", 1)))
		require.NoError(t, store.CreateDefinition(ctx, testDefinition("doc-review", 2)))

		err = store.CreateDefinition(ctx, testDefinition("doc-review", 2))
		assert.True(t, errors.Is(err, errors.ErrCodeConflict), "got %v", err)

		latest, err := store.GetDefinition(ctx, "doc-review", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.Len(t, latest.Steps, 2)
		assert.Equal(t, "notify", latest.Transitions["review"][OutcomeApproved])

		first, err := store.GetDefinition(ctx, "doc-review", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Version)

		_, err = store.GetDefinition(ctx, "missing", 0)
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	})

	t.Run("execution and step lifecycle", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		exec := seedExecution(t, store)

		exec.Status = ExecutionWaitingApproval
		exec.Context["amount"] = 1200.0
		exec.UpdatedAt = baseTime.Add(time.Minute)
		require.NoError(t, store.UpdateExecution(ctx, exec))

		got, err := store.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionWaitingApproval, got.Status)
		assert.Equal(t, 1200.0, got.Context["amount"])

		first := testStepExecution(exec.ID, "review", StepTypeApproval)
		second := testStepExecution(exec.ID, "notify", StepTypeAction)
		require.NoError(t, store.CreateStepExecution(ctx, first))
		require.NoError(t, store.CreateStepExecution(ctx, second))

		finished := baseTime.Add(2 * time.Minute)
		first.Status = StepCompleted
		first.Outcome = OutcomeApproved
		first.FinishedAt = &finished
		require.NoError(t, store.UpdateStepExecution(ctx, first))

		first.Status = StepFailed
		err = store.UpdateStepExecution(ctx, first)
		assert.True(t, errors.Is(err, errors.ErrCodeInvalidState), "finished steps are immutable, got %v", err)

		steps, err := store.ListStepExecutions(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, "review", steps[0].StepID)
		assert.Equal(t, StepCompleted, steps[0].Status)
		assert.Equal(t, "notify", steps[1].StepID)
	})

	t.Run("due delays", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		exec := seedExecution(t, store)

		due := testStepExecution(exec.ID, "wait", StepTypeDelay)
		resumeAt := baseTime.Add(time.Hour)
		due.ResumeAt = &resumeAt
		require.NoError(t, store.CreateStepExecution(ctx, due))

		delays, err := store.ListDueDelays(ctx, baseTime.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, delays)

		delays, err = store.ListDueDelays(ctx, baseTime.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, delays, 1)
		assert.Equal(t, due.ID, delays[0].ID)
	})

	t.Run("approval transitions are optimistic", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		exec := seedExecution(t, store)
		step := testStepExecution(exec.ID, "review", StepTypeApproval)
		require.NoError(t, store.CreateStepExecution(ctx, step))

		batch, reqs := testBatch(exec.ID, step.ID, "alice", "bob")
		require.NoError(t, store.CreateBatch(ctx, batch, reqs))

		ok, err := store.TransitionApproval(ctx, reqs[0].ID, ApprovalPending, ApprovalApproved, ApprovalUpdate{
			DecidedBy: "alice",
			DecidedAt: baseTime.Add(time.Minute),
			Comment:   "looks fine",
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.TransitionApproval(ctx, reqs[0].ID, ApprovalPending, ApprovalRejected, ApprovalUpdate{
			DecidedBy: "alice",
			DecidedAt: baseTime.Add(2 * time.Minute),
		})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.GetApproval(ctx, reqs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, ApprovalApproved, got.Status)
		assert.Equal(t, "looks fine", got.Comment)
		require.NotNil(t, got.DecidedAt)

		n, err := store.ExpirePendingApprovals(ctx, batch.ID, baseTime.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ok, err = store.ResolveBatch(ctx, batch.ID, BatchApproved, baseTime.Add(3*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.ResolveBatch(ctx, batch.ID, BatchRejected, baseTime.Add(4*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "a batch resolves once")

		resolved, err := store.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, BatchApproved, resolved.Status)
	})

	t.Run("one live request per approver and step", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		exec := seedExecution(t, store)
		step := testStepExecution(exec.ID, "review", StepTypeApproval)
		require.NoError(t, store.CreateStepExecution(ctx, step))

		batch, reqs := testBatch(exec.ID, step.ID, "alice")
		require.NoError(t, store.CreateBatch(ctx, batch, reqs))

		dup := testRequest(batch, "alice")
		err := store.CreateApproval(ctx, dup)
		assert.True(t, errors.Is(err, errors.ErrCodeConflict), "got %v", err)

		ok, err := store.TransitionApproval(ctx, reqs[0].ID, ApprovalPending, ApprovalDelegated, ApprovalUpdate{
			DecidedBy:   "alice",
			DecidedAt:   baseTime.Add(time.Minute),
			DelegatedTo: "carol",
		})
		require.NoError(t, err)
		require.True(t, ok)

		// After delegation the original no longer counts as live.
		require.NoError(t, store.CreateApproval(ctx, dup))
	})

	t.Run("escalation and reminder markers", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		exec := seedExecution(t, store)
		step := testStepExecution(exec.ID, "review", StepTypeApproval)
		require.NoError(t, store.CreateStepExecution(ctx, step))
		batch, reqs := testBatch(exec.ID, step.ID, "alice")
		require.NoError(t, store.CreateBatch(ctx, batch, reqs))

		due, err := store.ListPendingApprovalsDueBefore(ctx, reqs[0].DueBy)
		require.NoError(t, err)
		require.Len(t, due, 1)

		newDue := reqs[0].DueBy.Add(24 * time.Hour)
		ok, err := store.MarkEscalated(ctx, reqs[0].ID, reqs[0].DueBy, newDue)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.MarkEscalated(ctx, reqs[0].ID, reqs[0].DueBy, newDue.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.MarkReminded(ctx, reqs[0].ID, baseTime)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = store.MarkReminded(ctx, reqs[0].ID, baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.GetApproval(ctx, reqs[0].ID)
		require.NoError(t, err)
		assert.True(t, got.DueBy.Equal(newDue))

		mine, err := store.ListPendingApprovalsForUser(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, mine, 1)

		stats, err := store.ApprovalStatistics(ctx, newDue.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Overdue)
		assert.Equal(t, 1, stats.Escalated)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		exec := seedExecution(t, store)

		boom := errors.InvalidState("abort")
		err := store.InTx(ctx, func(tx Store) error {
			exec.Status = ExecutionCompleted
			if err := tx.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			return tx.InTx(ctx, func(inner Store) error {
				if err := inner.CreateStepExecution(ctx, testStepExecution(exec.ID, "x", StepTypeAction)); err != nil {
					return err
				}
				return boom
			})
		})
		require.ErrorIs(t, err, boom)

		got, err := store.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionRunning, got.Status)
		steps, err := store.ListStepExecutions(ctx, exec.ID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("rollback keeps writes made outside the transaction", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		execA := seedExecution(t, store)
		execB := seedExecution(t, store)

		entered := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		boom := errors.InvalidState("abort")
		go func() {
			done <- store.InTx(ctx, func(tx Store) error {
				failed := *execA
				failed.Status = ExecutionFailed
				if err := tx.UpdateExecution(ctx, &failed); err != nil {
					return err
				}
				close(entered)
				<-release
				return boom
			})
		}()
		select {
		case <-entered:
		case err := <-done:
			require.FailNow(t, "transaction ended early", "%v", err)
		}

		require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
			ID:          uuid.NewString(),
			ExecutionID: execB.ID,
			Actor:       "system",
			Action:      "execution_started",
			CreatedAt:   baseTime,
		}))
		trigger := testTrigger(execB.DefinitionID, true)
		require.NoError(t, store.CreateTrigger(ctx, trigger))
		execB.Status = ExecutionWaitingApproval
		require.NoError(t, store.UpdateExecution(ctx, execB))

		close(release)
		require.ErrorIs(t, <-done, boom)

		gotA, err := store.GetExecution(ctx, execA.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionRunning, gotA.Status)

		entries, err := store.ListAuditByExecution(ctx, execB.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
		_, err = store.GetTrigger(ctx, trigger.ID)
		assert.NoError(t, err)
		gotB, err := store.GetExecution(ctx, execB.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionWaitingApproval, gotB.Status)
	})

	t.Run("triggers", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		enabled := testTrigger("doc-review", true)
		disabled := testTrigger("doc-review", false)
		require.NoError(t, store.CreateTrigger(ctx, enabled))
		require.NoError(t, store.CreateTrigger(ctx, disabled))

		all, err := store.ListTriggers(ctx, false)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		active, err := store.ListTriggers(ctx, true)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, enabled.ID, active[0].ID)
		assert.Equal(t, "invoice", active[0].Criteria["document.type"])

		require.NoError(t, store.SetTriggerEnabled(ctx, disabled.ID, true))
		active, err = store.ListTriggers(ctx, true)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		require.NoError(t, store.DeleteTrigger(ctx, enabled.ID))
		_, err = store.GetTrigger(ctx, enabled.ID)
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
		assert.True(t, errors.Is(store.DeleteTrigger(ctx, enabled.ID), errors.ErrCodeNotFound))
	})

	t.Run("audit is ordered", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)
		exec := seedExecution(t, store)

		for _, action := range []string{"execution.started", "step.entered", "execution.completed"} {
			require.NoError(t, store.AppendAudit(ctx, &AuditEntry{
				ID:          uuid.NewString(),
				ExecutionID: exec.ID,
				Actor:       "system",
				Action:      action,
				After:       map[string]any{"status": "running"},
				CreatedAt:   baseTime,
			}))
		}

		entries, err := store.ListAuditByExecution(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "execution.started", entries[0].Action)
		assert.Equal(t, "execution.completed", entries[2].Action)
		assert.Equal(t, "running", entries[1].After["status"])
	})
}

func testDefinition(id string, version int) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:      id,
		Version: version,
		Name:    "Document review",
		Steps: []Step{
			{ID: "review", Type: StepTypeApproval, Approval: &ApprovalConfig{Approvers: []string{"alice"}, Policy: PolicyAny}},
			{ID: "notify", Type: StepTypeAction, Action: &ActionConfig{Type: "log"}},
		},
		Transitions: map[string]map[string]string{
			"review": {OutcomeApproved: "notify"},
		},
		PublishedAt: baseTime,
	}
}

func seedExecution(t *testing.T, store Store) *WorkflowExecution {
	t.Helper()
	ctx := context.Background()

	def := testDefinition("doc-review-"+uuid.NewString()[:8], 1)
	require.NoError(t, store.CreateDefinition(ctx, def))

	exec := &WorkflowExecution{
		ID:                uuid.NewString(),
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            ExecutionRunning,
		Context:           map[string]any{"document_id": "doc-1"},
		StartedBy:         "alice",
		StartedAt:         baseTime,
		UpdatedAt:         baseTime,
	}
	require.NoError(t, store.CreateExecution(ctx, exec))
	return exec
}

func testStepExecution(executionID, stepID string, stepType StepType) *StepExecution {
	return &StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		StepType:    stepType,
		Status:      StepRunning,
		Input:       map[string]any{"document_id": "doc-1"},
		StartedAt:   baseTime,
	}
}

func testBatch(executionID, stepExecutionID string, approvers ...string) (*ApprovalBatch, []*ApprovalRequest) {
	batch := &ApprovalBatch{
		ID:              uuid.NewString(),
		ExecutionID:     executionID,
		StepExecutionID: stepExecutionID,
		Policy:          PolicyAll,
		Status:          BatchPending,
		CreatedAt:       baseTime,
	}
	reqs := make([]*ApprovalRequest, 0, len(approvers))
	for _, approver := range approvers {
		reqs = append(reqs, testRequest(batch, approver))
	}
	return batch, reqs
}

func testRequest(batch *ApprovalBatch, approver string) *ApprovalRequest {
	return &ApprovalRequest{
		ID:              uuid.NewString(),
		BatchID:         batch.ID,
		ExecutionID:     batch.ExecutionID,
		StepExecutionID: batch.StepExecutionID,
		ApproverID:      approver,
		Status:          ApprovalPending,
		DueBy:           baseTime.Add(72 * time.Hour),
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
}

func testTrigger(definitionID string, enabled bool) *Trigger {
	return &Trigger{
		ID:             uuid.NewString(),
		DefinitionID:   definitionID,
		Kind:           TriggerDocumentEvent,
		Criteria:       map[string]string{"document.type": "invoice"},
		ContextMapping: map[string]string{"document_id": "document.id"},
		Enabled:        enabled,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
}
