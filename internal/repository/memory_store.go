package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// MemoryStore is an in-process Store. It backs the test suite and the
// "memory" storage driver. Transactions are serialized and journal their
// writes; a rollback undoes only what went through the transaction.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data *memoryData
}

type memoryData struct {
	definitions map[string][]*WorkflowDefinition // ascending version

	executions map[string]*WorkflowExecution
	steps      map[string]*StepExecution
	stepOrder  []string

	batches       map[string]*ApprovalBatch
	approvals     map[string]*ApprovalRequest
	approvalOrder []string

	triggers     map[string]*Trigger
	triggerOrder []string

	audit []*AuditEntry
}

func newMemoryData() *memoryData {
	return &memoryData{
		definitions: make(map[string][]*WorkflowDefinition),
		executions:  make(map[string]*WorkflowExecution),
		steps:       make(map[string]*StepExecution),
		batches:     make(map[string]*ApprovalBatch),
		approvals:   make(map[string]*ApprovalRequest),
		triggers:    make(map[string]*Trigger),
	}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemoryData()}
}

// journal holds the inverse of every write made inside a transaction. Stored
// records are replaced, never mutated in place, so an undo can put the prior
// pointer back.
type journal struct {
	undo []func(d *memoryData)
}

// record is a no-op outside a transaction.
func (j *journal) record(fn func(d *memoryData)) {
	if j != nil {
		j.undo = append(j.undo, fn)
	}
}

func (j *journal) rollback(d *memoryData) {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i](d)
	}
}

// memoryTx is the view handed to InTx callbacks. Reads go straight to the
// store; writes are journaled. Nested InTx calls run inline in the enclosing
// transaction.
type memoryTx struct {
	*MemoryStore
	j *journal
}

func (t memoryTx) InTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

// InTx runs fn with exclusive transactional access. On error every write made
// through tx is undone; writes made directly on the store meanwhile are kept.
func (s *MemoryStore) InTx(_ context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &journal{}
	if err := fn(memoryTx{MemoryStore: s, j: j}); err != nil {
		s.mu.Lock()
		j.rollback(s.data)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (t memoryTx) CreateDefinition(_ context.Context, def *WorkflowDefinition) error {
	return t.createDefinition(t.j, def)
}

func (t memoryTx) CreateExecution(_ context.Context, exec *WorkflowExecution) error {
	return t.createExecution(t.j, exec)
}

func (t memoryTx) UpdateExecution(_ context.Context, exec *WorkflowExecution) error {
	return t.updateExecution(t.j, exec)
}

func (t memoryTx) CreateStepExecution(_ context.Context, step *StepExecution) error {
	return t.createStepExecution(t.j, step)
}

func (t memoryTx) UpdateStepExecution(_ context.Context, step *StepExecution) error {
	return t.updateStepExecution(t.j, step)
}

func (t memoryTx) CreateBatch(_ context.Context, batch *ApprovalBatch, requests []*ApprovalRequest) error {
	return t.createBatch(t.j, batch, requests)
}

func (t memoryTx) ResolveBatch(_ context.Context, id string, status BatchStatus, at time.Time) (bool, error) {
	return t.resolveBatch(t.j, id, status, at)
}

func (t memoryTx) CreateApproval(_ context.Context, req *ApprovalRequest) error {
	return t.createApproval(t.j, req)
}

func (t memoryTx) TransitionApproval(_ context.Context, id string, from, to ApprovalStatus, update ApprovalUpdate) (bool, error) {
	return t.transitionApproval(t.j, id, from, to, update)
}

func (t memoryTx) ExpirePendingApprovals(_ context.Context, batchID string, at time.Time) (int, error) {
	return t.expirePendingApprovals(t.j, batchID, at)
}

func (t memoryTx) MarkEscalated(_ context.Context, id string, at, newDueBy time.Time) (bool, error) {
	return t.markEscalated(t.j, id, at, newDueBy)
}

func (t memoryTx) MarkReminded(_ context.Context, id string, at time.Time) (bool, error) {
	return t.markReminded(t.j, id, at)
}

func (t memoryTx) CreateTrigger(_ context.Context, trigger *Trigger) error {
	return t.createTrigger(t.j, trigger)
}

func (t memoryTx) DeleteTrigger(_ context.Context, id string) error {
	return t.deleteTrigger(t.j, id)
}

func (t memoryTx) SetTriggerEnabled(_ context.Context, id string, enabled bool) error {
	return t.setTriggerEnabled(t.j, id, enabled)
}

func (t memoryTx) AppendAudit(_ context.Context, entry *AuditEntry) error {
	return t.appendAudit(t.j, entry)
}

// ── definitions ──────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateDefinition(_ context.Context, def *WorkflowDefinition) error {
	return s.createDefinition(nil, def)
}

func (s *MemoryStore) createDefinition(j *journal, def *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.definitions[def.ID] {
		if existing.Version == def.Version {
			return errors.Conflict("workflow definition " + def.ID + " version already exists")
		}
	}
	versions := append(s.data.definitions[def.ID], cloneDefinition(def))
	sort.Slice(versions, func(a, b int) bool { return versions[a].Version < versions[b].Version })
	s.data.definitions[def.ID] = versions

	id, version := def.ID, def.Version
	j.record(func(d *memoryData) {
		var kept []*WorkflowDefinition
		for _, v := range d.definitions[id] {
			if v.Version != version {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(d.definitions, id)
			return
		}
		d.definitions[id] = kept
	})
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string, version int) (*WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.data.definitions[id]
	if len(versions) == 0 {
		return nil, errors.NotFound("workflow_definition", id)
	}
	if version == 0 {
		return cloneDefinition(versions[len(versions)-1]), nil
	}
	for _, def := range versions {
		if def.Version == version {
			return cloneDefinition(def), nil
		}
	}
	return nil, errors.NotFound("workflow_definition", id)
}

func (s *MemoryStore) LatestDefinitionVersion(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.data.definitions[id]
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1].Version, nil
}

// ── executions ───────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateExecution(_ context.Context, exec *WorkflowExecution) error {
	return s.createExecution(nil, exec)
}

func (s *MemoryStore) createExecution(j *journal, exec *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.executions[exec.ID]; ok {
		return errors.Conflict("workflow execution " + exec.ID + " already exists")
	}
	s.data.executions[exec.ID] = cloneExecution(exec)

	id := exec.ID
	j.record(func(d *memoryData) { delete(d.executions, id) })
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.data.executions[id]
	if !ok {
		return nil, errors.NotFound("workflow_execution", id)
	}
	return cloneExecution(exec), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, exec *WorkflowExecution) error {
	return s.updateExecution(nil, exec)
}

func (s *MemoryStore) updateExecution(j *journal, exec *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.executions[exec.ID]
	if !ok {
		return errors.NotFound("workflow_execution", exec.ID)
	}
	s.data.executions[exec.ID] = cloneExecution(exec)

	id := exec.ID
	j.record(func(d *memoryData) { d.executions[id] = prev })
	return nil
}

func (s *MemoryStore) CreateStepExecution(_ context.Context, step *StepExecution) error {
	return s.createStepExecution(nil, step)
}

func (s *MemoryStore) createStepExecution(j *journal, step *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.steps[step.ID]; ok {
		return errors.Conflict("step execution " + step.ID + " already exists")
	}
	s.data.steps[step.ID] = cloneStepExecution(step)
	s.data.stepOrder = append(s.data.stepOrder, step.ID)

	id := step.ID
	j.record(func(d *memoryData) {
		delete(d.steps, id)
		d.stepOrder = without(d.stepOrder, id)
	})
	return nil
}

func (s *MemoryStore) GetStepExecution(_ context.Context, id string) (*StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.data.steps[id]
	if !ok {
		return nil, errors.NotFound("step_execution", id)
	}
	return cloneStepExecution(step), nil
}

func (s *MemoryStore) UpdateStepExecution(_ context.Context, step *StepExecution) error {
	return s.updateStepExecution(nil, step)
}

func (s *MemoryStore) updateStepExecution(j *journal, step *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.steps[step.ID]
	if !ok || existing.FinishedAt != nil {
		return errors.InvalidState("step execution %s is finished or missing", step.ID)
	}
	updated := cloneStepExecution(step)
	// Identity and input are fixed at creation.
	updated.ExecutionID = existing.ExecutionID
	updated.StepID = existing.StepID
	updated.StepType = existing.StepType
	updated.Input = cloneMap(existing.Input)
	updated.StartedAt = existing.StartedAt
	s.data.steps[step.ID] = updated

	id := step.ID
	j.record(func(d *memoryData) { d.steps[id] = existing })
	return nil
}

func (s *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]*StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*StepExecution
	for _, id := range s.data.stepOrder {
		if step := s.data.steps[id]; step.ExecutionID == executionID {
			out = append(out, cloneStepExecution(step))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDueDelays(_ context.Context, now time.Time) ([]*StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*StepExecution
	for _, id := range s.data.stepOrder {
		step := s.data.steps[id]
		if step.StepType != StepTypeDelay || step.Status != StepRunning || step.ResumeAt == nil {
			continue
		}
		if !step.ResumeAt.After(now) {
			out = append(out, cloneStepExecution(step))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ResumeAt.Before(*out[j].ResumeAt) })
	return out, nil
}

// ── approvals ────────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateBatch(_ context.Context, batch *ApprovalBatch, requests []*ApprovalRequest) error {
	return s.createBatch(nil, batch, requests)
}

func (s *MemoryStore) createBatch(j *journal, batch *ApprovalBatch, requests []*ApprovalRequest) error {
	s.mu.Lock()
	if _, ok := s.data.batches[batch.ID]; ok {
		s.mu.Unlock()
		return errors.Conflict("approval batch " + batch.ID + " already exists")
	}
	s.data.batches[batch.ID] = cloneBatch(batch)
	s.mu.Unlock()

	id := batch.ID
	j.record(func(d *memoryData) { delete(d.batches, id) })

	for _, req := range requests {
		if err := s.createApproval(j, req); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*ApprovalBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.data.batches[id]
	if !ok {
		return nil, errors.NotFound("approval_batch", id)
	}
	return cloneBatch(batch), nil
}

func (s *MemoryStore) ResolveBatch(_ context.Context, id string, status BatchStatus, at time.Time) (bool, error) {
	return s.resolveBatch(nil, id, status, at)
}

func (s *MemoryStore) resolveBatch(j *journal, id string, status BatchStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.batches[id]
	if !ok || prev.Status != BatchPending {
		return false, nil
	}
	updated := cloneBatch(prev)
	updated.Status = status
	updated.ResolvedAt = &at
	s.data.batches[id] = updated

	j.record(func(d *memoryData) { d.batches[id] = prev })
	return true, nil
}

func (s *MemoryStore) CreateApproval(_ context.Context, req *ApprovalRequest) error {
	return s.createApproval(nil, req)
}

func (s *MemoryStore) createApproval(j *journal, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.approvals[req.ID]; ok {
		return errors.Conflict("approval request " + req.ID + " already exists")
	}
	if req.Status != ApprovalDelegated {
		for _, existing := range s.data.approvals {
			if existing.StepExecutionID == req.StepExecutionID &&
				existing.ApproverID == req.ApproverID &&
				existing.Status != ApprovalDelegated {
				return errors.Conflict("approver already has a live request for this step")
			}
		}
	}
	s.data.approvals[req.ID] = cloneApproval(req)
	s.data.approvalOrder = append(s.data.approvalOrder, req.ID)

	id := req.ID
	j.record(func(d *memoryData) {
		delete(d.approvals, id)
		d.approvalOrder = without(d.approvalOrder, id)
	})
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.data.approvals[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return cloneApproval(req), nil
}

func (s *MemoryStore) ListApprovalsByBatch(_ context.Context, batchID string) ([]*ApprovalRequest, error) {
	return s.filterApprovals(func(r *ApprovalRequest) bool { return r.BatchID == batchID }), nil
}

func (s *MemoryStore) ListApprovalsByExecution(_ context.Context, executionID string) ([]*ApprovalRequest, error) {
	return s.filterApprovals(func(r *ApprovalRequest) bool { return r.ExecutionID == executionID }), nil
}

func (s *MemoryStore) ListPendingApprovalsForUser(_ context.Context, userID string) ([]*ApprovalRequest, error) {
	out := s.filterApprovals(func(r *ApprovalRequest) bool {
		return r.ApproverID == userID && r.Status == ApprovalPending
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueBy.Before(out[j].DueBy) })
	return out, nil
}

func (s *MemoryStore) ListPendingApprovalsDueBefore(_ context.Context, t time.Time) ([]*ApprovalRequest, error) {
	out := s.filterApprovals(func(r *ApprovalRequest) bool {
		return r.Status == ApprovalPending && !r.DueBy.After(t)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueBy.Before(out[j].DueBy) })
	return out, nil
}

func (s *MemoryStore) TransitionApproval(_ context.Context, id string, from, to ApprovalStatus, update ApprovalUpdate) (bool, error) {
	return s.transitionApproval(nil, id, from, to, update)
}

func (s *MemoryStore) transitionApproval(j *journal, id string, from, to ApprovalStatus, update ApprovalUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.approvals[id]
	if !ok || prev.Status != from {
		return false, nil
	}
	req := cloneApproval(prev)
	req.Status = to
	if update.DecidedBy != "" {
		req.DecidedBy = update.DecidedBy
	}
	if update.Comment != "" {
		req.Comment = update.Comment
	}
	if update.DelegatedTo != "" {
		req.DelegatedTo = update.DelegatedTo
	}
	at := update.DecidedAt
	req.DecidedAt = &at
	req.UpdatedAt = at
	s.replaceApproval(j, prev, req)
	return true, nil
}

func (s *MemoryStore) ExpirePendingApprovals(_ context.Context, batchID string, at time.Time) (int, error) {
	return s.expirePendingApprovals(nil, batchID, at)
}

func (s *MemoryStore) expirePendingApprovals(j *journal, batchID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, prev := range s.data.approvals {
		if prev.BatchID == batchID && prev.Status == ApprovalPending {
			req := cloneApproval(prev)
			req.Status = ApprovalExpired
			req.UpdatedAt = at
			s.replaceApproval(j, prev, req)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkEscalated(_ context.Context, id string, at, newDueBy time.Time) (bool, error) {
	return s.markEscalated(nil, id, at, newDueBy)
}

func (s *MemoryStore) markEscalated(j *journal, id string, at, newDueBy time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.approvals[id]
	if !ok || prev.Status != ApprovalPending || prev.EscalatedAt != nil {
		return false, nil
	}
	req := cloneApproval(prev)
	req.EscalatedAt = &at
	req.DueBy = newDueBy
	req.UpdatedAt = at
	s.replaceApproval(j, prev, req)
	return true, nil
}

func (s *MemoryStore) MarkReminded(_ context.Context, id string, at time.Time) (bool, error) {
	return s.markReminded(nil, id, at)
}

func (s *MemoryStore) markReminded(j *journal, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.approvals[id]
	if !ok || prev.Status != ApprovalPending || prev.RemindedAt != nil {
		return false, nil
	}
	req := cloneApproval(prev)
	req.RemindedAt = &at
	req.UpdatedAt = at
	s.replaceApproval(j, prev, req)
	return true, nil
}

// replaceApproval must be called with mu held.
func (s *MemoryStore) replaceApproval(j *journal, prev, next *ApprovalRequest) {
	s.data.approvals[next.ID] = next
	id := next.ID
	j.record(func(d *memoryData) { d.approvals[id] = prev })
}

func (s *MemoryStore) ApprovalStatistics(_ context.Context, now time.Time) (*ApprovalStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &ApprovalStatistics{}
	for _, req := range s.data.approvals {
		switch req.Status {
		case ApprovalPending:
			stats.Pending++
			if !req.DueBy.After(now) {
				stats.Overdue++
			}
		case ApprovalApproved:
			stats.Approved++
		case ApprovalRejected:
			stats.Rejected++
		case ApprovalDelegated:
			stats.Delegated++
		case ApprovalExpired:
			stats.Expired++
		}
		if req.EscalatedAt != nil {
			stats.Escalated++
		}
	}
	return stats, nil
}

func (s *MemoryStore) filterApprovals(keep func(*ApprovalRequest) bool) []*ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ApprovalRequest
	for _, id := range s.data.approvalOrder {
		if req := s.data.approvals[id]; keep(req) {
			out = append(out, cloneApproval(req))
		}
	}
	return out
}

// ── triggers ─────────────────────────────────────────────────────────────────

func (s *MemoryStore) CreateTrigger(_ context.Context, trigger *Trigger) error {
	return s.createTrigger(nil, trigger)
}

func (s *MemoryStore) createTrigger(j *journal, trigger *Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.triggers[trigger.ID]; ok {
		return errors.Conflict("workflow trigger " + trigger.ID + " already exists")
	}
	s.data.triggers[trigger.ID] = cloneTrigger(trigger)
	s.data.triggerOrder = append(s.data.triggerOrder, trigger.ID)

	id := trigger.ID
	j.record(func(d *memoryData) {
		delete(d.triggers, id)
		d.triggerOrder = without(d.triggerOrder, id)
	})
	return nil
}

func (s *MemoryStore) GetTrigger(_ context.Context, id string) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trigger, ok := s.data.triggers[id]
	if !ok {
		return nil, errors.NotFound("workflow_trigger", id)
	}
	return cloneTrigger(trigger), nil
}

func (s *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	return s.deleteTrigger(nil, id)
}

func (s *MemoryStore) deleteTrigger(j *journal, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.triggers[id]
	if !ok {
		return errors.NotFound("workflow_trigger", id)
	}
	delete(s.data.triggers, id)
	s.data.triggerOrder = without(s.data.triggerOrder, id)

	j.record(func(d *memoryData) {
		d.triggers[id] = prev
		d.triggerOrder = append(d.triggerOrder, id)
	})
	return nil
}

func (s *MemoryStore) SetTriggerEnabled(_ context.Context, id string, enabled bool) error {
	return s.setTriggerEnabled(nil, id, enabled)
}

func (s *MemoryStore) setTriggerEnabled(j *journal, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.triggers[id]
	if !ok {
		return errors.NotFound("workflow_trigger", id)
	}
	trigger := cloneTrigger(prev)
	trigger.Enabled = enabled
	trigger.UpdatedAt = time.Now().UTC()
	s.data.triggers[id] = trigger

	j.record(func(d *memoryData) { d.triggers[id] = prev })
	return nil
}

func (s *MemoryStore) ListTriggers(_ context.Context, enabledOnly bool) ([]*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Trigger
	for _, id := range s.data.triggerOrder {
		trigger := s.data.triggers[id]
		if enabledOnly && !trigger.Enabled {
			continue
		}
		out = append(out, cloneTrigger(trigger))
	}
	return out, nil
}

// ── audit ────────────────────────────────────────────────────────────────────

func (s *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	return s.appendAudit(nil, entry)
}

func (s *MemoryStore) appendAudit(j *journal, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneAudit(entry)
	s.data.audit = append(s.data.audit, stored)

	j.record(func(d *memoryData) {
		kept := d.audit[:0:0]
		for _, e := range d.audit {
			if e != stored {
				kept = append(kept, e)
			}
		}
		d.audit = kept
	})
	return nil
}

func (s *MemoryStore) ListAuditByExecution(_ context.Context, executionID string) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*AuditEntry
	for _, entry := range s.data.audit {
		if entry.ExecutionID == executionID {
			out = append(out, cloneAudit(entry))
		}
	}
	return out, nil
}

// without returns ids minus id in a fresh slice.
func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ── cloning ──────────────────────────────────────────────────────────────────

func cloneBatch(batch *ApprovalBatch) *ApprovalBatch {
	c := *batch
	c.ResolvedAt = cloneTime(batch.ResolvedAt)
	return &c
}

func cloneDefinition(def *WorkflowDefinition) *WorkflowDefinition {
	c := *def
	c.Steps = append([]Step(nil), def.Steps...)
	if def.Transitions != nil {
		c.Transitions = make(map[string]map[string]string, len(def.Transitions))
		for step, edges := range def.Transitions {
			c.Transitions[step] = cloneStrings(edges)
		}
	}
	return &c
}

func cloneExecution(exec *WorkflowExecution) *WorkflowExecution {
	c := *exec
	c.Context = cloneMap(exec.Context)
	if c.Context == nil {
		c.Context = map[string]any{}
	}
	c.CompletedAt = cloneTime(exec.CompletedAt)
	return &c
}

func cloneStepExecution(step *StepExecution) *StepExecution {
	c := *step
	c.Input = cloneMap(step.Input)
	c.Output = cloneMap(step.Output)
	c.ResumeAt = cloneTime(step.ResumeAt)
	c.FinishedAt = cloneTime(step.FinishedAt)
	return &c
}

func cloneApproval(req *ApprovalRequest) *ApprovalRequest {
	c := *req
	c.DecidedAt = cloneTime(req.DecidedAt)
	c.EscalatedAt = cloneTime(req.EscalatedAt)
	c.RemindedAt = cloneTime(req.RemindedAt)
	return &c
}

func cloneTrigger(trigger *Trigger) *Trigger {
	c := *trigger
	c.Criteria = cloneStrings(trigger.Criteria)
	c.ContextMapping = cloneStrings(trigger.ContextMapping)
	return &c
}

func cloneAudit(entry *AuditEntry) *AuditEntry {
	c := *entry
	c.Before = cloneMap(entry.Before)
	c.After = cloneMap(entry.After)
	c.Metadata = cloneMap(entry.Metadata)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// cloneMap deep-copies JSON-shaped values.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		c := make([]any, len(val))
		for i, item := range val {
			c[i] = cloneValue(item)
		}
		return c
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
