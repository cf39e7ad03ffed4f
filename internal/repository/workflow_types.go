package repository

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// StepType tags the Step variant.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeApproval  StepType = "approval"
	StepTypeDelay     StepType = "delay"
)

// ApprovalPolicy decides how a batch of approval responses resolves.
type ApprovalPolicy string

const (
	PolicyAny      ApprovalPolicy = "ANY"
	PolicyAll      ApprovalPolicy = "ALL"
	PolicyMajority ApprovalPolicy = "MAJORITY"
)

func (p ApprovalPolicy) Valid() bool {
	return p == PolicyAny || p == PolicyAll || p == PolicyMajority
}

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting-approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionCancelled       ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the lifecycle state of a StepExecution.
type StepStatus string

const (
	StepRunning         StepStatus = "running"
	StepWaitingApproval StepStatus = "waiting-approval"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepCancelled       StepStatus = "cancelled"
)

func (s StepStatus) InFlight() bool {
	return s == StepRunning || s == StepWaitingApproval
}

// ApprovalStatus is the state of one ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalDelegated ApprovalStatus = "delegated"
	ApprovalExpired   ApprovalStatus = "expired"
)

// BatchStatus is the chain outcome of an approval batch.
type BatchStatus string

const (
	BatchPending  BatchStatus = "pending"
	BatchApproved BatchStatus = "approved"
	BatchRejected BatchStatus = "rejected"
	BatchExpired  BatchStatus = "expired"
)

// TriggerKind is the class of external event a trigger listens to.
type TriggerKind string

const (
	TriggerDocumentEvent TriggerKind = "document-event"
	TriggerSchedule      TriggerKind = "schedule"
	TriggerWebhook       TriggerKind = "webhook"
)

func (k TriggerKind) Valid() bool {
	return k == TriggerDocumentEvent || k == TriggerSchedule || k == TriggerWebhook
}

// Step outcomes used as transition keys.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeTrue      = "true"
	OutcomeFalse     = "false"
	OutcomeApproved  = "approved"
	OutcomeRejected  = "rejected"
	OutcomeCompleted = "completed"

	// OutcomeAny is the explicitly declared default edge. It never matches
	// OutcomeError.
	OutcomeAny = "*"
)

// ── Duration ─────────────────────────────────────────────────────────────────

// Duration marshals as a Go duration string ("72h"). Numbers are read as
// seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ── Definitions ──────────────────────────────────────────────────────────────

// ActionConfig configures an action step. Type selects the registered action
// handler; Params are rendered against the execution context.
type ActionConfig struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ConditionConfig holds the JSON expression tree of a condition step.
type ConditionConfig struct {
	Expression json.RawMessage `json:"expression"`
}

// ApprovalConfig configures an approval step.
type ApprovalConfig struct {
	Approvers     []string       `json:"approvers,omitempty"`
	ApproversFrom string         `json:"approvers_from,omitempty"` // context path holding a list of user ids
	Policy        ApprovalPolicy `json:"policy"`
	DueIn         *Duration      `json:"due_in,omitempty"`
	EscalateTo    string         `json:"escalate_to,omitempty"`
}

// DelayConfig configures a delay step.
type DelayConfig struct {
	Duration Duration `json:"duration"`
}

// Step is a tagged union: Type selects which config block is meaningful.
type Step struct {
	ID        string           `json:"id"`
	Name      string           `json:"name,omitempty"`
	Type      StepType         `json:"type"`
	Action    *ActionConfig    `json:"action,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Approval  *ApprovalConfig  `json:"approval,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"`
	Timeout   *Duration        `json:"timeout,omitempty"`
}

// WorkflowDefinition is an immutable, versioned workflow graph.
type WorkflowDefinition struct {
	ID          string                       `json:"id"`
	Version     int                          `json:"version"`
	Name        string                       `json:"name"`
	Description string                       `json:"description,omitempty"`
	StartStepID string                       `json:"start_step_id,omitempty"`
	Steps       []Step                       `json:"steps"`
	Transitions map[string]map[string]string `json:"transitions,omitempty"` // step id → outcome → next step id
	PublishedBy string                       `json:"published_by,omitempty"`
	PublishedAt time.Time                    `json:"published_at"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StartStep returns the designated start step id: StartStepID when set,
// otherwise the first step in sequence.
func (d *WorkflowDefinition) StartStep() string {
	if d.StartStepID != "" {
		return d.StartStepID
	}
	if len(d.Steps) > 0 {
		return d.Steps[0].ID
	}
	return ""
}

// ── Runtime state ────────────────────────────────────────────────────────────

// WorkflowExecution is one run of a definition version.
type WorkflowExecution struct {
	ID                     string          `json:"id"`
	DefinitionID           string          `json:"definition_id"`
	DefinitionVersion      int             `json:"definition_version"`
	CurrentStepID          string          `json:"current_step_id,omitempty"`
	CurrentStepExecutionID string          `json:"current_step_execution_id,omitempty"`
	Status                 ExecutionStatus `json:"status"`
	Context                map[string]any  `json:"context"`
	Error                  string          `json:"error,omitempty"`
	StartedBy              string          `json:"started_by,omitempty"`
	TriggerID              string          `json:"trigger_id,omitempty"`
	StartedAt              time.Time       `json:"started_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
}

// StepExecution records one entry into a step.
type StepExecution struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	StepType    StepType       `json:"step_type"`
	Status      StepStatus     `json:"status"`
	Outcome     string         `json:"outcome,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	BatchID     string         `json:"batch_id,omitempty"`
	ResumeAt    *time.Time     `json:"resume_at,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// ApprovalBatch groups the requests of one approval step.
type ApprovalBatch struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	StepExecutionID string         `json:"step_execution_id"`
	Policy          ApprovalPolicy `json:"policy"`
	Status          BatchStatus    `json:"status"`
	EscalateTo      string         `json:"escalate_to,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// ApprovalRequest asks one approver for a decision.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	BatchID         string         `json:"batch_id"`
	ExecutionID     string         `json:"execution_id"`
	StepExecutionID string         `json:"step_execution_id"`
	ApproverID      string         `json:"approver_id"`
	Status          ApprovalStatus `json:"status"`
	Comment         string         `json:"comment,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	DelegatedTo     string         `json:"delegated_to,omitempty"`
	DelegatedFrom   string         `json:"delegated_from,omitempty"` // id of the request this one replaces
	DueBy           time.Time      `json:"due_by"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`
	RemindedAt      *time.Time     `json:"reminded_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ApprovalUpdate carries the columns written by an approval status change.
type ApprovalUpdate struct {
	DecidedBy   string
	DecidedAt   time.Time
	Comment     string
	DelegatedTo string
}

// ApprovalStatistics summarises approval requests.
type ApprovalStatistics struct {
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Delegated int `json:"delegated"`
	Expired   int `json:"expired"`
	Overdue   int `json:"overdue"`
	Escalated int `json:"escalated"`
}

// Trigger starts a definition when a matching external event arrives.
type Trigger struct {
	ID           string      `json:"id"`
	DefinitionID string      `json:"definition_id"`
	Name         string      `json:"name,omitempty"`
	Kind         TriggerKind `json:"kind"`
	// Criteria maps a payload field path to an expected value or glob pattern.
	Criteria map[string]string `json:"criteria,omitempty"`
	// ContextMapping maps an execution context variable to a payload field
	// path. Every mapped path must exist in the payload.
	ContextMapping map[string]string `json:"context_mapping,omitempty"`
	Enabled        bool              `json:"enabled"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// AuditEntry is one immutable record of a state transition.
type AuditEntry struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	StepExecutionID string         `json:"step_execution_id,omitempty"`
	Actor           string         `json:"actor"`
	Action          string         `json:"action"`
	Before          map[string]any `json:"before,omitempty"`
	After           map[string]any `json:"after,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
