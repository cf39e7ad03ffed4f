package service

import (
	"fmt"

	"github.com/pesio-ai/be-plt-workflows/internal/condition"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// outcomesByType lists the transition keys each step type can produce.
var outcomesByType = map[repository.StepType][]string{
	repository.StepTypeAction:    {repository.OutcomeSuccess, repository.OutcomeError},
	repository.StepTypeCondition: {repository.OutcomeTrue, repository.OutcomeFalse, repository.OutcomeError},
	repository.StepTypeApproval:  {repository.OutcomeApproved, repository.OutcomeRejected, repository.OutcomeError},
	repository.StepTypeDelay:     {repository.OutcomeCompleted},
}

// compiledDefinition is a validated definition with its conditions parsed.
type compiledDefinition struct {
	def        *repository.WorkflowDefinition
	start      string
	steps      map[string]*repository.Step
	conditions map[string]*condition.Condition
}

// compileDefinition validates the graph of def and parses its conditions.
// With strict set, every step must also carry a known type and a complete
// configuration; this is the publish-time check. Non-strict compilation
// leaves unknown step types to fail the execution that reaches them.
func compileDefinition(def *repository.WorkflowDefinition, strict bool) (*compiledDefinition, error) {
	if def.ID == "" {
		return nil, errors.Definition("definition id is required")
	}
	if len(def.Steps) == 0 {
		return nil, errors.Definition("definition %s has no steps", def.ID)
	}

	c := &compiledDefinition{
		def:        def,
		steps:      make(map[string]*repository.Step, len(def.Steps)),
		conditions: make(map[string]*condition.Condition),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, errors.Definition("step %d has no id", i)
		}
		if _, dup := c.steps[step.ID]; dup {
			return nil, errors.Definition("duplicate step id %s", step.ID)
		}
		c.steps[step.ID] = step

		if strict {
			if err := validateStep(step); err != nil {
				return nil, err
			}
		}
		if step.Type == repository.StepTypeCondition && step.Condition != nil {
			cond, err := condition.Parse(step.Condition.Expression)
			if err != nil {
				return nil, errors.Definition("step %s: %v", step.ID, err)
			}
			c.conditions[step.ID] = cond
		}
	}

	c.start = def.StartStep()
	if _, ok := c.steps[c.start]; !ok {
		return nil, errors.Definition("start step %q does not exist", c.start)
	}

	for from, edges := range def.Transitions {
		step, ok := c.steps[from]
		if !ok {
			return nil, errors.Definition("transition from unknown step %s", from)
		}
		for outcome, to := range edges {
			if _, ok := c.steps[to]; !ok {
				return nil, errors.Definition("step %s transitions on %q to unknown step %s", from, outcome, to)
			}
			if !validOutcome(step.Type, outcome) {
				return nil, errors.Definition("step %s cannot produce outcome %q", from, outcome)
			}
		}
	}

	if err := c.checkGraph(); err != nil {
		return nil, err
	}
	return c, nil
}

func validateStep(step *repository.Step) error {
	switch step.Type {
	case repository.StepTypeAction:
		if step.Action == nil || step.Action.Type == "" {
			return errors.Definition("action step %s needs an action type", step.ID)
		}
	case repository.StepTypeCondition:
		if step.Condition == nil || len(step.Condition.Expression) == 0 {
			return errors.Definition("condition step %s needs an expression", step.ID)
		}
	case repository.StepTypeApproval:
		cfg := step.Approval
		if cfg == nil || (len(cfg.Approvers) == 0 && cfg.ApproversFrom == "") {
			return errors.Definition("approval step %s needs approvers or approvers_from", step.ID)
		}
		if cfg.Policy != "" && !cfg.Policy.Valid() {
			return errors.Definition("approval step %s has unknown policy %q", step.ID, cfg.Policy)
		}
	case repository.StepTypeDelay:
		if step.Delay == nil || step.Delay.Duration.Duration <= 0 {
			return errors.Definition("delay step %s needs a positive duration", step.ID)
		}
	default:
		return errors.UnsupportedStep(step.ID, string(step.Type))
	}
	return nil
}

func validOutcome(stepType repository.StepType, outcome string) bool {
	if outcome == repository.OutcomeAny {
		return true
	}
	known, ok := outcomesByType[stepType]
	if !ok {
		// Unknown step types only reach here in non-strict mode and never
		// produce an outcome.
		return true
	}
	for _, o := range known {
		if o == outcome {
			return true
		}
	}
	return false
}

// checkGraph rejects unreachable steps and cycles. An acyclic graph bounds
// every execution by the number of steps.
func (c *compiledDefinition) checkGraph() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.steps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return errors.Definition("definition %s contains a cycle through step %s", c.def.ID, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range c.def.Transitions[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	if err := visit(c.start); err != nil {
		return err
	}
	for _, step := range c.def.Steps {
		if state[step.ID] != done {
			return errors.Definition("step %s is unreachable from start step %s", step.ID, c.start)
		}
	}
	return nil
}

// next returns the step that follows stepID on outcome, or "" when the
// execution ends. The wildcard edge never applies to the error outcome.
func (c *compiledDefinition) next(stepID, outcome string) string {
	edges := c.def.Transitions[stepID]
	if to, ok := edges[outcome]; ok {
		return to
	}
	if outcome == repository.OutcomeError {
		return ""
	}
	return edges[repository.OutcomeAny]
}

func definitionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}
