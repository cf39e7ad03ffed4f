package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

const triggerColumns = `
	id, definition_id, name, kind, criteria, context_mapping,
	enabled, created_at, updated_at
`

// CreateTrigger inserts a trigger.
func (s *PostgresStore) CreateTrigger(ctx context.Context, trigger *Trigger) error {
	criteriaJSON, err := marshalJSON(nonNilStrings(trigger.Criteria))
	if err != nil {
		return err
	}
	mappingJSON, err := marshalJSON(nonNilStrings(trigger.ContextMapping))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_triggers (` + triggerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9)
	`

	_, err = s.q.Exec(ctx, query,
		trigger.ID,
		trigger.DefinitionID,
		nullable(trigger.Name),
		trigger.Kind,
		criteriaJSON,
		mappingJSON,
		trigger.Enabled,
		trigger.CreatedAt,
		trigger.UpdatedAt,
	)
	return translate(err, "workflow_trigger", trigger.ID, "failed to create workflow trigger")
}

// GetTrigger retrieves a trigger by id.
func (s *PostgresStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM workflow_triggers WHERE id = $1`

	trigger, err := s.scanTrigger(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err, "workflow_trigger", id, "failed to get workflow trigger")
	}
	return trigger, nil
}

// DeleteTrigger removes a trigger.
func (s *PostgresStore) DeleteTrigger(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM workflow_triggers WHERE id = $1`, id)
	if err != nil {
		return errors.Persistence(err, "failed to delete workflow trigger")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_trigger", id)
	}
	return nil
}

// SetTriggerEnabled toggles a trigger.
func (s *PostgresStore) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	query := `
		UPDATE workflow_triggers
		SET enabled    = $2,
		    updated_at = NOW()
		WHERE id = $1
	`

	tag, err := s.q.Exec(ctx, query, id, enabled)
	if err != nil {
		return errors.Persistence(err, "failed to update workflow trigger")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_trigger", id)
	}
	return nil
}

// ListTriggers returns triggers ordered by creation, optionally enabled only.
func (s *PostgresStore) ListTriggers(ctx context.Context, enabledOnly bool) ([]*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM workflow_triggers`
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list workflow triggers")
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		trigger, err := s.scanTrigger(rows)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan workflow trigger")
		}
		triggers = append(triggers, trigger)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to iterate workflow triggers")
	}
	return triggers, nil
}

func (s *PostgresStore) scanTrigger(row rowScanner) (*Trigger, error) {
	trigger := &Trigger{}
	var (
		name                      *string
		criteriaJSON, mappingJSON []byte
	)

	err := row.Scan(
		&trigger.ID,
		&trigger.DefinitionID,
		&name,
		&trigger.Kind,
		&criteriaJSON,
		&mappingJSON,
		&trigger.Enabled,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.Name = deref(name)
	if err := unmarshalJSON(criteriaJSON, &trigger.Criteria); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(mappingJSON, &trigger.ContextMapping); err != nil {
		return nil, err
	}
	return trigger, nil
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
