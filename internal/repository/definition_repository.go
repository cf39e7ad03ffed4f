package repository

import (
	"context"
	"strconv"
)

// CreateDefinition inserts a published definition version.
func (s *PostgresStore) CreateDefinition(ctx context.Context, def *WorkflowDefinition) error {
	stepsJSON, err := marshalJSON(def.Steps)
	if err != nil {
		return err
	}
	transitions := def.Transitions
	if transitions == nil {
		transitions = map[string]map[string]string{}
	}
	transitionsJSON, err := marshalJSON(transitions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_definitions
		    (id, version, name, description, start_step_id,
		     steps, transitions, published_by, published_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9)
	`

	_, err = s.q.Exec(ctx, query,
		def.ID,
		def.Version,
		def.Name,
		nullable(def.Description),
		nullable(def.StartStepID),
		stepsJSON,
		transitionsJSON,
		nullable(def.PublishedBy),
		def.PublishedAt,
	)
	return translate(err, "workflow_definition", def.ID, "failed to create workflow definition")
}

// GetDefinition retrieves a definition version; version 0 returns the latest.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string, version int) (*WorkflowDefinition, error) {
	query := `
		SELECT id, version, name, description, start_step_id,
		       steps, transitions, published_by, published_at
		FROM workflow_definitions
		WHERE id = $1 AND ($2 = 0 OR version = $2)
		ORDER BY version DESC
		LIMIT 1
	`

	def, err := s.scanDefinition(s.q.QueryRow(ctx, query, id, version))
	if err != nil {
		return nil, translate(err, "workflow_definition", id+"@"+strconv.Itoa(version), "failed to get workflow definition")
	}
	return def, nil
}

// LatestDefinitionVersion returns the highest published version, or 0.
func (s *PostgresStore) LatestDefinitionVersion(ctx context.Context, id string) (int, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE id = $1`

	var version int
	if err := s.q.QueryRow(ctx, query, id).Scan(&version); err != nil {
		return 0, translate(err, "workflow_definition", id, "failed to read definition version")
	}
	return version, nil
}

func (s *PostgresStore) scanDefinition(row rowScanner) (*WorkflowDefinition, error) {
	def := &WorkflowDefinition{}
	var (
		description, startStep, publishedBy *string
		stepsJSON, transitionsJSON          []byte
	)

	err := row.Scan(
		&def.ID,
		&def.Version,
		&def.Name,
		&description,
		&startStep,
		&stepsJSON,
		&transitionsJSON,
		&publishedBy,
		&def.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	def.Description = deref(description)
	def.StartStepID = deref(startStep)
	def.PublishedBy = deref(publishedBy)
	if err := unmarshalJSON(stepsJSON, &def.Steps); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(transitionsJSON, &def.Transitions); err != nil {
		return nil, err
	}
	return def, nil
}
