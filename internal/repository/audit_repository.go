package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

// AppendAudit inserts one audit entry. The table rejects UPDATE and DELETE
// through a trigger, so this is the only mutation exposed.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	beforeJSON, err := marshalJSON(entry.Before)
	if err != nil {
		return err
	}
	afterJSON, err := marshalJSON(entry.After)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalJSON(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_audit_log
		    (id, execution_id, step_execution_id,
		     actor, action,
		     before_state, after_state, metadata,
		     created_at)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7, $8,
		        $9)
	`

	_, err = s.q.Exec(ctx, query,
		entry.ID,
		entry.ExecutionID,
		nullable(entry.StepExecutionID),
		entry.Actor,
		entry.Action,
		beforeJSON,
		afterJSON,
		metadataJSON,
		entry.CreatedAt,
	)
	return translate(err, "audit_entry", entry.ID, "failed to append audit entry")
}

// ListAuditByExecution returns the audit trail of an execution oldest-first.
func (s *PostgresStore) ListAuditByExecution(ctx context.Context, executionID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, execution_id, step_execution_id,
		       actor, action,
		       before_state, after_state, metadata,
		       created_at
		FROM workflow_audit_log
		WHERE execution_id = $1
		ORDER BY seq ASC
	`

	rows, err := s.q.Query(ctx, query, executionID)
	if err != nil {
		return nil, errors.Persistence(err, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var (
			stepExecID                          *string
			beforeJSON, afterJSON, metadataJSON []byte
		)
		err := rows.Scan(
			&entry.ID,
			&entry.ExecutionID,
			&stepExecID,
			&entry.Actor,
			&entry.Action,
			&beforeJSON,
			&afterJSON,
			&metadataJSON,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan audit entry")
		}
		entry.StepExecutionID = deref(stepExecID)
		if err := unmarshalJSON(beforeJSON, &entry.Before); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(afterJSON, &entry.After); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(metadataJSON, &entry.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to iterate audit log")
	}
	return entries, nil
}
