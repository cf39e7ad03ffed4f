package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-plt-workflows/internal/database"
	"github.com/pesio-ai/be-plt-workflows/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the workflow tables when they do not exist.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Persistence(err, "failed to apply workflow schema")
	}
	return nil
}

// PostgresStore implements Store on PostgreSQL. Each table's queries live in
// its own *_repository.go file.
type PostgresStore struct {
	db *database.DB
	q  database.Querier
	tx bool
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

// InTx runs fn in a single database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx {
		return fn(s)
	}
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&PostgresStore{db: s.db, q: tx, tx: true})
	})
	if err == nil {
		return nil
	}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return err
	}
	return errors.Persistence(err, "transaction failed")
}

// ── shared helpers ───────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

const uniqueViolation = "23505"

// translate maps driver errors onto the service error taxonomy.
func translate(err error, resource, id, message string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound(resource, id)
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrap(err, errors.ErrCodeConflict, message)
	}
	return errors.Persistence(err, message)
}

// nullable converts "" into SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal json column")
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal json column")
	}
	return nil
}
