package brief

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/closerlabs/cadence/pkg/coach"
)

// Schema is the SQL DDL for the call_briefs table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_briefs (
    account                 TEXT PRIMARY KEY,
    summary                 TEXT NOT NULL DEFAULT '',
    meddic                  JSONB NOT NULL DEFAULT '{}',
    anticipated_objections  JSONB NOT NULL DEFAULT '[]',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Structured
// sub-fields are serialised as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] over the given connection or
// pool. Call [PostgresStore.Migrate] to ensure the schema exists before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the call_briefs table if it
// does not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("brief: migrate: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, account string) (*Brief, error) {
	row := s.db.QueryRow(ctx,
		`SELECT account, summary, meddic, anticipated_objections
		 FROM call_briefs WHERE lower(account) = lower($1)`, account)

	var (
		b           Brief
		meddicJSON  []byte
		objectsJSON []byte
	)
	if err := row.Scan(&b.Account, &b.Summary, &meddicJSON, &objectsJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("brief: get %q: %w", account, err)
	}

	if err := json.Unmarshal(meddicJSON, &b.Meddic); err != nil {
		return nil, fmt.Errorf("brief: unmarshal meddic for %q: %w", account, err)
	}
	if err := json.Unmarshal(objectsJSON, &b.AnticipatedObjections); err != nil {
		return nil, fmt.Errorf("brief: unmarshal objections for %q: %w", account, err)
	}
	return &b, nil
}

// Upsert creates or replaces the brief for an account. Useful for importing
// research from a CRM sync job.
func (s *PostgresStore) Upsert(ctx context.Context, b *Brief) error {
	if b.Account == "" {
		return errors.New("brief: upsert: account is required")
	}
	for f := range b.Meddic {
		if !f.IsValid() {
			return fmt.Errorf("brief: upsert %q: invalid meddic field %q", b.Account, f)
		}
	}

	meddicJSON, err := json.Marshal(orEmptyMap(b.Meddic))
	if err != nil {
		return fmt.Errorf("brief: marshal meddic: %w", err)
	}
	objectsJSON, err := json.Marshal(orEmptySlice(b.AnticipatedObjections))
	if err != nil {
		return fmt.Errorf("brief: marshal objections: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO call_briefs (account, summary, meddic, anticipated_objections, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (account) DO UPDATE SET
		     summary = EXCLUDED.summary,
		     meddic = EXCLUDED.meddic,
		     anticipated_objections = EXCLUDED.anticipated_objections,
		     updated_at = now()`,
		b.Account, b.Summary, meddicJSON, objectsJSON)
	if err != nil {
		return fmt.Errorf("brief: upsert %q: %w", b.Account, err)
	}
	return nil
}

// orEmptyMap keeps JSONB columns as {} rather than null.
func orEmptyMap(m map[coach.MeddicField]Field) map[coach.MeddicField]Field {
	if m == nil {
		return map[coach.MeddicField]Field{}
	}
	return m
}

// orEmptySlice keeps JSONB columns as [] rather than null.
func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
