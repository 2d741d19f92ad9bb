// internal/alert/lease/postgres.go
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore keeps one lease row per job name. All expiry comparisons and
// the new locked_until use the database's now(), never the worker's clock.
//
// Requires: job_leases (job_name text primary key, locked_by text,
// locked_until timestamptz).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const acquireQuery = `
INSERT INTO job_leases (job_name, locked_by, locked_until)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (job_name) DO UPDATE
SET locked_by = EXCLUDED.locked_by, locked_until = EXCLUDED.locked_until
WHERE job_leases.locked_until < now()`

const readHolderQuery = `
SELECT locked_by FROM job_leases WHERE job_name = $1`

const renewQuery = `
UPDATE job_leases
SET locked_until = now() + ($3::bigint * interval '1 millisecond')
WHERE job_name = $1 AND locked_by = $2 AND locked_until >= now()`

const releaseQuery = `
UPDATE job_leases
SET locked_until = now() - interval '1 second'
WHERE job_name = $1 AND locked_by = $2`

// TryAcquire performs the conditional insert-or-overwrite, then re-reads the
// row. Re-reading resolves concurrent acquire races: only the write that won
// the row's atomicity guarantee left its identity behind.
func (s *PostgresStore) TryAcquire(ctx context.Context, jobName, identity string, ttl time.Duration) (bool, error) {
	if _, err := s.db.ExecContext(ctx, acquireQuery, jobName, identity, ttl.Milliseconds()); err != nil {
		return false, fmt.Errorf("lease upsert: %w", err)
	}

	var holder string
	if err := s.db.QueryRowContext(ctx, readHolderQuery, jobName).Scan(&holder); err != nil {
		return false, fmt.Errorf("lease re-read: %w", err)
	}

	return holder == identity, nil
}

func (s *PostgresStore) Renew(ctx context.Context, jobName, identity string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, renewQuery, jobName, identity, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease renew rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, jobName, identity string) error {
	if _, err := s.db.ExecContext(ctx, releaseQuery, jobName, identity); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}
