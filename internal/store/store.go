// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the single-writer, crash-safe SQLite persistence
// layer for jobs: create-if-absent, whitelisted partial updates, point
// lookups by event id or invoice hash, state scans, and stale-payment
// expiry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dvmagent/pkg/dvm"
)

const defaultBusyTimeout = 5 * time.Second

// ErrNotFound indicates no row matched the query.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates Create was called for an event_id already present.
var ErrDuplicate = errors.New("duplicate job")

// allowedUpdateColumns whitelists the columns Update may touch besides
// state/updated_at. Any other column name is a programming error.
var allowedUpdateColumns = map[string]bool{
	"bolt11":       true,
	"invoice_hash": true,
	"amount_msats": true,
	"result":       true,
	"error":        true,
	"input":        true,
}

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies WAL pragmas,
// runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a serializable transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
	event_id     TEXT PRIMARY KEY,
	customer     TEXT NOT NULL,
	kind         INTEGER NOT NULL,
	state        TEXT NOT NULL,
	input_json   TEXT NOT NULL,
	bolt11       TEXT NOT NULL DEFAULT '',
	invoice_hash TEXT NOT NULL DEFAULT '',
	amount_msats INTEGER NOT NULL DEFAULT 0,
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_invoice_hash ON jobs(invoice_hash) WHERE invoice_hash != '';
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`)
	if err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

// Create inserts a new job row in the Received state. If event_id already
// exists, it returns ErrDuplicate, which is not an error condition for the
// caller but a distinguishing signal for replay idempotence.
func (s *Store) Create(ctx context.Context, eventID, customer string, kind int, input dvm.Input) error {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (event_id, customer, kind, state, input_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id) DO NOTHING
`, eventID, customer, kind, string(dvm.StateReceived), string(inputJSON), now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Update is a single atomic write that sets state, updated_at, and any
// subset of the whitelisted partial columns. Passing a non-whitelisted key
// is a programming error and panics, matching the store's "must fail
// loudly" contract.
func (s *Store) Update(ctx context.Context, eventID string, newState dvm.State, partial map[string]any) error {
	for k := range partial {
		if !allowedUpdateColumns[k] {
			panic(fmt.Sprintf("store: column %q is not in the update whitelist", k))
		}
	}

	setClauses := "state = ?, updated_at = ?"
	args := []any{string(newState), time.Now().UTC()}

	if v, ok := partial["bolt11"]; ok {
		setClauses += ", bolt11 = ?"
		args = append(args, v)
	}
	if v, ok := partial["invoice_hash"]; ok {
		setClauses += ", invoice_hash = ?"
		args = append(args, v)
	}
	if v, ok := partial["amount_msats"]; ok {
		setClauses += ", amount_msats = ?"
		args = append(args, v)
	}
	if v, ok := partial["result"]; ok {
		setClauses += ", result = ?"
		args = append(args, v)
	}
	if v, ok := partial["error"]; ok {
		setClauses += ", error = ?"
		args = append(args, v)
	}
	if v, ok := partial["input"]; ok {
		input, ok := v.(dvm.Input)
		if !ok {
			panic("store: partial[\"input\"] must be dvm.Input")
		}
		inputJSON, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("marshal input: %w", err)
		}
		setClauses += ", input_json = ?"
		args = append(args, string(inputJSON))
	}

	args = append(args, eventID)
	query := "UPDATE jobs SET " + setClauses + " WHERE event_id = ?"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the job with the given event id.
func (s *Store) Get(ctx context.Context, eventID string) (*dvm.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT event_id, customer, kind, state, input_json, bolt11, invoice_hash,
       amount_msats, result, error, created_at, updated_at
FROM jobs WHERE event_id = ?`, eventID)
	return scanJob(row)
}

// GetByInvoiceHash returns the job bound to the given invoice hash.
func (s *Store) GetByInvoiceHash(ctx context.Context, invoiceHash string) (*dvm.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT event_id, customer, kind, state, input_json, bolt11, invoice_hash,
       amount_msats, result, error, created_at, updated_at
FROM jobs WHERE invoice_hash = ?`, invoiceHash)
	return scanJob(row)
}

// JobsInState returns every job currently in the given state, used by
// restart reconciliation and the expiry sweeper's callers.
func (s *Store) JobsInState(ctx context.Context, state dvm.State) ([]*dvm.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, customer, kind, state, input_json, bolt11, invoice_hash,
       amount_msats, result, error, created_at, updated_at
FROM jobs WHERE state = ?`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query jobs in state: %w", err)
	}
	defer rows.Close()

	var jobs []*dvm.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ExpireStale atomically transitions every WaitingPayment job whose
// updated_at is older than timeout to Expired, returning the count moved.
func (s *Store) ExpireStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET state = ?, updated_at = ?
WHERE state = ? AND updated_at < ?`,
		string(dvm.StateExpired), time.Now().UTC(), string(dvm.StateWaitingPayment), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*dvm.Job, error) {
	var (
		job       dvm.Job
		state     string
		inputJSON string
	)
	err := row.Scan(
		&job.EventID, &job.Customer, &job.Kind, &state, &inputJSON,
		&job.Bolt11, &job.InvoiceHash, &job.AmountMsats, &job.Result, &job.Error,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.State = dvm.State(state)
	if err := json.Unmarshal([]byte(inputJSON), &job.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	return &job, nil
}
