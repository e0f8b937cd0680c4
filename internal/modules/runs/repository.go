// Package runs stores the history of optimization runs.
package runs

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Run kinds
const (
	KindOptimize = "optimize"
	KindFrontier = "frontier"
	KindBacktest = "backtest"
)

// Run is a stored optimization run
type Run struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Objective string    `json:"objective"`
	Tickers   []string  `json:"tickers"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"-"`
}

// Decode unpacks the stored payload into v. Struct fields are matched by json tag.
func (r Run) Decode(v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(r.Payload))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode run payload: %w", err)
	}
	return nil
}

// ListFilter narrows List results
type ListFilter struct {
	Kind  string
	Limit int
}

// Repository handles persistence of optimization runs
// Database: runs.db (optimization_runs table)
type Repository struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

// NewRepository creates a new runs repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		now: time.Now,
		log: log.With().Str("repository", "runs").Logger(),
	}
}

// Save encodes payload with msgpack and stores it under a new run ID.
func (r *Repository) Save(ctx context.Context, kind, objective string, tickers []string, payload interface{}) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("failed to encode run payload: %w", err)
	}

	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO optimization_runs (id, kind, objective, tickers, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		id,
		kind,
		objective,
		strings.Join(tickers, ","),
		r.now().Unix(),
		buf.Bytes(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	r.log.Debug().
		Str("id", id).
		Str("kind", kind).
		Str("objective", objective).
		Int("payload_bytes", buf.Len()).
		Msg("Saved run")

	return id, nil
}

// Get returns a run by ID, or nil if it does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, kind, objective, tickers, created_at, payload
		FROM optimization_runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// List returns runs newest first. Payloads are not loaded.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT id, kind, objective, tickers, created_at, NULL FROM optimization_runs`
	args := []interface{}{}
	if filter.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes runs created before cutoff and returns how many were deleted.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM optimization_runs WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var tickers string
	var createdAt int64
	if err := s.Scan(&run.ID, &run.Kind, &run.Objective, &tickers, &createdAt, &run.Payload); err != nil {
		return nil, err
	}
	if tickers != "" {
		run.Tickers = strings.Split(tickers, ",")
	}
	run.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &run, nil
}
