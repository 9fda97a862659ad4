package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/timeutil"
)

// Run is one materializer run recorded in the ledger.
type Run struct {
	ID         string
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Candidates int
	Inserted   int
	Error      string
}

// Completed reports whether the run finished without error.
func (r Run) Completed() bool {
	return r.FinishedAt != nil && r.Error == ""
}

// StartRun records the start of a run.
func (db *DB) StartRun(ctx context.Context, r Run) error {
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO materialize_runs (id, mode, started_at)
			VALUES (?, ?, ?)`,
			r.ID, r.Mode, timeutil.Store(r.StartedAt))
		if err != nil {
			return fmt.Errorf("recording run %s: %w", r.ID, err)
		}
		return nil
	})
}

// FinishRun records a run's outcome.
func (db *DB) FinishRun(ctx context.Context, r Run) error {
	finished := time.Now()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	return db.UpdateContext(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE materialize_runs SET finished_at = ?,
				candidates = ?, inserted = ?, error = ?
			WHERE id = ?`,
			timeutil.Store(finished), r.Candidates, r.Inserted,
			r.Error, r.ID)
		if err != nil {
			return fmt.Errorf("finishing run %s: %w", r.ID, err)
		}
		return nil
	})
}

// LastRun returns the most recent run of mode, or nil if there
// is none. With completedOnly, runs that failed or never
// finished are skipped.
func (db *DB) LastRun(
	ctx context.Context, mode string, completedOnly bool,
) (*Run, error) {
	query := `SELECT id, mode, started_at, finished_at,
		candidates, inserted, error
		FROM materialize_runs WHERE mode = ?`
	if completedOnly {
		query += " AND finished_at IS NOT NULL AND error = ''"
	}
	query += " ORDER BY started_at DESC LIMIT 1"

	var (
		r        Run
		started  string
		finished sql.NullString
	)
	err := db.reader.QueryRowContext(ctx, query, mode).Scan(
		&r.ID, &r.Mode, &started, &finished,
		&r.Candidates, &r.Inserted, &r.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last %s run: %w", mode, err)
	}
	r.StartedAt, _, _ = timeutil.Parse(started)
	if finished.Valid {
		t, _, _ := timeutil.Parse(finished.String)
		r.FinishedAt = &t
	}
	return &r, nil
}
