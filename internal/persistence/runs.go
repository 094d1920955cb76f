package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-diary/internal/bus"
	"github.com/google/uuid"
)

// RunStats summarizes what a sweep did.
type RunStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errored int `json:"errored"`
}

// Run is one ingestion sweep. Status and EndedAt stay nil while it is open.
type Run struct {
	ID        string     `json:"id"`
	AccountID *string    `json:"account_id,omitempty"`
	Source    string     `json:"source"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    *RunStatus `json:"status,omitempty"`
	Stats     RunStats   `json:"stats"`
}

// Open reports whether the run has not been closed yet.
func (r Run) Open() bool {
	return r.Status == nil
}

// OpenRun starts a sweep. accountID may be empty.
func (s *Store) OpenRun(ctx context.Context, accountID, source string) (string, error) {
	id := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if accountID != "" {
			if err := requireRef(ctx, tx, "account", "accounts", accountID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO runs (id, account_id, source, started_at) VALUES (?, ?, ?, ?);`,
			id, nullIfEmpty(accountID), source, s.timestamp())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicRunOpened, bus.RunEvent{RunID: id, Source: source})
	return id, nil
}

// CloseRun records the terminal status of a run. A run closes exactly once.
func (s *Store) CloseRun(ctx context.Context, id string, status RunStatus, stats RunStats) error {
	if _, err := ParseRunStatus(string(status)); err != nil {
		return err
	}
	if stats.Created < 0 || stats.Updated < 0 || stats.Errored < 0 {
		return validationf("stats", "counts must be non-negative")
	}
	var source string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT status, source FROM runs WHERE id = ?;`, id).Scan(&current, &source)
		if errors.Is(err, sql.ErrNoRows) {
			return &ReferenceError{Entity: "run", ID: id}
		}
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		if current.Valid {
			return &InvalidStateError{Entity: "run", ID: id, State: current.String, Op: "close"}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, ended_at = ?, created_count = ?, updated_count = ?, errored_count = ?
			WHERE id = ? AND status IS NULL;
		`, status, s.timestamp(), stats.Created, stats.Updated, stats.Errored, id)
		if err != nil {
			return fmt.Errorf("close run: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicRunClosed, bus.RunEvent{
		RunID: id, Source: source, Status: string(status),
		Created: stats.Created, Updated: stats.Updated, Errored: stats.Errored,
	})
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, &ReferenceError{Entity: "run", ID: id}
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC, id LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectRun = `SELECT id, account_id, source, started_at, ended_at, status, created_count, updated_count, errored_count FROM runs`

func scanRun(row rowScanner) (Run, error) {
	var (
		r       Run
		account sql.NullString
		started string
		ended   sql.NullString
		status  sql.NullString
	)
	if err := row.Scan(&r.ID, &account, &r.Source, &started, &ended, &status, &r.Stats.Created, &r.Stats.Updated, &r.Stats.Errored); err != nil {
		return Run{}, err
	}
	if account.Valid {
		r.AccountID = &account.String
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if r.EndedAt, err = parseNullTime(ended); err != nil {
		return Run{}, err
	}
	if status.Valid {
		st := RunStatus(status.String)
		r.Status = &st
	}
	return r, nil
}
