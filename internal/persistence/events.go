package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-diary/internal/shared"
	"github.com/google/uuid"
)

// Event is an append-only audit row. ItemID is nil for detached events such
// as the record of a hard delete.
type Event struct {
	ID        string          `json:"id"`
	ItemID    *string         `json:"item_id,omitempty"`
	Kind      EventKind       `json:"kind"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	Seq       int64           `json:"seq"`
}

// appendEventTx writes one event inside the caller's transaction.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, itemID *string, kind EventKind, message string, data any) error {
	payload := []byte("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		payload = b
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, item_id, kind, message, data, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events));
	`, uuid.NewString(), nullString(itemID), kind, message, string(payload), s.timestamp())
	if err != nil {
		return fmt.Errorf("append %s event: %w", kind, err)
	}
	return nil
}

// RecordItemError appends an error event for an item in its own transaction,
// so the record survives even when the failing operation rolled back. Items
// that no longer exist get a detached event carrying the id in its data.
func (s *Store) RecordItemError(ctx context.Context, itemID string, opErr error, data map[string]any) error {
	if opErr == nil {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	data["error"] = opErr.Error()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var ref *string
		if itemID != "" {
			ok, err := exists(ctx, tx, "items", "id", itemID)
			if err != nil {
				return err
			}
			if ok {
				ref = &itemID
			} else {
				data["item_id"] = itemID
			}
		}
		return s.appendEventTx(ctx, tx, ref, EventError, opErr.Error(), data)
	})
}

// noteItemError records a rejected item-scoped operation as an error event on
// the item and returns err unchanged. Failures that are not part of the error
// taxonomy, and ids that name no item, are passed through without a record.
func (s *Store) noteItemError(ctx context.Context, itemID, op string, err error) error {
	if err == nil || itemID == "" || !IsRejection(err) {
		return err
	}
	data := map[string]any{"op": op, "error": err.Error(), "actor": shared.Actor(ctx)}
	if runID := shared.RunID(ctx); runID != "" {
		data["run_id"] = runID
	}
	if src := shared.Source(ctx); src != "" {
		data["source"] = src
	}
	ctx = context.WithoutCancel(ctx)
	recErr := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, lookupErr := exists(ctx, tx, "items", "id", itemID)
		if lookupErr != nil || !ok {
			return lookupErr
		}
		return s.appendEventTx(ctx, tx, &itemID, EventError, op+": "+err.Error(), data)
	})
	if recErr != nil {
		s.logger.Warn("record item error failed", "item_id", itemID, "op", op, "error", recErr)
	}
	return err
}

// IsRejection reports whether err is one of the catalog's rejection errors:
// validation, reference, invalid state or conflict.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrReference) ||
		errors.Is(err, ErrInvalidState) || errors.Is(err, ErrConflict)
}

// ownerOf returns the item id a dependent row belongs to, or "" when the row
// is unknown.
func (s *Store) ownerOf(ctx context.Context, table, id string) string {
	var itemID string
	if err := s.db.QueryRowContext(ctx, `SELECT item_id FROM `+table+` WHERE id = ?;`, id).Scan(&itemID); err != nil {
		return ""
	}
	return itemID
}

// ListItemEvents returns the events of one item in append order.
func (s *Store) ListItemEvents(ctx context.Context, itemID string) ([]Event, error) {
	return s.queryEvents(ctx, selectEvent+` WHERE item_id = ? ORDER BY seq;`, itemID)
}

// EventFilter narrows ListEvents. Zero fields are ignored.
type EventFilter struct {
	Kind  EventKind
	Since time.Time
	Limit int
}

// ListEvents returns recent events across all items, newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	query := selectEvent + ` WHERE 1 = 1`
	var args []any
	if f.Kind != "" {
		if _, err := ParseEventKind(string(f.Kind)); err != nil {
			return nil, err
		}
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY seq DESC LIMIT ?;`
	args = append(args, limit)
	return s.queryEvents(ctx, query, args...)
}

const selectEvent = `SELECT id, item_id, kind, message, data, created_at, seq FROM events`

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev      Event
			itemID  sql.NullString
			data    string
			created string
		)
		if err := rows.Scan(&ev.ID, &itemID, &ev.Kind, &ev.Message, &data, &created, &ev.Seq); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if itemID.Valid {
			ev.ItemID = &itemID.String
		}
		ev.Data = json.RawMessage(data)
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
