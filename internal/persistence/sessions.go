package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is a named, ordered grouping of items.
type Session struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionEntry is one item's place in a session.
type SessionEntry struct {
	ItemID     string `json:"item_id"`
	OrderIndex int    `json:"order_index"`
	Title      string `json:"title"`
}

func (s *Store) CreateSession(ctx context.Context, name, description string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, validationf("name", "required")
	}
	sess := Session{ID: uuid.NewString(), Name: name, Description: description}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, name, description, created_at) VALUES (?, ?, ?, ?);`,
			sess.ID, name, description, formatTime(now))
		if isUniqueViolation(err) {
			return validationf("name", "session %q already exists", name)
		}
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		sess.CreatedAt = now.UTC()
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSessionByName resolves a session by its unique name.
func (s *Store) GetSessionByName(ctx context.Context, name string) (Session, error) {
	var sess Session
	var created string
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM sessions WHERE name = ?;`, name).
		Scan(&sess.ID, &sess.Name, &sess.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, &ReferenceError{Entity: "session", ID: name}
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// AddSessionItem places an item in a session at orderIndex. A negative
// index appends after the current last entry. Re-adding moves the item.
func (s *Store) AddSessionItem(ctx context.Context, sessionID, itemID string, orderIndex int) (int, error) {
	v, err := s.addSessionItem(ctx, sessionID, itemID, orderIndex)
	return v, s.noteItemError(ctx, itemID, "add_session_item", err)
}

func (s *Store) addSessionItem(ctx context.Context, sessionID, itemID string, orderIndex int) (int, error) {
	var placed int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "session", "sessions", sessionID); err != nil {
			return err
		}
		if err := requireRef(ctx, tx, "item", "items", itemID); err != nil {
			return err
		}
		placed = orderIndex
		if placed < 0 {
			if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(order_index) + 1, 0) FROM session_items WHERE session_id = ?;`,
				sessionID).Scan(&placed); err != nil {
				return fmt.Errorf("next order index: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_items (session_id, item_id, order_index, added_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id, item_id) DO UPDATE SET order_index = excluded.order_index;
		`, sessionID, itemID, placed, s.timestamp())
		if err != nil {
			return fmt.Errorf("add session item: %w", err)
		}
		return s.appendEventTx(ctx, tx, &itemID, EventSessionAdded, "added to session",
			map[string]any{"session_id": sessionID, "order_index": placed})
	})
	if err != nil {
		return 0, err
	}
	return placed, nil
}

// SessionItems lists a session's live items in order.
func (s *Store) SessionItems(ctx context.Context, sessionID string) ([]SessionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT si.item_id, si.order_index, i.title
		FROM session_items si JOIN items i ON i.id = si.item_id
		WHERE si.session_id = ? AND i.is_deleted = 0
		ORDER BY si.order_index, si.item_id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session items: %w", err)
	}
	defer rows.Close()
	var out []SessionEntry
	for rows.Next() {
		var e SessionEntry
		if err := rows.Scan(&e.ItemID, &e.OrderIndex, &e.Title); err != nil {
			return nil, fmt.Errorf("scan session item: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
