package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-diary/internal/bus"
	"github.com/google/uuid"
)

type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      TagKind   `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Count     int       `json:"count,omitempty"` // live items carrying the tag, in listings only
}

func normalizeTagName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", validationf("tag", "name required")
	}
	return name, nil
}

// EnsureTag returns the tag with the given name, creating it with kind if missing.
// An existing tag keeps its kind.
func (s *Store) EnsureTag(ctx context.Context, name string, kind TagKind) (Tag, error) {
	name, err := normalizeTagName(name)
	if err != nil {
		return Tag{}, err
	}
	if kind, err = ParseTagKind(string(kind)); err != nil {
		return Tag{}, err
	}
	var out Tag
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		id, err := s.ensureTagTx(ctx, tx, name, kind)
		if err != nil {
			return err
		}
		out, err = scanTag(tx.QueryRowContext(ctx, `SELECT id, name, kind, created_at FROM tags WHERE id = ?;`, id))
		return err
	})
	return out, err
}

func (s *Store) ensureTagTx(ctx context.Context, tx *sql.Tx, name string, kind TagKind) (string, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO tags (id, name, kind, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(name) DO NOTHING;`,
		uuid.NewString(), name, kind, s.timestamp()); err != nil {
		return "", fmt.Errorf("insert tag: %w", err)
	}
	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?;`, name).Scan(&id); err != nil {
		return "", fmt.Errorf("load tag: %w", err)
	}
	return id, nil
}

// AssignTags attaches tags to an item, creating unknown names as topic tags.
// Already-assigned tags are left alone; it returns the names newly assigned.
// Newly tagged items move to status tagged in the same transaction.
func (s *Store) AssignTags(ctx context.Context, itemID string, names []string) ([]string, error) {
	v, err := s.assignTags(ctx, itemID, names)
	return v, s.noteItemError(ctx, itemID, "assign_tags", err)
}

func (s *Store) assignTags(ctx context.Context, itemID string, names []string) ([]string, error) {
	clean := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n, err := normalizeTagName(n)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		clean = append(clean, n)
	}
	if len(clean) == 0 {
		return nil, validationf("tags", "at least one tag name required")
	}
	var (
		added    []string
		provider Provider
		status   ItemStatus
		promoted bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		added, promoted = added[:0], false
		err := tx.QueryRowContext(ctx, `SELECT provider, status FROM items WHERE id = ?;`, itemID).Scan(&provider, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return &ReferenceError{Entity: "item", ID: itemID}
		}
		if err != nil {
			return fmt.Errorf("load item: %w", err)
		}
		now := s.timestamp()
		for _, name := range clean {
			tagID, err := s.ensureTagTx(ctx, tx, name, TagKindTopic)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `INSERT INTO item_tags (item_id, tag_id, added_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING;`,
				itemID, tagID, now)
			if err != nil {
				return fmt.Errorf("assign tag: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added = append(added, name)
			}
		}
		if len(added) == 0 {
			return nil
		}
		if err := s.appendEventTx(ctx, tx, &itemID, EventTagged, "tagged "+strings.Join(added, ", "), map[string]any{"tags": added}); err != nil {
			return err
		}
		if status == ItemStatusTagged {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE items SET status = ?, updated_at = ? WHERE id = ?;`, ItemStatusTagged, now, itemID); err != nil {
			return fmt.Errorf("mark item tagged: %w", err)
		}
		promoted = true
		return s.appendEventTx(ctx, tx, &itemID, EventStatusChanged, fmt.Sprintf("status %s -> %s", status, ItemStatusTagged),
			map[string]any{"from": status, "to": ItemStatusTagged})
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		s.publish(bus.TopicItemTagged, bus.ItemEvent{ItemID: itemID, Provider: string(provider), Kind: string(EventTagged), Detail: strings.Join(added, ",")})
	}
	if promoted {
		s.publish(bus.TopicItemStatusChanged, bus.ItemEvent{ItemID: itemID, Provider: string(provider), Kind: string(EventStatusChanged), Detail: string(ItemStatusTagged)})
	}
	return added, nil
}

// UnassignTag removes one tag from an item.
func (s *Store) UnassignTag(ctx context.Context, itemID, name string) error {
	return s.noteItemError(ctx, itemID, "unassign_tag", s.unassignTag(ctx, itemID, name))
}

func (s *Store) unassignTag(ctx context.Context, itemID, name string) error {
	name, err := normalizeTagName(name)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "item", "items", itemID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM item_tags WHERE item_id = ? AND tag_id = (SELECT id FROM tags WHERE name = ?);
		`, itemID, name)
		if err != nil {
			return fmt.Errorf("unassign tag: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ReferenceError{Entity: "tag assignment", ID: name}
		}
		return s.appendEventTx(ctx, tx, &itemID, EventUntagged, "untagged "+name, map[string]any{"tag": name})
	})
}

// ItemTags lists the tags assigned to an item by name.
func (s *Store) ItemTags(ctx context.Context, itemID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.kind, t.created_at
		FROM item_tags it JOIN tags t ON t.id = it.tag_id
		WHERE it.item_id = ? ORDER BY t.name;
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list item tags: %w", err)
	}
	defer rows.Close()
	var out []Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTags returns the taxonomy with live usage counts.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.kind, t.created_at,
			(SELECT COUNT(*) FROM item_tags it JOIN items i ON i.id = it.item_id
			 WHERE it.tag_id = t.id AND i.is_deleted = 0)
		FROM tags t ORDER BY t.name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()
	var out []Tag
	for rows.Next() {
		var t Tag
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &t.Kind, &created, &t.Count); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTag(row rowScanner) (Tag, error) {
	var t Tag
	var created string
	if err := row.Scan(&t.ID, &t.Name, &t.Kind, &created); err != nil {
		return Tag{}, fmt.Errorf("scan tag: %w", err)
	}
	var err error
	if t.CreatedAt, err = parseTime(created); err != nil {
		return Tag{}, err
	}
	return t, nil
}
