package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/basket/go-diary/internal/bus"
)

// Delete removes an item using mode, the configured default deletion type.
func (s *Store) Delete(ctx context.Context, id string, mode DeletionType) error {
	switch mode {
	case DeletionSoft:
		return s.SoftDelete(ctx, id)
	case DeletionHard:
		return s.HardDelete(ctx, id)
	default:
		_, err := ParseDeletionType(string(mode))
		return err
	}
}

// SoftDelete hides an active item from default reads. The row, its
// dependents and its history are kept and can be restored.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	return s.noteItemError(ctx, id, "soft_delete", s.softDelete(ctx, id))
}

func (s *Store) softDelete(ctx context.Context, id string) error {
	var provider Provider
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var deleted int
		err := tx.QueryRowContext(ctx, `SELECT provider, is_deleted FROM items WHERE id = ?;`, id).Scan(&provider, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return &ReferenceError{Entity: "item", ID: id}
		}
		if err != nil {
			return fmt.Errorf("load item: %w", err)
		}
		if deleted == 1 {
			return &InvalidStateError{Entity: "item", ID: id, State: "soft_deleted", Op: "soft delete"}
		}
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx, `
			UPDATE items SET is_deleted = 1, deletion_type = 'soft', deleted_at = ?, updated_at = ? WHERE id = ?;
		`, now, now, id); err != nil {
			return fmt.Errorf("soft delete item: %w", err)
		}
		return s.appendEventTx(ctx, tx, &id, EventSoftDeleted, "soft deleted", nil)
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicItemDeleted, bus.ItemEvent{ItemID: id, Provider: string(provider), Kind: string(EventSoftDeleted), Detail: string(DeletionSoft)})
	return nil
}

// Restore returns a soft-deleted item to the active state.
func (s *Store) Restore(ctx context.Context, id string) error {
	return s.noteItemError(ctx, id, "restore", s.restore(ctx, id))
}

func (s *Store) restore(ctx context.Context, id string) error {
	var provider Provider
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var deleted int
		err := tx.QueryRowContext(ctx, `SELECT provider, is_deleted FROM items WHERE id = ?;`, id).Scan(&provider, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			// Hard-deleted items are gone; there is nothing to restore.
			return &InvalidStateError{Entity: "item", ID: id, State: "absent", Op: "restore"}
		}
		if err != nil {
			return fmt.Errorf("load item: %w", err)
		}
		if deleted == 0 {
			return &InvalidStateError{Entity: "item", ID: id, State: "active", Op: "restore"}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE items SET is_deleted = 0, deletion_type = NULL, deleted_at = NULL, updated_at = ? WHERE id = ?;
		`, s.timestamp(), id); err != nil {
			return fmt.Errorf("restore item: %w", err)
		}
		return s.appendEventTx(ctx, tx, &id, EventRestored, "restored", nil)
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicItemRestored, bus.ItemEvent{ItemID: id, Provider: string(provider), Kind: string(EventRestored)})
	return nil
}

// HardDelete permanently removes an item, active or soft-deleted, together
// with everything that depends on it. Usage records are kept.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	var (
		provider Provider
		paths    []string
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		provider, paths, err = s.hardDeleteTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicItemDeleted, bus.ItemEvent{ItemID: id, Provider: string(provider), Kind: string(EventHardDeleted), Detail: string(DeletionHard)})
	if s.purgeFiles {
		s.purgePaths(id, paths)
	}
	return nil
}

// cascadeTables lists the dependents removed ahead of the item row, in order.
var cascadeTables = []struct{ table, column string }{
	{"files", "item_id"},
	{"item_tags", "item_id"},
	{"session_items", "item_id"},
	{"email_sidecars", "item_id"},
	{"drive_sidecars", "item_id"},
	{"events", "item_id"},
	{"calendar_links", "item_id"},
	{"item_terms", "item_id"},
}

// hardDeleteTx runs the cascade and returns the item's provider and the file
// paths that were registered for it.
func (s *Store) hardDeleteTx(ctx context.Context, tx *sql.Tx, id string) (Provider, []string, error) {
	var (
		provider   Provider
		externalID sql.NullString
		wasDeleted int
	)
	err := tx.QueryRowContext(ctx, `SELECT provider, external_id, is_deleted FROM items WHERE id = ?;`, id).
		Scan(&provider, &externalID, &wasDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, &ReferenceError{Entity: "item", ID: id}
	}
	if err != nil {
		return "", nil, fmt.Errorf("load item: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT absolute_path FROM files WHERE item_id = ? ORDER BY created_at, id;`, id)
	if err != nil {
		return "", nil, fmt.Errorf("list item files: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return "", nil, fmt.Errorf("scan item file: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", nil, err
	}

	removed := make(map[string]int64, len(cascadeTables))
	for _, c := range cascadeTables {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE `+c.column+` = ?;`, id)
		if err != nil {
			return "", nil, fmt.Errorf("cascade %s: %w", c.table, err)
		}
		removed[c.table], _ = res.RowsAffected()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE items SET duplicate_of = NULL WHERE duplicate_of = ?;`, id); err != nil {
		return "", nil, fmt.Errorf("clear duplicate pointers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?;`, id); err != nil {
		return "", nil, fmt.Errorf("delete item: %w", err)
	}
	data := map[string]any{
		"item_id":       id,
		"provider":      provider,
		"external_id":   externalID.String,
		"was_soft":      wasDeleted == 1,
		"files_removed": removed["files"],
		"links_removed": removed["calendar_links"],
	}
	if err := s.appendEventTx(ctx, tx, nil, EventHardDeleted, "hard deleted "+id, data); err != nil {
		return "", nil, err
	}
	return provider, paths, nil
}

// purgePaths removes files from disk after the catalog rows are gone.
// Failures are logged; the catalog is already consistent.
func (s *Store) purgePaths(itemID string, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("purge file failed", "item_id", itemID, "path", p, "error", err)
		}
	}
}
