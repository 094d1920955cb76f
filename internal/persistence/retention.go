package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-diary/internal/bus"
)

// ListDeleted returns the trash: soft-deleted items, most recently deleted first.
func (s *Store) ListDeleted(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, selectItem+` WHERE is_deleted = 1 ORDER BY deleted_at DESC, id;`)
	if err != nil {
		return nil, fmt.Errorf("list deleted items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// PurgeSoftDeleted hard-deletes items that have been in the trash longer
// than olderThan. Each item is its own transaction; items that fail are
// reported together and do not stop the rest.
func (s *Store) PurgeSoftDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, validationf("older_than", "must be non-negative")
	}
	cutoff := s.now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM items WHERE is_deleted = 1 AND deletion_type = 'soft' AND deleted_at < ? ORDER BY deleted_at, id;`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("list purgeable items: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan purgeable item: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	purged := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.HardDelete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("purge %s: %w", id, err))
			continue
		}
		purged++
	}
	if purged > 0 {
		stamp := cutoff.UTC().Format(time.RFC3339)
		s.logger.Info("retention purge", "purged", purged, "cutoff", stamp)
		s.publish(bus.TopicRetentionPurge, bus.RetentionPurgeEvent{Purged: purged, Cutoff: stamp})
	}
	return purged, errors.Join(errs...)
}
