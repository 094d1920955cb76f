package persistence

import (
	"context"
	"fmt"
)

// ProviderStats counts one provider's items and open calendar links.
type ProviderStats struct {
	Provider     Provider `json:"provider"`
	Live         int64    `json:"live"`
	Trashed      int64    `json:"trashed"`
	PendingLinks int64    `json:"pending_links"`
}

// Stats returns per-provider counts ordered by provider. Providers with no
// items are omitted.
func (s *Store) Stats(ctx context.Context) ([]ProviderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.provider,
			SUM(CASE WHEN i.is_deleted = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN i.is_deleted = 1 THEN 1 ELSE 0 END),
			(SELECT COUNT(*) FROM calendar_links l JOIN items li ON li.id = l.item_id
				WHERE l.status = 'pending' AND li.provider = i.provider)
		FROM items i
		GROUP BY i.provider
		ORDER BY i.provider;`)
	if err != nil {
		return nil, fmt.Errorf("catalog stats: %w", err)
	}
	defer rows.Close()
	var out []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		if err := rows.Scan(&ps.Provider, &ps.Live, &ps.Trashed, &ps.PendingLinks); err != nil {
			return nil, fmt.Errorf("scan catalog stats: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}
