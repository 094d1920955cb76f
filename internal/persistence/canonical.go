package persistence

import (
	"context"
	"fmt"

	"github.com/basket/go-diary/internal/dedup"
)

// CanonicalGroup is one dedup key with its representative and the ids of
// the other live items it stands for.
type CanonicalGroup struct {
	Item       Item     `json:"item"`
	Duplicates []string `json:"duplicates,omitempty"`
}

// CanonicalItems returns one representative per real-world item: the
// earliest occurred_at, then the smallest id. Groups are formed over every
// live item and only then narrowed to representatives matching f, so a
// range that cuts a group never promotes a later copy. It is derived on
// every call; duplicate_of marks are not consulted.
func (s *Store) CanonicalItems(ctx context.Context, f ItemFilter) ([]CanonicalGroup, error) {
	f.IncludeDeleted = false
	if _, _, err := f.where(""); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectItem+` WHERE is_deleted = 0;`)
	if err != nil {
		return nil, fmt.Errorf("list canonical candidates: %w", err)
	}
	items, err := collectItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Item, len(items))
	candidates := make([]dedup.Candidate, len(items))
	for i, it := range items {
		byID[it.ID] = it
		candidates[i] = dedup.Candidate{
			ID:          it.ID,
			Provider:    string(it.Provider),
			ExternalID:  deref(it.ExternalID),
			ContentHash: deref(it.ContentHash),
			OccurredAt:  it.OccurredAt,
		}
	}
	groups := dedup.Groups(candidates)
	out := make([]CanonicalGroup, 0, len(groups))
	for _, g := range groups {
		if !f.matches(byID[g.Canonical.ID]) {
			continue
		}
		cg := CanonicalGroup{Item: byID[g.Canonical.ID]}
		for _, m := range g.Members[1:] {
			cg.Duplicates = append(cg.Duplicates, m.ID)
		}
		out = append(out, cg)
	}
	if f.Offset > 0 {
		out = out[min(f.Offset, len(out)):]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// matches mirrors where for a single loaded item.
func (f ItemFilter) matches(it Item) bool {
	switch {
	case it.IsDeleted && !f.IncludeDeleted:
		return false
	case f.Provider != "" && it.Provider != f.Provider:
		return false
	case f.Kind != "" && it.Kind != f.Kind:
		return false
	case f.Status != "" && it.Status != f.Status:
		return false
	case f.AccountID != "" && deref(it.AccountID) != f.AccountID:
		return false
	case !f.From.IsZero() && it.OccurredAt.Before(f.From):
		return false
	case !f.To.IsZero() && !it.OccurredAt.Before(f.To):
		return false
	}
	return true
}
