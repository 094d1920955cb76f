// Package dedup selects one canonical item per logical real-world item.
package dedup

import (
	"sort"
	"time"
)

// Candidate is the projection of an item needed to pick representatives.
type Candidate struct {
	ID          string
	Provider    string
	ExternalID  string
	ContentHash string
	OccurredAt  time.Time
}

// Key identifies logically identical items: the provider plus the first
// non-empty of external id, content hash and item id.
type Key struct {
	Provider string
	Value    string
}

// KeyOf computes the dedup key of c.
func KeyOf(c Candidate) Key {
	switch {
	case c.ExternalID != "":
		return Key{Provider: c.Provider, Value: c.ExternalID}
	case c.ContentHash != "":
		return Key{Provider: c.Provider, Value: c.ContentHash}
	default:
		return Key{Provider: c.Provider, Value: c.ID}
	}
}

// Less orders candidates by occurred_at and then id. The first element under
// this order is the canonical one.
func Less(a, b Candidate) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.ID < b.ID
}

// Group is one dedup key with its representative and the items it stands for.
type Group struct {
	Key       Key
	Canonical Candidate
	Members   []Candidate
}

// Groups buckets items by key. Groups come back ordered by their canonical
// item and members are sorted with the canonical first.
func Groups(items []Candidate) []Group {
	byKey := make(map[Key]*Group, len(items))
	order := make([]Key, 0, len(items))
	for _, c := range items {
		k := KeyOf(c)
		g, ok := byKey[k]
		if !ok {
			g = &Group{Key: k, Canonical: c}
			byKey[k] = g
			order = append(order, k)
		} else if Less(c, g.Canonical) {
			g.Canonical = c
		}
		g.Members = append(g.Members, c)
	}
	out := make([]Group, 0, len(order))
	for _, k := range order {
		g := byKey[k]
		sort.Slice(g.Members, func(i, j int) bool { return Less(g.Members[i], g.Members[j]) })
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i].Canonical, out[j].Canonical) })
	return out
}

// Canonical returns only the representative of every key.
func Canonical(items []Candidate) []Candidate {
	groups := Groups(items)
	out := make([]Candidate, len(groups))
	for i, g := range groups {
		out[i] = g.Canonical
	}
	return out
}
