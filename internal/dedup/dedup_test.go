package dedup

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCanonical_EarliestOccurrenceWins(t *testing.T) {
	items := []Candidate{
		{ID: "b", Provider: "gmail", ExternalID: "m1", OccurredAt: ts("2024-01-02T09:00:00Z")},
		{ID: "a", Provider: "gmail", ExternalID: "m1", OccurredAt: ts("2024-01-01T10:00:00Z")},
	}
	got := Canonical(items)
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("canonical = %+v, want item a", got)
	}
}

func TestCanonical_TieBreaksOnID(t *testing.T) {
	at := ts("2024-03-01T00:00:00Z")
	items := []Candidate{
		{ID: "z", Provider: "manual", ContentHash: "h", OccurredAt: at},
		{ID: "m", Provider: "manual", ContentHash: "h", OccurredAt: at},
	}
	got := Canonical(items)
	if len(got) != 1 || got[0].ID != "m" {
		t.Fatalf("canonical = %+v, want item m", got)
	}
}

func TestKeyOf_FallbackOrder(t *testing.T) {
	tests := []struct {
		name string
		c    Candidate
		want Key
	}{
		{"external id", Candidate{ID: "1", Provider: "gmail", ExternalID: "x", ContentHash: "h"}, Key{"gmail", "x"}},
		{"content hash", Candidate{ID: "1", Provider: "manual", ContentHash: "h"}, Key{"manual", "h"}},
		{"item id", Candidate{ID: "1", Provider: "audio"}, Key{"audio", "1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := KeyOf(tc.c); got != tc.want {
				t.Fatalf("KeyOf = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestGroups_ProviderSeparatesKeys(t *testing.T) {
	at := ts("2024-01-01T00:00:00Z")
	items := []Candidate{
		{ID: "1", Provider: "gmail", ContentHash: "h", OccurredAt: at},
		{ID: "2", Provider: "manual", ContentHash: "h", OccurredAt: at},
		{ID: "3", Provider: "manual", ContentHash: "h", OccurredAt: at.Add(time.Hour)},
	}
	groups := Groups(items)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	for _, g := range groups {
		if g.Members[0].ID != g.Canonical.ID {
			t.Fatalf("canonical %s not first member of %+v", g.Canonical.ID, g.Members)
		}
	}
	if groups[1].Key.Provider != "manual" || len(groups[1].Members) != 2 {
		t.Fatalf("unexpected manual group %+v", groups[1])
	}
}

func TestCanonical_OrderIndependent(t *testing.T) {
	a := []Candidate{
		{ID: "1", Provider: "gmail", ExternalID: "e", OccurredAt: ts("2024-05-01T00:00:00Z")},
		{ID: "2", Provider: "gmail", ExternalID: "e", OccurredAt: ts("2024-04-01T00:00:00Z")},
		{ID: "3", Provider: "gdrive", ExternalID: "f", OccurredAt: ts("2024-01-01T00:00:00Z")},
	}
	b := []Candidate{a[2], a[0], a[1]}
	ga, gb := Canonical(a), Canonical(b)
	if len(ga) != len(gb) {
		t.Fatalf("len mismatch %d vs %d", len(ga), len(gb))
	}
	for i := range ga {
		if ga[i].ID != gb[i].ID {
			t.Fatalf("position %d: %s vs %s", i, ga[i].ID, gb[i].ID)
		}
	}
}
