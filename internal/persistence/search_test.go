package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/go-diary/internal/persistence"
)

func searchIDs(t *testing.T, s *persistence.Store, q persistence.SearchQuery) []string {
	t.Helper()
	hits, err := s.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("search %q: %v", q.Query, err)
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Item.ID
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, got := range ids {
		if got == id {
			return true
		}
	}
	return false
}

func TestSearch_VectorsFollowContentUpdates(t *testing.T) {
	store := openTestStore(t)
	occurred := time.Now()
	req := persistence.IngestRequest{
		Provider: persistence.ProviderManual, ExternalID: "note-1", OccurredAt: occurred, Kind: persistence.ItemKindNote,
		ContentText: ptr("we walked along the beach"),
	}
	id := mustIngest(t, store, req)
	if !contains(searchIDs(t, store, persistence.SearchQuery{Query: "beach"}), id) {
		t.Fatal("expected initial content to be searchable")
	}

	req.ContentText = ptr("we hiked in the mountains")
	mustIngest(t, store, req)
	if !contains(searchIDs(t, store, persistence.SearchQuery{Query: "mountains"}), id) {
		t.Fatal("expected new term to match after update")
	}
	if contains(searchIDs(t, store, persistence.SearchQuery{Query: "beach"}), id) {
		t.Fatal("old term must not match after update")
	}
}

func TestSearch_BooleanSyntax(t *testing.T) {
	store := openTestStore(t)
	newNote := func(title string) string {
		return mustIngest(t, store, persistence.IngestRequest{
			Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote, Title: ptr(title),
		})
	}
	meeting := newNote("quarterly review meeting")
	numbers := newNote("review of quarterly numbers")
	garden := newNote("garden planning")

	tests := []struct {
		query string
		want  []string
		not   []string
	}{
		{"quarterly review", []string{meeting, numbers}, []string{garden}},
		{`"quarterly review"`, []string{meeting}, []string{numbers, garden}},
		{"review -numbers", []string{meeting}, []string{numbers, garden}},
		{"garden OR meeting", []string{meeting, garden}, []string{numbers}},
		{"absent", nil, []string{meeting, numbers, garden}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			ids := searchIDs(t, store, persistence.SearchQuery{Query: tt.query})
			for _, id := range tt.want {
				if !contains(ids, id) {
					t.Errorf("expected %s in results %v", id, ids)
				}
			}
			for _, id := range tt.not {
				if contains(ids, id) {
					t.Errorf("did not expect %s in results %v", id, ids)
				}
			}
		})
	}

	if _, err := store.Search(context.Background(), persistence.SearchQuery{Query: "   "}); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error for empty query, got %v", err)
	}
	if _, err := store.Search(context.Background(), persistence.SearchQuery{Query: "x", Field: "body"}); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error for unknown field, got %v", err)
	}
}

func TestSearch_TitleOutranksContent(t *testing.T) {
	store := openTestStore(t)
	inContent := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote,
		Title: ptr("weekend"), ContentText: ptr("worked in the garden"),
	})
	inTitle := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now().Add(-time.Hour), Kind: persistence.ItemKindNote,
		Title: ptr("garden"), ContentText: ptr("tomatoes"),
	})
	ids := searchIDs(t, store, persistence.SearchQuery{Query: "garden"})
	if len(ids) != 2 || ids[0] != inTitle || ids[1] != inContent {
		t.Fatalf("expected title match ranked first, got %v", ids)
	}
}

func TestSearch_FieldsAreIndependent(t *testing.T) {
	store := openTestStore(t)
	id := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderGmail, ExternalID: "fields", OccurredAt: time.Now(), Kind: persistence.ItemKindEmail,
		Subject: ptr("invoice overdue"), SummaryText: ptr("payment reminder"), ContentText: ptr("hello there"),
	})
	if !contains(searchIDs(t, store, persistence.SearchQuery{Query: "invoice", Field: persistence.FieldSubject}), id) {
		t.Fatal("expected subject match")
	}
	if contains(searchIDs(t, store, persistence.SearchQuery{Query: "invoice"}), id) {
		t.Fatal("subject text must not leak into title_content")
	}
	if !contains(searchIDs(t, store, persistence.SearchQuery{Query: "reminder", Field: persistence.FieldSummary}), id) {
		t.Fatal("expected summary match")
	}
}

func TestSearch_LanguageAwareStemming(t *testing.T) {
	store := openTestStore(t)
	english := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote,
		ContentLanguage: ptr("en"), ContentText: ptr("running the races"),
	})
	unknown := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote,
		ContentLanguage: ptr("xx-unknown"), ContentText: ptr("running late"),
	})

	ids := searchIDs(t, store, persistence.SearchQuery{Query: "run", Language: "en"})
	if !contains(ids, english) || contains(ids, unknown) {
		t.Fatalf("expected stemmed match only for the english item, got %v", ids)
	}
	ids = searchIDs(t, store, persistence.SearchQuery{Query: "running"})
	if !contains(ids, english) || !contains(ids, unknown) {
		t.Fatalf("expected both items without a language, got %v", ids)
	}
	it, _ := store.GetItem(context.Background(), unknown)
	if it.SearchProfile != "simple" {
		t.Fatalf("expected unknown language to fall back to simple, got %s", it.SearchProfile)
	}
}

func TestSearch_ExcludesSoftDeletedByDefault(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote, Title: ptr("hidden treasure"),
	})
	if err := store.SoftDelete(ctx, id); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if contains(searchIDs(t, store, persistence.SearchQuery{Query: "treasure"}), id) {
		t.Fatal("soft-deleted item must be excluded")
	}
	if !contains(searchIDs(t, store, persistence.SearchQuery{Query: "treasure", IncludeDeleted: true}), id) {
		t.Fatal("expected soft-deleted item with IncludeDeleted")
	}
}

func TestFuzzyMatch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	dentist := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote, Title: ptr("Dentist appointment"),
	})
	mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderGmail, ExternalID: "cafe", OccurredAt: time.Now(), Kind: persistence.ItemKindEmail,
		Subject: ptr("Café opening"),
	})

	hits, err := store.FuzzyMatch(ctx, "dentsit", 10)
	if err != nil {
		t.Fatalf("fuzzy: %v", err)
	}
	if len(hits) != 1 || hits[0].Item.ID != dentist {
		t.Fatalf("expected the dentist note, got %+v", hits)
	}
	hits, err = store.FuzzyMatch(ctx, "cafe", 10)
	if err != nil {
		t.Fatalf("fuzzy: %v", err)
	}
	if len(hits) != 1 || hits[0].Similarity != 1 {
		t.Fatalf("expected accent-insensitive exact match on subject, got %+v", hits)
	}
	if _, err := store.FuzzyMatch(ctx, "", 10); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReindexAll(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote, Title: ptr("orchard"),
	})
	if _, err := store.DB().Exec(`DELETE FROM item_terms;`); err != nil {
		t.Fatalf("drop postings: %v", err)
	}
	if contains(searchIDs(t, store, persistence.SearchQuery{Query: "orchard"}), id) {
		t.Fatal("expected no match without postings")
	}
	n, err := store.ReindexAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reindex: n=%d err=%v", n, err)
	}
	if !contains(searchIDs(t, store, persistence.SearchQuery{Query: "orchard"}), id) {
		t.Fatal("expected match after reindex")
	}
}
