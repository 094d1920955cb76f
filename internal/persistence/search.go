package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/go-diary/internal/searchindex"
)

const defaultSearchLimit = 50

// SearchQuery is a full-text query over one item vector.
type SearchQuery struct {
	Query          string
	Field          SearchField
	Language       string // empty: match lexemes of every profile
	IncludeDeleted bool
	Limit          int
}

// SearchHit is a ranked search result.
type SearchHit struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

// Search ranks items by weighted term frequency of the matched lexemes.
// Ties go to the most recent item.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]SearchHit, error) {
	field, err := ParseSearchField(string(q.Field))
	if err != nil {
		return nil, err
	}
	parsed, err := searchindex.ParseQuery(q.Query)
	if err != nil {
		return nil, validationf("query", "%v", err)
	}
	m := parsed.Compile(q.Language)
	terms := m.Terms()
	if len(terms) == 0 {
		return nil, nil
	}

	query := `SELECT t.item_id, t.term, t.positions FROM item_terms t JOIN items i ON i.id = t.item_id
		WHERE t.field = ? AND t.term IN (` + placeholders(len(terms)) + `)`
	if !q.IncludeDeleted {
		query += ` AND i.is_deleted = 0`
	}
	args := append([]any{field}, toArgs(terms)...)
	postings, err := loadPostings(ctx, s.db, query+`;`, args)
	if err != nil {
		return nil, err
	}
	ranked := rankPostings(m, postings)
	if len(ranked) == 0 {
		return nil, nil
	}

	ids := make([]string, len(ranked))
	scores := make(map[string]float64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
		scores[r.id] = r.score
	}
	items, err := s.itemsByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(items))
	for _, it := range items {
		hits = append(hits, SearchHit{Item: it, Score: scores[it.ID]})
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Item.OccurredAt.Equal(b.Item.OccurredAt) {
			return a.Item.OccurredAt.After(b.Item.OccurredAt)
		}
		return a.Item.ID < b.Item.ID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// FuzzyHit is a typo-tolerant title or subject match.
type FuzzyHit struct {
	Item       Item    `json:"item"`
	Similarity float64 `json:"similarity"`
}

// FuzzyMatch scores live items' titles and subjects against query by edit
// distance and returns those at or above the default threshold.
func (s *Store) FuzzyMatch(ctx context.Context, query string, limit int) ([]FuzzyHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, validationf("query", "required")
	}
	rows, err := s.db.QueryContext(ctx, selectItem+` WHERE is_deleted = 0 AND (title <> '' OR subject <> '');`)
	if err != nil {
		return nil, fmt.Errorf("fuzzy scan: %w", err)
	}
	defer rows.Close()
	var hits []FuzzyHit
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		sim := max(searchindex.Similarity(query, it.Title), searchindex.Similarity(query, it.Subject))
		if sim >= searchindex.DefaultFuzzyThreshold {
			hits = append(hits, FuzzyHit{Item: it, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Item.OccurredAt.Equal(b.Item.OccurredAt) {
			return a.Item.OccurredAt.After(b.Item.OccurredAt)
		}
		return a.Item.ID < b.Item.ID
	})
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) itemsByID(ctx context.Context, ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectItem+` WHERE id IN (`+placeholders(len(ids))+`);`, toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// loadPostings reads (owner id, term, positions) rows into one partial
// vector per owner, holding only the queried lexemes.
func loadPostings(ctx context.Context, q queryer, query string, args []any) (map[string]searchindex.Vector, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load postings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]searchindex.Vector)
	for rows.Next() {
		var id, term, raw string
		if err := rows.Scan(&id, &term, &raw); err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		positions, err := searchindex.ParsePositions(raw)
		if err != nil {
			return nil, fmt.Errorf("posting %s/%s: %w", id, term, err)
		}
		out[id] = append(out[id], searchindex.Lexeme{Term: term, Positions: positions})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for id, v := range out {
		sort.Slice(v, func(i, j int) bool { return v[i].Term < v[j].Term })
		out[id] = v
	}
	return out, nil
}

type rankedID struct {
	id    string
	score float64
}

// rankPostings keeps the owners the matcher accepts, best score first.
func rankPostings(m searchindex.Matcher, postings map[string]searchindex.Vector) []rankedID {
	out := make([]rankedID, 0, len(postings))
	for id, v := range postings {
		if score, ok := m.Score(v); ok {
			out = append(out, rankedID{id: id, score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
