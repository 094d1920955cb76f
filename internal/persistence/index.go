package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/go-diary/internal/searchindex"
)

// searchInputs are the item columns search vectors are derived from.
type searchInputs struct {
	Language string
	Title    string
	Content  string
	Summary  string
	Subject  string
}

func (in searchInputs) compute() searchindex.Vectors {
	return searchindex.ComputeVectors(in.Language, in.Title, in.Content, in.Summary, in.Subject)
}

// writeItemIndexTx replaces the stored vectors and postings of an item. It
// runs in the same transaction as the content write that changed the inputs.
func writeItemIndexTx(ctx context.Context, tx *sql.Tx, itemID string, v searchindex.Vectors) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET search_profile = ?, title_content_vec = ?, summary_vec = ?, subject_vec = ?
		WHERE id = ?;
	`, v.Profile, v.TitleContent.String(), v.Summary.String(), v.Subject.String(), itemID); err != nil {
		return fmt.Errorf("store item vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM item_terms WHERE item_id = ?;`, itemID); err != nil {
		return fmt.Errorf("clear item terms: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO item_terms (item_id, field, term, positions) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("prepare item terms: %w", err)
	}
	defer stmt.Close()
	fields := []struct {
		field SearchField
		vec   searchindex.Vector
	}{
		{FieldTitleContent, v.TitleContent},
		{FieldSummary, v.Summary},
		{FieldSubject, v.Subject},
	}
	for _, f := range fields {
		for _, lx := range f.vec {
			if _, err := stmt.ExecContext(ctx, itemID, f.field, lx.Term, searchindex.FormatPositions(lx.Positions)); err != nil {
				return fmt.Errorf("insert item term: %w", err)
			}
		}
	}
	return nil
}

// ReindexAll recomputes every item's vectors. Used after the language
// profiles change; ordinary writes keep the index current on their own.
func (s *Store) ReindexAll(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, COALESCE(content_language, ''), title, content_text, summary_text, subject FROM items;`)
	if err != nil {
		return 0, fmt.Errorf("list items for reindex: %w", err)
	}
	type pending struct {
		id string
		in searchInputs
	}
	var all []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.in.Language, &p.in.Title, &p.in.Content, &p.in.Summary, &p.in.Subject); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan item for reindex: %w", err)
		}
		all = append(all, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for i, p := range all {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			return writeItemIndexTx(ctx, tx, p.id, p.in.compute())
		})
		if err != nil {
			return i, err
		}
	}
	return len(all), nil
}
