package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one AI-assisted call attempt. Rows are never modified.
type UsageRecord struct {
	ID               string    `json:"id"`
	ItemID           *string   `json:"item_id,omitempty"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Operation        string    `json:"operation"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageInput is what a collaborator reports after a call completes.
// A nil CostUSD is estimated from the price table; a zero TotalTokens is
// derived from the prompt and completion counts.
type UsageInput struct {
	ItemID           string
	Provider         string
	Model            string
	Operation        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          *float64
	Success          bool
	ErrorMessage     string
}

// RecordUsage appends a usage row and returns its id.
func (s *Store) RecordUsage(ctx context.Context, in UsageInput) (string, error) {
	required := []struct{ field, value string }{
		{"provider", in.Provider}, {"model", in.Model}, {"operation", in.Operation},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return "", validationf(r.field, "required")
		}
	}
	if in.PromptTokens < 0 || in.CompletionTokens < 0 || in.TotalTokens < 0 {
		return "", validationf("tokens", "counts must be non-negative")
	}
	if !in.Success && strings.TrimSpace(in.ErrorMessage) == "" {
		return "", validationf("error_message", "required for failed calls")
	}
	total := in.TotalTokens
	if total == 0 {
		total = in.PromptTokens + in.CompletionTokens
	}
	var cost float64
	if in.CostUSD != nil {
		if *in.CostUSD < 0 {
			return "", validationf("cost_usd", "must be non-negative")
		}
		cost = *in.CostUSD
	} else {
		cost = s.prices.Estimate(in.Model, in.PromptTokens, in.CompletionTokens)
	}
	id := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if in.ItemID != "" {
			if err := requireRef(ctx, tx, "item", "items", in.ItemID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_records (
				id, item_id, provider, model, operation, prompt_tokens, completion_tokens,
				total_tokens, cost_usd, success, error_message, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, nullIfEmpty(in.ItemID), in.Provider, in.Model, in.Operation, in.PromptTokens, in.CompletionTokens,
			total, cost, boolToInt(in.Success), in.ErrorMessage, s.timestamp())
		if err != nil {
			return fmt.Errorf("insert usage record: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListUsage returns usage rows in [from, to), oldest first. Zero bounds are open.
func (s *Store) ListUsage(ctx context.Context, from, to time.Time) ([]UsageRecord, error) {
	where, args := timeRange("created_at", from, to)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, provider, model, operation, prompt_tokens, completion_tokens,
			total_tokens, cost_usd, success, error_message, created_at
		FROM usage_records WHERE `+where+` ORDER BY created_at, id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()
	var out []UsageRecord
	for rows.Next() {
		var (
			r       UsageRecord
			itemID  sql.NullString
			success int
			created string
		)
		if err := rows.Scan(&r.ID, &itemID, &r.Provider, &r.Model, &r.Operation, &r.PromptTokens, &r.CompletionTokens,
			&r.TotalTokens, &r.CostUSD, &success, &r.ErrorMessage, &created); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.ItemID = nullableString(itemID)
		r.Success = success == 1
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func timeRange(column string, from, to time.Time) (string, []any) {
	clauses := []string{"1 = 1"}
	var args []any
	if !from.IsZero() {
		clauses = append(clauses, column+" >= ?")
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		clauses = append(clauses, column+" < ?")
		args = append(args, formatTime(to))
	}
	return strings.Join(clauses, " AND "), args
}
