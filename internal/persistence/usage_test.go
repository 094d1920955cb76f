package persistence_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/pricing"
)

func TestRecordUsage_EstimatesAndValidates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.RecordUsage(ctx, persistence.UsageInput{
		Provider: "openai", Model: "gpt-4o-mini", Operation: "summarize",
		PromptTokens: 1_000_000, CompletionTokens: 1_000_000, Success: true,
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	rows, err := store.ListUsage(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != id {
		t.Fatalf("expected the recorded row, got %+v", rows)
	}
	if rows[0].TotalTokens != 2_000_000 {
		t.Fatalf("expected derived total, got %d", rows[0].TotalTokens)
	}
	if math.Abs(rows[0].CostUSD-0.75) > 1e-9 {
		t.Fatalf("expected estimated cost 0.75, got %f", rows[0].CostUSD)
	}

	tests := []struct {
		name string
		in   persistence.UsageInput
	}{
		{"missing model", persistence.UsageInput{Provider: "openai", Operation: "parse", Success: true}},
		{"negative tokens", persistence.UsageInput{Provider: "openai", Model: "m", Operation: "parse", PromptTokens: -1, Success: true}},
		{"negative cost", persistence.UsageInput{Provider: "openai", Model: "m", Operation: "parse", CostUSD: ptr(-0.1), Success: true}},
		{"failure without message", persistence.UsageInput{Provider: "openai", Model: "m", Operation: "parse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.RecordUsage(ctx, tt.in); !errors.Is(err, persistence.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, err := store.RecordUsage(ctx, persistence.UsageInput{
		ItemID: "missing", Provider: "openai", Model: "m", Operation: "parse", Success: true,
	}); !errors.Is(err, persistence.ErrReference) {
		t.Fatalf("expected reference error, got %v", err)
	}
}

func TestUsage_IsImmutable(t *testing.T) {
	store := openTestStore(t)
	id, err := store.RecordUsage(context.Background(), persistence.UsageInput{
		Provider: "openai", Model: "gpt-4o", Operation: "parse", CostUSD: ptr(0.01), Success: true,
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE usage_records SET cost_usd = 0 WHERE id = ?;`, id); err == nil {
		t.Fatal("expected update to be rejected")
	}
	if _, err := store.DB().Exec(`DELETE FROM usage_records WHERE id = ?;`, id); err == nil {
		t.Fatal("expected delete to be rejected")
	}
}

func TestUsage_PricingOverride(t *testing.T) {
	table := pricing.Default().WithOverrides(map[string]pricing.ModelPricing{
		"local-llm": {PromptPer1M: 1, CompletionPer1M: 2},
	})
	store := openTestStore(t, persistence.WithPricing(table))
	ctx := context.Background()
	if _, err := store.RecordUsage(ctx, persistence.UsageInput{
		Provider: "ollama", Model: "local-llm", Operation: "tag", PromptTokens: 500_000, CompletionTokens: 500_000, Success: true,
	}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	rows, _ := store.ListUsage(ctx, time.Time{}, time.Time{})
	if len(rows) != 1 || math.Abs(rows[0].CostUSD-1.5) > 1e-9 {
		t.Fatalf("expected override price 1.5, got %+v", rows)
	}
}

func TestCostReport_Groupings(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	store := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()
	record := func(model, op string, cost float64, ok bool) {
		t.Helper()
		in := persistence.UsageInput{
			Provider: "openai", Model: model, Operation: op, PromptTokens: 10, CompletionTokens: 5,
			CostUSD: ptr(cost), Success: ok,
		}
		if !ok {
			in.ErrorMessage = "timeout"
		}
		if _, err := store.RecordUsage(ctx, in); err != nil {
			t.Fatalf("record usage: %v", err)
		}
	}
	record("gpt-4o", "parse", 0.10, true)
	record("gpt-4o-mini", "summarize", 0.02, true)
	clock.Advance(24 * time.Hour)
	record("gpt-4o", "parse", 0.30, false)

	byOp, err := store.CostReport(ctx, time.Time{}, time.Time{}, persistence.GroupByOperation)
	if err != nil {
		t.Fatalf("report by operation: %v", err)
	}
	if len(byOp) != 2 || byOp[0].Key != "parse" || byOp[0].Calls != 2 || byOp[0].Failures != 1 {
		t.Fatalf("unexpected operation buckets %+v", byOp)
	}
	if math.Abs(byOp[0].CostUSD-0.40) > 1e-9 || byOp[0].TotalTokens != 30 {
		t.Fatalf("unexpected parse aggregate %+v", byOp[0])
	}

	byModel, _ := store.CostReport(ctx, time.Time{}, time.Time{}, persistence.GroupByModel)
	if len(byModel) != 2 || byModel[0].Key != "gpt-4o" || byModel[1].Key != "gpt-4o-mini" {
		t.Fatalf("unexpected model buckets %+v", byModel)
	}

	byDay, _ := store.CostReport(ctx, time.Time{}, time.Time{}, persistence.GroupByDay)
	if len(byDay) != 2 || byDay[0].Key != "2025-06-01" || byDay[1].Key != "2025-06-02" {
		t.Fatalf("unexpected day buckets %+v", byDay)
	}
	total := persistence.CostTotals(byDay)
	if total.Calls != 3 || math.Abs(total.CostUSD-0.42) > 1e-9 {
		t.Fatalf("unexpected totals %+v", total)
	}

	firstDay, _ := store.CostReport(ctx, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), persistence.GroupByDay)
	if len(firstDay) != 1 || firstDay[0].Calls != 2 {
		t.Fatalf("expected range to keep only the first day, got %+v", firstDay)
	}

	if _, err := store.CostReport(ctx, time.Time{}, time.Time{}, "provider"); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error for unknown grouping, got %v", err)
	}
	now := clock.Now()
	if _, err := store.CostReport(ctx, now, now, persistence.GroupByDay); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error for empty range, got %v", err)
	}
}

func TestEstimateItemCost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: at(t, "2025-01-01T08:00"), Kind: persistence.ItemKindNote,
		Title: ptr("hello"), ContentText: ptr("hello world"),
	})

	est, err := store.EstimateItemCost(ctx, id, "gpt-4o-mini", 1_000_000)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if est.PromptTokens != 7 || !est.KnownModel {
		t.Fatalf("unexpected estimate %+v", est)
	}
	want := 7*0.15/1_000_000 + 0.60
	if math.Abs(est.CostUSD-want) > 1e-9 {
		t.Fatalf("cost = %f, want %f", est.CostUSD, want)
	}

	unknown, err := store.EstimateItemCost(ctx, id, "homegrown-llm", 10)
	if err != nil {
		t.Fatalf("estimate unknown model: %v", err)
	}
	if unknown.KnownModel || unknown.CostUSD != 0 {
		t.Fatalf("unknown model must price at zero, got %+v", unknown)
	}
	if _, err := store.EstimateItemCost(ctx, "missing", "gpt-4o", 0); !errors.Is(err, persistence.ErrReference) {
		t.Fatalf("expected reference error, got %v", err)
	}
	if _, err := store.EstimateItemCost(ctx, id, " ", 0); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(mustListUsage(t, store)); n != 0 {
		t.Fatalf("estimates must not write usage rows, got %d", n)
	}
}

func mustListUsage(t *testing.T, s *persistence.Store) []persistence.UsageRecord {
	t.Helper()
	rows, err := s.ListUsage(context.Background(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	return rows
}
