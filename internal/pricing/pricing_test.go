package pricing

import "testing"

func TestEstimateCost_KnownModel(t *testing.T) {
	cost := EstimateCost("gpt-4o", 1000, 500)
	if cost < 0.007 || cost > 0.008 {
		t.Fatalf("expected ~0.0075, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost := EstimateCost("unknown-model-xyz", 1000, 500)
	if cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestLookup_DatedSnapshotUsesPrefix(t *testing.T) {
	p, ok := Default().Lookup("gpt-4o-mini-2024-07-18")
	if !ok {
		t.Fatal("expected prefix match")
	}
	if p.PromptPer1M != 0.15 {
		t.Fatalf("matched wrong model: %+v", p)
	}
}

func TestWithOverrides(t *testing.T) {
	base := Default()
	tbl := base.WithOverrides(map[string]ModelPricing{
		"Local-Llama": {PromptPer1M: 1, CompletionPer1M: 2},
		"gpt-4o":      {PromptPer1M: 0, CompletionPer1M: 0},
	})
	if got := tbl.Estimate("local-llama", 1_000_000, 1_000_000); got != 3 {
		t.Fatalf("override estimate = %f, want 3", got)
	}
	if got := tbl.Estimate("gpt-4o", 1000, 1000); got != 0 {
		t.Fatalf("override should zero gpt-4o, got %f", got)
	}
	if got := base.Estimate("gpt-4o", 1_000_000, 0); got != 2.5 {
		t.Fatalf("base table mutated: %f", got)
	}
}

func TestNilTable(t *testing.T) {
	var tbl *Table
	if got := tbl.Estimate("gpt-4o", 100, 100); got != 0 {
		t.Fatalf("nil table estimate = %f", got)
	}
}
