package tokenutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty string", content: "", want: 0},
		{name: "whitespace only", content: "   \n\t", want: 0},
		{
			name:    "single word",
			content: "hello",
			want:    1, // max(1*1.33=1, 5/4=1)
		},
		{
			name:    "diary sentence",
			content: "The quick brown fox jumps over the lazy dog near the river bank",
			want:    17, // 13 words * 1.33 = 17, 63/4 = 15
		},
		{
			name:    "cjk text",
			content: "你好世界欢迎光临",
			want:    6, // 24 bytes / 4
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestEstimateFields(t *testing.T) {
	if got := EstimateFields("", "  "); got != 0 {
		t.Fatalf("empty fields = %d, want 0", got)
	}
	// "hello" = 1 token + 2 separator; "hello world" = 2 tokens + 2 separator.
	if got := EstimateFields("hello", "", "hello world"); got != 7 {
		t.Fatalf("EstimateFields = %d, want 7", got)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("héllo wörld ", 200)
	cut := Truncate(long, 50)
	if len(cut) > 200 {
		t.Fatalf("truncated to %d bytes, want <= 200", len(cut))
	}
	if !utf8.ValidString(cut) {
		t.Fatal("truncation split a rune")
	}
	if got := Truncate("short note", 50); got != "short note" {
		t.Fatalf("short content changed: %q", got)
	}
	if got := Truncate("anything", 0); got != "" {
		t.Fatalf("zero budget = %q", got)
	}
}
