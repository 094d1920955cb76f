package sources

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-diary/internal/config"
	"github.com/basket/go-diary/internal/persistence"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNotesDir_Fetch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "2024", "standup.md"), "---\ntitle: Standup\ndate: 2024-03-04\ntags: [work, daily]\nlang: de\n---\nShipped the importer.\n")
	writeFile(t, filepath.Join(dir, "ideas.txt"), "# Garden\nPlant tomatoes early.\n")
	writeFile(t, filepath.Join(dir, "photo.png"), "\x89PNG\r\n\x1a\n")
	writeFile(t, filepath.Join(dir, ".obsidian", "cache.md"), "ignored")
	writeFile(t, filepath.Join(dir, "binary.md"), "\x00\x01\x02\x03binary")

	src := NewNotesDir("notes", dir, persistence.ProviderManual, "en")
	recs, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records (hidden and png skipped), got %d", len(recs))
	}

	byID := map[string]int{}
	for i, r := range recs {
		byID[r.Item.ExternalID] = i
	}
	bin := recs[byID["binary.md"]]
	if bin.Err == nil {
		t.Fatal("expected binary note to be marked unreadable")
	}

	standup := recs[byID["2024/standup.md"]]
	if standup.Err != nil {
		t.Fatalf("unexpected error %v", standup.Err)
	}
	if *standup.Item.Title != "Standup" || *standup.Item.ContentText != "Shipped the importer." {
		t.Fatalf("unexpected note %q %q", *standup.Item.Title, *standup.Item.ContentText)
	}
	if !standup.Item.OccurredAt.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected front matter date, got %v", standup.Item.OccurredAt)
	}
	if *standup.Item.ContentLanguage != "de" || len(standup.Tags) != 2 {
		t.Fatalf("unexpected language/tags %v %v", *standup.Item.ContentLanguage, standup.Tags)
	}
	if len(standup.Files) != 1 || !strings.HasPrefix(standup.Files[0].Mime, "text/plain") ||
		!filepath.IsAbs(standup.Files[0].AbsolutePath) {
		t.Fatalf("unexpected file spec %+v", standup.Files)
	}
	if !strings.HasPrefix(*standup.Item.ContentHash, "sha256:") || len(standup.Raw) == 0 {
		t.Fatalf("expected hash and raw payload, got %v %s", *standup.Item.ContentHash, standup.Raw)
	}

	ideas := recs[byID["ideas.txt"]]
	if *ideas.Item.Title != "Garden" || *ideas.Item.ContentLanguage != "en" {
		t.Fatalf("expected heading title and default language, got %q %q", *ideas.Item.Title, *ideas.Item.ContentLanguage)
	}
}

func TestSplitFrontMatter(t *testing.T) {
	tests := []struct {
		name, in, body string
		hasFM          bool
	}{
		{"none", "plain body", "plain body", false},
		{"unterminated", "---\ntitle: x\nbody", "---\ntitle: x\nbody", false},
		{"fenced", "---\ntitle: x\n---\nbody", "body", true},
		{"dash text", "--- not front matter\nbody", "--- not front matter\nbody", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm, body, err := splitFrontMatter([]byte(tt.in))
			if err != nil {
				t.Fatalf("split: %v", err)
			}
			if (fm != nil) != tt.hasFM || string(body) != tt.body {
				t.Fatalf("got fm=%v body=%q", fm, body)
			}
		})
	}
	if _, _, err := splitFrontMatter([]byte("---\ntitle: [\n---\nbody")); err == nil {
		t.Fatal("expected yaml error")
	}
}

func TestEMLDir_Fetch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.eml"), "From: Ada <ada@example.com>\r\nTo: bob@example.com\r\n"+
		"Subject: Dinner\r\nDate: Fri, 05 Jan 2024 18:00:00 +0000\r\nMessage-Id: <d1@example.com>\r\n"+
		"X-Gmail-Labels: Inbox\r\n\r\nSeven o'clock?\r\n")
	writeFile(t, filepath.Join(dir, "b.eml"), "From: c@example.com\r\nSubject: no id\r\n\r\nbody\r\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "not mail")

	src := NewEMLDir("mail", dir, persistence.ProviderGmail)
	recs, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 eml records, got %d", len(recs))
	}
	a := recs[0]
	if a.Err != nil || a.Item.ExternalID != "d1@example.com" || *a.Item.Subject != "Dinner" {
		t.Fatalf("unexpected record %+v", a)
	}
	if a.Item.Kind != persistence.ItemKindEmail || *a.Item.ExternalThreadID != "d1@example.com" {
		t.Fatalf("unexpected kind/thread %s %v", a.Item.Kind, a.Item.ExternalThreadID)
	}
	if a.Email == nil || a.Email.FromAddress != "ada@example.com" || len(a.Email.To) != 1 || a.Email.Labels[0] != "Inbox" {
		t.Fatalf("unexpected sidecar %+v", a.Email)
	}
	if !a.Item.OccurredAt.Equal(time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected occurred_at %v", a.Item.OccurredAt)
	}
	b := recs[1]
	if b.Err != nil || b.Item.ExternalID != "" || b.Item.ExternalThreadID != nil {
		t.Fatalf("message without id should ingest by hash only, got %+v", b.Item)
	}
}

func TestFromConfig(t *testing.T) {
	src, err := FromConfig(config.SweepConfig{Name: "n", Source: config.SourceNotesDir, Dir: "/tmp", Provider: "manual"}, "en")
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := src.(*NotesDir); !ok || src.Name() != "n" {
		t.Fatalf("expected notes source, got %T", src)
	}
	src, _ = FromConfig(config.SweepConfig{Name: "m", Source: config.SourceEMLDir, Dir: "/tmp", Provider: "gmail"}, "en")
	if src.Provider() != persistence.ProviderGmail {
		t.Fatalf("expected gmail provider, got %s", src.Provider())
	}
	if _, err := FromConfig(config.SweepConfig{Name: "x", Source: "imap", Provider: "gmail"}, "en"); err == nil {
		t.Fatal("expected unknown source error")
	}
	if _, err := FromConfig(config.SweepConfig{Name: "x", Source: config.SourceNotesDir, Provider: "myspace"}, "en"); err == nil {
		t.Fatal("expected provider error")
	}
}
