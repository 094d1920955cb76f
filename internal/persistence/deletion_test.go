package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/shared"
)

func TestSoftDeleteRestore_Reversible(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote, Title: ptr("keep me"),
	})
	if _, err := store.AssignTags(ctx, id, []string{"a", "b"}); err != nil {
		t.Fatalf("assign tags: %v", err)
	}
	if _, err := store.AttachFile(ctx, id, persistence.FileSpec{Role: persistence.FileRoleOriginal, AbsolutePath: "/data/keep.txt"}); err != nil {
		t.Fatalf("attach file: %v", err)
	}

	if err := store.SoftDelete(ctx, id); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := store.GetItem(ctx, id); !errors.Is(err, persistence.ErrReference) {
		t.Fatalf("expected soft-deleted item hidden by default, got %v", err)
	}
	it, _ := store.LookupItem(ctx, id, true)
	if !it.IsDeleted || it.DeletionType != persistence.DeletionSoft || it.DeletedAt == nil {
		t.Fatalf("expected soft-deleted state, got %+v", it)
	}
	live, _ := store.ListItems(ctx, persistence.ItemFilter{})
	if len(live) != 0 {
		t.Fatalf("expected no live items, got %d", len(live))
	}
	trash, err := store.ListDeleted(ctx)
	if err != nil || len(trash) != 1 || trash[0].ID != id {
		t.Fatalf("expected item in trash, got %v %v", trash, err)
	}
	if err := store.SoftDelete(ctx, id); !errors.Is(err, persistence.ErrInvalidState) {
		t.Fatalf("expected invalid state on double soft delete, got %v", err)
	}

	if err := store.Restore(ctx, id); err != nil {
		t.Fatalf("restore: %v", err)
	}
	it, _ = store.GetItem(ctx, id)
	if it.IsDeleted || it.DeletedAt != nil || it.DeletionType != "" {
		t.Fatalf("expected active state after restore, got %+v", it)
	}
	tags, _ := store.ItemTags(ctx, id)
	files, _ := store.ListFiles(ctx, id, false)
	if len(tags) != 2 || len(files) != 1 {
		t.Fatalf("expected tags and files intact, got %d tags %d files", len(tags), len(files))
	}
	live, _ = store.ListItems(ctx, persistence.ItemFilter{})
	if len(live) != 1 {
		t.Fatalf("expected item back in default queries, got %d", len(live))
	}
	if err := store.Restore(ctx, id); !errors.Is(err, persistence.ErrInvalidState) {
		t.Fatalf("expected invalid state restoring an active item, got %v", err)
	}
	kinds := eventKinds(t, store, id)
	if countKind(kinds, persistence.EventSoftDeleted) != 1 || countKind(kinds, persistence.EventRestored) != 1 {
		t.Fatalf("expected one soft_deleted and one restored event, got %v", kinds)
	}
}

func TestHardDelete_CascadeIntegrity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	id := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderGmail, ExternalID: "gone", OccurredAt: time.Now(), Kind: persistence.ItemKindEmail,
		Title: ptr("doomed message"),
	})
	dup := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote})
	if err := store.SetDuplicateOf(ctx, dup, id); err != nil {
		t.Fatalf("mark duplicate: %v", err)
	}
	for _, p := range []string{"/data/gone-1.eml", "/data/gone-2.pdf"} {
		if _, err := store.AttachFile(ctx, id, persistence.FileSpec{Role: persistence.FileRoleOriginal, AbsolutePath: p}); err != nil {
			t.Fatalf("attach file: %v", err)
		}
	}
	if _, err := store.AssignTags(ctx, id, []string{"one", "two", "three"}); err != nil {
		t.Fatalf("assign tags: %v", err)
	}
	if err := store.AttachEmailSidecar(ctx, persistence.EmailSidecar{ItemID: id, MessageID: "<gone@x>"}); err != nil {
		t.Fatalf("attach sidecar: %v", err)
	}
	sess, _ := store.CreateSession(ctx, "s", "")
	if _, err := store.AddSessionItem(ctx, sess.ID, id, -1); err != nil {
		t.Fatalf("add to session: %v", err)
	}
	if _, err := store.RecordCalendarLink(ctx, id, persistence.ParseMetadata{Model: "gpt-4o-mini"}); err != nil {
		t.Fatalf("record link: %v", err)
	}
	usageID, err := store.RecordUsage(ctx, persistence.UsageInput{
		ItemID: id, Provider: "openai", Model: "gpt-4o-mini", Operation: "classify", PromptTokens: 10, Success: true,
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}

	if err := store.HardDelete(ctx, id); err != nil {
		t.Fatalf("hard delete: %v", err)
	}

	for _, q := range []string{
		`SELECT COUNT(*) FROM files WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM item_tags WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM session_items WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM email_sidecars WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM drive_sidecars WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM events WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM calendar_links WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM item_terms WHERE item_id = ?;`,
		`SELECT COUNT(*) FROM items WHERE id = ? OR duplicate_of = ?;`,
	} {
		args := make([]any, countPlaceholders(q))
		for i := range args {
			args[i] = id
		}
		if n := countRows(t, db, q, args...); n != 0 {
			t.Fatalf("%s: expected 0 rows, got %d", q, n)
		}
	}
	if _, err := store.GetItem(ctx, id); !errors.Is(err, persistence.ErrReference) {
		t.Fatalf("expected item to be gone, got %v", err)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM usage_records WHERE id = ? AND item_id = ?;`, usageID, id); n != 1 {
		t.Fatal("usage records must survive hard delete")
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM tags;`); n != 3 {
		t.Fatalf("tag taxonomy must survive, got %d tags", n)
	}

	events, err := store.ListEvents(ctx, persistence.EventFilter{Kind: persistence.EventHardDeleted})
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one detached hard_deleted event, got %v %v", events, err)
	}
	if events[0].ItemID != nil {
		t.Fatal("hard_deleted event must be detached")
	}
	var data map[string]any
	if err := json.Unmarshal(events[0].Data, &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data["item_id"] != id || data["external_id"] != "gone" {
		t.Fatalf("unexpected hard_deleted data %v", data)
	}

	if err := store.HardDelete(ctx, id); !errors.Is(err, persistence.ErrReference) {
		t.Fatalf("expected reference error on second hard delete, got %v", err)
	}
	if err := store.Restore(ctx, id); !errors.Is(err, persistence.ErrInvalidState) {
		t.Fatalf("expected invalid state restoring a hard-deleted item, got %v", err)
	}
	// The external id is free again.
	again := mustIngest(t, store, persistence.IngestRequest{
		Provider: persistence.ProviderGmail, ExternalID: "gone", OccurredAt: time.Now(), Kind: persistence.ItemKindEmail,
	})
	if again == id {
		t.Fatal("expected a fresh id after hard delete")
	}
}

func countPlaceholders(q string) int {
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
		}
	}
	return n
}

func TestHardDelete_FromSoftDeleted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote})
	if err := store.SoftDelete(ctx, id); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := store.Delete(ctx, id, persistence.DeletionHard); err != nil {
		t.Fatalf("hard delete from trash: %v", err)
	}
	if trash, _ := store.ListDeleted(ctx); len(trash) != 0 {
		t.Fatalf("expected empty trash, got %d", len(trash))
	}
	if err := store.Delete(ctx, id, "shred"); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error for unknown mode, got %v", err)
	}
}

func TestHardDelete_PurgesFilesWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	kept := filepath.Join(dir, "kept.txt")
	if err := os.WriteFile(kept, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	ctx := context.Background()

	purging := openTestStore(t, persistence.WithFilePurge(true))
	id := mustIngest(t, purging, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote})
	if _, err := purging.AttachFile(ctx, id, persistence.FileSpec{Role: persistence.FileRoleOriginal, AbsolutePath: path}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := purging.HardDelete(ctx, id); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}

	plain := openTestStore(t)
	id = mustIngest(t, plain, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote})
	if _, err := plain.AttachFile(ctx, id, persistence.FileSpec{Role: persistence.FileRoleOriginal, AbsolutePath: kept}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := plain.HardDelete(ctx, id); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatalf("expected file kept by default, stat err = %v", err)
	}
}

func TestPurgeSoftDeleted_RespectsRetention(t *testing.T) {
	clock := newTestClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	store := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()

	old := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: clock.Now(), Kind: persistence.ItemKindNote})
	if err := store.SoftDelete(ctx, old); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	clock.Advance(60 * 24 * time.Hour)
	recent := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: clock.Now(), Kind: persistence.ItemKindNote})
	if err := store.SoftDelete(ctx, recent); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	active := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: clock.Now(), Kind: persistence.ItemKindNote})
	clock.Advance(40 * 24 * time.Hour)

	purged, err := store.PurgeSoftDeleted(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, err := store.GetItem(ctx, old); !errors.Is(err, persistence.ErrReference) {
		t.Fatalf("expected old item purged, got %v", err)
	}
	for _, id := range []string{recent, active} {
		if _, err := store.LookupItem(ctx, id, true); err != nil {
			t.Fatalf("expected %s kept: %v", id, err)
		}
	}
	if _, err := store.PurgeSoftDeleted(ctx, -time.Hour); !errors.Is(err, persistence.ErrValidation) {
		t.Fatalf("expected validation error for negative retention, got %v", err)
	}
}

func TestRecordItemError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote})
	if err := store.RecordItemError(ctx, id, errors.New("classifier timeout"), nil); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if countKind(eventKinds(t, store, id), persistence.EventError) != 1 {
		t.Fatal("expected an error event on the item")
	}
	if err := store.RecordItemError(ctx, "missing", errors.New("boom"), map[string]any{"source": "eml"}); err != nil {
		t.Fatalf("record detached error: %v", err)
	}
	events, _ := store.ListEvents(ctx, persistence.EventFilter{Kind: persistence.EventError})
	if len(events) != 2 || events[0].ItemID != nil {
		t.Fatalf("expected newest error event detached, got %+v", events)
	}
}

func TestRejectedOperationsLeaveErrorEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := shared.WithActor(context.Background(), "gateway")
	id := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote})
	other := mustIngest(t, store, persistence.IngestRequest{Provider: persistence.ProviderManual, OccurredAt: time.Now(), Kind: persistence.ItemKindNote})
	fileID, err := store.AttachFile(ctx, id, persistence.FileSpec{Role: persistence.FileRoleOriginal, AbsolutePath: "/data/a.txt"})
	if err != nil {
		t.Fatalf("attach file: %v", err)
	}
	linkID, err := store.RecordCalendarLink(ctx, id, persistence.ParseMetadata{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("record link: %v", err)
	}
	if err := store.DeleteFile(ctx, fileID); err != nil {
		t.Fatalf("delete file: %v", err)
	}
	if err := store.SetDuplicateOf(ctx, other, id); err != nil {
		t.Fatalf("set duplicate: %v", err)
	}

	rejected := []struct {
		name string
		op   func() error
	}{
		{"restore active item", func() error { return store.Restore(ctx, id) }},
		{"link success without event id", func() error {
			return store.UpdateLinkStatus(ctx, linkID, persistence.LinkUpdate{Status: persistence.LinkStatusSuccess})
		}},
		{"delete file twice", func() error { return store.DeleteFile(ctx, fileID) }},
		{"unassign missing tag", func() error { return store.UnassignTag(ctx, id, "never-assigned") }},
		{"duplicate cycle", func() error { return store.SetDuplicateOf(ctx, id, other) }},
		{"relative file path", func() error {
			_, err := store.AttachFile(ctx, id, persistence.FileSpec{Role: persistence.FileRoleOriginal, AbsolutePath: "rel/a.txt"})
			return err
		}},
	}
	for i, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !persistence.IsRejection(err) {
				t.Fatalf("expected a rejection, got %v", err)
			}
			if got := countKind(eventKinds(t, store, id), persistence.EventError); got != i+1 {
				t.Fatalf("expected %d error events on the item, got %d", i+1, got)
			}
		})
	}

	events, err := store.ListEvents(ctx, persistence.EventFilter{Kind: persistence.EventError, Limit: 1})
	if err != nil || len(events) != 1 {
		t.Fatalf("list error events: %v %d", err, len(events))
	}
	var data map[string]any
	if err := json.Unmarshal(events[0].Data, &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data["op"] != "attach_file" || data["actor"] != "gateway" {
		t.Fatalf("unexpected error event data %v", data)
	}

	// Rejections naming no item leave nothing behind.
	before := countRows(t, store.DB(), `SELECT COUNT(*) FROM events WHERE kind = 'error';`)
	if err := store.Restore(ctx, "missing"); !errors.Is(err, persistence.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if after := countRows(t, store.DB(), `SELECT COUNT(*) FROM events WHERE kind = 'error';`); after != before {
		t.Fatalf("unknown item produced %d error events", after-before)
	}
}
