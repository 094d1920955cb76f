package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-diary/internal/bus"
	"github.com/basket/go-diary/internal/searchindex"
	"github.com/google/uuid"
)

// Item is the normalized catalog row for one ingested content unit.
type Item struct {
	ID               string       `json:"id"`
	AccountID        *string      `json:"account_id,omitempty"`
	Provider         Provider     `json:"provider"`
	ExternalID       *string      `json:"external_id,omitempty"`
	ExternalThreadID *string      `json:"external_thread_id,omitempty"`
	RunID            *string      `json:"run_id,omitempty"`
	OccurredAt       time.Time    `json:"occurred_at"`
	IngestedAt       time.Time    `json:"ingested_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	Kind             ItemKind     `json:"item_kind"`
	ContentLanguage  *string      `json:"content_language,omitempty"`
	Status           ItemStatus   `json:"status"`
	Title            string       `json:"title"`
	Subject          string       `json:"subject"`
	ContentText      string       `json:"content_text"`
	SummaryText      string       `json:"summary_text"`
	ContentHash      *string      `json:"content_hash,omitempty"`
	BlobID           *string      `json:"blob_id,omitempty"`
	Bytes            *int64       `json:"bytes,omitempty"`
	LengthClass      LengthClass  `json:"length_class"`
	IsDeleted        bool         `json:"is_deleted"`
	DeletionType     DeletionType `json:"deletion_type,omitempty"`
	DeletedAt        *time.Time   `json:"deleted_at,omitempty"`
	DuplicateOf      *string      `json:"duplicate_of,omitempty"`
	SearchProfile    string       `json:"search_profile"`
	TitleContentVec  string       `json:"-"`
	SummaryVec       string       `json:"-"`
	SubjectVec       string       `json:"-"`
}

// IngestRequest is one record from an ingestion collaborator. Pointer fields
// are optional: on upsert only supplied fields overwrite the stored values.
type IngestRequest struct {
	Provider         Provider
	ExternalID       string // empty: no provider-stable identity
	ExternalThreadID *string
	AccountID        string
	RunID            string
	OccurredAt       time.Time
	Kind             ItemKind
	ContentLanguage  *string
	Status           *ItemStatus
	Title            *string
	Subject          *string
	ContentText      *string
	SummaryText      *string
	ContentHash      *string
	BlobID           string
	Bytes            *int64
	// Payload is the verbatim provider record. It is stored as a blob in the
	// same transaction as the item and replaces BlobID.
	Payload json.RawMessage
}

// IngestResult identifies the item an ingest call landed on.
type IngestResult struct {
	ItemID  string `json:"item_id"`
	Created bool   `json:"created"`
	BlobID  string `json:"blob_id,omitempty"` // set when the request carried a payload
}

func (r IngestRequest) validate() error {
	if _, err := ParseProvider(string(r.Provider)); err != nil {
		return err
	}
	if _, err := ParseItemKind(string(r.Kind)); err != nil {
		return err
	}
	if r.OccurredAt.IsZero() {
		return validationf("occurred_at", "required")
	}
	if r.Status != nil {
		if _, err := ParseItemStatus(string(*r.Status)); err != nil {
			return err
		}
	}
	if r.Bytes != nil && *r.Bytes < 0 {
		return validationf("bytes", "must be non-negative")
	}
	if strings.TrimSpace(r.ExternalID) != r.ExternalID {
		return validationf("external_id", "must not carry surrounding whitespace")
	}
	if len(r.Payload) > 0 {
		if r.BlobID != "" {
			return validationf("payload", "cannot be combined with blob_id")
		}
		if !json.Valid(r.Payload) {
			return validationf("payload", "not well-formed JSON")
		}
	}
	return nil
}

// IngestItem inserts a record or, when (provider, external_id) is already
// cataloged, updates it in place. A lost insert race is retried once as an
// upsert, so callers always land on the single item for that identity.
func (s *Store) IngestItem(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if err := req.validate(); err != nil {
		return IngestResult{}, err
	}
	res, err := s.ingest(ctx, req, true)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		res, err = s.ingest(ctx, req, true)
	}
	if err != nil {
		return IngestResult{}, err
	}
	return res, nil
}

// InsertItem is the strict insert path: an existing (provider, external_id)
// surfaces as a ConflictError instead of an update.
func (s *Store) InsertItem(ctx context.Context, req IngestRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	res, err := s.ingest(ctx, req, false)
	if err != nil {
		return "", err
	}
	return res.ItemID, nil
}

func (s *Store) ingest(ctx context.Context, req IngestRequest, allowUpdate bool) (IngestResult, error) {
	var res IngestResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		req := req
		if err := checkIngestRefs(ctx, tx, req); err != nil {
			return err
		}
		if len(req.Payload) > 0 {
			blobID, err := s.putBlobTx(ctx, tx, req.Provider, req.Payload)
			if err != nil {
				return err
			}
			req.BlobID = blobID
		}
		if allowUpdate && req.ExternalID != "" {
			var id string
			err := tx.QueryRowContext(ctx, `SELECT id FROM items WHERE provider = ? AND external_id = ?;`,
				req.Provider, req.ExternalID).Scan(&id)
			switch {
			case err == nil:
				res = IngestResult{ItemID: id, BlobID: blobOf(req)}
				return s.updateItemTx(ctx, tx, id, req)
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("lookup item by external id: %w", err)
			}
		}
		id, err := s.insertItemTx(ctx, tx, req)
		if err != nil {
			return err
		}
		res = IngestResult{ItemID: id, Created: true, BlobID: blobOf(req)}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	topic, kind := bus.TopicItemUpdated, EventUpdated
	if res.Created {
		topic, kind = bus.TopicItemCreated, EventCreated
	}
	s.publish(topic, bus.ItemEvent{ItemID: res.ItemID, Provider: string(req.Provider), ExternalID: req.ExternalID, Kind: string(kind)})
	return res, nil
}

func blobOf(req IngestRequest) string {
	if len(req.Payload) == 0 {
		return ""
	}
	return req.BlobID
}

func checkIngestRefs(ctx context.Context, tx *sql.Tx, req IngestRequest) error {
	if req.AccountID != "" {
		if err := requireRef(ctx, tx, "account", "accounts", req.AccountID); err != nil {
			return err
		}
	}
	if req.RunID != "" {
		if err := requireRef(ctx, tx, "run", "runs", req.RunID); err != nil {
			return err
		}
	}
	if req.BlobID != "" {
		if err := requireRef(ctx, tx, "blob", "blobs", req.BlobID); err != nil {
			return err
		}
	}
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (s *Store) insertItemTx(ctx context.Context, tx *sql.Tx, req IngestRequest) (string, error) {
	id := uuid.NewString()
	now := s.timestamp()
	status := ItemStatusNew
	if req.Status != nil {
		status = *req.Status
	}
	in := searchInputs{
		Language: deref(req.ContentLanguage),
		Title:    deref(req.Title),
		Content:  deref(req.ContentText),
		Summary:  deref(req.SummaryText),
		Subject:  deref(req.Subject),
	}
	length := ClassifyLength(searchindex.WordCount(in.Content))
	var bytes any
	if req.Bytes != nil {
		bytes = *req.Bytes
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO items (
			id, account_id, provider, external_id, external_thread_id, run_id,
			occurred_at, ingested_at, updated_at, item_kind, content_language, status,
			title, subject, content_text, summary_text, content_hash, blob_id, bytes, length_class
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, id, nullIfEmpty(req.AccountID), req.Provider, nullIfEmpty(req.ExternalID), nullString(req.ExternalThreadID), nullIfEmpty(req.RunID),
		formatTime(req.OccurredAt), now, now, req.Kind, nullString(req.ContentLanguage), status,
		in.Title, in.Subject, in.Content, in.Summary, nullString(req.ContentHash), nullIfEmpty(req.BlobID), bytes, length)
	if err != nil {
		if isUniqueViolation(err) {
			return "", &ConflictError{Provider: req.Provider, ExternalID: req.ExternalID}
		}
		return "", fmt.Errorf("insert item: %w", err)
	}
	if err := writeItemIndexTx(ctx, tx, id, in.compute()); err != nil {
		return "", err
	}
	data := map[string]any{"provider": req.Provider, "item_kind": req.Kind}
	if req.ExternalID != "" {
		data["external_id"] = req.ExternalID
	}
	if req.RunID != "" {
		data["run_id"] = req.RunID
	}
	if err := s.appendEventTx(ctx, tx, &id, EventCreated, "item created", data); err != nil {
		return "", err
	}
	return id, nil
}

// updateItemTx applies the supplied fields of req to an existing item. The
// id, ingested_at, run and every dependent row are preserved.
func (s *Store) updateItemTx(ctx context.Context, tx *sql.Tx, id string, req IngestRequest) error {
	cur, err := scanItem(tx.QueryRowContext(ctx, selectItem+` WHERE id = ?;`, id))
	if err != nil {
		return fmt.Errorf("load item for update: %w", err)
	}
	var changed []string
	setStr := func(name string, dst *string, src *string) {
		if src != nil && *src != *dst {
			*dst = *src
			changed = append(changed, name)
		}
	}
	setPtr := func(name string, dst **string, src *string) {
		if src != nil && (*dst == nil || **dst != *src) {
			v := *src
			*dst = &v
			changed = append(changed, name)
		}
	}
	setStr("title", &cur.Title, req.Title)
	setStr("subject", &cur.Subject, req.Subject)
	setStr("content_text", &cur.ContentText, req.ContentText)
	setStr("summary_text", &cur.SummaryText, req.SummaryText)
	setPtr("content_language", &cur.ContentLanguage, req.ContentLanguage)
	setPtr("content_hash", &cur.ContentHash, req.ContentHash)
	setPtr("external_thread_id", &cur.ExternalThreadID, req.ExternalThreadID)
	if req.BlobID != "" {
		setPtr("blob_id", &cur.BlobID, &req.BlobID)
	}
	if req.AccountID != "" && cur.AccountID == nil {
		setPtr("account_id", &cur.AccountID, &req.AccountID)
	}
	if req.Bytes != nil && (cur.Bytes == nil || *cur.Bytes != *req.Bytes) {
		b := *req.Bytes
		cur.Bytes = &b
		changed = append(changed, "bytes")
	}
	if !req.OccurredAt.Equal(cur.OccurredAt) {
		cur.OccurredAt = req.OccurredAt.UTC()
		changed = append(changed, "occurred_at")
	}
	if req.Kind != cur.Kind {
		cur.Kind = req.Kind
		changed = append(changed, "item_kind")
	}
	data := map[string]any{}
	if req.Status != nil && *req.Status != cur.Status {
		data["status_from"] = cur.Status
		data["status_to"] = *req.Status
		cur.Status = *req.Status
		changed = append(changed, "status")
	}
	data["changed"] = changed

	in := searchInputs{
		Language: deref(cur.ContentLanguage),
		Title:    cur.Title,
		Content:  cur.ContentText,
		Summary:  cur.SummaryText,
		Subject:  cur.Subject,
	}
	var bytes any
	if cur.Bytes != nil {
		bytes = *cur.Bytes
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE items SET
			account_id = ?, external_thread_id = ?, occurred_at = ?, updated_at = ?, item_kind = ?,
			content_language = ?, status = ?, title = ?, subject = ?, content_text = ?, summary_text = ?,
			content_hash = ?, blob_id = ?, bytes = ?, length_class = ?
		WHERE id = ?;
	`, nullString(cur.AccountID), nullString(cur.ExternalThreadID), formatTime(cur.OccurredAt), s.timestamp(), cur.Kind,
		nullString(cur.ContentLanguage), cur.Status, cur.Title, cur.Subject, cur.ContentText, cur.SummaryText,
		nullString(cur.ContentHash), nullString(cur.BlobID), bytes, ClassifyLength(searchindex.WordCount(cur.ContentText)), id)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if err := writeItemIndexTx(ctx, tx, id, in.compute()); err != nil {
		return err
	}
	return s.appendEventTx(ctx, tx, &id, EventUpdated, "item updated", data)
}

// GetItem returns a live item. Soft-deleted items read as absent here.
func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	return s.LookupItem(ctx, id, false)
}

// LookupItem returns an item; soft-deleted items are visible only with
// includeDeleted.
func (s *Store) LookupItem(ctx context.Context, id string, includeDeleted bool) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && it.IsDeleted && !includeDeleted) {
		return Item{}, &ReferenceError{Entity: "item", ID: id}
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// FindItem looks up an item by its provider-stable identity.
func (s *Store) FindItem(ctx context.Context, provider Provider, externalID string) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, selectItem+` WHERE provider = ? AND external_id = ?;`, provider, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, &ReferenceError{Entity: "item", ID: string(provider) + ":" + externalID}
	}
	if err != nil {
		return Item{}, fmt.Errorf("find item: %w", err)
	}
	return it, nil
}

// ItemFilter narrows item listings. Zero fields are ignored.
type ItemFilter struct {
	Provider       Provider
	Kind           ItemKind
	Status         ItemStatus
	AccountID      string
	From, To       time.Time // occurred_at range, To exclusive
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f ItemFilter) where(alias string) (string, []any, error) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	clauses := []string{"1 = 1"}
	var args []any
	if !f.IncludeDeleted {
		clauses = append(clauses, col("is_deleted")+" = 0")
	}
	if f.Provider != "" {
		if _, err := ParseProvider(string(f.Provider)); err != nil {
			return "", nil, err
		}
		clauses = append(clauses, col("provider")+" = ?")
		args = append(args, f.Provider)
	}
	if f.Kind != "" {
		if _, err := ParseItemKind(string(f.Kind)); err != nil {
			return "", nil, err
		}
		clauses = append(clauses, col("item_kind")+" = ?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		if _, err := ParseItemStatus(string(f.Status)); err != nil {
			return "", nil, err
		}
		clauses = append(clauses, col("status")+" = ?")
		args = append(args, f.Status)
	}
	if f.AccountID != "" {
		clauses = append(clauses, col("account_id")+" = ?")
		args = append(args, f.AccountID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, col("occurred_at")+" >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, col("occurred_at")+" < ?")
		args = append(args, formatTime(f.To))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// ListItems returns items ordered by occurred_at, newest first. Soft-deleted
// items appear only with IncludeDeleted.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	where, args, err := f.where("")
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, max(f.Offset, 0))
	rows, err := s.db.QueryContext(ctx, selectItem+` WHERE `+where+` ORDER BY occurred_at DESC, id LIMIT ? OFFSET ?;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// SetItemStatus moves an item through processing states.
func (s *Store) SetItemStatus(ctx context.Context, id string, status ItemStatus) error {
	return s.noteItemError(ctx, id, "set_status", s.setItemStatus(ctx, id, status))
}

func (s *Store) setItemStatus(ctx context.Context, id string, status ItemStatus) error {
	if _, err := ParseItemStatus(string(status)); err != nil {
		return err
	}
	var from ItemStatus
	var provider Provider
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT status, provider FROM items WHERE id = ?;`, id).Scan(&from, &provider)
		if errors.Is(err, sql.ErrNoRows) {
			return &ReferenceError{Entity: "item", ID: id}
		}
		if err != nil {
			return fmt.Errorf("load item status: %w", err)
		}
		if from == status {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE items SET status = ?, updated_at = ? WHERE id = ?;`, status, s.timestamp(), id); err != nil {
			return fmt.Errorf("update item status: %w", err)
		}
		return s.appendEventTx(ctx, tx, &id, EventStatusChanged, fmt.Sprintf("status %s -> %s", from, status),
			map[string]any{"from": from, "to": status})
	})
	if err != nil {
		return err
	}
	if from != status {
		s.publish(bus.TopicItemStatusChanged, bus.ItemEvent{ItemID: id, Provider: string(provider), Kind: string(EventStatusChanged), Detail: string(status)})
	}
	return nil
}

// SetDuplicateOf marks id as a duplicate of parentID, or clears the mark
// when parentID is empty. The pointers must stay a forest.
func (s *Store) SetDuplicateOf(ctx context.Context, id, parentID string) error {
	return s.noteItemError(ctx, id, "set_duplicate_of", s.setDuplicateOf(ctx, id, parentID))
}

func (s *Store) setDuplicateOf(ctx context.Context, id, parentID string) error {
	if id == parentID {
		return validationf("duplicate_of", "item cannot duplicate itself")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "item", "items", id); err != nil {
			return err
		}
		if parentID != "" {
			if err := requireRef(ctx, tx, "item", "items", parentID); err != nil {
				return err
			}
			// Walk up from the parent; reaching id again means a cycle.
			cursor := parentID
			for hops := 0; cursor != ""; hops++ {
				if cursor == id {
					return validationf("duplicate_of", "would create a cycle through %s", parentID)
				}
				var next sql.NullString
				if err := tx.QueryRowContext(ctx, `SELECT duplicate_of FROM items WHERE id = ?;`, cursor).Scan(&next); err != nil {
					return fmt.Errorf("walk duplicate chain: %w", err)
				}
				cursor = next.String
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE items SET duplicate_of = ?, updated_at = ? WHERE id = ?;`,
			nullIfEmpty(parentID), s.timestamp(), id); err != nil {
			return fmt.Errorf("set duplicate_of: %w", err)
		}
		msg := "duplicate mark cleared"
		if parentID != "" {
			msg = "marked duplicate of " + parentID
		}
		return s.appendEventTx(ctx, tx, &id, EventDuplicateMarked, msg, map[string]any{"duplicate_of": parentID})
	})
}

const selectItem = `SELECT id, account_id, provider, external_id, external_thread_id, run_id,
	occurred_at, ingested_at, updated_at, item_kind, content_language, status,
	title, subject, content_text, summary_text, content_hash, blob_id, bytes, length_class,
	is_deleted, deletion_type, deleted_at, duplicate_of, search_profile,
	title_content_vec, summary_vec, subject_vec
	FROM items`

// itemColumns is selectItem's column list qualified with the alias i.
const itemColumns = `i.id, i.account_id, i.provider, i.external_id, i.external_thread_id, i.run_id,
	i.occurred_at, i.ingested_at, i.updated_at, i.item_kind, i.content_language, i.status,
	i.title, i.subject, i.content_text, i.summary_text, i.content_hash, i.blob_id, i.bytes, i.length_class,
	i.is_deleted, i.deletion_type, i.deleted_at, i.duplicate_of, i.search_profile,
	i.title_content_vec, i.summary_vec, i.subject_vec`

func scanItem(row rowScanner) (Item, error) {
	var (
		it                                         Item
		account, external, thread, run, lang       sql.NullString
		hash, blob, deletionType, deletedAt, dupOf sql.NullString
		occurred, ingested, updated                string
		bytes                                      sql.NullInt64
		deleted                                    int
	)
	err := row.Scan(&it.ID, &account, &it.Provider, &external, &thread, &run,
		&occurred, &ingested, &updated, &it.Kind, &lang, &it.Status,
		&it.Title, &it.Subject, &it.ContentText, &it.SummaryText, &hash, &blob, &bytes, &it.LengthClass,
		&deleted, &deletionType, &deletedAt, &dupOf, &it.SearchProfile,
		&it.TitleContentVec, &it.SummaryVec, &it.SubjectVec)
	if err != nil {
		return Item{}, err
	}
	it.AccountID = nullableString(account)
	it.ExternalID = nullableString(external)
	it.ExternalThreadID = nullableString(thread)
	it.RunID = nullableString(run)
	it.ContentLanguage = nullableString(lang)
	it.ContentHash = nullableString(hash)
	it.BlobID = nullableString(blob)
	it.DuplicateOf = nullableString(dupOf)
	if bytes.Valid {
		b := bytes.Int64
		it.Bytes = &b
	}
	it.IsDeleted = deleted == 1
	it.DeletionType = DeletionType(deletionType.String)
	if it.OccurredAt, err = parseTime(occurred); err != nil {
		return Item{}, err
	}
	if it.IngestedAt, err = parseTime(ingested); err != nil {
		return Item{}, err
	}
	if it.UpdatedAt, err = parseTime(updated); err != nil {
		return Item{}, err
	}
	if it.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return Item{}, err
	}
	return it, nil
}

func collectItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
