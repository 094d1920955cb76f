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

// CalendarLink records the push of a diary item into an external calendar.
type CalendarLink struct {
	ID              string     `json:"id"`
	ItemID          string     `json:"item_id"`
	EventID         *string    `json:"event_id,omitempty"`
	HTMLLink        string     `json:"html_link,omitempty"`
	Status          LinkStatus `json:"status"`
	InsertedAt      *time.Time `json:"inserted_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ParseModel      string     `json:"parse_model,omitempty"`
	ParseConfidence *float64   `json:"parse_confidence,omitempty"`
	ParseTokens     int        `json:"parse_tokens"`
	ParseCostUSD    float64    `json:"parse_cost_usd"`
	ParsedBlobID    *string    `json:"parsed_blob_id,omitempty"`
	ResponseBlobID  *string    `json:"response_blob_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ParseMetadata describes how a collaborator derived an event proposal.
type ParseMetadata struct {
	Model        string
	Confidence   *float64
	Tokens       int
	CostUSD      float64
	ParsedBlobID string
}

// LinkUpdate carries the outcome of the external insertion.
type LinkUpdate struct {
	Status         LinkStatus
	EventID        string
	HTMLLink       string
	Error          string
	ResponseBlobID string
}

// RecordCalendarLink opens a link in the pending state and returns its id.
func (s *Store) RecordCalendarLink(ctx context.Context, itemID string, meta ParseMetadata) (string, error) {
	v, err := s.recordCalendarLink(ctx, itemID, meta)
	return v, s.noteItemError(ctx, itemID, "record_link", err)
}

func (s *Store) recordCalendarLink(ctx context.Context, itemID string, meta ParseMetadata) (string, error) {
	if meta.Confidence != nil && (*meta.Confidence < 0 || *meta.Confidence > 1) {
		return "", validationf("parse_confidence", "must be within [0, 1]")
	}
	if meta.Tokens < 0 || meta.CostUSD < 0 {
		return "", validationf("parse_metadata", "tokens and cost must be non-negative")
	}
	id := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "item", "items", itemID); err != nil {
			return err
		}
		if meta.ParsedBlobID != "" {
			if err := requireRef(ctx, tx, "blob", "blobs", meta.ParsedBlobID); err != nil {
				return err
			}
		}
		var confidence any
		if meta.Confidence != nil {
			confidence = *meta.Confidence
		}
		now := s.timestamp()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO calendar_links (
				id, item_id, status, parse_model, parse_confidence, parse_tokens, parse_cost_usd,
				parsed_blob_id, created_at, updated_at
			) VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?);
		`, id, itemID, meta.Model, confidence, meta.Tokens, meta.CostUSD, nullIfEmpty(meta.ParsedBlobID), now, now)
		if err != nil {
			return fmt.Errorf("insert calendar link: %w", err)
		}
		return s.appendEventTx(ctx, tx, &itemID, EventLinkRecorded, "calendar link pending", map[string]any{"link_id": id})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateLinkStatus moves a link along its state machine. A link can only
// become success with a confirmed external event id.
func (s *Store) UpdateLinkStatus(ctx context.Context, linkID string, up LinkUpdate) error {
	if err := s.updateLinkStatus(ctx, linkID, up); err != nil {
		return s.noteItemError(ctx, s.ownerOf(ctx, "calendar_links", linkID), "update_link_status", err)
	}
	return nil
}

func (s *Store) updateLinkStatus(ctx context.Context, linkID string, up LinkUpdate) error {
	if _, err := ParseLinkStatus(string(up.Status)); err != nil {
		return err
	}
	up.EventID = strings.TrimSpace(up.EventID)
	if up.Status == LinkStatusSuccess && up.EventID == "" {
		return validationf("event_id", "required when status is success")
	}
	if up.Status == LinkStatusFailed && strings.TrimSpace(up.Error) == "" {
		return validationf("error", "required when status is failed")
	}
	var itemID string
	var from LinkStatus
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT item_id, status FROM calendar_links WHERE id = ?;`, linkID).Scan(&itemID, &from)
		if errors.Is(err, sql.ErrNoRows) {
			return &ReferenceError{Entity: "calendar link", ID: linkID}
		}
		if err != nil {
			return fmt.Errorf("load calendar link: %w", err)
		}
		if !canTransitionLink(from, up.Status) {
			return &InvalidStateError{Entity: "calendar link", ID: linkID, State: string(from), Op: "move to " + string(up.Status)}
		}
		if up.ResponseBlobID != "" {
			if err := requireRef(ctx, tx, "blob", "blobs", up.ResponseBlobID); err != nil {
				return err
			}
		}
		now := s.timestamp()
		var insertedAt any
		if up.Status == LinkStatusSuccess {
			insertedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE calendar_links SET
				status = ?,
				event_id = COALESCE(?, event_id),
				html_link = CASE WHEN ? <> '' THEN ? ELSE html_link END,
				inserted_at = COALESCE(?, inserted_at),
				error_message = ?,
				response_blob_id = COALESCE(?, response_blob_id),
				updated_at = ?
			WHERE id = ?;
		`, up.Status, nullIfEmpty(up.EventID), up.HTMLLink, up.HTMLLink, insertedAt, up.Error,
			nullIfEmpty(up.ResponseBlobID), now, linkID)
		if err != nil {
			return fmt.Errorf("update calendar link: %w", err)
		}
		return s.appendEventTx(ctx, tx, &itemID, EventLinkUpdated, fmt.Sprintf("calendar link %s -> %s", from, up.Status),
			map[string]any{"link_id": linkID, "from": from, "to": up.Status, "event_id": up.EventID, "error": up.Error})
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicLinkStatusChanged, bus.LinkStatusEvent{
		LinkID: linkID, ItemID: itemID, OldStatus: string(from), NewStatus: string(up.Status), EventID: up.EventID,
	})
	return nil
}

func (s *Store) GetCalendarLink(ctx context.Context, id string) (CalendarLink, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, selectLink+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return CalendarLink{}, &ReferenceError{Entity: "calendar link", ID: id}
	}
	return l, err
}

// ItemLinks lists every link sourced from an item, oldest first.
func (s *Store) ItemLinks(ctx context.Context, itemID string) ([]CalendarLink, error) {
	return s.queryLinks(ctx, selectLink+` WHERE item_id = ? ORDER BY created_at, id;`, itemID)
}

// StalePendingLinks returns links still pending after olderThan. They mark
// collaborator crashes between the two phases and are left for an external
// reconciliation job.
func (s *Store) StalePendingLinks(ctx context.Context, olderThan time.Duration) ([]CalendarLink, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	return s.queryLinks(ctx, selectLink+` WHERE status = 'pending' AND created_at < ? ORDER BY created_at, id;`, cutoff)
}

const selectLink = `SELECT id, item_id, event_id, html_link, status, inserted_at, error_message, parse_model,
	parse_confidence, parse_tokens, parse_cost_usd, parsed_blob_id, response_blob_id, created_at, updated_at
	FROM calendar_links`

func (s *Store) queryLinks(ctx context.Context, query string, args ...any) ([]CalendarLink, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calendar links: %w", err)
	}
	defer rows.Close()
	var out []CalendarLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLink(row rowScanner) (CalendarLink, error) {
	var (
		l                                 CalendarLink
		eventID, parsedBlob, responseBlob sql.NullString
		inserted                          sql.NullString
		confidence                        sql.NullFloat64
		created, updated                  string
	)
	if err := row.Scan(&l.ID, &l.ItemID, &eventID, &l.HTMLLink, &l.Status, &inserted, &l.ErrorMessage, &l.ParseModel,
		&confidence, &l.ParseTokens, &l.ParseCostUSD, &parsedBlob, &responseBlob, &created, &updated); err != nil {
		return CalendarLink{}, err
	}
	l.EventID = nullableString(eventID)
	l.ParsedBlobID = nullableString(parsedBlob)
	l.ResponseBlobID = nullableString(responseBlob)
	if confidence.Valid {
		c := confidence.Float64
		l.ParseConfidence = &c
	}
	var err error
	if l.InsertedAt, err = parseNullTime(inserted); err != nil {
		return CalendarLink{}, err
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return CalendarLink{}, err
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return CalendarLink{}, err
	}
	return l, nil
}

// Attendee is one invitee of a cached calendar event.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
	Organizer      bool   `json:"organizer,omitempty"`
}

// Reminders mirrors the provider's reminder settings.
type Reminders struct {
	UseDefault bool               `json:"use_default"`
	Overrides  []ReminderOverride `json:"overrides,omitempty"`
}

type ReminderOverride struct {
	Method  string `json:"method"`
	Minutes int    `json:"minutes"`
}

// CalendarEvent is the local cache of an event in the external calendar.
type CalendarEvent struct {
	EventID           string     `json:"event_id"`
	Summary           string     `json:"summary"`
	Description       string     `json:"description"`
	Location          string     `json:"location"`
	Start             *time.Time `json:"start,omitempty"`
	StartTimeZone     string     `json:"start_time_zone,omitempty"`
	End               *time.Time `json:"end,omitempty"`
	EndTimeZone       string     `json:"end_time_zone,omitempty"`
	AllDay            bool       `json:"all_day"`
	Status            string     `json:"status,omitempty"`
	EventType         string     `json:"event_type,omitempty"`
	CreatorEmail      string     `json:"creator_email,omitempty"`
	OrganizerEmail    string     `json:"organizer_email,omitempty"`
	Attendees         []Attendee `json:"attendees,omitempty"`
	Recurrence        []string   `json:"recurrence,omitempty"`
	RecurringEventID  string     `json:"recurring_event_id,omitempty"`
	Visibility        string     `json:"visibility,omitempty"`
	Transparency      string     `json:"transparency,omitempty"`
	Reminders         Reminders  `json:"reminders"`
	ICalUID           string     `json:"ical_uid,omitempty"`
	ProviderCreatedAt *time.Time `json:"provider_created_at,omitempty"`
	ProviderUpdatedAt *time.Time `json:"provider_updated_at,omitempty"`
	ETag              string     `json:"etag,omitempty"`
	Sequence          int64      `json:"sequence"`
	BlobID            string     `json:"blob_id,omitempty"`
	IngestedAt        time.Time  `json:"ingested_at"`
}

// UpsertCalendarEvent refreshes the cache entry for ev.EventID. An incoming
// sequence older than the stored one is ignored so a late report cannot
// regress a newer update; applied reports whether the row was written.
func (s *Store) UpsertCalendarEvent(ctx context.Context, ev CalendarEvent) (applied bool, err error) {
	ev.EventID = strings.TrimSpace(ev.EventID)
	if ev.EventID == "" {
		return false, validationf("event_id", "required")
	}
	if ev.Sequence < 0 {
		return false, validationf("sequence", "must be non-negative")
	}
	if ev.Start != nil && ev.End != nil && ev.End.Before(*ev.Start) {
		return false, validationf("end", "before start")
	}
	if ev.Attendees == nil {
		ev.Attendees = []Attendee{}
	}
	if ev.Recurrence == nil {
		ev.Recurrence = []string{}
	}
	attendees, err := json.Marshal(ev.Attendees)
	if err != nil {
		return false, fmt.Errorf("encode attendees: %w", err)
	}
	recurrence, err := json.Marshal(ev.Recurrence)
	if err != nil {
		return false, fmt.Errorf("encode recurrence: %w", err)
	}
	reminders, err := json.Marshal(ev.Reminders)
	if err != nil {
		return false, fmt.Errorf("encode reminders: %w", err)
	}
	vec := searchindex.Build(searchindex.ProfileFor(""), strings.Join([]string{ev.Summary, ev.Description, ev.Location}, " "), searchindex.WeightA)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		applied = false
		if ev.BlobID != "" {
			if err := requireRef(ctx, tx, "blob", "blobs", ev.BlobID); err != nil {
				return err
			}
		}
		var stored int64
		err := tx.QueryRowContext(ctx, `SELECT sequence FROM calendar_events WHERE event_id = ?;`, ev.EventID).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("load cached event: %w", err)
		case ev.Sequence < stored:
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO calendar_events (
				event_id, summary, description, location, start_at, start_tz, end_at, end_tz, all_day,
				status, event_type, creator_email, organizer_email, attendees, recurrence, recurring_event_id,
				visibility, transparency, reminders, ical_uid, provider_created_at, provider_updated_at,
				etag, sequence, blob_id, search_vec, ingested_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO UPDATE SET
				summary = excluded.summary,
				description = excluded.description,
				location = excluded.location,
				start_at = excluded.start_at,
				start_tz = excluded.start_tz,
				end_at = excluded.end_at,
				end_tz = excluded.end_tz,
				all_day = excluded.all_day,
				status = excluded.status,
				event_type = excluded.event_type,
				creator_email = excluded.creator_email,
				organizer_email = excluded.organizer_email,
				attendees = excluded.attendees,
				recurrence = excluded.recurrence,
				recurring_event_id = excluded.recurring_event_id,
				visibility = excluded.visibility,
				transparency = excluded.transparency,
				reminders = excluded.reminders,
				ical_uid = excluded.ical_uid,
				provider_created_at = excluded.provider_created_at,
				provider_updated_at = excluded.provider_updated_at,
				etag = excluded.etag,
				sequence = excluded.sequence,
				blob_id = excluded.blob_id,
				search_vec = excluded.search_vec,
				ingested_at = excluded.ingested_at;
		`, ev.EventID, ev.Summary, ev.Description, ev.Location, nullTime(ev.Start), ev.StartTimeZone, nullTime(ev.End), ev.EndTimeZone,
			boolToInt(ev.AllDay), ev.Status, ev.EventType, ev.CreatorEmail, ev.OrganizerEmail, string(attendees), string(recurrence),
			ev.RecurringEventID, ev.Visibility, ev.Transparency, string(reminders), ev.ICalUID,
			nullTime(ev.ProviderCreatedAt), nullTime(ev.ProviderUpdatedAt), ev.ETag, ev.Sequence, nullIfEmpty(ev.BlobID),
			vec.String(), s.timestamp())
		if err != nil {
			return fmt.Errorf("upsert calendar event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendar_event_terms WHERE event_id = ?;`, ev.EventID); err != nil {
			return fmt.Errorf("clear calendar event terms: %w", err)
		}
		for _, lx := range vec {
			if _, err := tx.ExecContext(ctx, `INSERT INTO calendar_event_terms (event_id, term, positions) VALUES (?, ?, ?);`,
				ev.EventID, lx.Term, searchindex.FormatPositions(lx.Positions)); err != nil {
				return fmt.Errorf("insert calendar event term: %w", err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) GetCalendarEvent(ctx context.Context, eventID string) (CalendarEvent, error) {
	ev, err := scanCalendarEvent(s.db.QueryRowContext(ctx, selectCalendarEvent+` WHERE event_id = ?;`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return CalendarEvent{}, &ReferenceError{Entity: "calendar event", ID: eventID}
	}
	return ev, err
}

const selectCalendarEvent = `SELECT event_id, summary, description, location, start_at, start_tz, end_at, end_tz, all_day,
	status, event_type, creator_email, organizer_email, attendees, recurrence, recurring_event_id,
	visibility, transparency, reminders, ical_uid, provider_created_at, provider_updated_at,
	etag, sequence, blob_id, ingested_at
	FROM calendar_events`

func scanCalendarEvent(row rowScanner) (CalendarEvent, error) {
	var (
		ev                               CalendarEvent
		start, end, pCreated, pUpdated   sql.NullString
		blob                             sql.NullString
		attendees, recurrence, reminders string
		ingested                         string
		allDay                           int
	)
	if err := row.Scan(&ev.EventID, &ev.Summary, &ev.Description, &ev.Location, &start, &ev.StartTimeZone, &end, &ev.EndTimeZone, &allDay,
		&ev.Status, &ev.EventType, &ev.CreatorEmail, &ev.OrganizerEmail, &attendees, &recurrence, &ev.RecurringEventID,
		&ev.Visibility, &ev.Transparency, &reminders, &ev.ICalUID, &pCreated, &pUpdated,
		&ev.ETag, &ev.Sequence, &blob, &ingested); err != nil {
		return CalendarEvent{}, err
	}
	ev.AllDay = allDay == 1
	ev.BlobID = blob.String
	if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
		return CalendarEvent{}, fmt.Errorf("decode attendees: %w", err)
	}
	if err := json.Unmarshal([]byte(recurrence), &ev.Recurrence); err != nil {
		return CalendarEvent{}, fmt.Errorf("decode recurrence: %w", err)
	}
	if err := json.Unmarshal([]byte(reminders), &ev.Reminders); err != nil {
		return CalendarEvent{}, fmt.Errorf("decode reminders: %w", err)
	}
	var err error
	for _, f := range []struct {
		raw sql.NullString
		dst **time.Time
	}{{start, &ev.Start}, {end, &ev.End}, {pCreated, &ev.ProviderCreatedAt}, {pUpdated, &ev.ProviderUpdatedAt}} {
		if *f.dst, err = parseNullTime(f.raw); err != nil {
			return CalendarEvent{}, err
		}
	}
	if ev.IngestedAt, err = parseTime(ingested); err != nil {
		return CalendarEvent{}, err
	}
	return ev, nil
}

// SearchCalendarEvents runs a term query over cached event summaries,
// descriptions and locations.
func (s *Store) SearchCalendarEvents(ctx context.Context, query string, limit int) ([]CalendarEvent, error) {
	q, err := searchindex.ParseQuery(query)
	if err != nil {
		return nil, validationf("query", "%v", err)
	}
	m := q.Compile(searchindex.SimpleProfile)
	terms := m.Terms()
	postings, err := loadPostings(ctx, s.db, `SELECT event_id, term, positions FROM calendar_event_terms WHERE term IN (`+placeholders(len(terms))+`);`, toArgs(terms))
	if err != nil {
		return nil, err
	}
	ranked := rankPostings(m, postings)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]CalendarEvent, 0, len(ranked))
	for _, r := range ranked {
		ev, err := s.GetCalendarEvent(ctx, r.id)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
