package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DiaryEvent pairs a live diary item with a calendar event it produced.
// Event fields are empty when the cache has not seen the event yet.
type DiaryEvent struct {
	ItemID      string     `json:"item_id"`
	Provider    Provider   `json:"provider"`
	Title       string     `json:"title"`
	OccurredAt  time.Time  `json:"occurred_at"`
	LinkID      string     `json:"link_id"`
	EventID     string     `json:"event_id"`
	HTMLLink    string     `json:"html_link,omitempty"`
	InsertedAt  *time.Time `json:"inserted_at,omitempty"`
	Cached      bool       `json:"cached"`
	Summary     string     `json:"summary,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       *time.Time `json:"start,omitempty"`
	End         *time.Time `json:"end,omitempty"`
	AllDay      bool       `json:"all_day"`
	EventStatus string     `json:"event_status,omitempty"`
}

// CombinedFilter narrows the combined view. Zero fields are ignored.
type CombinedFilter struct {
	ItemID   string
	EventID  string
	From, To time.Time // item occurred_at range, To exclusive
	Limit    int
}

// DiaryCalendar joins live items with their successful calendar links and
// the cached event each link points at, oldest item first.
func (s *Store) DiaryCalendar(ctx context.Context, f CombinedFilter) ([]DiaryEvent, error) {
	clauses := []string{"i.is_deleted = 0", "l.status = 'success'"}
	var args []any
	if f.ItemID != "" {
		clauses = append(clauses, "i.id = ?")
		args = append(args, f.ItemID)
	}
	if f.EventID != "" {
		clauses = append(clauses, "l.event_id = ?")
		args = append(args, f.EventID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "i.occurred_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "i.occurred_at < ?")
		args = append(args, formatTime(f.To))
	}
	query := `
		SELECT i.id, i.provider, i.title, i.occurred_at, l.id, l.event_id, l.html_link, l.inserted_at,
			e.event_id IS NOT NULL, COALESCE(e.summary, ''), COALESCE(e.location, ''), e.start_at, e.end_at,
			COALESCE(e.all_day, 0), COALESCE(e.status, '')
		FROM items i
		JOIN calendar_links l ON l.item_id = i.id
		LEFT JOIN calendar_events e ON e.event_id = l.event_id
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY i.occurred_at, i.id, l.created_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query combined view: %w", err)
	}
	defer rows.Close()
	var out []DiaryEvent
	for rows.Next() {
		var (
			d                    DiaryEvent
			occurred             string
			inserted, start, end sql.NullString
			cached, allDay       int
		)
		if err := rows.Scan(&d.ItemID, &d.Provider, &d.Title, &occurred, &d.LinkID, &d.EventID, &d.HTMLLink, &inserted,
			&cached, &d.Summary, &d.Location, &start, &end, &allDay, &d.EventStatus); err != nil {
			return nil, fmt.Errorf("scan combined row: %w", err)
		}
		d.Cached = cached == 1
		d.AllDay = allDay == 1
		if d.OccurredAt, err = parseTime(occurred); err != nil {
			return nil, err
		}
		if d.InsertedAt, err = parseNullTime(inserted); err != nil {
			return nil, err
		}
		if d.Start, err = parseNullTime(start); err != nil {
			return nil, err
		}
		if d.End, err = parseNullTime(end); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// EventsForItem traces a diary item to the calendar events it produced.
func (s *Store) EventsForItem(ctx context.Context, itemID string) ([]DiaryEvent, error) {
	if itemID == "" {
		return nil, validationf("item_id", "required")
	}
	return s.DiaryCalendar(ctx, CombinedFilter{ItemID: itemID})
}

// ItemsForEvent traces a calendar event back to the diary items behind it.
func (s *Store) ItemsForEvent(ctx context.Context, eventID string) ([]DiaryEvent, error) {
	if eventID == "" {
		return nil, validationf("event_id", "required")
	}
	return s.DiaryCalendar(ctx, CombinedFilter{EventID: eventID})
}
