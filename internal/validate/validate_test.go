package validate

import (
	"errors"
	"strings"
	"testing"

	"github.com/basket/go-diary/internal/persistence"
)

func TestNew_CompilesAllSchemas(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, name := range []string{Item, EmailSidecar, DriveSidecar, File, Tags, Duplicate, Link,
		LinkUpdate, CalendarEvent, Usage, Session, SessionItem, Account} {
		if _, ok := v.schemas[name]; !ok {
			t.Errorf("schema %s not compiled", name)
		}
	}
}

func TestDecode(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tests := []struct {
		name   string
		schema string
		body   string
		field  string // empty means valid
	}{
		{"valid item", Item, `{"provider":"manual","occurred_at":"2024-01-01T10:00:00Z","kind":"note","title":"x"}`, ""},
		{"missing kind", Item, `{"provider":"manual","occurred_at":"2024-01-01T10:00:00Z"}`, "body"},
		{"bad provider", Item, `{"provider":"myspace","occurred_at":"2024-01-01T10:00:00Z","kind":"note"}`, "provider"},
		{"bad timestamp", Item, `{"provider":"manual","occurred_at":"yesterday","kind":"note"}`, "occurred_at"},
		{"negative bytes", Item, `{"provider":"manual","occurred_at":"2024-01-01T10:00:00Z","kind":"note","bytes":-1}`, "bytes"},
		{"unknown field", Item, `{"provider":"manual","occurred_at":"2024-01-01T10:00:00Z","kind":"note","color":"red"}`, "body"},
		{"malformed", Item, `{"provider":`, "body"},
		{"success needs event", LinkUpdate, `{"status":"success"}`, "body"},
		{"success with event", LinkUpdate, `{"status":"success","event_id":"ev1"}`, ""},
		{"confidence range", Link, `{"parse_confidence":1.5}`, "parse_confidence"},
		{"empty tags", Tags, `{"names":[]}`, "names"},
		{"usage ok", Usage, `{"provider":"openai","model":"gpt-4o-mini","operation":"parse","prompt_tokens":10}`, ""},
		{"attendee email", CalendarEvent, `{"event_id":"e","attendees":[{"display_name":"x"}]}`, "attendees.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst map[string]any
			err := v.Decode(tt.schema, []byte(tt.body), &dst)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			var ve *persistence.ValidationError
			if !errors.As(err, &ve) || !errors.Is(err, persistence.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("expected field %q, got %q (%s)", tt.field, ve.Field, ve.Reason)
			}
			if ve.Reason == "" {
				t.Fatal("expected a reason")
			}
		})
	}
}

func TestDecode_UnknownSchema(t *testing.T) {
	v, _ := New()
	err := v.Decode("nope", []byte(`{}`), &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "unknown schema") {
		t.Fatalf("expected unknown schema error, got %v", err)
	}
}
