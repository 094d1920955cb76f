package mailparse

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const multipartMsg = "From: \"Ada Lovelace\" <Ada@Example.com>\r\n" +
	"To: bob@example.com, Carol <carol@example.com>\r\n" +
	"Cc: dave@example.com\r\n" +
	"Subject: =?utf-8?q?Lunch_plans_=E2=98=95?=\r\n" +
	"Date: Tue, 02 Jan 2024 10:30:00 +0100\r\n" +
	"Message-Id: <m2@example.com>\r\n" +
	"In-Reply-To: <m1@example.com>\r\n" +
	"References: <m0@example.com> <m1@example.com>\r\n" +
	"X-Gmail-Labels: Inbox, Important,\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=outer\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=inner\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Noon at the usual place?\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Noon at the <b>usual</b> place?</p>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: text/calendar\r\n" +
	"Content-Disposition: attachment; filename=invite.ics\r\n" +
	"\r\n" +
	"BEGIN:VCALENDAR\r\n" +
	"--outer--\r\n"

func TestParse_Multipart(t *testing.T) {
	msg, err := Parse(strings.NewReader(multipartMsg))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MessageID != "m2@example.com" || msg.InReplyTo != "m1@example.com" {
		t.Fatalf("unexpected ids %q %q", msg.MessageID, msg.InReplyTo)
	}
	if msg.ThreadID() != "m0@example.com" {
		t.Fatalf("expected thread root m0, got %q", msg.ThreadID())
	}
	if msg.Subject != "Lunch plans ☕" {
		t.Fatalf("expected decoded subject, got %q", msg.Subject)
	}
	if msg.From.Address != "ada@example.com" || msg.From.Name != "Ada Lovelace" {
		t.Fatalf("unexpected from %+v", msg.From)
	}
	if len(msg.To) != 2 || msg.To[1].Address != "carol@example.com" || len(msg.Cc) != 1 {
		t.Fatalf("unexpected recipients to=%+v cc=%+v", msg.To, msg.Cc)
	}
	if !msg.Date.Equal(time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date %v", msg.Date)
	}
	if len(msg.Labels) != 2 || msg.Labels[1] != "Important" {
		t.Fatalf("unexpected labels %v", msg.Labels)
	}
	if msg.Body() != "Noon at the usual place?" {
		t.Fatalf("expected plain body, got %q", msg.Body())
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "invite.ics" {
		t.Fatalf("unexpected attachments %+v", msg.Attachments)
	}
}

func TestParse_HTMLOnlyAndMissingID(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: hi\r\nContent-Type: text/html\r\n\r\n" +
		"<style>p{}</style><p>Hello&nbsp;<i>there</i> &amp; welcome</p>\r\n"
	msg, err := Parse(strings.NewReader(raw))
	if !errors.Is(err, ErrNoMessageID) {
		t.Fatalf("expected ErrNoMessageID, got %v", err)
	}
	if msg == nil || msg.Body() != "Hello there & welcome" {
		t.Fatalf("expected stripped html body, got %+v", msg)
	}
	if msg.ThreadID() != "" {
		t.Fatalf("expected empty thread id, got %q", msg.ThreadID())
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"plain", "plain"},
		{"<div>a</div><div>b</div>", "a b"},
		{"<script>alert(1)</script>ok", "ok"},
		{"x &lt;y&gt; &quot;z&quot;", `x <y> "z"`},
	}
	for _, tt := range tests {
		if got := StripHTML(tt.in); got != tt.want {
			t.Errorf("StripHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
