// Package mailparse reads RFC 5322 messages into the fields the catalog keeps
// for email items.
package mailparse

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Address is one mailbox from an address header.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Attachment describes a part delivered as a file.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message is a parsed email.
type Message struct {
	MessageID   string       `json:"message_id"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  []string     `json:"references,omitempty"`
	Subject     string       `json:"subject"`
	From        Address      `json:"from"`
	To          []Address    `json:"to,omitempty"`
	Cc          []Address    `json:"cc,omitempty"`
	Date        time.Time    `json:"date"`
	Labels      []string     `json:"labels,omitempty"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ErrNoMessageID is returned for messages without a Message-Id header.
var ErrNoMessageID = errors.New("message has no Message-Id")

// Parse reads one message. A missing Message-Id is reported with
// ErrNoMessageID alongside the parsed message.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &Message{}
	if msg.Subject, err = h.Subject(); err != nil {
		msg.Subject = h.Get("Subject")
	}
	if msg.Date, err = h.Date(); err != nil {
		msg.Date = time.Time{}
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = Address{Name: from[0].Name, Address: strings.ToLower(from[0].Address)}
	}
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
	if id, err := h.MessageID(); err == nil {
		msg.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		msg.References = ids
	}
	msg.Labels = splitLabels(h.Get("X-Gmail-Labels"))

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("read part: %w", err)
		}
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("read %s part: %w", ct, err)
			}
			switch ct {
			case "text/plain", "":
				if msg.Text == "" {
					msg.Text = string(body)
				}
			case "text/html":
				if msg.HTML == "" {
					msg.HTML = string(body)
				}
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			n, err := io.Copy(io.Discard, p.Body)
			if err != nil {
				return nil, fmt.Errorf("read attachment %s: %w", name, err)
			}
			msg.Attachments = append(msg.Attachments, Attachment{Filename: name, ContentType: ct, Size: n})
		}
	}

	if msg.MessageID == "" {
		return msg, ErrNoMessageID
	}
	return msg, nil
}

// ThreadID returns the root of the reply chain: the first reference, the
// parent, or the message itself.
func (m *Message) ThreadID() string {
	switch {
	case len(m.References) > 0:
		return m.References[0]
	case m.InReplyTo != "":
		return m.InReplyTo
	default:
		return m.MessageID
	}
}

// Body returns the plain text body, falling back to the HTML body with tags
// stripped.
func (m *Message) Body() string {
	if strings.TrimSpace(m.Text) != "" {
		return strings.TrimSpace(m.Text)
	}
	return StripHTML(m.HTML)
}

var (
	tagRE   = regexp.MustCompile(`<[^>]*>`)
	blockRE = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
)

var entities = strings.NewReplacer(
	"&nbsp;", " ", "&lt;", "<", "&gt;", ">", "&amp;", "&", "&quot;", `"`, "&#39;", "'",
)

// StripHTML reduces an HTML body to collapsed plain text.
func StripHTML(s string) string {
	s = blockRE.ReplaceAllString(s, " ")
	s = tagRE.ReplaceAllString(s, " ")
	s = entities.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func addresses(h mail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Address: strings.ToLower(a.Address)})
	}
	return out
}

func splitLabels(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, l := range strings.Split(raw, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
