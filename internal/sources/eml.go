package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/go-diary/internal/mailparse"
	"github.com/basket/go-diary/internal/persistence"
	"github.com/basket/go-diary/internal/sweep"
)

// EMLDir reads exported .eml messages. Messages are keyed by Message-Id;
// messages without one are deduplicated by body hash only.
type EMLDir struct {
	name     string
	dir      string
	provider persistence.Provider
}

func NewEMLDir(name, dir string, provider persistence.Provider) *EMLDir {
	return &EMLDir{name: name, dir: dir, provider: provider}
}

func (d *EMLDir) Name() string                   { return d.name }
func (d *EMLDir) Provider() persistence.Provider { return d.provider }

func (d *EMLDir) Fetch(ctx context.Context) ([]sweep.Record, error) {
	entries, err := walk(d.dir, func(ext string) bool { return ext == ".eml" })
	if err != nil {
		return nil, err
	}
	out := make([]sweep.Record, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, d.record(e))
	}
	return out, nil
}

func (d *EMLDir) record(e dirEntry) sweep.Record {
	rec := sweep.Record{Item: persistence.IngestRequest{Provider: d.provider, Kind: persistence.ItemKindEmail}}
	data, hash, err := readFile(e)
	if err != nil {
		rec.Err = fmt.Errorf("read %s: %w", e.rel, err)
		return rec
	}
	msg, err := mailparse.Parse(bytes.NewReader(data))
	if err != nil && !errors.Is(err, mailparse.ErrNoMessageID) {
		rec.Err = fmt.Errorf("parse %s: %w", e.rel, err)
		return rec
	}

	body := msg.Body()
	size := e.info.Size()
	occurred := msg.Date.UTC()
	if msg.Date.IsZero() {
		occurred = e.info.ModTime().UTC()
	}
	rec.Item.ExternalID = msg.MessageID
	rec.Item.OccurredAt = occurred
	rec.Item.Subject = &msg.Subject
	rec.Item.ContentText = &body
	rec.Item.ContentHash = ptr(hashBytes([]byte(body)))
	rec.Item.Bytes = &size
	if msg.MessageID != "" {
		rec.Item.ExternalThreadID = ptr(msg.ThreadID())
	}

	sc := &persistence.EmailSidecar{
		MessageID:      msg.MessageID,
		ThreadID:       msg.ThreadID(),
		FromAddress:    msg.From.Address,
		FromName:       msg.From.Name,
		InReplyTo:      msg.InReplyTo,
		References:     msg.References,
		Labels:         msg.Labels,
		HasAttachments: len(msg.Attachments) > 0,
	}
	for _, a := range msg.To {
		sc.To = append(sc.To, a.Address)
	}
	for _, a := range msg.Cc {
		sc.Cc = append(sc.Cc, a.Address)
	}
	rec.Email = sc
	rec.Files = []persistence.FileSpec{{
		Role:         persistence.FileRoleOriginal,
		AbsolutePath: e.abs,
		RelativePath: e.rel,
		Mime:         "message/rfc822",
		Bytes:        size,
		Hash:         hash,
	}}
	rec.Raw, _ = json.Marshal(msg)
	return rec
}
