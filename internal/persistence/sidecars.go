package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EmailSidecar carries the mail-specific fields of an email item.
type EmailSidecar struct {
	ItemID         string   `json:"item_id"`
	MessageID      string   `json:"message_id"`
	ThreadID       string   `json:"thread_id"`
	FromAddress    string   `json:"from_address"`
	FromName       string   `json:"from_name"`
	To             []string `json:"to_addresses"`
	Cc             []string `json:"cc_addresses"`
	InReplyTo      string   `json:"in_reply_to"`
	References     []string `json:"references"`
	Labels         []string `json:"labels"`
	HasAttachments bool     `json:"has_attachments"`
}

// DriveSidecar carries the drive-specific fields of a file item.
type DriveSidecar struct {
	ItemID         string     `json:"item_id"`
	FileID         string     `json:"file_id"`
	MimeType       string     `json:"mime_type"`
	ParentFolderID string     `json:"parent_folder_id"`
	WebViewLink    string     `json:"web_view_link"`
	MD5Checksum    string     `json:"md5_checksum"`
	ModifiedTime   *time.Time `json:"modified_time,omitempty"`
	OwnerEmail     string     `json:"owner_email"`
}

func jsonList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AttachEmailSidecar stores or replaces the email sidecar of an item.
func (s *Store) AttachEmailSidecar(ctx context.Context, sc EmailSidecar) error {
	return s.noteItemError(ctx, sc.ItemID, "attach_email_sidecar", s.attachEmailSidecar(ctx, sc))
}

func (s *Store) attachEmailSidecar(ctx context.Context, sc EmailSidecar) error {
	lists := make([]string, 4)
	for i, v := range [][]string{sc.To, sc.Cc, sc.References, sc.Labels} {
		enc, err := jsonList(v)
		if err != nil {
			return fmt.Errorf("encode email sidecar: %w", err)
		}
		lists[i] = enc
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "item", "items", sc.ItemID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO email_sidecars (
				item_id, message_id, thread_id, from_address, from_name, to_addresses, cc_addresses,
				in_reply_to, reference_ids, labels, has_attachments, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(item_id) DO UPDATE SET
				message_id = excluded.message_id,
				thread_id = excluded.thread_id,
				from_address = excluded.from_address,
				from_name = excluded.from_name,
				to_addresses = excluded.to_addresses,
				cc_addresses = excluded.cc_addresses,
				in_reply_to = excluded.in_reply_to,
				reference_ids = excluded.reference_ids,
				labels = excluded.labels,
				has_attachments = excluded.has_attachments,
				updated_at = excluded.updated_at;
		`, sc.ItemID, sc.MessageID, sc.ThreadID, sc.FromAddress, sc.FromName, lists[0], lists[1],
			sc.InReplyTo, lists[2], lists[3], boolToInt(sc.HasAttachments), s.timestamp())
		if err != nil {
			return fmt.Errorf("upsert email sidecar: %w", err)
		}
		return s.appendEventTx(ctx, tx, &sc.ItemID, EventSidecarAttached, "email sidecar attached",
			map[string]any{"sidecar": "email", "message_id": sc.MessageID})
	})
}

// AttachDriveSidecar stores or replaces the drive sidecar of an item.
func (s *Store) AttachDriveSidecar(ctx context.Context, sc DriveSidecar) error {
	return s.noteItemError(ctx, sc.ItemID, "attach_drive_sidecar", s.attachDriveSidecar(ctx, sc))
}

func (s *Store) attachDriveSidecar(ctx context.Context, sc DriveSidecar) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "item", "items", sc.ItemID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO drive_sidecars (
				item_id, file_id, mime_type, parent_folder_id, web_view_link, md5_checksum,
				modified_time, owner_email, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(item_id) DO UPDATE SET
				file_id = excluded.file_id,
				mime_type = excluded.mime_type,
				parent_folder_id = excluded.parent_folder_id,
				web_view_link = excluded.web_view_link,
				md5_checksum = excluded.md5_checksum,
				modified_time = excluded.modified_time,
				owner_email = excluded.owner_email,
				updated_at = excluded.updated_at;
		`, sc.ItemID, sc.FileID, sc.MimeType, sc.ParentFolderID, sc.WebViewLink, sc.MD5Checksum,
			nullTime(sc.ModifiedTime), sc.OwnerEmail, s.timestamp())
		if err != nil {
			return fmt.Errorf("upsert drive sidecar: %w", err)
		}
		return s.appendEventTx(ctx, tx, &sc.ItemID, EventSidecarAttached, "drive sidecar attached",
			map[string]any{"sidecar": "drive", "file_id": sc.FileID})
	})
}

func (s *Store) GetEmailSidecar(ctx context.Context, itemID string) (EmailSidecar, error) {
	var (
		sc                   EmailSidecar
		to, cc, refs, labels string
		attach               int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, message_id, thread_id, from_address, from_name, to_addresses, cc_addresses,
			in_reply_to, reference_ids, labels, has_attachments
		FROM email_sidecars WHERE item_id = ?;
	`, itemID).Scan(&sc.ItemID, &sc.MessageID, &sc.ThreadID, &sc.FromAddress, &sc.FromName, &to, &cc,
		&sc.InReplyTo, &refs, &labels, &attach)
	if errors.Is(err, sql.ErrNoRows) {
		return EmailSidecar{}, &ReferenceError{Entity: "email sidecar", ID: itemID}
	}
	if err != nil {
		return EmailSidecar{}, fmt.Errorf("get email sidecar: %w", err)
	}
	for _, pair := range []struct {
		raw string
		dst *[]string
	}{{to, &sc.To}, {cc, &sc.Cc}, {refs, &sc.References}, {labels, &sc.Labels}} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return EmailSidecar{}, fmt.Errorf("decode email sidecar: %w", err)
		}
	}
	sc.HasAttachments = attach == 1
	return sc, nil
}

func (s *Store) GetDriveSidecar(ctx context.Context, itemID string) (DriveSidecar, error) {
	var (
		sc       DriveSidecar
		modified sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, file_id, mime_type, parent_folder_id, web_view_link, md5_checksum, modified_time, owner_email
		FROM drive_sidecars WHERE item_id = ?;
	`, itemID).Scan(&sc.ItemID, &sc.FileID, &sc.MimeType, &sc.ParentFolderID, &sc.WebViewLink, &sc.MD5Checksum, &modified, &sc.OwnerEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return DriveSidecar{}, &ReferenceError{Entity: "drive sidecar", ID: itemID}
	}
	if err != nil {
		return DriveSidecar{}, fmt.Errorf("get drive sidecar: %w", err)
	}
	if sc.ModifiedTime, err = parseNullTime(modified); err != nil {
		return DriveSidecar{}, err
	}
	return sc, nil
}
