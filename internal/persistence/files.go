package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// File is a physical artifact registered against an item.
type File struct {
	ID           string    `json:"id"`
	ItemID       string    `json:"item_id"`
	Role         FileRole  `json:"role"`
	AbsolutePath string    `json:"absolute_path"`
	RelativePath string    `json:"relative_path"`
	Mime         string    `json:"mime"`
	Bytes        int64     `json:"bytes"`
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"created_at"`
	IsDeleted    bool      `json:"is_deleted"`
}

// FileSpec describes a file to attach.
type FileSpec struct {
	Role         FileRole
	AbsolutePath string
	RelativePath string
	Mime         string
	Bytes        int64
	Hash         string
}

// AttachFile registers a file for an item and returns the file id.
func (s *Store) AttachFile(ctx context.Context, itemID string, spec FileSpec) (string, error) {
	v, err := s.attachFile(ctx, itemID, spec)
	return v, s.noteItemError(ctx, itemID, "attach_file", err)
}

func (s *Store) attachFile(ctx context.Context, itemID string, spec FileSpec) (string, error) {
	if _, err := ParseFileRole(string(spec.Role)); err != nil {
		return "", err
	}
	if spec.AbsolutePath == "" {
		return "", validationf("absolute_path", "required")
	}
	if !filepath.IsAbs(spec.AbsolutePath) {
		return "", validationf("absolute_path", "%q is not absolute", spec.AbsolutePath)
	}
	if spec.Bytes < 0 {
		return "", validationf("bytes", "must be non-negative")
	}
	id := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "item", "items", itemID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (id, item_id, role, absolute_path, relative_path, mime, bytes, hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, itemID, spec.Role, spec.AbsolutePath, spec.RelativePath, spec.Mime, spec.Bytes, spec.Hash, s.timestamp())
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
		return s.appendEventTx(ctx, tx, &itemID, EventFileAttached, "file attached",
			map[string]any{"file_id": id, "role": spec.Role, "path": spec.AbsolutePath})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteFile soft-deletes one file independently of its item.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	if err := s.deleteFile(ctx, fileID); err != nil {
		return s.noteItemError(ctx, s.ownerOf(ctx, "files", fileID), "delete_file", err)
	}
	return nil
}

func (s *Store) deleteFile(ctx context.Context, fileID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var itemID string
		var deleted int
		err := tx.QueryRowContext(ctx, `SELECT item_id, is_deleted FROM files WHERE id = ?;`, fileID).Scan(&itemID, &deleted)
		if errors.Is(err, sql.ErrNoRows) {
			return &ReferenceError{Entity: "file", ID: fileID}
		}
		if err != nil {
			return fmt.Errorf("load file: %w", err)
		}
		if deleted == 1 {
			return &InvalidStateError{Entity: "file", ID: fileID, State: "deleted", Op: "delete"}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE files SET is_deleted = 1 WHERE id = ?;`, fileID); err != nil {
			return fmt.Errorf("delete file: %w", err)
		}
		return s.appendEventTx(ctx, tx, &itemID, EventFileDeleted, "file deleted", map[string]any{"file_id": fileID})
	})
}

// ListFiles returns the files of an item, oldest first.
func (s *Store) ListFiles(ctx context.Context, itemID string, includeDeleted bool) ([]File, error) {
	query := `SELECT id, item_id, role, absolute_path, relative_path, mime, bytes, hash, created_at, is_deleted
		FROM files WHERE item_id = ?`
	if !includeDeleted {
		query += ` AND is_deleted = 0`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at, id;`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var (
			f       File
			created string
			deleted int
		)
		if err := rows.Scan(&f.ID, &f.ItemID, &f.Role, &f.AbsolutePath, &f.RelativePath, &f.Mime, &f.Bytes, &f.Hash, &created, &deleted); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if f.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		f.IsDeleted = deleted == 1
		out = append(out, f)
	}
	return out, rows.Err()
}
