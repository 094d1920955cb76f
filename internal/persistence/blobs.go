package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Blob is a verbatim provider payload kept for provenance. Never parsed.
type Blob struct {
	ID        string          `json:"id"`
	Provider  Provider        `json:"provider"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PutBlob stores payload and returns the new blob id. Blobs are write-once.
func (s *Store) PutBlob(ctx context.Context, provider Provider, payload []byte) (string, error) {
	if _, err := ParseProvider(string(provider)); err != nil {
		return "", err
	}
	if !json.Valid(payload) {
		return "", validationf("payload", "not well-formed JSON")
	}
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.putBlobTx(ctx, tx, provider, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) putBlobTx(ctx context.Context, tx *sql.Tx, provider Provider, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := tx.ExecContext(ctx, `INSERT INTO blobs (id, provider, payload, created_at) VALUES (?, ?, ?, ?);`,
		id, provider, string(payload), s.timestamp())
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return id, nil
}

func (s *Store) GetBlob(ctx context.Context, id string) (Blob, error) {
	var (
		b       Blob
		payload string
		created string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, provider, payload, created_at FROM blobs WHERE id = ?;`, id).
		Scan(&b.ID, &b.Provider, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, &ReferenceError{Entity: "blob", ID: id}
	}
	if err != nil {
		return Blob{}, fmt.Errorf("get blob: %w", err)
	}
	b.Payload = json.RawMessage(payload)
	if b.CreatedAt, err = parseTime(created); err != nil {
		return Blob{}, err
	}
	return b, nil
}
