package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is a provider identity items are ingested under.
type Account struct {
	ID                string    `json:"id"`
	Provider          Provider  `json:"provider"`
	DisplayName       string    `json:"display_name"`
	ExternalAccountID string    `json:"external_account_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UpsertAccount registers (provider, externalAccountID) or refreshes its
// display name. The account id never changes once assigned.
func (s *Store) UpsertAccount(ctx context.Context, provider Provider, externalAccountID, displayName string) (Account, error) {
	if _, err := ParseProvider(string(provider)); err != nil {
		return Account{}, err
	}
	externalAccountID = strings.TrimSpace(externalAccountID)
	if externalAccountID == "" {
		return Account{}, validationf("external_account_id", "required")
	}
	var out Account
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, provider, display_name, external_account_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(provider, external_account_id) DO UPDATE SET
				display_name = excluded.display_name,
				updated_at = excluded.updated_at;
		`, uuid.NewString(), provider, displayName, externalAccountID, now, now); err != nil {
			return fmt.Errorf("upsert account: %w", err)
		}
		row := tx.QueryRowContext(ctx, selectAccount+` WHERE provider = ? AND external_account_id = ?;`, provider, externalAccountID)
		acct, err := scanAccount(row)
		if err != nil {
			return err
		}
		out = acct
		return nil
	})
	return out, err
}

// UpdateAccountDisplayName changes the only mutable account attribute.
func (s *Store) UpdateAccountDisplayName(ctx context.Context, id, displayName string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET display_name = ?, updated_at = ? WHERE id = ?;`, displayName, s.timestamp(), id)
		if err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ReferenceError{Entity: "account", ID: id}
		}
		return nil
	})
}

// DeleteAccount removes an account. Items and runs keep existing with their
// account reference cleared.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRef(ctx, tx, "account", "accounts", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE items SET account_id = NULL WHERE account_id = ?;`, id); err != nil {
			return fmt.Errorf("detach items from account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET account_id = NULL WHERE account_id = ?;`, id); err != nil {
			return fmt.Errorf("detach runs from account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx, selectAccount+` WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, &ReferenceError{Entity: "account", ID: id}
	}
	return acct, err
}

// FindAccount looks an account up by its provider identity.
func (s *Store) FindAccount(ctx context.Context, provider Provider, externalAccountID string) (Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx, selectAccount+` WHERE provider = ? AND external_account_id = ?;`, provider, externalAccountID))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, &ReferenceError{Entity: "account", ID: string(provider) + ":" + externalAccountID}
	}
	return acct, err
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, selectAccount+` ORDER BY provider, external_account_id;`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

const selectAccount = `SELECT id, provider, display_name, external_account_id, created_at, updated_at FROM accounts`

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var created, updated string
	if err := row.Scan(&a.ID, &a.Provider, &a.DisplayName, &a.ExternalAccountID, &created, &updated); err != nil {
		return Account{}, err
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return Account{}, err
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return Account{}, err
	}
	return a, nil
}
