package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

var _ auth.CredentialStore = (*Store)(nil)

type credentialRow struct {
	AccountID    string `db:"account_id"`
	Provider     string `db:"provider"`
	AccessToken  string `db:"access_token"`
	RefreshToken string `db:"refresh_token"`
	Expiry       int64  `db:"expiry"`
	Password     string `db:"password"`
}

// GetCredential returns auth.ErrNoCredential when the account has none
func (s *Store) GetCredential(ctx context.Context, accountID string) (*auth.Credential, error) {
	var row credentialRow
	err := s.DB.GetContext(ctx, &row, `
		SELECT account_id, provider, access_token, refresh_token, expiry, password
		FROM credentials WHERE account_id = ?
	`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNoCredential
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return &auth.Credential{
		AccountID:    row.AccountID,
		Provider:     mail.Provider(row.Provider),
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		Expiry:       timeOrZero(row.Expiry),
		Password:     row.Password,
	}, nil
}

// SaveCredential replaces the stored credential in one statement
func (s *Store) SaveCredential(ctx context.Context, c *auth.Credential) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO credentials (account_id, provider, access_token, refresh_token, expiry, password, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			password = excluded.password,
			updated_at = excluded.updated_at
	`, c.AccountID, string(c.Provider), c.AccessToken, c.RefreshToken, unixOrZero(c.Expiry), c.Password, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}
