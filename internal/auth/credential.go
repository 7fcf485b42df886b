package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// ErrNoCredential is returned when an account has no stored credential
var ErrNoCredential = errors.New("no credential for account")

// Credential is the per-account secret material.
// The refresh token is the durable secret; the access token is derived from it.
// IMAP accounts use Password instead.
type Credential struct {
	AccountID    string
	Provider     mail.Provider
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Password     string
}

// Token converts to an oauth2 token
func (c *Credential) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// CredentialStore persists credentials
type CredentialStore interface {
	// GetCredential returns ErrNoCredential when nothing is stored
	GetCredential(ctx context.Context, accountID string) (*Credential, error)
	SaveCredential(ctx context.Context, c *Credential) error
}
