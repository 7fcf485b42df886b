// Package providers selects and builds the mail adapter for an account.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/gmail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/imap"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers/outlook"
)

// Account is a mailbox the engine keeps in sync
type Account struct {
	ID       string        `key:"id"`
	Provider mail.Provider `key:"provider"`
	Email    string        `key:"email"`
	// UserID is the Graph user id; the email (user principal name) when empty
	UserID string      `key:"userId"`
	IMAP   IMAPAccount `key:"imap"`
}

// IMAPAccount holds server settings; the password lives in the credential store
type IMAPAccount struct {
	Host         string        `key:"host"`
	Port         int           `key:"port"`
	Security     string        `key:"security"`
	Username     string        `key:"username"`
	SMTPHost     string        `key:"smtpHost"`
	SMTPPort     int           `key:"smtpPort"`
	SMTPSecurity string        `key:"smtpSecurity"`
	SentFolder   string        `key:"sentFolder"`
	Timeout      time.Duration `key:"timeout"`
}

// GmailSettings apply to every Gmail account
type GmailSettings struct {
	Topic            string `key:"topic"`
	Endpoint         string `key:"endpoint"`
	FetchConcurrency int    `key:"fetchConcurrency"`
}

// OutlookSettings apply to every Outlook account
type OutlookSettings struct {
	NotificationURL   string `key:"notificationUrl"`
	ClientStateSecret string `key:"clientStateSecret"`
	BaseURL           string `key:"baseUrl"`
}

// Factory builds adapters. It holds only configuration; every adapter owns its session.
type Factory struct {
	Credentials auth.CredentialStore
	Refresher   auth.TokenRefresher
	Gmail       GmailSettings
	Outlook     OutlookSettings
}

// For returns an unconnected adapter for account, chosen by its provider tag
func (f *Factory) For(ctx context.Context, account Account) (mail.Adapter, error) {
	switch account.Provider {
	case mail.ProviderGmail:
		return gmail.New(ctx, gmail.Config{
			AccountID:        account.ID,
			Email:            account.Email,
			Session:          auth.NewSession(account.ID, account.Provider, f.Credentials, f.Refresher),
			Topic:            f.Gmail.Topic,
			Endpoint:         f.Gmail.Endpoint,
			FetchConcurrency: f.Gmail.FetchConcurrency,
		})

	case mail.ProviderOutlook:
		userID := account.UserID
		if userID == "" {
			userID = account.Email
		}
		return outlook.New(outlook.Config{
			AccountID:         account.ID,
			UserID:            userID,
			Session:           auth.NewSession(account.ID, account.Provider, f.Credentials, f.Refresher),
			NotificationURL:   f.Outlook.NotificationURL,
			ClientStateSecret: f.Outlook.ClientStateSecret,
			BaseURL:           f.Outlook.BaseURL,
		})

	case mail.ProviderIMAP:
		cred, err := f.Credentials.GetCredential(ctx, account.ID)
		if err != nil {
			return nil, mail.NewError(mail.ProviderIMAP, mail.KindNotAuthenticated, "credential", err)
		}
		s := account.IMAP
		return imap.New(imap.Config{
			AccountID:    account.ID,
			Email:        account.Email,
			Host:         s.Host,
			Port:         s.Port,
			Security:     imap.Security(s.Security),
			Username:     s.Username,
			Password:     cred.Password,
			SMTPHost:     s.SMTPHost,
			SMTPPort:     s.SMTPPort,
			SMTPSecurity: imap.Security(s.SMTPSecurity),
			SentFolder:   s.SentFolder,
			Timeout:      s.Timeout,
		})
	}
	return nil, fmt.Errorf("unsupported provider %q for account %s", account.Provider, account.ID)
}

// Open builds and connects the adapter for account
func (f *Factory) Open(ctx context.Context, account Account) (mail.Adapter, error) {
	a, err := f.For(ctx, account)
	if err != nil {
		return nil, err
	}
	if err := a.Connect(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}
