package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// TokenRefresher is satisfied by *Refresher
type TokenRefresher interface {
	Refresh(ctx context.Context, accountID string) (*Credential, error)
}

// Session holds the live credential for one account and implements oauth2.TokenSource
type Session struct {
	accountID string
	provider  mail.Provider
	store     CredentialStore
	refresher TokenRefresher
	now       func() time.Time

	mu   sync.Mutex
	cred *Credential
}

// NewSession creates a session that loads its credential lazily from store
func NewSession(accountID string, provider mail.Provider, store CredentialStore, refresher TokenRefresher) *Session {
	return &Session{
		accountID: accountID,
		provider:  provider,
		store:     store,
		refresher: refresher,
		now:       time.Now,
	}
}

func (s *Session) AccountID() string { return s.accountID }

// Credential returns a copy of the current credential
func (s *Session) Credential(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	c := *s.cred
	return &c, nil
}

func (s *Session) loadLocked(ctx context.Context) error {
	if s.cred != nil {
		return nil
	}
	cred, err := s.store.GetCredential(ctx, s.accountID)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return mail.NewError(s.provider, mail.KindNotAuthenticated, "credential", err)
		}
		return err
	}
	s.cred = cred
	return nil
}

// Token implements oauth2.TokenSource. An access token known to be expired is refreshed first.
func (s *Session) Token() (*oauth2.Token, error) {
	ctx := context.Background()
	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	stale := s.cred.AccessToken == "" || expired(s.cred.Expiry, s.now())
	tok := s.cred.Token()
	s.mu.Unlock()

	if !stale {
		return tok, nil
	}
	cred, err := s.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return cred.Token(), nil
}

// Invalidate drops the cached credential so the next use reloads it
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()
}

func (s *Session) refresh(ctx context.Context) (*Credential, error) {
	if s.refresher == nil {
		return nil, mail.Errorf(s.provider, mail.KindNotAuthenticated, "refresh", "no refresher configured")
	}
	cred, err := s.refresher.Refresh(ctx, s.accountID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return cred, nil
}

// Do runs fn and, if it fails with not_authenticated, refreshes the token
// once and runs fn one more time. A second auth failure is returned as is.
func (s *Session) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for functions returning a value
func Call[T any](ctx context.Context, s *Session, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if !mail.IsKind(err, mail.KindNotAuthenticated) {
		return v, err
	}

	if _, rerr := s.refresh(ctx); rerr != nil {
		var zero T
		if mail.KindOf(rerr) != "" {
			return zero, rerr
		}
		return zero, mail.NewError(s.provider, mail.KindNotAuthenticated, op, rerr)
	}
	return fn(ctx)
}

// MemoryCredentials is a process-scoped CredentialStore
type MemoryCredentials struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemoryCredentials(creds ...Credential) *MemoryCredentials {
	m := &MemoryCredentials{creds: make(map[string]Credential)}
	for _, c := range creds {
		m.creds[c.AccountID] = c
	}
	return m
}

func (m *MemoryCredentials) GetCredential(_ context.Context, accountID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[accountID]
	if !ok {
		return nil, ErrNoCredential
	}
	return &c, nil
}

func (m *MemoryCredentials) SaveCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	m.creds[c.AccountID] = *c
	m.mu.Unlock()
	return nil
}
