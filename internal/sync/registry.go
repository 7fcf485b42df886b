package sync

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers"
)

// Opener builds connected adapters; *providers.Factory satisfies it
type Opener interface {
	Open(ctx context.Context, account providers.Account) (mail.Adapter, error)
}

// Registry holds the configured accounts and one live adapter per account
type Registry struct {
	opener   Opener
	accounts []providers.Account

	group    singleflight.Group
	mu       sync.Mutex
	adapters map[string]mail.Adapter
}

func NewRegistry(opener Opener, accounts []providers.Account) *Registry {
	return &Registry{opener: opener, accounts: accounts, adapters: make(map[string]mail.Adapter)}
}

func (r *Registry) Accounts() []providers.Account { return r.accounts }

// Account looks an account up by id
func (r *Registry) Account(id string) (providers.Account, bool) {
	for _, a := range r.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return providers.Account{}, false
}

// Resolve matches hint against account ids and mailbox addresses of provider
func (r *Registry) Resolve(_ context.Context, provider mail.Provider, hint string) (providers.Account, error) {
	for _, a := range r.accounts {
		if a.Provider != provider {
			continue
		}
		if a.ID == hint || strings.EqualFold(a.Email, hint) || (a.UserID != "" && a.UserID == hint) {
			return a, nil
		}
	}
	return providers.Account{}, mail.Errorf(provider, mail.KindNotFound, "resolve_account", "no %s account for %q", provider, hint)
}

// Adapter returns the cached adapter for account, connecting it on first use
func (r *Registry) Adapter(ctx context.Context, account providers.Account) (mail.Adapter, error) {
	r.mu.Lock()
	a, ok := r.adapters[account.ID]
	r.mu.Unlock()
	if ok {
		return a, nil
	}

	v, err, _ := r.group.Do(account.ID, func() (any, error) {
		r.mu.Lock()
		if a, ok := r.adapters[account.ID]; ok {
			r.mu.Unlock()
			return a, nil
		}
		r.mu.Unlock()

		a, err := r.opener.Open(ctx, account)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.adapters[account.ID] = a
		r.mu.Unlock()
		log.Info().Str("account", account.ID).Str("provider", string(account.Provider)).Msg("adapter connected")
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(mail.Adapter), nil
}

// Evict closes and forgets the adapter of accountID; the next call reconnects
func (r *Registry) Evict(accountID string) {
	r.mu.Lock()
	a, ok := r.adapters[accountID]
	delete(r.adapters, accountID)
	r.mu.Unlock()
	if ok {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Str("account", accountID).Msg("adapter close failed")
		}
	}
}

// Close closes every adapter
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Evict(id)
	}
}
