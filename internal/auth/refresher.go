package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// OAuthClient holds the registered application credentials for one provider
type OAuthClient struct {
	ClientID     string `key:"clientId"`
	ClientSecret string `key:"clientSecret"`
	// Tenant is only used for Microsoft; defaults to "common"
	Tenant string `key:"tenant"`
	// TokenURL overrides the provider endpoint
	TokenURL string `key:"tokenUrl"`
}

// GoogleConfig returns the oauth2 config for Gmail accounts
func GoogleConfig(c OAuthClient) *oauth2.Config {
	ep := google.Endpoint
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     ep,
		Scopes:       []string{"https://mail.google.com/"},
	}
}

// MicrosoftConfig returns the oauth2 config for Outlook accounts
func MicrosoftConfig(c OAuthClient) *oauth2.Config {
	tenant := c.Tenant
	if tenant == "" {
		tenant = "common"
	}
	ep := microsoft.AzureADEndpoint(tenant)
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     ep,
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/.default"},
	}
}

// Locker serializes refreshes for one account across processes
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Refresher exchanges refresh tokens for access tokens.
// Concurrent refreshes for the same account within a process share one exchange.
type Refresher struct {
	store   CredentialStore
	configs map[mail.Provider]*oauth2.Config
	group   singleflight.Group
	locker  Locker
	client  *http.Client
}

// NewRefresher creates a refresher; configs is keyed by provider
func NewRefresher(store CredentialStore, configs map[mail.Provider]*oauth2.Config) *Refresher {
	return &Refresher{store: store, configs: configs}
}

// WithLocker adds a cross-replica lock around each refresh
func (r *Refresher) WithLocker(l Locker) *Refresher {
	r.locker = l
	return r
}

// WithHTTPClient sets the client used for token exchanges
func (r *Refresher) WithHTTPClient(c *http.Client) *Refresher {
	r.client = c
	return r
}

// Refresh obtains a new access token for accountID and stores it
func (r *Refresher) Refresh(ctx context.Context, accountID string) (*Credential, error) {
	v, err, shared := r.group.Do(accountID, func() (any, error) {
		return r.refresh(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	cred := *v.(*Credential)
	if shared {
		log.Debug().Str("account", accountID).Msg("shared token refresh")
	}
	return &cred, nil
}

func (r *Refresher) refresh(ctx context.Context, accountID string) (*Credential, error) {
	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, "mailsync:refresh:"+accountID)
		if err != nil {
			return nil, fmt.Errorf("acquire refresh lock: %w", err)
		}
		defer unlock()
	}

	cred, err := r.store.GetCredential(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return nil, mail.NewError("", mail.KindNotAuthenticated, "refresh", err)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred.RefreshToken == "" {
		return nil, mail.Errorf(cred.Provider, mail.KindNotAuthenticated, "refresh", "no refresh token for %s", accountID)
	}

	cfg, ok := r.configs[cred.Provider]
	if !ok {
		return nil, mail.Errorf(cred.Provider, mail.KindUpstreamRejected, "refresh", "no oauth client configured")
	}

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	// An empty access token forces the exchange
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(cred.Provider, err)
	}

	cred.AccessToken = tok.AccessToken
	cred.Expiry = tok.Expiry
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		cred.RefreshToken = tok.RefreshToken
		log.Info().Str("account", accountID).Msg("refresh token rotated")
	}
	if err := r.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	log.Debug().Str("account", accountID).Time("expiry", cred.Expiry).Msg("access token refreshed")
	return cred, nil
}

func classifyRefreshError(p mail.Provider, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusBadRequest || code == http.StatusUnauthorized {
			// invalid_grant: the refresh token is revoked or expired
			return mail.NewError(p, mail.KindNotAuthenticated, "refresh", err)
		}
		return mail.NewError(p, mail.StatusKind(code), "refresh", err)
	}
	return mail.NewError(p, mail.KindUpstreamTransient, "refresh", err)
}

// expired reports whether a token with expiry is stale at now, allowing for clock skew
func expired(expiry time.Time, now time.Time) bool {
	return !expiry.IsZero() && now.Add(30*time.Second).After(expiry)
}
