package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog/log"
)

// GoogleJWKSURL publishes the keys that sign Pub/Sub push tokens
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

// PushIdentity is the verified caller of a push endpoint
type PushIdentity struct {
	Subject string
	Email   string
}

// PushVerifier checks the OIDC bearer token Pub/Sub attaches to push requests.
// JWKS keys are cached and refreshed in the background.
type PushVerifier struct {
	jwksURL     string
	audience    string
	email       string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
}

// NewPushVerifier registers jwksURL and warms the key cache.
// audience is the push endpoint URL configured on the subscription;
// email, if set, must match the token's service account.
func NewPushVerifier(ctx context.Context, jwksURL, audience, email string) (*PushVerifier, error) {
	v := &PushVerifier{
		jwksURL:    jwksURL,
		audience:   audience,
		email:      email,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.backgroundRefresh(ctx)
	return v, nil
}

func (v *PushVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *PushVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("jwks", v.jwksURL).Msg("jwks refresh failed")
			continue
		}
		v.keySetMutex.Lock()
		v.keySet = keySet
		v.lastFetch = time.Now()
		v.keySetMutex.Unlock()
	}
}

func (v *PushVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// Verify validates the Authorization header of a push request
func (v *PushVerifier) Verify(r *http.Request) (*PushIdentity, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if !googleIssuers[token.Issuer()] {
		return nil, fmt.Errorf("unexpected issuer %q", token.Issuer())
	}

	id := &PushIdentity{Subject: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		id.Email, _ = claim.(string)
	}
	if v.email != "" && id.Email != v.email {
		return nil, fmt.Errorf("unexpected push identity %q", id.Email)
	}
	return id, nil
}
