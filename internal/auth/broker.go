package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// brokerProvider maps mail providers to the broker's OAuth provider names
var brokerProvider = map[mail.Provider]string{
	mail.ProviderGmail:   "google",
	mail.ProviderOutlook: "microsoft",
}

// BrokerClient fetches OAuth tokens held by an external token broker
type BrokerClient struct {
	baseURL      string
	serviceToken string
	client       *http.Client
}

// NewBrokerClient creates client to fetch tokens from the broker
func NewBrokerClient(baseURL, serviceToken string) *BrokerClient {
	return &BrokerClient{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the token pair for an account
func (c *BrokerClient) GetToken(ctx context.Context, accountID string, provider mail.Provider) (*Credential, error) {
	name, ok := brokerProvider[provider]
	if !ok {
		return nil, fmt.Errorf("broker does not manage %s accounts", provider)
	}
	u := fmt.Sprintf("%s/api/auth/accounts/%s/token?account_id=%s", c.baseURL, name, url.QueryEscape(accountID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoCredential
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	cred := &Credential{
		AccountID:    accountID,
		Provider:     provider,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if result.ExpiresAt > 0 {
		cred.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return cred, nil
}

// ReadThrough serves credentials from a local store and falls back to the broker,
// caching what the broker returns.
type ReadThrough struct {
	Local    CredentialStore
	Broker   *BrokerClient
	Provider func(accountID string) mail.Provider
}

func (r *ReadThrough) GetCredential(ctx context.Context, accountID string) (*Credential, error) {
	cred, err := r.Local.GetCredential(ctx, accountID)
	if err == nil || !errors.Is(err, ErrNoCredential) || r.Broker == nil {
		return cred, err
	}

	cred, err = r.Broker.GetToken(ctx, accountID, r.Provider(accountID))
	if err != nil {
		return nil, err
	}
	if err := r.Local.SaveCredential(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (r *ReadThrough) SaveCredential(ctx context.Context, c *Credential) error {
	return r.Local.SaveCredential(ctx, c)
}
