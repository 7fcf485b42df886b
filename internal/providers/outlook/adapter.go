package outlook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

const (
	defaultPageSize   = 50
	maxPageSize       = 1000
	maxAttachmentSize = 3 << 20
)

var graphScopes = []string{"https://graph.microsoft.com/.default"}

// Config configures an Outlook adapter for one account
type Config struct {
	AccountID string
	// UserID is the mailbox address or directory object id used in /users/{id}
	UserID  string
	Session *auth.Session
	// NotificationURL receives change notifications for Watch
	NotificationURL   string
	ClientStateSecret string
	// BaseURL overrides https://graph.microsoft.com/v1.0
	BaseURL string
}

// Adapter implements mail.Adapter for Outlook/Microsoft Graph
type Adapter struct {
	cfg     Config
	client  *msgraphsdk.GraphServiceClient
	session *auth.Session

	mu        sync.Mutex
	wellKnown map[string]string // well-known name -> folder id
}

var (
	_ mail.Adapter = (*Adapter)(nil)
	_ mail.Watcher = (*Adapter)(nil)
)

// New creates a new Outlook adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("outlook: session is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("outlook: user id is required")
	}

	var client *msgraphsdk.GraphServiceClient
	if cfg.BaseURL == "" {
		c, err := msgraphsdk.NewGraphServiceClientWithCredentials(&sessionCredential{session: cfg.Session}, graphScopes)
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph client: %w", err)
		}
		client = c
	} else {
		adapter, err := msgraphsdk.NewGraphRequestAdapter(&bearerProvider{session: cfg.Session})
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph request adapter: %w", err)
		}
		adapter.SetBaseUrl(cfg.BaseURL)
		client = msgraphsdk.NewGraphServiceClient(adapter)
	}

	return &Adapter{
		cfg:     cfg,
		client:  client,
		session: cfg.Session,
	}, nil
}

func (a *Adapter) Provider() mail.Provider { return mail.ProviderOutlook }

func (a *Adapter) Capabilities() mail.Capabilities {
	return mail.Capabilities{
		Threading:         true,
		Folders:           true,
		Labels:            false,
		Search:            true,
		RealTimeSync:      true,
		Sending:           true,
		Attachments:       true,
		MaxAttachmentSize: maxAttachmentSize,
	}
}

// Connect resolves the well-known folders, which also proves the token works
func (a *Adapter) Connect(ctx context.Context) error {
	ids, err := a.folderIDs(ctx)
	if err != nil {
		return err
	}
	log.Debug().Str("account", a.cfg.AccountID).Int("folders", len(ids)).Msg("outlook connected")
	return nil
}

func (a *Adapter) Close() error { return nil }

func (a *Adapter) user() *users.UserItemRequestBuilder {
	return a.client.Users().ByUserId(a.cfg.UserID)
}

// sessionCredential exposes the account session as an azcore credential
type sessionCredential struct {
	session *auth.Session
}

func (c *sessionCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.session.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	exp := tok.Expiry
	if exp.IsZero() {
		exp = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: exp}, nil
}

// bearerProvider attaches the session token to every request regardless of host
type bearerProvider struct {
	session *auth.Session
}

func (p *bearerProvider) AuthenticateRequest(_ context.Context, req *abstractions.RequestInformation, _ map[string]interface{}) error {
	tok, err := p.session.Token()
	if err != nil {
		return err
	}
	req.Headers.Add("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
