package gmail

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

const (
	me                    = "me"
	maxAttachmentSize     = 25 << 20
	defaultPageSize       = 50
	maxPageSize           = 500
	defaultFetchParallel  = 10
	defaultLabelCacheTTL  = 10 * time.Minute
	defaultLabelCacheSize = 512
)

// Config configures a Gmail adapter for one account
type Config struct {
	AccountID string
	Email     string
	Session   *auth.Session
	// Topic is the Pub/Sub topic used by Watch, projects/<project>/topics/<name>
	Topic string
	// Endpoint overrides the API base URL
	Endpoint string
	// Transport is the base round tripper under the bearer transport
	Transport        http.RoundTripper
	FetchConcurrency int
	LabelCacheTTL    time.Duration
}

// Adapter implements mail.Adapter over the Gmail REST API
type Adapter struct {
	cfg     Config
	svc     *gmail.Service
	session *auth.Session
	cb      *gobreaker.CircuitBreaker
	labels  *expirable.LRU[string, string]
}

var (
	_ mail.Adapter = (*Adapter)(nil)
	_ mail.Watcher = (*Adapter)(nil)
)

// New creates a Gmail adapter. No network calls are made until Connect.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("gmail: session is required")
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchParallel
	}
	if cfg.LabelCacheTTL <= 0 {
		cfg.LabelCacheTTL = defaultLabelCacheTTL
	}

	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: cfg.Session, Base: cfg.Transport},
		Timeout:   60 * time.Second,
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{
		cfg:     cfg,
		svc:     svc,
		session: cfg.Session,
		cb:      newBreaker("gmail:" + cfg.AccountID),
		labels:  expirable.NewLRU[string, string](defaultLabelCacheSize, nil, cfg.LabelCacheTTL),
	}, nil
}

func (a *Adapter) Provider() mail.Provider { return mail.ProviderGmail }

func (a *Adapter) Capabilities() mail.Capabilities {
	return mail.Capabilities{
		Threading:         true,
		Folders:           true,
		Labels:            true,
		Search:            true,
		RealTimeSync:      true,
		Sending:           true,
		Attachments:       true,
		MaxAttachmentSize: maxAttachmentSize,
	}
}

// Connect verifies the credential by reading the mailbox profile
func (a *Adapter) Connect(ctx context.Context) error {
	p, err := call(ctx, a, "profile", func(ctx context.Context) (*gmail.Profile, error) {
		return a.svc.Users.GetProfile(me).Context(ctx).Do()
	})
	if err != nil {
		return err
	}
	log.Debug().Str("account", a.cfg.AccountID).Str("email", p.EmailAddress).Uint64("history_id", p.HistoryId).Msg("gmail connected")
	return nil
}

func (a *Adapter) Close() error { return nil }

// currentHistoryID reads the mailbox's latest history id
func (a *Adapter) currentHistoryID(ctx context.Context) (uint64, error) {
	p, err := call(ctx, a, "profile", func(ctx context.Context) (*gmail.Profile, error) {
		return a.svc.Users.GetProfile(me).Context(ctx).Do()
	})
	if err != nil {
		return 0, err
	}
	return p.HistoryId, nil
}
