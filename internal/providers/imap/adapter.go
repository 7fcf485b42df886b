package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jordan-wright/email"
	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

// Security selects how a connection is encrypted
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

const (
	inbox           = "INBOX"
	defaultPageSize = 50
	maxPageSize     = 500
	defaultTimeout  = 30 * time.Second
	// maxAttachmentSize is a conservative ceiling most SMTP relays accept
	maxAttachmentSize = 20 << 20
)

// Config configures an IMAP/SMTP adapter for one account
type Config struct {
	AccountID string
	Email     string

	Host     string
	Port     int
	Security Security
	Username string
	Password string

	SMTPHost     string
	SMTPPort     int
	SMTPSecurity Security

	// SentFolder overrides special-use detection of the sent mailbox
	SentFolder string
	Timeout    time.Duration
	TLSConfig  *tls.Config
}

// sendFunc delivers a rendered email; replaced in tests
type sendFunc func(addr string, auth smtp.Auth, e *email.Email) error

// Adapter implements mail.Adapter over IMAP with SMTP for sending
type Adapter struct {
	cfg Config

	mu     sync.Mutex
	client *client.Client
	send   sendFunc

	foldersMu sync.Mutex
	special   map[string]string // special-use attribute -> mailbox name
}

var (
	_ mail.Adapter  = (*Adapter)(nil)
	_ mail.Listener = (*Adapter)(nil)
)

// New creates an IMAP adapter. Connect must be called before use.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("imap: host is required")
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Email
	}
	if cfg.Port == 0 {
		cfg.Port = 993
		if cfg.Security == SecurityNone || cfg.Security == SecurityStartTLS {
			cfg.Port = 143
		}
	}
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	a := &Adapter{cfg: cfg}
	a.send = a.smtpSend
	return a, nil
}

func (a *Adapter) Provider() mail.Provider { return mail.ProviderIMAP }

func (a *Adapter) Capabilities() mail.Capabilities {
	return mail.Capabilities{
		Threading:         false,
		Folders:           true,
		Labels:            false,
		Search:            true,
		RealTimeSync:      true,
		Sending:           a.cfg.SMTPHost != "",
		Attachments:       true,
		MaxAttachmentSize: maxAttachmentSize,
	}
}

// Connect dials and logs in
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil && a.client.State() != imap.LogoutState {
		return nil
	}
	c, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.client = c
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, mail.NewError(mail.ProviderIMAP, mail.KindUpstreamTransient, "connect", err)
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	tlsConfig := a.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: a.cfg.Host}
	}

	var (
		c   *client.Client
		err error
	)
	switch a.cfg.Security {
	case SecurityTLS:
		c, err = client.DialTLS(addr, tlsConfig)
	default:
		c, err = client.Dial(addr)
		if err == nil && a.cfg.Security == SecurityStartTLS {
			err = c.StartTLS(tlsConfig)
		}
	}
	if err != nil {
		if c != nil {
			_ = c.Logout()
		}
		return nil, mail.NewError(mail.ProviderIMAP, mail.KindUpstreamTransient, "connect", fmt.Errorf("failed to connect to %s: %w", addr, err))
	}
	c.Timeout = a.cfg.Timeout

	if err := c.Login(a.cfg.Username, a.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, mail.NewError(mail.ProviderIMAP, mail.KindNotAuthenticated, "login", err)
	}
	log.Debug().Str("account", a.cfg.AccountID).Str("addr", addr).Msg("imap logged in")
	return c, nil
}

// Close logs out
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Logout()
	a.client = nil
	if err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		return err
	}
	return nil
}

// with runs fn on the shared session, reconnecting once if the connection dropped
func (a *Adapter) with(ctx context.Context, op string, fn func(c *client.Client) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil || a.client.State() == imap.LogoutState {
		c, err := a.dial(ctx)
		if err != nil {
			return err
		}
		a.client = c
	}
	if err := ctx.Err(); err != nil {
		return mail.NewError(mail.ProviderIMAP, mail.KindUpstreamTransient, op, err)
	}

	err := fn(a.client)
	if err == nil {
		return nil
	}
	if mail.KindOf(err) != "" {
		return err
	}
	if a.client.State() == imap.LogoutState {
		a.client = nil
		return mail.NewError(mail.ProviderIMAP, mail.KindUpstreamTransient, op, err)
	}
	return mail.NewError(mail.ProviderIMAP, mail.KindUpstreamRejected, op, err)
}

// selectBox selects mailbox, mapping a NO response to not_found
func selectBox(c *client.Client, mailbox string, readOnly bool) (*imap.MailboxStatus, error) {
	status, err := c.Select(mailbox, readOnly)
	if err != nil {
		if c.State() == imap.LogoutState {
			return nil, err
		}
		return nil, mail.NewError(mail.ProviderIMAP, mail.KindNotFound, "select", fmt.Errorf("mailbox %q: %w", mailbox, err))
	}
	return status, nil
}

// MessageRef builds the provider message id for a UID in a mailbox
func MessageRef(mailbox string, uid uint32) string {
	return mailbox + ":" + strconv.FormatUint(uint64(uid), 10)
}

// ParseMessageRef splits a provider message id into mailbox and UID
func ParseMessageRef(id string) (string, uint32, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 {
		return "", 0, mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "parse_id", "malformed message id %q", id)
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, mail.Errorf(mail.ProviderIMAP, mail.KindNotFound, "parse_id", "malformed message id %q", id)
	}
	return id[:i], uint32(uid), nil
}

// groupRefs buckets message ids by mailbox
func groupRefs(ids []string) (map[string][]uint32, []string, error) {
	groups := make(map[string][]uint32)
	var order []string
	for _, id := range ids {
		box, uid, err := ParseMessageRef(id)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := groups[box]; !ok {
			order = append(order, box)
		}
		groups[box] = append(groups[box], uid)
	}
	return groups, order, nil
}
