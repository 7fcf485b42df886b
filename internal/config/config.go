// Package config loads the engine configuration: embedded defaults, an optional YAML file,
// then MAILSYNC_ environment overrides.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers"
)

//go:embed default.yaml
var defaults []byte

// EnvPrefix marks environment overrides; MAILSYNC_DATABASE_REDIS_ADDR sets database.redis.addr
const EnvPrefix = "MAILSYNC_"

// AppConfig is the root configuration
type AppConfig struct {
	DebugMode  bool `key:"debugMode"`
	PrettyLogs bool `key:"prettyLogs"`

	HTTP     HTTPConfig                `key:"http"`
	Database DatabaseConfig            `key:"database"`
	Nats     NatsConfig                `key:"nats"`
	Dedup    DedupConfig               `key:"dedup"`
	Sync     SyncConfig                `key:"sync"`
	Gmail    GmailConfig               `key:"gmail"`
	Outlook  providers.OutlookSettings `key:"outlook"`
	OAuth    OAuthConfig               `key:"oauth"`
	Broker   BrokerConfig              `key:"broker"`
	Accounts []providers.Account       `key:"accounts"`
}

type HTTPConfig struct {
	Addr    string `key:"addr"`
	MaxBody int64  `key:"maxBody"`
}

type DatabaseConfig struct {
	Path  string      `key:"path"`
	Redis RedisConfig `key:"redis"`
}

// RedisConfig enables replica-safe dedup and refresh locking; an empty Addr keeps both in process
type RedisConfig struct {
	Addr     string        `key:"addr"`
	Username string        `key:"username"`
	Password string        `key:"password"`
	DB       int           `key:"db"`
	LockTTL  time.Duration `key:"lockTTL"`
}

// NatsConfig enables outbox publishing; an empty URL leaves events queued in the outbox
type NatsConfig struct {
	URL        string        `key:"url"`
	BatchSize  int           `key:"batchSize"`
	RetryAfter time.Duration `key:"retryAfter"`
}

type DedupConfig struct {
	NotificationHorizon time.Duration `key:"notificationHorizon"`
	MessageHorizon      time.Duration `key:"messageHorizon"`
}

type SyncConfig struct {
	SafetyNet    time.Duration `key:"safetyNet"`
	RetryDelay   time.Duration `key:"retryDelay"`
	FullSyncPage int           `key:"fullSyncPage"`
}

type GmailConfig struct {
	providers.GmailSettings `key:",squash"`
	Push                    PushConfig `key:"push"`
}

// PushConfig verifies the OIDC token Pub/Sub attaches to pushes; an empty Audience disables it
type PushConfig struct {
	JWKSURL        string `key:"jwksUrl"`
	Audience       string `key:"audience"`
	ServiceAccount string `key:"serviceAccount"`
}

type OAuthConfig struct {
	Google    auth.OAuthClient `key:"google"`
	Microsoft auth.OAuthClient `key:"microsoft"`
}

// BrokerConfig points at an external token broker; an empty URL uses stored credentials only
type BrokerConfig struct {
	URL          string `key:"url"`
	ServiceToken string `key:"serviceToken"`
}

// Load reads the configuration. path falls back to $CONFIG_PATH; both may be empty.
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// env names are upper case; map them back onto the camelCase keys already known
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		p := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", "."))
		if c, ok := canonical[p]; ok {
			return c
		}
		return p
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg AppConfig
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "key"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the accounts against the provider settings they need
func (c *AppConfig) Validate() error {
	if strings.Contains(c.Outlook.ClientStateSecret, ".") {
		return fmt.Errorf("outlook.clientStateSecret must not contain '.'")
	}
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true

		switch a.Provider {
		case mail.ProviderGmail, mail.ProviderOutlook:
			if a.Email == "" {
				return fmt.Errorf("account %s: email is required", a.ID)
			}
		case mail.ProviderIMAP:
			if a.IMAP.Host == "" {
				return fmt.Errorf("account %s: imap.host is required", a.ID)
			}
		default:
			return fmt.Errorf("account %s: unknown provider %q", a.ID, a.Provider)
		}
	}
	return nil
}
