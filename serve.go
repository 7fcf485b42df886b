package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/config"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/dedup"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/eventstore/sqlite"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
	natsjs "github.com/vivenprimedemo/MAILBOX-sub000/internal/nats"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/providers"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/reconcile"
	mailsync "github.com/vivenprimedemo/MAILBOX-sub000/internal/sync"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/webhook"
)

// app holds the wired engine
type app struct {
	cfg        *config.AppConfig
	store      *sqlite.Store
	rdb        *redis.Client
	registry   *mailsync.Registry
	reconciler *reconcile.Reconciler
	manager    *mailsync.Manager
}

func wire(cfg *config.AppConfig) (*app, error) {
	st, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st}

	var creds auth.CredentialStore = st
	if cfg.Broker.URL != "" {
		creds = &auth.ReadThrough{
			Local:    st,
			Broker:   auth.NewBrokerClient(cfg.Broker.URL, cfg.Broker.ServiceToken),
			Provider: a.providerOf,
		}
	}

	refresher := auth.NewRefresher(creds, map[mail.Provider]*oauth2.Config{
		mail.ProviderGmail:   auth.GoogleConfig(cfg.OAuth.Google),
		mail.ProviderOutlook: auth.MicrosoftConfig(cfg.OAuth.Microsoft),
	})

	dm := dedup.NewMemoryManager(cfg.Dedup.NotificationHorizon, cfg.Dedup.MessageHorizon)
	if r := cfg.Database.Redis; r.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: r.Addr, Username: r.Username, Password: r.Password, DB: r.DB})
		dm = dedup.NewRedisManager(a.rdb, cfg.Dedup.NotificationHorizon, cfg.Dedup.MessageHorizon)
		refresher.WithLocker(auth.NewRedisLocker(a.rdb, r.LockTTL))
		log.Info().Str("addr", r.Addr).Msg("using redis for dedup and refresh locks")
	}

	factory := &providers.Factory{
		Credentials: creds,
		Refresher:   refresher,
		Gmail:       cfg.Gmail.GmailSettings,
		Outlook:     cfg.Outlook,
	}
	a.registry = mailsync.NewRegistry(factory, cfg.Accounts)
	a.reconciler = reconcile.New(reconcile.Config{
		Accounts:   a.registry,
		Dedup:      dm,
		Cursors:    st,
		Downstream: natsjs.NewDownstream(st),
		Messages:   st,
	})
	a.manager = mailsync.NewManager(a.registry, a.reconciler, st, st, mailsync.Options{
		SafetyNet:    cfg.Sync.SafetyNet,
		RetryDelay:   cfg.Sync.RetryDelay,
		FullSyncPage: cfg.Sync.FullSyncPage,
	})
	return a, nil
}

func (a *app) providerOf(accountID string) mail.Provider {
	if acct, ok := a.registry.Account(accountID); ok {
		return acct.Provider
	}
	return ""
}

func (a *app) Close() {
	a.manager.StopAll()
	a.registry.Close()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}
}

// dispatch publishes the outbox to NATS until ctx is done; without a URL events stay queued
func (a *app) dispatch(ctx context.Context) (func(), error) {
	if a.cfg.Nats.URL == "" {
		log.Warn().Msg("nats.url not set, events stay in the outbox")
		return func() {}, nil
	}
	pub, err := natsjs.NewPublisher(a.cfg.Nats.URL)
	if err != nil {
		return nil, err
	}
	if err := pub.EnsureStream(ctx); err != nil {
		pub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	d := natsjs.NewDispatcher(a.store, pub)
	if a.cfg.Nats.BatchSize > 0 {
		d.BatchSize = a.cfg.Nats.BatchSize
	}
	if a.cfg.Nats.RetryAfter > 0 {
		d.RetryAfter = a.cfg.Nats.RetryAfter
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
		pub.Close()
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook endpoints and the per-account sync workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.DebugMode {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := wire(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stopDispatch, err := a.dispatch(ctx)
			if err != nil {
				return fmt.Errorf("start dispatcher: %w", err)
			}
			defer stopDispatch()

			hooks := webhook.Config{
				Processor:         a.reconciler,
				ClientStateSecret: cfg.Outlook.ClientStateSecret,
				MaxBody:           cfg.HTTP.MaxBody,
			}
			if p := cfg.Gmail.Push; p.Audience != "" {
				v, err := auth.NewPushVerifier(ctx, p.JWKSURL, p.Audience, p.ServiceAccount)
				if err != nil {
					return fmt.Errorf("push verifier: %w", err)
				}
				hooks.Verifier = v
			}

			a.manager.StartAll(ctx)

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           webhook.NewRouter(hooks),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", srv.Addr).Int("accounts", len(cfg.Accounts)).Msg("listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func fullSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fullsync <account>",
		Short: "Walk every folder of an account into the local mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := wire(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.manager.FullSync(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d messages synced\n", n)
			return nil
		},
	}
}
