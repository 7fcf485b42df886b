package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/auth"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/config"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/eventstore/sqlite"
	"github.com/vivenprimedemo/MAILBOX-sub000/internal/mail"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Unified mailbox sync engine for Gmail, Outlook and IMAP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default $CONFIG_PATH)")
	root.AddCommand(serveCmd(), migrateCmd(), fullSyncCmd(), credentialCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("mailsync failed")
	}
}

// loadConfig reads the config and sets up logging the way every subcommand needs it
func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.DebugMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := sqlite.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			log.Info().Str("path", cfg.Database.Path).Msg("database is up to date")
			return nil
		},
	}
}

func credentialCmd() *cobra.Command {
	var (
		accountID string
		password  string
		refresh   string
	)
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Store an IMAP password or an OAuth refresh token for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var provider mail.Provider
			for _, a := range cfg.Accounts {
				if a.ID == accountID {
					provider = a.Provider
				}
			}
			if provider == "" {
				return fmt.Errorf("unknown account %q", accountID)
			}
			if password == "" && refresh == "" {
				return fmt.Errorf("one of --password or --refresh-token is required")
			}

			st, err := sqlite.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.SaveCredential(context.Background(), &auth.Credential{
				AccountID:    accountID,
				Provider:     provider,
				Password:     password,
				RefreshToken: refresh,
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&password, "password", "", "IMAP/SMTP password")
	cmd.Flags().StringVar(&refresh, "refresh-token", "", "OAuth refresh token")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
