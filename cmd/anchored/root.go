package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dwaynemcyrus/anchored"
)

var (
	cfgFile      string
	cfgEnvFile   string
	cfgDBPath    string
	cfgProfile   string
	cfgRemote    string
	cfgRemoteURL string
	cfgAPIKey    string
	cfgUserID    string
	cfgLogLevel  string
	outputJSON   bool
	outputYAML   bool
)

var rootCmd = &cobra.Command{
	Use:   "anchored",
	Short: "Anchored - local-first document sync",
	Long: `Anchored keeps notes, habits, timers and other documents in a local
database and reconciles them with a canonical remote store.

Writes land locally first and are queued; sync pushes the queue, then pulls
remote changes, resolving conflicts by keeping both versions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputJSON && outputYAML {
			return errors.New("--json and --yaml are mutually exclusive")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if isTTY() {
			fmt.Fprintln(cmd.OutOrStdout(), renderBannerWithTagline())
			fmt.Fprintln(cmd.OutOrStdout())
		}
		return cmd.Help()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file (${VAR} references are expanded)")
	pf.StringVar(&cfgEnvFile, "env-file", ".env", "dotenv file loaded before reading ANCHORED_* variables")
	pf.StringVar(&cfgDBPath, "db-path", "", "Path to the local database (default: derived from --profile)")
	pf.StringVar(&cfgProfile, "profile", "", "Local profile (default: $ANCHORED_PROFILE or \"default\")")
	pf.StringVar(&cfgRemote, "remote", "", "Remote adapter: postgres, rest, memory (default: offline)")
	pf.StringVar(&cfgRemoteURL, "remote-url", "", "Postgres DSN or REST base URL")
	pf.StringVar(&cfgAPIKey, "api-key", "", "API key for the rest remote")
	pf.StringVar(&cfgUserID, "user-id", "", "User id scoping every remote query")
	pf.StringVar(&cfgLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")
	pf.BoolVar(&outputYAML, "yaml", false, "Output as YAML")

	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig layers defaults, the config file, the environment and flags,
// in increasing priority. The engine is not auto-started; serve starts it.
func loadConfig() (anchored.Config, error) {
	if cfgEnvFile != "" {
		if err := godotenv.Load(cfgEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return anchored.Config{}, fmt.Errorf("load %s: %w", cfgEnvFile, err)
		}
	}

	cfg := anchored.DefaultConfig()
	cfg.LocalPath = ""
	cfg.Profile = ""
	if cfgFile != "" {
		fileCfg, err := anchored.LoadConfigFile(cfgFile)
		if err != nil {
			return anchored.Config{}, err
		}
		cfg = cfg.Overlay(fileCfg)
	}
	cfg = cfg.Overlay(anchored.ConfigFromEnv())
	cfg = cfg.Overlay(anchored.Config{
		LocalPath: cfgDBPath,
		Profile:   cfgProfile,
		Remote:    anchored.RemoteKind(cfgRemote),
		RemoteURL: cfgRemoteURL,
		APIKey:    cfgAPIKey,
		UserID:    cfgUserID,
		LogLevel:  cfgLogLevel,
	})
	cfg.AutoSync = false

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return anchored.Config{}, err
	}
	return cfg, nil
}

// session is an open client plus everything that must be released with it.
type session struct {
	client  *anchored.Client
	closers []func()
}

func (s *session) Close() {
	_ = s.client.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openClient opens a client for cfg, building the remote adapter it names.
func openClient(ctx context.Context, cfg anchored.Config, reg prometheus.Registerer) (*session, error) {
	logger, logCloser, err := anchored.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{closers: []func(){func() { _ = logCloser.Close() }}}

	remote, closeRemote, err := newRemote(ctx, cfg, logger)
	if err != nil {
		s.closers[0]()
		return nil, err
	}
	s.closers = append(s.closers, closeRemote)

	client, err := anchored.Open(ctx, cfg, anchored.ClientOptions{
		Remote:     remote,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		closeRemote()
		s.closers[0]()
		return nil, fmt.Errorf("open client: %w", err)
	}
	s.client = client
	return s, nil
}

// withClient loads the config, opens a client and runs fn with it.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *anchored.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openClient(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s.client)
}
