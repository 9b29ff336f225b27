package anchored

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/dwaynemcyrus/anchored/internal/profile"
)

// RemoteKind selects the remote adapter.
type RemoteKind string

const (
	RemoteNone     RemoteKind = ""
	RemotePostgres RemoteKind = "postgres"
	RemoteREST     RemoteKind = "rest"
	RemoteMemory   RemoteKind = "memory"
)

// Config defaults.
const (
	DefaultSyncInterval   = 5 * time.Minute
	DefaultDebounceWindow = 800 * time.Millisecond
	DefaultStatusAddr     = "127.0.0.1:7420"
)

// Config configures the anchored client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, it is derived from Profile.
	LocalPath string `yaml:"local_path"`

	// Profile selects a per-account local database.
	// If empty, resolved as explicit > ANCHORED_PROFILE env > "default".
	Profile string `yaml:"profile"`

	// Remote selects the canonical datastore adapter. Empty means
	// offline-only operation.
	Remote RemoteKind `yaml:"remote"`

	// RemoteURL is the Postgres DSN or REST base URL.
	RemoteURL string `yaml:"remote_url"`

	// APIKey authenticates with the REST remote.
	APIKey string `yaml:"api_key"`

	// UserID scopes every remote query.
	UserID string `yaml:"user_id"`

	// ClientID identifies this device on local writes. If empty, a
	// per-database id is generated on first open and persisted.
	ClientID string `yaml:"client_id"`

	// SyncInterval is how often the engine polls. Defaults to 5 minutes.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// DebounceWindow coalesces rapid writes to one record into a single
	// queue entry. Defaults to 800ms.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// AutoSync starts the background engine when the client opens.
	AutoSync bool `yaml:"auto_sync"`

	// Retry configures the queue retry policy.
	Retry RetryPolicy `yaml:"retry"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, receives logs with size-based rotation instead
	// of stderr.
	LogFile string `yaml:"log_file"`

	// StatusAddr is the listen address of the local status API.
	StatusAddr string `yaml:"status_addr"`
}

// DefaultConfig returns a Config with sensible defaults.
// Profile defaults to "default", and LocalPath is derived from it.
func DefaultConfig() Config {
	return Config{
		Profile:        profile.Default,
		LocalPath:      profile.DBPath(profile.Default),
		SyncInterval:   DefaultSyncInterval,
		DebounceWindow: DefaultDebounceWindow,
		AutoSync:       true,
		Retry:          DefaultRetryPolicy(),
		StatusAddr:     DefaultStatusAddr,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	ANCHORED_DB_PATH        → LocalPath
//	ANCHORED_PROFILE        → Profile
//	ANCHORED_REMOTE         → Remote (postgres, rest, memory)
//	ANCHORED_REMOTE_URL     → RemoteURL
//	ANCHORED_API_KEY        → APIKey
//	ANCHORED_USER_ID        → UserID
//	ANCHORED_CLIENT_ID      → ClientID
//	ANCHORED_SYNC_INTERVAL  → SyncInterval (Go duration, e.g. "2m")
//	ANCHORED_LOG_LEVEL      → LogLevel
//	ANCHORED_LOG_FILE       → LogFile
//	ANCHORED_STATUS_ADDR    → StatusAddr
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:  os.Getenv("ANCHORED_DB_PATH"),
		Profile:    os.Getenv("ANCHORED_PROFILE"),
		Remote:     RemoteKind(os.Getenv("ANCHORED_REMOTE")),
		RemoteURL:  os.Getenv("ANCHORED_REMOTE_URL"),
		APIKey:     os.Getenv("ANCHORED_API_KEY"),
		UserID:     os.Getenv("ANCHORED_USER_ID"),
		ClientID:   os.Getenv("ANCHORED_CLIENT_ID"),
		LogLevel:   os.Getenv("ANCHORED_LOG_LEVEL"),
		LogFile:    os.Getenv("ANCHORED_LOG_FILE"),
		StatusAddr: os.Getenv("ANCHORED_STATUS_ADDR"),
	}
	if v := os.Getenv("ANCHORED_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	return cfg
}

// LoadConfigFile reads a YAML config file, expanding ${VAR} references
// from the environment before parsing.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Overlay returns c with every non-zero field of o applied on top.
// AutoSync is left as c has it.
func (c Config) Overlay(o Config) Config {
	if o.LocalPath != "" {
		c.LocalPath = o.LocalPath
	}
	if o.Profile != "" {
		c.Profile = o.Profile
	}
	if o.Remote != RemoteNone {
		c.Remote = o.Remote
	}
	if o.RemoteURL != "" {
		c.RemoteURL = o.RemoteURL
	}
	if o.APIKey != "" {
		c.APIKey = o.APIKey
	}
	if o.UserID != "" {
		c.UserID = o.UserID
	}
	if o.ClientID != "" {
		c.ClientID = o.ClientID
	}
	if o.SyncInterval != 0 {
		c.SyncInterval = o.SyncInterval
	}
	if o.DebounceWindow != 0 {
		c.DebounceWindow = o.DebounceWindow
	}
	if o.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.BaseDelay != 0 {
		c.Retry.BaseDelay = o.Retry.BaseDelay
	}
	if o.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = o.Retry.MaxDelay
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFile != "" {
		c.LogFile = o.LogFile
	}
	if o.StatusAddr != "" {
		c.StatusAddr = o.StatusAddr
	}
	return c
}

// Validate checks the configuration for errors.
// Returns *ValidationError for the first invalid field.
func (c *Config) Validate() error {
	needsURL := c.Remote == RemotePostgres || c.Remote == RemoteREST

	err := validation.ValidateStruct(c,
		validation.Field(&c.LocalPath, validation.Required),
		validation.Field(&c.Profile, validation.By(func(any) error {
			if c.Profile == "" {
				return nil
			}
			return profile.Validate(c.Profile)
		})),
		validation.Field(&c.Remote, validation.In(RemotePostgres, RemoteREST, RemoteMemory).
			Error("must be one of postgres, rest, memory")),
		validation.Field(&c.RemoteURL, validation.When(needsURL, validation.Required.Error("required when Remote is set"))),
		validation.Field(&c.UserID, validation.When(needsURL, validation.Required.Error("required when Remote is set"))),
		validation.Field(&c.APIKey, validation.When(c.Remote == RemoteREST, validation.Required.Error("required for the rest remote"))),
		validation.Field(&c.SyncInterval, validation.Min(time.Duration(0)).Error("must be non-negative")),
		validation.Field(&c.DebounceWindow, validation.Min(time.Duration(0)).Error("must be non-negative")),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error", "fatal").
			Error("must be one of debug, info, warn, error, fatal")),
	)
	return toValidationError(err)
}

// IsOffline returns true if the client operates in offline-only mode.
func (c *Config) IsOffline() bool {
	return c.Remote == RemoteNone
}

// WithDefaults fills in default values for unset fields.
// Profile resolution: explicit Profile > ANCHORED_PROFILE env > "default".
// LocalPath is derived from the resolved profile if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Profile == "" {
		resolved, err := profile.Resolve("")
		if err != nil {
			resolved = profile.Default
		}
		c.Profile = resolved
	}
	if c.LocalPath == "" {
		c.LocalPath = profile.DBPath(c.Profile)
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = defaults.DebounceWindow
	}
	if c.StatusAddr == "" {
		c.StatusAddr = defaults.StatusAddr
	}
	c.Retry = c.Retry.WithDefaults()
	return c
}
