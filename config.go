package notesync

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultOwner is used when no owner is configured. The owner is the logical
// partition key for all local state; one outbox exists per owner.
const DefaultOwner = "default"

// Config configures the notesync client.
type Config struct {
	// DBPath is the path to the local SQLite cache.
	DBPath string

	// Owner is the logical user key all local state is partitioned by.
	Owner string

	// ServerURL is the base URL of the notes server.
	// If empty, the client operates in offline-only mode.
	ServerURL string

	// APIKey authenticates with the server.
	APIKey string

	// SyncInterval is how often the background loop reconciles.
	// Defaults to 1 minute.
	SyncInterval time.Duration

	// AutoSync enables the background reconciliation loop.
	AutoSync bool

	// PageSize is the pull page size. Defaults to 100.
	PageSize int

	// Debug enables verbose engine logging.
	Debug bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath(),
		Owner:        DefaultOwner,
		SyncInterval: time.Minute,
		AutoSync:     true,
		PageSize:     100,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	NOTESYNC_DB_PATH        → DBPath
//	NOTESYNC_OWNER          → Owner
//	NOTESYNC_SERVER_URL     → ServerURL
//	NOTESYNC_API_KEY        → APIKey
//	NOTESYNC_SYNC_INTERVAL  → SyncInterval (Go duration, e.g. "30s")
//	NOTESYNC_DEBUG          → Debug (any non-empty value enables)
func ConfigFromEnv() Config {
	cfg := Config{
		DBPath:    os.Getenv("NOTESYNC_DB_PATH"),
		Owner:     os.Getenv("NOTESYNC_OWNER"),
		ServerURL: os.Getenv("NOTESYNC_SERVER_URL"),
		APIKey:    os.Getenv("NOTESYNC_API_KEY"),
		Debug:     os.Getenv("NOTESYNC_DEBUG") != "",
	}
	if v := os.Getenv("NOTESYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &ValidationError{Field: "DBPath", Message: "required: path to SQLite cache"}
	}
	if c.Owner == "" {
		return &ValidationError{Field: "Owner", Message: "required: logical owner key"}
	}
	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}
	if c.PageSize < 0 {
		return &ValidationError{Field: "PageSize", Message: "must be non-negative"}
	}
	return nil
}

// IsOffline reports whether the client operates without a server.
func (c *Config) IsOffline() bool {
	return c.ServerURL == ""
}

// WithDefaults fills in default values for unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.DBPath == "" {
		c.DBPath = defaults.DBPath
	}
	if c.Owner == "" {
		c.Owner = defaults.Owner
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.PageSize == 0 {
		c.PageSize = defaults.PageSize
	}
	return c
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, "notesync.db")
	}
	return filepath.Join(home, ".notesync", "notesync.db")
}
