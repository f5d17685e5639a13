package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sietchlabs/notesync"
	"github.com/sietchlabs/notesync/internal/transport"
)

var (
	cfgDBPath    string
	cfgOwner     string
	cfgServerURL string
	cfgAPIKey    string
	cfgDebug     bool

	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "notesync - offline-first note synchronization",
	Long: `Notesync keeps a local note cache that works fully offline.

Writes land in the local cache immediately and are queued for the server;
the sync engine reconciles them whenever the server is reachable.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgDBPath, "db-path", "", "Path to local database (default: ~/.notesync/notesync.db)")
	rootCmd.PersistentFlags().StringVar(&cfgOwner, "owner", "", "Owner key to operate as (default: default)")
	rootCmd.PersistentFlags().StringVar(&cfgServerURL, "server-url", "", "URL of the notes server")
	rootCmd.PersistentFlags().StringVar(&cfgAPIKey, "api-key", "", "API key for server authentication")
	rootCmd.PersistentFlags().BoolVar(&cfgDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() notesync.Config {
	cfg := notesync.ConfigFromEnv()

	// Flags win over environment
	if cfgDBPath != "" {
		cfg.DBPath = cfgDBPath
	}
	if cfgOwner != "" {
		cfg.Owner = cfgOwner
	}
	if cfgServerURL != "" {
		cfg.ServerURL = cfgServerURL
	}
	if cfgAPIKey != "" {
		cfg.APIKey = cfgAPIKey
	}
	if cfgDebug {
		cfg.Debug = true
	}
	return cfg
}

// newClient builds a client for a one-shot CLI invocation. The background
// sync loop stays off; commands that want a sync run one explicitly.
func newClient(cfg notesync.Config) (*notesync.Client, error) {
	cfg.AutoSync = false

	opts := []notesync.ClientOption{notesync.WithLogger(newLogger(cfg))}
	if cfg.ServerURL != "" {
		api := transport.NewHTTPClient(cfg.ServerURL, cfg.APIKey)
		opts = append(opts, notesync.WithServer(api))
	}
	return notesync.New(cfg, opts...)
}

func newLogger(cfg notesync.Config) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
