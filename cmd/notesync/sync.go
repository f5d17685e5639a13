package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize with the server",
	Long: `Run one reconciliation cycle: pull remote changes, then drain
the outbox of queued local writes.

Example:
  notesync sync --server-url http://localhost:8787`,
	RunE: runSync,
}

var syncTimeout time.Duration

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Sync timeout")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.IsOffline() {
		return fmt.Errorf("no server configured (set --server-url or NOTESYNC_SERVER_URL)")
	}

	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	result, err := client.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return outputSyncResult(cmd, result)
}
