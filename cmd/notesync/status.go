package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and sync status",
	Long: `Show local cache statistics, pending sync work, and server
reachability when a server is configured.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("read stats: %w", err)
	}
	health := client.HealthCheck(cmd.Context())

	return outputStatus(cmd, stats, health)
}
