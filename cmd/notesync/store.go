package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the local cache",
}

var storeExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export cached notes to a JSON file",
	Long: `Export the owner's cached notes, tombstones included.

Queued writes and the sync cursor are not exported; they belong to
this cache alone.`,
	Args: cobra.ExactArgs(1),
	RunE: runStoreExport,
}

var storeImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import notes from a JSON export",
	Long: `Merge an export into the cache. Notes whose cached version is at
least as new as the imported one are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runStoreImport,
}

var storeResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all local state for this owner",
	Long: `Drop the owner's cached notes, queued writes, and sync cursor.
The next sync re-downloads everything from the server.`,
	RunE: runStoreReset,
}

var storeResetForce bool

func init() {
	storeResetCmd.Flags().BoolVar(&storeResetForce, "force", false, "Skip confirmation")

	storeCmd.AddCommand(storeExportCmd)
	storeCmd.AddCommand(storeImportCmd)
	storeCmd.AddCommand(storeResetCmd)
}

func runStoreExport(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	if err := client.Export(f); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	outputText(cmd, "Exported to %s\n", args[0])
	return nil
}

func runStoreImport(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	result, err := client.Import(f)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, result)
	}
	outputText(cmd, "Imported %d notes (%d skipped)\n", result.Imported, result.Skipped)
	return nil
}

func runStoreReset(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if !storeResetForce {
		return fmt.Errorf("reset drops all local data for owner %q; rerun with --force", cfg.WithDefaults().Owner)
	}

	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	if err := client.Reset(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	outputText(cmd, "Local state cleared\n")
	return nil
}
