package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a note",
	Long: `Delete a note locally and queue the delete for sync.

The note becomes a tombstone and can be recovered with 'restore'
until the server garbage-collects it.`,
	Args: cobra.ExactArgs(1),
	RunE: runRm,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a deleted note",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func runRm(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	if err := client.DeleteNote(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}

	outputText(cmd, "Deleted %s\n", args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	rec, err := client.RestoreNote(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("restore note: %w", err)
	}

	return outputRecord(cmd, rec)
}
