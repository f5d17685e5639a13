package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached notes",
	Long: `List the notes in the local cache.

Example:
  notesync list
  notesync list --deleted --json`,
	RunE: runList,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one note",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var listDeleted bool

func init() {
	listCmd.Flags().BoolVar(&listDeleted, "deleted", false, "Include deleted notes")
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	rows, err := client.ListNotes(listDeleted)
	if err != nil {
		return fmt.Errorf("list notes: %w", err)
	}

	return outputRows(cmd, rows)
}

func runGet(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	row, err := client.GetNote(args[0])
	if err != nil {
		return fmt.Errorf("get note: %w", err)
	}

	return outputRow(cmd, row)
}
