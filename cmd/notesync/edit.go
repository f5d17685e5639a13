package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sietchlabs/notesync"
)

var editCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Edit a note",
	Long: `Edit a cached note and queue the change for sync.

Only the fields you pass are changed.

Example:
  notesync edit 01J9X... --body "Updated body"
  notesync edit 01J9X... --title "New title" --tag work --tag q3`,
	Args: cobra.ExactArgs(1),
	RunE: runEdit,
}

var (
	editTitle string
	editBody  string
	editTags  []string
)

func init() {
	editCmd.Flags().StringVar(&editTitle, "title", "", "New title")
	editCmd.Flags().StringVar(&editBody, "body", "", "New body")
	editCmd.Flags().StringArrayVar(&editTags, "tag", nil, "Replace tags (repeatable)")
}

func runEdit(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	var update notesync.NoteUpdate
	if cmd.Flags().Changed("title") {
		update.Title = &editTitle
	}
	if cmd.Flags().Changed("body") {
		update.Body = &editBody
	}
	if cmd.Flags().Changed("tag") {
		update.Tags = &editTags
	}

	rec, err := client.UpdateNote(cmd.Context(), args[0], update)
	if err != nil {
		return fmt.Errorf("edit note: %w", err)
	}

	return outputRecord(cmd, rec)
}
