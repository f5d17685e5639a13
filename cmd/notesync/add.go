package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sietchlabs/notesync"
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new note",
	Long: `Add a new note to the local cache and queue it for sync.

Example:
  notesync add --body "Call the dentist" --title "Reminders" --tag todo --tag health
  notesync add --body "Meeting notes..." --json`,
	RunE: runAdd,
}

var (
	addTitle string
	addBody  string
	addTags  []string
)

func init() {
	addCmd.Flags().StringVar(&addTitle, "title", "", "Note title")
	addCmd.Flags().StringVar(&addBody, "body", "", "Note body (required)")
	addCmd.Flags().StringArrayVar(&addTags, "tag", nil, "Tag (repeatable)")

	addCmd.MarkFlagRequired("body")
}

func runAdd(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	rec, err := client.CreateNote(cmd.Context(), notesync.NoteDraft{
		Title: addTitle,
		Body:  addBody,
		Tags:  addTags,
	})
	if err != nil {
		return fmt.Errorf("add note: %w", err)
	}

	return outputRecord(cmd, rec)
}
