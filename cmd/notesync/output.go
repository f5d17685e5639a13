package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sietchlabs/notesync"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputText prints text to the command's stdout.
func outputText(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

// outputError prints an error to stderr, ensuring no API keys are leaked.
func outputError(w io.Writer, err error) {
	msg := err.Error()
	if cfgAPIKey != "" && strings.Contains(msg, cfgAPIKey) {
		msg = strings.ReplaceAll(msg, cfgAPIKey, "[REDACTED]")
	}
	fmt.Fprintf(w, "Error: %s\n", msg)
}

func outputRecord(cmd *cobra.Command, rec *notesync.Record) error {
	if outputJSON {
		return outputAsJSON(cmd, rec)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID: %s\n", rec.ID)
	if rec.Title != "" {
		fmt.Fprintf(out, "Title: %s\n", rec.Title)
	}
	fmt.Fprintf(out, "Body: %s\n", rec.Body)
	if len(rec.Tags) > 0 {
		fmt.Fprintf(out, "Tags: %s\n", strings.Join(rec.Tags, ", "))
	}
	if rec.Deleted() {
		fmt.Fprintln(out, "Deleted: yes")
	}
	return nil
}

func outputRow(cmd *cobra.Command, row *notesync.CachedRecordRow) error {
	if outputJSON {
		return outputAsJSON(cmd, row)
	}

	if err := outputRecord(cmd, &row.Record); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", row.LocalStatus)
	if row.LocalStatus == notesync.StatusConflict && row.ServerSnapshot != nil {
		fmt.Fprintf(out, "Server version: %q (clock %d)\n",
			row.ServerSnapshot.Body, row.ServerSnapshot.ClientUpdatedAtMs)
	}
	return nil
}

func outputRows(cmd *cobra.Command, rows []notesync.CachedRecordRow) error {
	if outputJSON {
		if rows == nil {
			rows = []notesync.CachedRecordRow{}
		}
		return outputAsJSON(cmd, rows)
	}

	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No notes.")
		return nil
	}

	for _, row := range rows {
		marker := " "
		switch row.LocalStatus {
		case notesync.StatusQueued:
			marker = "*"
		case notesync.StatusConflict:
			marker = "!"
		}
		title := row.Record.Title
		if title == "" {
			title = firstLine(row.Record.Body)
		}
		if row.Record.Deleted() {
			title += " (deleted)"
		}
		fmt.Fprintf(out, "%s %s  %s\n", marker, row.Record.ID, title)
	}
	return nil
}

func outputSyncResult(cmd *cobra.Command, result *notesync.SyncResult) error {
	if outputJSON {
		return outputAsJSON(cmd, result)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sync complete (took %s)\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  Pulled:  %d (%d applied, %d deferred)\n", result.Pulled, result.Applied, result.Deferred)
	fmt.Fprintf(out, "  Sent:    %d\n", result.Sent)
	if result.Blocked > 0 {
		fmt.Fprintf(out, "  Blocked: %d (run 'notesync conflicts')\n", result.Blocked)
	}
	return nil
}

func outputConflicts(cmd *cobra.Command, entries []notesync.OutboxEntry) error {
	if outputJSON {
		if entries == nil {
			entries = []notesync.OutboxEntry{}
		}
		return outputAsJSON(cmd, entries)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No conflicts.")
		return nil
	}

	fmt.Fprintf(out, "%d unresolved conflicts:\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "[%d] %s %s (queued %s)\n",
			e.ID, e.Op, e.EntityID,
			time.UnixMilli(e.CreatedAtMs).Format(time.RFC3339))
		fmt.Fprintf(out, "    local: %q\n", e.Data.Body)
		if e.LastError != "" {
			fmt.Fprintf(out, "    cause: %s\n", e.LastError)
		}
	}
	fmt.Fprintln(out, "\nResolve with: notesync resolve <id> --keep-local | --accept-remote")
	return nil
}

func outputStatus(cmd *cobra.Command, stats *notesync.StoreStats, health notesync.HealthStatus) error {
	if outputJSON {
		return outputAsJSON(cmd, map[string]any{
			"stats":  stats,
			"health": health,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Notes:     %d\n", stats.RecordCount)
	fmt.Fprintf(out, "Pending:   %d\n", stats.PendingCount)
	fmt.Fprintf(out, "Conflicts: %d\n", stats.BlockedCount)
	fmt.Fprintf(out, "Cursor:    %d\n", stats.Cursor)
	if stats.LastSyncMs > 0 {
		fmt.Fprintf(out, "Last sync: %s\n", time.UnixMilli(stats.LastSyncMs).Format(time.RFC3339))
	}
	if health.ServerReachable {
		fmt.Fprintln(out, "Server:    reachable")
	} else if health.Error != "" {
		fmt.Fprintf(out, "Server:    unreachable (%s)\n", health.Error)
	} else {
		fmt.Fprintln(out, "Server:    not configured")
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
