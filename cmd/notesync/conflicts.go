package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sietchlabs/notesync"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List unresolved conflicts",
	Long: `List queued writes the server rejected as conflicting.

Each entry shows the local change and the server's version. Use
'resolve' to pick a side; nothing syncs for that note until you do.`,
	RunE: runConflicts,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <entry-id> (--keep-local | --accept-remote)",
	Short: "Resolve a conflict",
	Long: `Resolve a blocked conflict entry.

--keep-local resends your version over the server's; --accept-remote
discards your change and adopts the server's version.

Example:
  notesync resolve 42 --keep-local
  notesync resolve 42 --accept-remote`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var (
	resolveKeepLocal    bool
	resolveAcceptRemote bool
)

func init() {
	resolveCmd.Flags().BoolVar(&resolveKeepLocal, "keep-local", false, "Keep the local version")
	resolveCmd.Flags().BoolVar(&resolveAcceptRemote, "accept-remote", false, "Adopt the server version")
	resolveCmd.MarkFlagsOneRequired("keep-local", "accept-remote")
	resolveCmd.MarkFlagsMutuallyExclusive("keep-local", "accept-remote")
}

func runConflicts(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	entries, err := client.Conflicts()
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}

	return outputConflicts(cmd, entries)
}

func runResolve(cmd *cobra.Command, args []string) error {
	entryID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q", args[0])
	}

	resolution := notesync.ResolutionKeepLocal
	if resolveAcceptRemote {
		resolution = notesync.ResolutionAcceptRemote
	}

	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	if err := client.ResolveConflict(entryID, resolution); err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}

	outputText(cmd, "Resolved entry %d (%s)\n", entryID, resolution)
	return nil
}
