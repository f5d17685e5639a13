package main

import (
	"fmt"

	"github.com/spf13/cobra"

	notesyncmcp "github.com/sietchlabs/notesync/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for coding agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

This lets coding agents read and write notes through the local cache.

Configuration in Claude Code (~/.claude/claude_desktop_config.json):

  {
    "mcpServers": {
      "notesync": {
        "command": "notesync",
        "args": ["mcp"],
        "env": {
          "NOTESYNC_DB_PATH": "/path/to/notesync.db"
        }
      }
    }
  }

Environment variables:
  NOTESYNC_DB_PATH     Path to local SQLite database
  NOTESYNC_OWNER       Owner key (default: default)
  NOTESYNC_SERVER_URL  Notes server URL (optional, enables sync)
  NOTESYNC_API_KEY     API key (if the server requires one)`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	client, err := newClient(loadConfig())
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	server := notesyncmcp.NewServer(client)
	return server.Run()
}
