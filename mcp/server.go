// Package mcp exposes the notes client as Model Context Protocol tools so
// coding agents can read and write notes through the local cache.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sietchlabs/notesync"
)

// Server wraps the MCP server with notesync tools.
type Server struct {
	client    *notesync.Client
	mcpServer *server.MCPServer
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// NewServer creates a new MCP server with notesync tools registered.
func NewServer(client *notesync.Client) *Server {
	s := &Server{client: client}

	s.mcpServer = server.NewMCPServer(
		"notesync",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	return s
}

// Run starts the MCP server, reading from stdin and writing to stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{Name: "notes_record", Description: "Create or update a note in the local cache; it syncs to the server automatically"},
		{Name: "notes_list", Description: "List cached notes"},
		{Name: "notes_get", Description: "Get one note by ID"},
		{Name: "notes_delete", Description: "Delete a note (recoverable until the server garbage-collects it)"},
		{Name: "notes_sync", Description: "Run one sync cycle against the server"},
		{Name: "notes_conflicts", Description: "List unresolved sync conflicts"},
		{Name: "notes_resolve", Description: "Resolve a sync conflict by keeping the local or remote version"},
	}
}

// CallTool executes a tool by name with the given arguments.
// This is used for testing and direct invocation.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	switch name {
	case "notes_record":
		return s.handleRecord(ctx, args)
	case "notes_list":
		return s.handleList(ctx, args)
	case "notes_get":
		return s.handleGet(ctx, args)
	case "notes_delete":
		return s.handleDelete(ctx, args)
	case "notes_sync":
		return s.handleSync(ctx, args)
	case "notes_conflicts":
		return s.handleConflicts(ctx, args)
	case "notes_resolve":
		return s.handleResolve(ctx, args)
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("notes_record",
		mcp.WithDescription("Create a note, or update one when id is given. Writes land locally first and sync to the server in the background."),
		mcp.WithString("body",
			mcp.Description("Note body (required for new notes)"),
		),
		mcp.WithString("title",
			mcp.Description("Note title"),
		),
		mcp.WithString("id",
			mcp.Description("Note ID to update; omit to create a new note"),
		),
		mcp.WithArray("tags",
			mcp.Description("Tags for the note"),
			mcp.WithStringItems(),
		),
	), s.mcpHandleRecord)

	s.mcpServer.AddTool(mcp.NewTool("notes_list",
		mcp.WithDescription("List notes in the local cache. Notes marked queued have local changes not yet synced; conflict notes need notes_resolve."),
		mcp.WithBoolean("include_deleted",
			mcp.Description("Include deleted notes (default: false)"),
		),
	), s.mcpHandleList)

	s.mcpServer.AddTool(mcp.NewTool("notes_get",
		mcp.WithDescription("Get one note by ID, including its sync status and any conflicting server version."),
		mcp.WithString("id",
			mcp.Description("Note ID"),
			mcp.Required(),
		),
	), s.mcpHandleGet)

	s.mcpServer.AddTool(mcp.NewTool("notes_delete",
		mcp.WithDescription("Delete a note. The delete syncs to the server; the note stays recoverable as a tombstone."),
		mcp.WithString("id",
			mcp.Description("Note ID"),
			mcp.Required(),
		),
	), s.mcpHandleDelete)

	s.mcpServer.AddTool(mcp.NewTool("notes_sync",
		mcp.WithDescription("Run one sync cycle: pull server changes, then push queued local writes. Requires NOTESYNC_SERVER_URL."),
	), s.mcpHandleSync)

	s.mcpServer.AddTool(mcp.NewTool("notes_conflicts",
		mcp.WithDescription("List queued writes the server rejected as conflicting. Each shows the local and server versions."),
	), s.mcpHandleConflicts)

	s.mcpServer.AddTool(mcp.NewTool("notes_resolve",
		mcp.WithDescription("Resolve a conflict entry from notes_conflicts. keep_local resends your version; accept_remote adopts the server's."),
		mcp.WithNumber("entry_id",
			mcp.Description("Conflict entry ID from notes_conflicts"),
			mcp.Required(),
		),
		mcp.WithString("resolution",
			mcp.Description("Either keep_local or accept_remote"),
			mcp.Required(),
		),
	), s.mcpHandleResolve)
}

// MCP handlers that wrap internal handlers

func (s *Server) mcpHandleRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleRecord(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleList(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleGet(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleDelete(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleSync(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleConflicts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleConflicts(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func (s *Server) mcpHandleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.handleResolve(ctx, req.GetArguments())
	if err != nil {
		return nil, err
	}
	return toMCPResult(result), nil
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	result := &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
	}
	if r.IsError {
		result.IsError = true
	}
	return result
}

// Internal handlers

func (s *Server) handleRecord(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id, _ := args["id"].(string)
	body, _ := args["body"].(string)
	title, _ := args["title"].(string)
	tags := toStringSlice(args["tags"])

	if id != "" {
		var update notesync.NoteUpdate
		if _, ok := args["title"]; ok {
			update.Title = &title
		}
		if _, ok := args["body"]; ok {
			update.Body = &body
		}
		if _, ok := args["tags"]; ok {
			update.Tags = &tags
		}

		rec, err := s.client.UpdateNote(ctx, id, update)
		if err != nil {
			return &ToolResult{Content: fmt.Sprintf("update failed: %v", err), IsError: true}, nil
		}
		return &ToolResult{Content: fmt.Sprintf("Updated note %s", rec.ID)}, nil
	}

	if body == "" {
		return &ToolResult{Content: "body is required", IsError: true}, nil
	}

	rec, err := s.client.CreateNote(ctx, notesync.NoteDraft{
		Title: title,
		Body:  body,
		Tags:  tags,
	})
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("record failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Recorded note %s", rec.ID)}, nil
}

func (s *Server) handleList(ctx context.Context, args map[string]any) (*ToolResult, error) {
	includeDeleted, _ := args["include_deleted"].(bool)

	rows, err := s.client.ListNotes(includeDeleted)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("list failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatRows(rows)}, nil
}

func (s *Server) handleGet(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return &ToolResult{Content: "id is required", IsError: true}, nil
	}

	row, err := s.client.GetNote(id)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("get failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatRow(row)}, nil
}

func (s *Server) handleDelete(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id, ok := args["id"].(string)
	if !ok || id == "" {
		return &ToolResult{Content: "id is required", IsError: true}, nil
	}

	if err := s.client.DeleteNote(ctx, id); err != nil {
		return &ToolResult{Content: fmt.Sprintf("delete failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Deleted note %s", id)}, nil
}

func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	result, err := s.client.Sync(ctx)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("sync failed: %v", err), IsError: true}, nil
	}

	msg := fmt.Sprintf("Sync complete: pulled %d, sent %d (took %s)",
		result.Pulled, result.Sent, result.Duration.Round(time.Millisecond))
	if result.Blocked > 0 {
		msg += fmt.Sprintf("\n%d writes blocked on conflicts; use notes_conflicts to inspect them", result.Blocked)
	}
	return &ToolResult{Content: msg}, nil
}

func (s *Server) handleConflicts(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entries, err := s.client.Conflicts()
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("conflicts failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: formatConflicts(entries, s.client)}, nil
}

func (s *Server) handleResolve(ctx context.Context, args map[string]any) (*ToolResult, error) {
	entryID, ok := args["entry_id"].(float64)
	if !ok {
		return &ToolResult{Content: "entry_id is required", IsError: true}, nil
	}
	resolutionStr, _ := args["resolution"].(string)

	var resolution notesync.Resolution
	switch resolutionStr {
	case "keep_local":
		resolution = notesync.ResolutionKeepLocal
	case "accept_remote":
		resolution = notesync.ResolutionAcceptRemote
	default:
		return &ToolResult{Content: "resolution must be keep_local or accept_remote", IsError: true}, nil
	}

	if err := s.client.ResolveConflict(int64(entryID), resolution); err != nil {
		return &ToolResult{Content: fmt.Sprintf("resolve failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("Resolved entry %d (%s)", int64(entryID), resolution)}, nil
}

// Formatting functions

func formatRows(rows []notesync.CachedRecordRow) string {
	if len(rows) == 0 {
		return "No notes."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d notes:\n\n", len(rows)))
	for _, row := range rows {
		sb.WriteString(fmt.Sprintf("[%s] %s", row.Record.ID, titleOf(&row.Record)))
		if row.LocalStatus != notesync.StatusClean {
			sb.WriteString(fmt.Sprintf(" (%s)", row.LocalStatus))
		}
		if row.Record.Deleted() {
			sb.WriteString(" (deleted)")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatRow(row *notesync.CachedRecordRow) string {
	var sb strings.Builder
	rec := &row.Record
	sb.WriteString(fmt.Sprintf("ID: %s\n", rec.ID))
	if rec.Title != "" {
		sb.WriteString(fmt.Sprintf("Title: %s\n", rec.Title))
	}
	if len(rec.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("Tags: %s\n", strings.Join(rec.Tags, ", ")))
	}
	sb.WriteString(fmt.Sprintf("Status: %s\n", row.LocalStatus))
	if rec.Deleted() {
		sb.WriteString("Deleted: yes\n")
	}
	sb.WriteString(fmt.Sprintf("\n%s\n", rec.Body))

	if row.LocalStatus == notesync.StatusConflict && row.ServerSnapshot != nil {
		sb.WriteString(fmt.Sprintf("\nServer version:\n%s\n", row.ServerSnapshot.Body))
	}
	return sb.String()
}

func formatConflicts(entries []notesync.OutboxEntry, client *notesync.Client) string {
	if len(entries) == 0 {
		return "No conflicts."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d unresolved conflicts:\n\n", len(entries)))
	for _, e := range entries {
		sb.WriteString(fmt.Sprintf("[entry %d] %s %s\n", e.ID, e.Op, e.EntityID))
		sb.WriteString(fmt.Sprintf("  local: %s\n", truncate(e.Data.Body, 100)))
		if row, err := client.GetNote(e.EntityID); err == nil && row.ServerSnapshot != nil {
			sb.WriteString(fmt.Sprintf("  server: %s\n", truncate(row.ServerSnapshot.Body, 100)))
		}
		if e.LastError != "" {
			sb.WriteString(fmt.Sprintf("  cause: %s\n", e.LastError))
		}
	}
	sb.WriteString("\nUse notes_resolve with keep_local or accept_remote to settle each entry.")
	return sb.String()
}

func titleOf(rec *notesync.Record) string {
	if rec.Title != "" {
		return rec.Title
	}
	return truncate(rec.Body, 60)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// toStringSlice converts various array types to []string.
func toStringSlice(v any) []string {
	if v == nil {
		return nil
	}

	switch arr := v.(type) {
	case []string:
		return arr
	case []any:
		result := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}
