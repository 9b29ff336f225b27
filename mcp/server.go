// Package mcp exposes an anchored client as MCP (Model Context Protocol)
// tools over stdio, so agents can read and write documents and drive sync.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dwaynemcyrus/anchored"
)

// Client is the part of *anchored.Client the tools drive.
type Client interface {
	Create(ctx context.Context, in anchored.CreateInput) (*anchored.Document, error)
	Get(ctx context.Context, id string) (*anchored.Document, error)
	List(ctx context.Context, filter anchored.ListFilter) ([]anchored.Document, error)
	Update(ctx context.Context, id string, patch anchored.Patch) (*anchored.Document, error)
	GetBody(ctx context.Context, id string) (*anchored.Body, error)
	SetBody(ctx context.Context, id, content string) (*anchored.Body, error)
	Sync(ctx context.Context) (*anchored.SyncStats, error)
	Status(ctx context.Context) anchored.SyncStatus
	FailedEntries() ([]anchored.QueueEntry, error)
}

// Server wraps the MCP server with anchored tools.
type Server struct {
	client    Client
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

var tools = []ToolInfo{
	{Name: "anchored_document_create", Description: "Create a document locally; it is pushed on the next sync"},
	{Name: "anchored_document_get", Description: "Read a document and its body from the local store"},
	{Name: "anchored_document_list", Description: "List local documents, most recently updated first"},
	{Name: "anchored_document_update", Description: "Patch a document's metadata or replace its body"},
	{Name: "anchored_sync", Description: "Run a sync now: push queued changes, then pull remote changes"},
	{Name: "anchored_status", Description: "Report the sync state and queue counts"},
	{Name: "anchored_queue_failed", Description: "List queue entries that exhausted their retries"},
}

// NewServer creates a new MCP server with anchored tools registered.
func NewServer(client Client, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{client: client}
	s.mcpServer = server.NewMCPServer(
		"anchored",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdin and stdout until stdin closes.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	handler, ok := s.handlers()[name]
	if !ok {
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	return handler(ctx, args)
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

func (s *Server) handlers() map[string]toolHandler {
	return map[string]toolHandler{
		"anchored_document_create": s.handleCreate,
		"anchored_document_get":    s.handleGet,
		"anchored_document_list":   s.handleList,
		"anchored_document_update": s.handleUpdate,
		"anchored_sync":            s.handleSync,
		"anchored_status":          s.handleStatus,
		"anchored_queue_failed":    s.handleQueueFailed,
	}
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("anchored_document_create",
		mcp.WithDescription("Create a document in the local store. The write is queued and pushed to the remote on the next sync."),
		mcp.WithString("type",
			mcp.Description("Document type, e.g. note, habit, timer"),
			mcp.Required(),
		),
		mcp.WithString("subtype",
			mcp.Description("Optional subtype within the type"),
		),
		mcp.WithString("title",
			mcp.Description("Document title"),
		),
		mcp.WithString("body",
			mcp.Description("Initial body content"),
		),
		mcp.WithArray("tags",
			mcp.Description("Tags to attach"),
			mcp.WithStringItems(),
		),
		mcp.WithObject("frontmatter",
			mcp.Description("Arbitrary metadata fields"),
		),
	), s.wrap(s.handleCreate))

	s.mcpServer.AddTool(mcp.NewTool("anchored_document_get",
		mcp.WithDescription("Read a document's metadata and body from the local store."),
		mcp.WithString("id",
			mcp.Description("Document ID"),
			mcp.Required(),
		),
	), s.wrap(s.handleGet))

	s.mcpServer.AddTool(mcp.NewTool("anchored_document_list",
		mcp.WithDescription("List local documents, most recently updated first. Trashed documents are only listed with status=trash."),
		mcp.WithString("type",
			mcp.Description("Filter by type"),
		),
		mcp.WithString("status",
			mcp.Description("Filter by status: active, archived, trash"),
			mcp.Enum(string(anchored.StatusActive), string(anchored.StatusArchived), string(anchored.StatusTrash)),
		),
		mcp.WithString("tag",
			mcp.Description("Filter by tag"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of documents (default: 20)"),
		),
	), s.wrap(s.handleList))

	s.mcpServer.AddTool(mcp.NewTool("anchored_document_update",
		mcp.WithDescription("Update a document. Only the given fields change; body replaces the content."),
		mcp.WithString("id",
			mcp.Description("Document ID"),
			mcp.Required(),
		),
		mcp.WithString("title",
			mcp.Description("New title"),
		),
		mcp.WithArray("tags",
			mcp.Description("Replacement tag set"),
			mcp.WithStringItems(),
		),
		mcp.WithObject("frontmatter",
			mcp.Description("Fields to merge into the frontmatter; null removes a field"),
		),
		mcp.WithString("body",
			mcp.Description("Replacement body content"),
		),
	), s.wrap(s.handleUpdate))

	s.mcpServer.AddTool(mcp.NewTool("anchored_sync",
		mcp.WithDescription("Run a sync now: push queued local changes, then pull remote changes. Requires a configured remote."),
	), s.wrap(s.handleSync))

	s.mcpServer.AddTool(mcp.NewTool("anchored_status",
		mcp.WithDescription("Report the sync state, last error and queue counts. Read-only."),
	), s.wrap(s.handleStatus))

	s.mcpServer.AddTool(mcp.NewTool("anchored_queue_failed",
		mcp.WithDescription("List queued changes that exhausted their retries and need attention. Read-only."),
	), s.wrap(s.handleQueueFailed))
}

func (s *Server) wrap(h toolHandler) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	}
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

func failed(format string, args ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Internal handlers

func (s *Server) handleCreate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	docType, _ := args["type"].(string)
	if docType == "" {
		return failed("type is required"), nil
	}
	in := anchored.CreateInput{
		Type:        docType,
		Subtype:     stringArg(args, "subtype"),
		Title:       stringArg(args, "title"),
		Tags:        toStringSlice(args["tags"]),
		Frontmatter: toFrontmatter(args["frontmatter"]),
	}
	if body, ok := args["body"].(string); ok {
		in.Body = &body
	}

	doc, err := s.client.Create(ctx, in)
	if err != nil {
		return failed("create failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Created %s [%s]: %s", doc.Type, doc.ID, displayTitle(doc))}, nil
}

func (s *Server) handleGet(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id := stringArg(args, "id")
	if id == "" {
		return failed("id is required"), nil
	}
	doc, err := s.client.Get(ctx, id)
	if errors.Is(err, anchored.ErrNotFound) {
		return failed("document %s not found", id), nil
	}
	if err != nil {
		return failed("get failed: %v", err), nil
	}
	body, err := s.client.GetBody(ctx, id)
	if err != nil && !errors.Is(err, anchored.ErrNotFound) {
		return failed("get body failed: %v", err), nil
	}
	return &ToolResult{Content: formatDocument(doc, body)}, nil
}

func (s *Server) handleList(ctx context.Context, args map[string]any) (*ToolResult, error) {
	filter := anchored.ListFilter{
		Type:   stringArg(args, "type"),
		Status: anchored.Status(stringArg(args, "status")),
		Tag:    stringArg(args, "tag"),
		Limit:  20,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return failed("invalid status: %s", filter.Status), nil
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		filter.Limit = int(limit)
	}

	docs, err := s.client.List(ctx, filter)
	if err != nil {
		return failed("list failed: %v", err), nil
	}
	if len(docs) == 0 {
		return &ToolResult{Content: "No documents found."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d documents:\n\n", len(docs))
	for i := range docs {
		d := &docs[i]
		marker := ""
		if d.IsDirty() {
			marker = " (unsynced)"
		}
		fmt.Fprintf(&sb, "[%s] %s %s%s\n", d.ID, d.Type, displayTitle(d), marker)
	}
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleUpdate(ctx context.Context, args map[string]any) (*ToolResult, error) {
	id := stringArg(args, "id")
	if id == "" {
		return failed("id is required"), nil
	}

	var patch anchored.Patch
	changed := false
	if title, ok := args["title"].(string); ok {
		patch.Title = &title
		changed = true
	}
	if _, ok := args["tags"]; ok {
		patch.Tags = toStringSlice(args["tags"])
		if patch.Tags == nil {
			patch.Tags = []string{}
		}
		changed = true
	}
	if fm := toFrontmatter(args["frontmatter"]); fm != nil {
		patch.Frontmatter = fm
		changed = true
	}
	body, hasBody := args["body"].(string)
	if !changed && !hasBody {
		return failed("nothing to update: give title, tags, frontmatter or body"), nil
	}

	var doc *anchored.Document
	var err error
	if changed {
		doc, err = s.client.Update(ctx, id, patch)
	} else {
		doc, err = s.client.Get(ctx, id)
	}
	if errors.Is(err, anchored.ErrNotFound) {
		return failed("document %s not found", id), nil
	}
	if err != nil {
		return failed("update failed: %v", err), nil
	}
	if hasBody {
		if _, err := s.client.SetBody(ctx, id, body); err != nil {
			return failed("update body failed: %v", err), nil
		}
	}
	return &ToolResult{Content: fmt.Sprintf("Updated [%s]: %s", doc.ID, displayTitle(doc))}, nil
}

func (s *Server) handleSync(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	stats, err := s.client.Sync(ctx)
	if err != nil {
		return failed("sync failed: %v", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf(
		"Sync completed: pushed %d, pulled %d documents and %d bodies, %d conflicts, %d failures",
		stats.Pushed, stats.Pulled, stats.PulledBodies, stats.Conflicts, stats.Failures,
	)}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ map[string]any) (*ToolResult, error) {
	st := s.client.Status(ctx)

	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s\n", st.State)
	if st.LastError != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.LastError)
	}
	if st.LastRunAt != nil {
		fmt.Fprintf(&sb, "Last run: %s\n", st.LastRunAt.Format("2006-01-02 15:04:05"))
	}
	if st.Cursor != nil {
		fmt.Fprintf(&sb, "Synced through: %s\n", st.Cursor.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&sb, "Queue: %d pending, %d retrying, %d failed", st.Pending, st.Retrying, st.Failed)
	return &ToolResult{Content: sb.String()}, nil
}

func (s *Server) handleQueueFailed(_ context.Context, _ map[string]any) (*ToolResult, error) {
	entries, err := s.client.FailedEntries()
	if err != nil {
		return failed("queue failed: %v", err), nil
	}
	if len(entries) == 0 {
		return &ToolResult{Content: "No failed queue entries."}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d failed entries:\n\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] %s %s %s after %d attempts\n", e.ID, e.Operation, e.Table, e.RecordID, e.RetryCount)
		if e.LastError != "" {
			fmt.Fprintf(&sb, "    %s\n", truncate(e.LastError, 200))
		}
	}
	return &ToolResult{Content: sb.String()}, nil
}

// Formatting functions

func formatDocument(doc *anchored.Document, body *anchored.Body) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n", doc.ID, displayTitle(doc))
	fmt.Fprintf(&sb, "  Type: %s", doc.Type)
	if doc.Subtype != "" {
		fmt.Fprintf(&sb, "/%s", doc.Subtype)
	}
	fmt.Fprintf(&sb, "\n  Status: %s\n  Version: %d\n", doc.Status, doc.Version)
	if len(doc.Tags) > 0 {
		fmt.Fprintf(&sb, "  Tags: %s\n", strings.Join(doc.Tags, ", "))
	}
	if doc.IsDirty() {
		sb.WriteString("  Unsynced local changes\n")
	}
	if len(doc.Frontmatter) > 0 {
		if fm, err := json.Marshal(doc.Frontmatter); err == nil {
			fmt.Fprintf(&sb, "  Frontmatter: %s\n", fm)
		}
	}
	if body != nil && body.Content != "" {
		sb.WriteString("\n")
		sb.WriteString(body.Content)
	}
	return sb.String()
}

func displayTitle(doc *anchored.Document) string {
	if doc.Title == "" {
		return "(untitled)"
	}
	return doc.Title
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// toStringSlice converts various array types to []string.
// Handles []any, []string, and nil.
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

func toFrontmatter(v any) anchored.Frontmatter {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	return anchored.Frontmatter(m)
}
