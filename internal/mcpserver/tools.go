// Package mcpserver registers MCP tools that expose sync operations.
// It adapts the engine to the MCP SDK's tool handler interface so an
// agent can drive passes, inspect state, and resolve pending deletions.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vaultmirror/vaultmirror/internal/engine"
	"github.com/vaultmirror/vaultmirror/internal/store"
)

// defaultHistoryLimit bounds sync_history when the caller gives none.
const defaultHistoryLimit = 20

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, eng *engine.Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the current sync state: remote account, tracked file count, pending deletions, whether a pass is running, and the time of the last activity.",
	}, statusHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_run",
		Description: "Run one full two-way sync pass: scan both sides, reconcile, transfer, and detect local deletions. Fails if a pass is already running.",
	}, runHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_push",
		Description: "Upload every local file that is new or changed since the last sync. One-way: downloads nothing and detects no deletions.",
	}, pushHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_pull",
		Description: "Download every remote file that is new or changed since the last sync. One-way: uploads nothing; paths pending deletion are left alone.",
	}, pullHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_history",
		Description: "Return the most recent sync log entries, newest first: uploads, downloads, deletions, restores, and snapshots with their outcomes.",
	}, historyHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "deletions_list",
		Description: "List files deleted locally that still exist in the remote store and await a decision.",
	}, deletionsListHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "deletions_confirm",
		Description: "Permanently delete pending-deletion files from the remote store. With no paths, confirms every pending deletion.",
	}, deletionsConfirmHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "deletions_restore",
		Description: "Re-download pending-deletion files from the remote store back into the vault. Paths are required.",
	}, deletionsRestoreHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "snapshot_create",
		Description: "Archive the whole vault into a zip and upload it to the remote snapshots folder. Returns the remote path of the archive.",
	}, snapshotHandler(eng))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// RunInput has no parameters.
type RunInput struct{}

// HistoryInput holds parameters for sync_history.
type HistoryInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum entries to return, defaults to 20"`
}

// ListDeletionsInput has no parameters.
type ListDeletionsInput struct{}

// ConfirmInput holds parameters for deletions_confirm.
type ConfirmInput struct {
	Paths []string `json:"paths,omitempty" jsonschema:"vault-relative paths to confirm, empty confirms all pending deletions"`
}

// RestoreInput holds parameters for deletions_restore.
type RestoreInput struct {
	Paths []string `json:"paths" jsonschema:"required,vault-relative paths to restore"`
}

// SnapshotInput has no parameters.
type SnapshotInput struct{}

// --- Output types ---

// SyncResult summarizes one executed pass.
type SyncResult struct {
	Uploads    uint64 `json:"uploads"`
	Downloads  uint64 `json:"downloads"`
	Failures   uint64 `json:"failures"`
	BytesMoved uint64 `json:"bytes_moved"`
	Duration   string `json:"duration"`
}

// HistoryResult wraps sync log entries.
type HistoryResult struct {
	Total   int              `json:"total"`
	Entries []store.LogEntry `json:"entries"`
}

// DeletionsResult lists pending deletions.
type DeletionsResult struct {
	Total   int                     `json:"total"`
	Pending []store.PendingDeletion `json:"pending"`
}

// DeletionActionResult reports which paths a confirm or restore acted on.
type DeletionActionResult struct {
	Paths []string `json:"paths"`
	Count int      `json:"count"`
}

// SnapshotResult reports the uploaded archive.
type SnapshotResult struct {
	Path string `json:"path"`
}

func passResult(stats engine.Stats) *SyncResult {
	return &SyncResult{
		Uploads:    stats.Uploads,
		Downloads:  stats.Downloads,
		Failures:   stats.Failures,
		BytesMoved: stats.BytesMoved,
		Duration:   stats.Duration.Round(time.Millisecond).String(),
	}
}

// --- Handlers ---

func statusHandler(eng *engine.Engine) mcp.ToolHandlerFor[StatusInput, *engine.Status] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *engine.Status, error) {
		status, err := eng.Status(ctx)
		if err != nil {
			return nil, nil, err
		}
		return textResult(&status), &status, nil
	}
}

func runHandler(eng *engine.Engine) mcp.ToolHandlerFor[RunInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ RunInput) (*mcp.CallToolResult, *SyncResult, error) {
		stats, err := eng.FullSync(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := passResult(stats)
		return textResult(result), result, nil
	}
}

func pushHandler(eng *engine.Engine) mcp.ToolHandlerFor[RunInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ RunInput) (*mcp.CallToolResult, *SyncResult, error) {
		stats, err := eng.PushLocal(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := passResult(stats)
		return textResult(result), result, nil
	}
}

func pullHandler(eng *engine.Engine) mcp.ToolHandlerFor[RunInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ RunInput) (*mcp.CallToolResult, *SyncResult, error) {
		stats, err := eng.PullRemote(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := passResult(stats)
		return textResult(result), result, nil
	}
}

func historyHandler(eng *engine.Engine) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}

		entries, err := eng.History(limit)
		if err != nil {
			return nil, nil, err
		}

		result := &HistoryResult{Total: len(entries), Entries: entries}
		return textResult(result), result, nil
	}
}

func deletionsListHandler(eng *engine.Engine) mcp.ToolHandlerFor[ListDeletionsInput, *DeletionsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListDeletionsInput) (*mcp.CallToolResult, *DeletionsResult, error) {
		pending, err := eng.Deletions().Pending()
		if err != nil {
			return nil, nil, err
		}

		result := &DeletionsResult{Total: len(pending), Pending: pending}
		return textResult(result), result, nil
	}
}

func deletionsConfirmHandler(eng *engine.Engine) mcp.ToolHandlerFor[ConfirmInput, *DeletionActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConfirmInput) (*mcp.CallToolResult, *DeletionActionResult, error) {
		paths := input.Paths
		if len(paths) == 0 {
			pending, err := eng.Deletions().Pending()
			if err != nil {
				return nil, nil, err
			}

			for _, p := range pending {
				paths = append(paths, p.Path)
			}
		}

		if len(paths) > 0 {
			if err := eng.Deletions().Confirm(ctx, paths); err != nil {
				return nil, nil, err
			}
		}

		result := &DeletionActionResult{Paths: paths, Count: len(paths)}
		return textResult(result), result, nil
	}
}

func deletionsRestoreHandler(eng *engine.Engine) mcp.ToolHandlerFor[RestoreInput, *DeletionActionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RestoreInput) (*mcp.CallToolResult, *DeletionActionResult, error) {
		if len(input.Paths) == 0 {
			return nil, nil, errors.New("paths is required: restoring everything must be explicit")
		}

		if err := eng.Deletions().Restore(ctx, input.Paths); err != nil {
			return nil, nil, err
		}

		result := &DeletionActionResult{Paths: input.Paths, Count: len(input.Paths)}
		return textResult(result), result, nil
	}
}

func snapshotHandler(eng *engine.Engine) mcp.ToolHandlerFor[SnapshotInput, *SnapshotResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SnapshotInput) (*mcp.CallToolResult, *SnapshotResult, error) {
		target, err := eng.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &SnapshotResult{Path: target}
		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
