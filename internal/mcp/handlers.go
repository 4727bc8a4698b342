package mcp

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/borges-library/borges/internal/cache"
	"github.com/borges-library/borges/internal/errors"
	"github.com/borges-library/borges/internal/ops"
	"github.com/borges-library/borges/internal/query"
)

// Gateway answers queries for the tool handlers.
type Gateway interface {
	Query(ctx context.Context, text string, scopeIDs []string) (*query.Response, error)
	HealthCheck(ctx context.Context) *query.Health
	CacheStats() cache.Stats
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	gw Gateway
	db *sql.DB // nil when the journal is disabled
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(gw Gateway, db *sql.DB) *Handlers {
	return &Handlers{gw: gw, db: db}
}

// QueryRequest represents the arguments for graph_query.
type QueryRequest struct {
	Text     string   `json:"text"`
	ScopeIDs []string `json:"scope_ids,omitempty"`
}

// HistoryRequest represents the arguments for graph_history.
type HistoryRequest struct {
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// QueryOutput is the graph_query result.
type QueryOutput struct {
	Answer    string          `json:"answer"`
	Data      json.RawMessage `json:"data,omitempty"`
	Scopes    []string        `json:"scopes"`
	FromCache bool            `json:"from_cache"`
	HitCount  int             `json:"hit_count"`
	Key       string          `json:"key"`
}

// HandleQuery handles the graph_query tool call.
func (h *Handlers) HandleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[QueryRequest](req)
	if err != nil {
		return errorResult(err), nil
	}

	resp, err := h.gw.Query(ctx, input.Text, input.ScopeIDs)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(QueryOutput{
		Answer:    resp.Result.Answer,
		Data:      resp.Result.Data,
		Scopes:    resp.Result.Scopes,
		FromCache: resp.FromCache,
		HitCount:  resp.HitCount,
		Key:       resp.Key,
	})
}

// HandleHealth handles the graph_health tool call. A down upstream is a
// successful report, not a tool error.
func (h *Handlers) HandleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := ctx.Err(); err != nil {
		return errorResult(errors.NewCanceled(err)), nil
	}
	return successResult(h.gw.HealthCheck(ctx))
}

// HandleCacheStats handles the graph_cache_stats tool call.
func (h *Handlers) HandleCacheStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.gw.CacheStats())
}

// HandleHistory handles the graph_history tool call.
func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryRequest](req)
	if err != nil {
		return errorResult(err), nil
	}
	if h.db == nil {
		return errorResult(errors.NewNotFound("query history is disabled")), nil
	}

	result, err := ops.History(h.db, ops.HistoryInput{
		Kind:   input.Kind,
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are not exposed.
func errorResult(err error) *mcp.CallToolResult {
	pErr := errors.Normalize(err)

	errorObj := map[string]any{
		"code":    pErr.Code,
		"kind":    pErr.Kind,
		"message": pErr.UserMessage(),
		"status":  pErr.Status,
	}
	if pErr.Code != errors.ErrInternal {
		errorObj["detail"] = err.Error()
		if pErr.Details != nil {
			errorObj["details"] = pErr.Details
		}
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
