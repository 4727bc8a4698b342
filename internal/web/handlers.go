package web

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/borges-library/borges/internal/cache"
	"github.com/borges-library/borges/internal/db"
	"github.com/borges-library/borges/internal/errors"
	"github.com/borges-library/borges/internal/ops"
	"github.com/borges-library/borges/internal/query"
)

// Gateway answers queries for the API.
type Gateway interface {
	Query(ctx context.Context, text string, scopeIDs []string) (*query.Response, error)
	HealthCheck(ctx context.Context) *query.Health
	CacheStats() cache.Stats
	Forget(text string, scopeIDs []string) bool
	ClearCache()
}

// Handlers contains HTTP route handlers for the API.
type Handlers struct {
	gw      Gateway
	db      *sql.DB
	logger  *slog.Logger
	version string
}

// QueryRequest is the POST /api/query body.
type QueryRequest struct {
	Text     string   `json:"text"`
	ScopeIDs []string `json:"scope_ids"`
}

// QueryResponse is the POST /api/query result.
type QueryResponse struct {
	FromCache  bool        `json:"from_cache"`
	HitCount   int         `json:"hit_count"`
	Key        string      `json:"key"`
	DurationMS int64       `json:"duration_ms"`
	Result     QueryResult `json:"result"`
}

// QueryResult is the answer part of QueryResponse.
type QueryResult struct {
	Answer     string          `json:"answer"`
	AnswerHTML template.HTML   `json:"answer_html"`
	Data       json.RawMessage `json:"data,omitempty"`
	Scopes     []string        `json:"scopes"`
}

// HistoryItem is one journal entry in GET /api/history.
type HistoryItem struct {
	db.QueryRecord
	Created string `json:"created"`
}

// HandleQuery handles POST /api/query.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			renderError(w, h.logger, errors.NewBadRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		renderError(w, h.logger, errors.NewBadRequest("invalid JSON body: "+err.Error()))
		return
	}

	resp, err := h.gw.Query(r.Context(), req.Text, req.ScopeIDs)
	if err != nil {
		renderError(w, h.logger, err)
		return
	}

	renderJSON(w, http.StatusOK, QueryResponse{
		FromCache:  resp.FromCache,
		HitCount:   resp.HitCount,
		Key:        resp.Key,
		DurationMS: resp.Duration.Milliseconds(),
		Result: QueryResult{
			Answer:     resp.Result.Answer,
			AnswerHTML: renderMarkdown(resp.Result.Answer),
			Data:       resp.Result.Data,
			Scopes:     resp.Result.Scopes,
		},
	})
}

// HandleHealth handles GET /api/health. A down upstream answers 503.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.gw.HealthCheck(r.Context())
	status := http.StatusOK
	if health.Status == query.HealthDown {
		status = http.StatusServiceUnavailable
	}
	renderJSON(w, status, health)
}

// HandleCacheStats handles GET /api/cache/stats.
func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, h.gw.CacheStats())
}

// HandleClearCache handles DELETE /api/cache.
func (h *Handlers) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	h.gw.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

// HandleForget handles DELETE /api/cache/entry. The body names the query
// the same way POST /api/query does.
func (h *Handlers) HandleForget(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		renderError(w, h.logger, errors.NewBadRequest("invalid JSON body: "+err.Error()))
		return
	}
	if !h.gw.Forget(req.Text, req.ScopeIDs) {
		renderError(w, h.logger, errors.NewNotFound("no cached answer for this query"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory handles GET /api/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		renderError(w, h.logger, errors.NewNotFound("query history is disabled"))
		return
	}

	result, err := ops.History(h.db, ops.HistoryInput{
		Kind:   r.URL.Query().Get("kind"),
		Limit:  parseIntParam(r, "limit", ops.DefaultHistoryLimit),
		Offset: parseIntParam(r, "offset", 0),
	})
	if err != nil {
		renderError(w, h.logger, err)
		return
	}

	items := make([]HistoryItem, len(result.Items))
	for i, rec := range result.Items {
		items[i] = HistoryItem{QueryRecord: rec, Created: formatTime(rec.CreatedAt)}
	}

	renderJSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": result.Pagination,
		"sort":       result.Sort,
	})
}

// HandleVersion handles GET /api/version.
func (h *Handlers) HandleVersion(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
