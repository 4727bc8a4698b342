package web

import (
	"bytes"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/borges-library/borges/internal/errors"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// statusFor maps an error to its HTTP status. Upstream failures are
// reported by kind so the UI can tell "try again" from "rejected".
func statusFor(pErr *errors.ProxyError) int {
	switch pErr.Kind {
	case errors.KindTransient:
		return http.StatusServiceUnavailable
	case errors.KindMalformed:
		return http.StatusBadGateway
	case errors.KindSessionInvalid:
		return http.StatusConflict
	case errors.KindCanceled:
		return StatusClientClosedRequest
	case errors.KindInternal:
		return http.StatusInternalServerError
	}
	if pErr.Status > 0 {
		return pErr.Status
	}
	return http.StatusBadGateway
}

// renderError writes an error payload. Internal error messages are not
// exposed.
func renderError(w http.ResponseWriter, logger *slog.Logger, err error) {
	pErr := errors.Normalize(err)
	status := statusFor(pErr)

	errorObj := map[string]any{
		"code":    string(pErr.Code),
		"kind":    string(pErr.Kind),
		"message": pErr.UserMessage(),
		"status":  status,
	}
	if pErr.Code != errors.ErrInternal {
		errorObj["detail"] = pErr.Message
	}
	if status >= 500 {
		logger.Error("request failed", "code", pErr.Code, "error", err)
	}

	renderJSON(w, status, map[string]any{"error": errorObj})
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// formatTime formats a Unix timestamp as RFC 3339 UTC.
func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}
