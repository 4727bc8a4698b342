package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a concrete failure produced at the transport boundary
// or by the gateway itself. The set is closed: classification never inspects
// message text.
type ErrorCode string

const (
	ErrBadRequest     ErrorCode = "BAD_REQUEST"     // 400
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"    // 401
	ErrForbidden      ErrorCode = "FORBIDDEN"       // 403
	ErrNotFound       ErrorCode = "NOT_FOUND"       // 404
	ErrValidation     ErrorCode = "VALIDATION"      // 422
	ErrNoSession      ErrorCode = "NO_SESSION"      // initialize returned no session id
	ErrToolError      ErrorCode = "TOOL_ERROR"      // tool reported isError
	ErrSessionInvalid ErrorCode = "SESSION_INVALID" // upstream rejected the session id
	ErrTimeout        ErrorCode = "TIMEOUT"         // per-call deadline exceeded
	ErrServerError    ErrorCode = "SERVER_ERROR"    // 5xx, 408, 429, JSON-RPC internal
	ErrTransport      ErrorCode = "TRANSPORT"       // dial, reset, EOF
	ErrParse          ErrorCode = "PARSE_ERROR"     // body had no parseable payload
	ErrCanceled       ErrorCode = "CANCELED"        // caller abandoned the call
	ErrInternal       ErrorCode = "INTERNAL"        // 500
)

// Kind is the taxonomy bucket a code belongs to. The UI picks its wording
// from the kind, never from the code.
type Kind string

const (
	KindPermanent      Kind = "PERMANENT_PROTOCOL"
	KindTransient      Kind = "TRANSIENT_NETWORK"
	KindSessionInvalid Kind = "SESSION_INVALID"
	KindMalformed      Kind = "MALFORMED_RESPONSE"
	KindCanceled       Kind = "CANCELED"
	KindInternal       Kind = "INTERNAL"
)

// KindFor returns the taxonomy kind of a code.
func KindFor(code ErrorCode) Kind {
	switch code {
	case ErrBadRequest, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrValidation, ErrNoSession, ErrToolError:
		return KindPermanent
	case ErrSessionInvalid:
		return KindSessionInvalid
	case ErrTimeout, ErrServerError, ErrTransport:
		return KindTransient
	case ErrParse:
		return KindMalformed
	case ErrCanceled:
		return KindCanceled
	default:
		return KindInternal
	}
}

// ProxyError represents a structured error with code, kind, status, and details.
type ProxyError struct {
	Code    ErrorCode
	Kind    Kind
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// UserMessage returns short wording suitable for the UI.
func (e *ProxyError) UserMessage() string {
	switch e.Kind {
	case KindPermanent:
		return "the request was rejected by the question-answering service"
	case KindTransient:
		return "the question-answering service is unavailable, try again"
	case KindSessionInvalid:
		return "the session with the question-answering service expired, try again"
	case KindMalformed:
		return "the question-answering service returned an unreadable answer"
	case KindCanceled:
		return "the request was canceled"
	default:
		return "an internal error occurred"
	}
}

func newError(code ErrorCode, status int, msg string, cause error) *ProxyError {
	return &ProxyError{
		Code:    code,
		Kind:    KindFor(code),
		Status:  status,
		Message: msg,
		Err:     cause,
	}
}

// WithDetail attaches a detail and returns the error for chaining.
func (e *ProxyError) WithDetail(key string, value any) *ProxyError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewBadRequest creates a 400 error for structurally invalid requests.
func NewBadRequest(msg string) *ProxyError {
	return newError(ErrBadRequest, 400, msg, nil)
}

// NewUnauthorized creates a 401 error.
func NewUnauthorized(msg string) *ProxyError {
	return newError(ErrUnauthorized, 401, msg, nil)
}

// NewForbidden creates a 403 error.
func NewForbidden(msg string) *ProxyError {
	return newError(ErrForbidden, 403, msg, nil)
}

// NewNotFound creates a 404 error for an unknown upstream resource or method.
func NewNotFound(msg string) *ProxyError {
	return newError(ErrNotFound, 404, msg, nil)
}

// NewValidation creates a 422 error for rejected parameters.
func NewValidation(msg string) *ProxyError {
	return newError(ErrValidation, 422, msg, nil)
}

// NewNoSession creates an error for a handshake that returned no session id.
func NewNoSession() *ProxyError {
	return newError(ErrNoSession, 502, "initialize response carried no session id", nil)
}

// NewToolError creates an error for a tool result flagged as failed.
func NewToolError(tool, msg string) *ProxyError {
	return newError(ErrToolError, 502, fmt.Sprintf("tool %s failed: %s", tool, msg), nil).
		WithDetail("tool", tool)
}

// NewSessionInvalid creates an error for a session id the upstream rejected.
func NewSessionInvalid(sessionID string) *ProxyError {
	return newError(ErrSessionInvalid, 409, "upstream rejected session", nil).
		WithDetail("session", sessionID)
}

// NewTimeout creates an error for a call that exceeded its deadline.
func NewTimeout(cause error) *ProxyError {
	return newError(ErrTimeout, 504, "upstream call timed out", cause)
}

// NewServerError creates an error for a failing upstream.
func NewServerError(status int, msg string) *ProxyError {
	return newError(ErrServerError, 503, msg, nil).WithDetail("upstream_status", status)
}

// NewTransport creates an error for a transport-level failure.
func NewTransport(cause error) *ProxyError {
	msg := "transport failure"
	if cause != nil {
		msg = cause.Error()
	}
	return newError(ErrTransport, 503, msg, cause)
}

// NewParse creates an error for a body with no parseable payload.
func NewParse(msg string, cause error) *ProxyError {
	return newError(ErrParse, 502, msg, cause)
}

// NewCanceled creates an error for a call the caller abandoned.
func NewCanceled(cause error) *ProxyError {
	return newError(ErrCanceled, 499, "request canceled", cause)
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *ProxyError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return newError(ErrInternal, 500, msg, err)
}

// As returns the ProxyError in err's chain, if any.
func As(err error) (*ProxyError, bool) {
	var pErr *ProxyError
	if stderrors.As(err, &pErr) {
		return pErr, true
	}
	return nil, false
}

// Is checks if an error is a ProxyError with the given code.
func Is(err error, code ErrorCode) bool {
	if pErr, ok := As(err); ok {
		return pErr.Code == code
	}
	return false
}

// Normalize converts any error into a ProxyError, keeping an existing
// classification when present.
func Normalize(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if pErr, ok := As(err); ok {
		return pErr
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return NewCanceled(err)
	}
	return NewInternal(err)
}
