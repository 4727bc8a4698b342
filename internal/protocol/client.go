// Package protocol speaks MCP over streamable HTTP: JSON-RPC 2.0 requests
// POSTed to one endpoint, answered either by a single JSON body or by a
// text/event-stream body. The session id issued at initialize travels in the
// Mcp-Session-Id header.
//
// Every error this package returns is an *errors.ProxyError whose code was
// decided at the transport boundary from the HTTP status, the JSON-RPC error
// code, or the Go error value. Nothing inspects message text.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/borges-library/borges/internal/errors"
)

// Header names of the streamable HTTP transport.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
)

const (
	jsonrpcVersion = "2.0"

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsCall   = "tools/call"
	methodPing        = "ping"

	// DefaultCallTimeout is the hard deadline of one request.
	DefaultCallTimeout = 30 * time.Second

	maxBodyBytes    = 32 << 20
	maxErrorSnippet = 1024
)

// Session is the outcome of a successful handshake.
type Session struct {
	ID              string
	ProtocolVersion string
	ServerName      string
	ServerVersion   string
}

// ToolResult is the decoded payload of a tools/call response.
type ToolResult struct {
	// Text is the concatenation of the text contents.
	Text string
	// Data is the structured payload: structuredContent when the server sent
	// one, otherwise the first text content when it holds JSON.
	Data json.RawMessage
}

// Options configures a Client.
type Options struct {
	URL           string
	Token         string
	ClientName    string
	ClientVersion string
	CallTimeout   time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client performs the handshake and tool calls. It holds no session state;
// sessions belong to the caller (the pool).
type Client struct {
	url         string
	token       string
	info        mcp.Implementation
	callTimeout time.Duration
	http        *http.Client
	logger      *slog.Logger

	nextID atomic.Int64
}

// New creates a client for the endpoint in opts.URL.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("protocol: upstream url required")
	}
	c := &Client{
		url:         opts.URL,
		token:       opts.Token,
		info:        mcp.Implementation{Name: opts.ClientName, Version: opts.ClientVersion},
		callTimeout: opts.CallTimeout,
		http:        opts.HTTPClient,
		logger:      opts.Logger,
	}
	if c.info.Name == "" {
		c.info.Name = "borges"
	}
	if c.info.Version == "" {
		c.info.Version = "dev"
	}
	if c.callTimeout <= 0 {
		c.callTimeout = DefaultCallTimeout
	}
	if c.http == nil {
		hc, err := NewHTTPClient()
		if err != nil {
			return nil, err
		}
		c.http = hc
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// rpcRequest is the outgoing JSON-RPC envelope. Notifications have no ID.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is an incoming JSON-RPC message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// isResponseTo reports whether msg answers request id. Server-initiated
// requests and notifications never match.
func (m *rpcResponse) isResponseTo(id int64) bool {
	if m.Method != "" || len(m.ID) == 0 {
		return false
	}
	raw := strings.Trim(string(bytes.TrimSpace(m.ID)), `"`)
	return raw == strconv.FormatInt(id, 10)
}

// Handshake negotiates a new session. The session id comes from the
// response header; a response without one fails with NO_SESSION.
func (c *Client) Handshake(ctx context.Context) (Session, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      c.info,
		Capabilities:    mcp.ClientCapabilities{},
	}

	var sess Session
	msg, header, err := c.roundTrip(ctx, "", "", methodInitialize, params)
	if err != nil {
		return sess, err
	}

	sess.ID = header.Get(HeaderSessionID)
	if sess.ID == "" {
		return sess, errors.NewNoSession()
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return sess, errors.NewParse("malformed initialize result", err)
	}
	sess.ProtocolVersion = result.ProtocolVersion
	sess.ServerName = result.ServerInfo.Name
	sess.ServerVersion = result.ServerInfo.Version

	if err := c.notify(ctx, sess, methodInitialized); err != nil {
		// The server already holds the session.
		if tErr := c.Terminate(context.WithoutCancel(ctx), sess); tErr != nil {
			c.logger.Debug("terminate after failed handshake", "session", sess.ID, "error", tErr)
		}
		return Session{}, err
	}

	c.logger.Debug("session established",
		"session", sess.ID,
		"protocol_version", sess.ProtocolVersion,
		"server", sess.ServerName,
	)
	return sess, nil
}

// Call invokes a tool within an established session.
func (c *Client) Call(ctx context.Context, sess Session, toolName string, arguments map[string]any) (*ToolResult, error) {
	params := mcp.CallToolParams{
		Name:      toolName,
		Arguments: arguments,
	}

	msg, _, err := c.roundTrip(ctx, sess.ID, sess.ProtocolVersion, methodToolsCall, params)
	if err != nil {
		return nil, err
	}
	return decodeToolResult(toolName, msg.Result)
}

// Ping sends the lightweight ping request within a session.
func (c *Client) Ping(ctx context.Context, sess Session) error {
	_, _, err := c.roundTrip(ctx, sess.ID, sess.ProtocolVersion, methodPing, nil)
	return err
}

// Terminate asks the server to drop a session. Servers that do not support
// explicit termination answer 405, which is not an error.
func (c *Client) Terminate(ctx context.Context, sess Session) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodDelete, c.url, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	c.setHeaders(req, sess.ID, sess.ProtocolVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorSnippet))

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, sess.ID, "")
	}
	return nil
}

// notify sends a notification; any 2xx answer is accepted.
func (c *Client) notify(ctx context.Context, sess Session, method string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, Method: method})
	if err != nil {
		return errors.NewInternal(err)
	}
	resp, err := c.post(callCtx, sess.ID, sess.ProtocolVersion, body)
	if err != nil {
		return transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return nil
}

// roundTrip sends one request under the per-call deadline and returns the
// matching response message.
func (c *Client) roundTrip(ctx context.Context, sessionID, protocolVersion, method string, params any) (*rpcResponse, http.Header, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, nil, errors.NewInternal(err)
	}

	start := time.Now()
	resp, err := c.post(callCtx, sessionID, protocolVersion, body)
	if err != nil {
		return nil, nil, transportError(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	msg, err := readResponse(resp, id)
	if err != nil {
		return nil, nil, transportError(ctx, callCtx, err)
	}

	c.logger.Debug("rpc",
		"method", method,
		"id", id,
		"session", sessionID,
		"duration", time.Since(start),
	)

	if msg.Error != nil {
		return nil, nil, rpcErrorToProxy(method, msg.Error)
	}
	return msg, resp.Header, nil
}

// post sends body and returns the response when its status is 2xx. Other
// statuses are closed and mapped to errors; transport failures are returned
// raw for transportError.
func (c *Client) post(ctx context.Context, sessionID, protocolVersion string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	c.setHeaders(req, sessionID, protocolVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, sessionID, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request, sessionID, protocolVersion string) {
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	if protocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, protocolVersion)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// readResponse picks the decoder from the content type, falling back to
// sniffing the first byte when the server sent none.
func readResponse(resp *http.Response, id int64) (*rpcResponse, error) {
	body := io.LimitReader(resp.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(body, id)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if mediaType != "application/json" {
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '"' {
			return readEventStream(bytes.NewReader(data), id)
		}
	}
	return readJSONBody(data, id)
}

// decodeToolResult turns a tools/call result into a ToolResult.
func decodeToolResult(toolName string, raw json.RawMessage) (*ToolResult, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.NewParse("tools/call response carried no result", ErrNoPayload)
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, errors.NewParse("malformed tool result", err)
	}

	// isError and structuredContent are read from the raw result so the
	// structured payload keeps its original encoding.
	var extra struct {
		IsError           bool            `json:"isError"`
		StructuredContent json.RawMessage `json:"structuredContent"`
	}
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, errors.NewParse("malformed tool result", err)
	}

	texts := make([]string, 0, len(result.Content))
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, tc.Text)
		}
	}
	out := &ToolResult{Text: strings.Join(texts, "\n")}

	if extra.IsError || result.IsError {
		return nil, errors.NewToolError(toolName, out.Text)
	}

	if sc := bytes.TrimSpace(extra.StructuredContent); len(sc) > 0 && !bytes.Equal(sc, []byte("null")) {
		out.Data = json.RawMessage(sc)
	} else if len(texts) > 0 {
		out.Data = nestedJSON(texts[0])
	}
	return out, nil
}

// nestedJSON returns the JSON object or array held by text, decoding one
// extra string layer when the payload was encoded twice. It returns nil for
// plain prose.
func nestedJSON(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil
		}
		trimmed = strings.TrimSpace(inner)
		if trimmed == "" || !json.Valid([]byte(trimmed)) {
			return nil
		}
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil
	}
	return json.RawMessage(trimmed)
}

// statusError maps a non-2xx status to a code. A 400 or 404 to a request
// that carried a session id means the server no longer knows the session:
// stateful servers answer an unknown id with 400 and a terminated one with
// 404.
func statusError(status int, sessionID, snippet string) *errors.ProxyError {
	msg := fmt.Sprintf("upstream returned %d", status)
	if snippet != "" {
		msg = fmt.Sprintf("%s: %s", msg, snippet)
	}

	var err *errors.ProxyError
	switch {
	case (status == http.StatusNotFound || status == http.StatusBadRequest) && sessionID != "":
		err = errors.NewSessionInvalid(sessionID)
		if snippet != "" {
			err = err.WithDetail("upstream_message", snippet)
		}
	case status == http.StatusBadRequest:
		err = errors.NewBadRequest(msg)
	case status == http.StatusUnauthorized:
		err = errors.NewUnauthorized(msg)
	case status == http.StatusForbidden:
		err = errors.NewForbidden(msg)
	case status == http.StatusNotFound:
		err = errors.NewNotFound(msg)
	case status == http.StatusUnprocessableEntity:
		err = errors.NewValidation(msg)
	default:
		err = errors.NewServerError(status, msg)
	}
	return err.WithDetail("upstream_status", status)
}

// rpcErrorToProxy maps a JSON-RPC error object to a code.
func rpcErrorToProxy(method string, e *rpcError) *errors.ProxyError {
	msg := fmt.Sprintf("%s: %s (code %d)", method, e.Message, e.Code)

	var err *errors.ProxyError
	switch e.Code {
	case mcp.INVALID_REQUEST, mcp.INVALID_PARAMS:
		err = errors.NewValidation(msg)
	case mcp.METHOD_NOT_FOUND:
		err = errors.NewNotFound(msg)
	case mcp.PARSE_ERROR:
		err = errors.NewBadRequest(msg)
	default:
		err = errors.NewServerError(0, msg)
	}
	return err.WithDetail("rpc_code", e.Code)
}

// transportError classifies a failure of a request sent under callCtx, a
// deadline-bound child of ctx. Errors already classified pass through. A
// caller that gave up (ctx done) is told apart from a call that hit its own
// deadline.
func transportError(ctx, callCtx context.Context, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return errors.NewCanceled(stderrors.Join(ctx.Err(), err))
	}
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(callCtx.Err(), context.DeadlineExceeded),
		stderrors.As(err, &netErr) && netErr.Timeout():
		return errors.NewTimeout(err)
	case stderrors.Is(err, context.Canceled):
		return errors.NewCanceled(err)
	default:
		return errors.NewTransport(err)
	}
}
