// Package query is the entry point callers use to ask the upstream service a
// question. It composes the result cache, the session pool, the retry
// executor and the protocol client, and it is the only layer that turns
// failures into user-facing errors.
package query

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/borges-library/borges/internal/cache"
	"github.com/borges-library/borges/internal/db"
	"github.com/borges-library/borges/internal/errors"
	"github.com/borges-library/borges/internal/pool"
	"github.com/borges-library/borges/internal/protocol"
	"github.com/borges-library/borges/internal/retry"
)

// Argument names of the upstream query tool.
const (
	ArgQuery  = "query"
	ArgScopes = "commune_ids"
)

// Caller performs calls within an upstream session.
type Caller interface {
	Call(ctx context.Context, sess protocol.Session, toolName string, arguments map[string]any) (*protocol.ToolResult, error)
	Ping(ctx context.Context, sess protocol.Session) error
}

// SessionPool lends upstream sessions.
type SessionPool interface {
	Acquire(ctx context.Context) (*pool.Lease, error)
	Stats() pool.Stats
}

// Journal records query outcomes.
type Journal interface {
	Record(rec *db.QueryRecord) error
}

// Result is what a query produced upstream. It is the cached value.
type Result struct {
	Answer string          `json:"answer"`
	Data   json.RawMessage `json:"data,omitempty"`
	Scopes []string        `json:"scopes"`
	Tool   string          `json:"tool"`
}

// Response is returned by Query.
type Response struct {
	FromCache bool          `json:"from_cache"`
	HitCount  int           `json:"hit_count"`
	Key       string        `json:"key"`
	Result    Result        `json:"result"`
	Duration  time.Duration `json:"-"`
}

// Config holds the query settings.
type Config struct {
	// Tool is the upstream tool called for every query.
	Tool string
	// ToolArguments are added to every call. The query text and scope ids
	// override keys of the same name.
	ToolArguments map[string]any
	// CacheTTL is the lifetime of cached results. Zero uses the cache
	// default.
	CacheTTL time.Duration
	// Upstream names the upstream in health reports.
	Upstream string
}

// Deps are the collaborators of a Service.
type Deps struct {
	Client  Caller
	Pool    SessionPool
	Cache   *cache.Cache[Result]
	Retry   retry.Executor
	Config  Config
	Logger  *slog.Logger
	Journal Journal // optional
	Now     func() time.Time
}

// Service answers queries.
type Service struct {
	client  Caller
	pool    SessionPool
	cache   *cache.Cache[Result]
	retry   retry.Executor
	cfg     Config
	logger  *slog.Logger
	journal Journal
	now     func() time.Time

	inflight singleflight.Group
}

// New creates a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Client == nil:
		return nil, stderrors.New("query: client required")
	case d.Pool == nil:
		return nil, stderrors.New("query: pool required")
	case d.Cache == nil:
		return nil, stderrors.New("query: cache required")
	case strings.TrimSpace(d.Config.Tool) == "":
		return nil, stderrors.New("query: tool name required")
	}

	s := &Service{
		client:  d.Client,
		pool:    d.Pool,
		cache:   d.Cache,
		retry:   d.Retry,
		cfg:     d.Config,
		logger:  d.Logger,
		journal: d.Journal,
		now:     d.Now,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.retry.OnRetry == nil {
		s.retry.OnRetry = func(a retry.Attempt) {
			pErr := errors.Normalize(a.Err)
			s.logger.Warn("retrying upstream call",
				"op", a.Op,
				"attempt", a.Number,
				"delay", a.Delay,
				"code", pErr.Code,
				"error", a.Err,
			)
		}
	}
	return s, nil
}

// Query answers text within the given scopes. Results are served from the
// cache while fresh; identical concurrent misses share one upstream call.
func (s *Service) Query(ctx context.Context, text string, scopeIDs []string) (*Response, error) {
	start := s.now()
	text = strings.TrimSpace(text)
	scopes := normalizeScopes(scopeIDs)

	if text == "" {
		err := errors.NewBadRequest("query text is required")
		s.record(&db.QueryRecord{QueryText: text, ScopeIDs: scopes}, start, err)
		return nil, err
	}

	key := cache.Key(text, scopes)
	rec := &db.QueryRecord{CacheKey: key, QueryText: text, ScopeIDs: scopes}

	if entry, ok := s.cache.Get(key); ok {
		rec.FromCache = true
		s.record(rec, start, nil)
		return &Response{
			FromCache: true,
			HitCount:  entry.HitCount,
			Key:       key,
			Result:    entry.Value,
			Duration:  s.now().Sub(start),
		}, nil
	}

	result, err := s.fetchShared(ctx, key, text, scopes)
	if err != nil {
		pErr := s.finalError(ctx, err)
		s.record(rec, start, pErr)
		return nil, pErr
	}

	s.record(rec, start, nil)
	return &Response{
		Key:      key,
		Result:   result,
		Duration: s.now().Sub(start),
	}, nil
}

// fetchShared collapses concurrent misses for key into one upstream call.
// A waiter whose own context is still live retries alone when the shared
// call was abandoned by the caller that started it.
func (s *Service) fetchShared(ctx context.Context, key, text string, scopes []string) (Result, error) {
	ch := s.inflight.DoChan(key, func() (any, error) {
		result, err := s.fetch(ctx, key, text, scopes)
		if err != nil && ctx.Err() != nil {
			return nil, &abandonedError{err: err}
		}
		return result, err
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			var abandoned *abandonedError
			if stderrors.As(r.Err, &abandoned) {
				if ctx.Err() == nil {
					return s.fetch(ctx, key, text, scopes)
				}
				return Result{}, abandoned.err
			}
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

// abandonedError marks a shared fetch that failed because the caller that
// started it went away.
type abandonedError struct {
	err error
}

func (e *abandonedError) Error() string { return e.err.Error() }
func (e *abandonedError) Unwrap() error { return e.err }

// fetch calls upstream and stores a successful result.
func (s *Service) fetch(ctx context.Context, key, text string, scopes []string) (Result, error) {
	args := s.arguments(text, scopes)

	res, err := withSession(ctx, s, s.cfg.Tool, s.retry, func(ctx context.Context, sess protocol.Session) (*protocol.ToolResult, error) {
		return s.client.Call(ctx, sess, s.cfg.Tool, args)
	})
	if err != nil {
		return Result{}, err
	}

	result := buildResult(s.cfg.Tool, scopes, res)
	if err := s.cache.Set(key, result, s.cfg.CacheTTL); err != nil {
		if stderrors.Is(err, cache.ErrUnsizable) || stderrors.Is(err, cache.ErrTooLarge) {
			s.logger.Debug("cache bypass", "key", key, "error", err)
		} else {
			s.logger.Warn("cache store failed", "key", key, "error", err)
		}
	}
	return result, nil
}

func (s *Service) arguments(text string, scopes []string) map[string]any {
	args := make(map[string]any, len(s.cfg.ToolArguments)+2)
	maps.Copy(args, s.cfg.ToolArguments)
	args[ArgQuery] = text
	ids := scopes
	if ids == nil {
		ids = []string{}
	}
	args[ArgScopes] = ids
	return args
}

// withSession runs fn on a leased session under the retry budget. A session
// the upstream rejects is invalidated and fn gets exactly one more run on a
// fresh session with a fresh budget. Handshakes are retried with the same
// budget as calls.
func withSession[T any](ctx context.Context, s *Service, op string, ex retry.Executor, fn func(context.Context, protocol.Session) (T, error)) (T, error) {
	var zero T
	classify := upstreamClassifier()

	for rejected := 0; ; rejected++ {
		lease, err := retry.Run(ctx, ex, op+": handshake", s.pool.Acquire, acquireClassifier())
		if err != nil {
			return zero, err
		}

		sess := lease.Session()
		out, err := retry.Run(ctx, ex, op, func(ctx context.Context) (T, error) {
			return fn(ctx, sess)
		}, classify)

		switch {
		case err == nil:
			lease.Release()
			return out, nil
		case errors.Is(err, errors.ErrSessionInvalid):
			lease.Invalidate()
			if rejected == 0 {
				s.logger.Info("session rejected upstream, retrying with a new session", "session", sess.ID, "op", op)
				continue
			}
			return zero, err
		case refusedAtTransport(err):
			lease.Invalidate()
			return zero, err
		default:
			lease.Release()
			return zero, err
		}
	}
}

// refusedAtTransport reports whether the upstream refused a request with a
// client-error status. The session that carried it is not reused.
func refusedAtTransport(err error) bool {
	pErr, ok := errors.As(err)
	if !ok || pErr.Kind != errors.KindPermanent {
		return false
	}
	_, ok = pErr.Details["upstream_status"]
	return ok
}

// upstreamClassifier extends protocol.Classify so an unparseable response
// is retried once and then treated as permanent.
func upstreamClassifier() retry.Classifier {
	malformedSeen := false
	return func(err error) retry.Class {
		if errors.Is(err, errors.ErrParse) {
			if malformedSeen {
				return retry.Permanent
			}
			malformedSeen = true
			return retry.Transient
		}
		return protocol.Classify(err)
	}
}

// acquireClassifier classifies handshake failures like call failures and
// never retries a closed pool.
func acquireClassifier() retry.Classifier {
	classify := upstreamClassifier()
	return func(err error) retry.Class {
		if stderrors.Is(err, pool.ErrClosed) {
			return retry.Permanent
		}
		return classify(err)
	}
}

// finalError tags err for the caller. A done context always reads as
// cancellation, whatever the last attempt reported.
func (s *Service) finalError(ctx context.Context, err error) *errors.ProxyError {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, errors.ErrCanceled) {
		return errors.NewCanceled(stderrors.Join(ctxErr, err))
	}
	if stderrors.Is(err, pool.ErrClosed) {
		return errors.NewInternal(err)
	}
	return errors.Normalize(err)
}

// record journals one outcome. Journal failures are logged only.
func (s *Service) record(rec *db.QueryRecord, start time.Time, err error) {
	if s.journal == nil {
		return
	}
	rec.DurationMS = s.now().Sub(start).Milliseconds()
	rec.Status = db.StatusOK
	if err != nil {
		pErr := errors.Normalize(err)
		rec.Status = db.StatusError
		rec.ErrorKind = string(pErr.Kind)
		rec.ErrorCode = string(pErr.Code)
	}
	if jErr := s.journal.Record(rec); jErr != nil {
		s.logger.Warn("journal write failed", "key", rec.CacheKey, "error", jErr)
	}
}

// Health status values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// Health reports whether the upstream answers.
type Health struct {
	Status    string           `json:"status"`
	Upstream  string           `json:"upstream,omitempty"`
	LatencyMS int64            `json:"latency_ms"`
	Retries   int              `json:"retries"`
	Pool      pool.Stats       `json:"pool"`
	Sessions  []pool.Handle    `json:"sessions"`
	Cache     cache.Stats      `json:"cache"`
	Error     string           `json:"error,omitempty"`
	Kind      errors.Kind      `json:"kind,omitempty"`
	Code      errors.ErrorCode `json:"code,omitempty"`
}

// HealthCheck pings the upstream on a pooled session under the normal retry
// budget. The upstream is "ok" when the first attempt succeeds, "degraded"
// when it needed retries and "down" when it failed.
func (s *Service) HealthCheck(ctx context.Context) *Health {
	start := s.now()

	var retries int
	ex := s.retry
	onRetry := ex.OnRetry
	ex.OnRetry = func(a retry.Attempt) {
		retries++
		if onRetry != nil {
			onRetry(a)
		}
	}

	_, err := withSession(ctx, s, "ping", ex, func(ctx context.Context, sess protocol.Session) (struct{}, error) {
		return struct{}{}, s.client.Ping(ctx, sess)
	})

	h := &Health{
		Status:    HealthOK,
		Upstream:  s.cfg.Upstream,
		LatencyMS: s.now().Sub(start).Milliseconds(),
		Retries:   retries,
		Pool:      s.pool.Stats(),
		Sessions:  s.pool.Handles(),
		Cache:     s.cache.Stats(),
	}
	switch {
	case err != nil:
		pErr := s.finalError(ctx, err)
		h.Status = HealthDown
		h.Error = pErr.UserMessage()
		h.Kind = pErr.Kind
		h.Code = pErr.Code
		s.logger.Warn("upstream health check failed", "code", pErr.Code, "error", err)
	case retries > 0:
		h.Status = HealthDegraded
	}
	return h
}

// CacheStats returns the cache snapshot.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Forget drops the cached result of one query. It reports whether an entry
// was present.
func (s *Service) Forget(text string, scopeIDs []string) bool {
	key := cache.Key(strings.TrimSpace(text), normalizeScopes(scopeIDs))
	removed := s.cache.Delete(key)
	if removed {
		s.logger.Info("cache entry dropped", "key", key)
	}
	return removed
}

// ClearCache drops every cached result.
func (s *Service) ClearCache() {
	s.cache.Clear()
	s.logger.Info("cache cleared")
}

// normalizeScopes trims, drops empty ids, sorts and removes duplicates.
func normalizeScopes(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// answerFields are the structured payload fields holding the answer text,
// in order of preference.
var answerFields = []string{"answer", "response"}

func buildResult(tool string, scopes []string, res *protocol.ToolResult) Result {
	r := Result{
		Answer: res.Text,
		Data:   res.Data,
		Scopes: scopes,
		Tool:   tool,
	}
	if r.Scopes == nil {
		r.Scopes = []string{}
	}
	if len(res.Data) == 0 {
		return r
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(res.Data, &fields); err != nil {
		return r
	}
	for _, name := range answerFields {
		var answer string
		if raw, ok := fields[name]; ok && json.Unmarshal(raw, &answer) == nil && strings.TrimSpace(answer) != "" {
			r.Answer = answer
			break
		}
	}
	return r
}
