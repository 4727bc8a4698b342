package query

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borges-library/borges/internal/cache"
	"github.com/borges-library/borges/internal/db"
	"github.com/borges-library/borges/internal/errors"
	"github.com/borges-library/borges/internal/pool"
	"github.com/borges-library/borges/internal/protocol"
	"github.com/borges-library/borges/internal/retry"
)

// fakeUpstream hands out numbered sessions and answers calls through the
// configured hooks.
type fakeUpstream struct {
	mu         sync.Mutex
	handshakes int
	calls      []call
	pings      int

	handshakeFn func(n int) error
	callFn      func(ctx context.Context, n int, sess protocol.Session, args map[string]any) (*protocol.ToolResult, error)
	pingFn      func(n int) error
}

type call struct {
	session string
	tool    string
	args    map[string]any
}

func (f *fakeUpstream) Handshake(ctx context.Context) (protocol.Session, error) {
	f.mu.Lock()
	f.handshakes++
	n := f.handshakes
	fn := f.handshakeFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(n); err != nil {
			return protocol.Session{}, err
		}
	}
	return protocol.Session{ID: fmt.Sprintf("s%d", n)}, nil
}

func (f *fakeUpstream) Call(ctx context.Context, sess protocol.Session, toolName string, args map[string]any) (*protocol.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{session: sess.ID, tool: toolName, args: args})
	n := len(f.calls)
	fn := f.callFn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, n, sess, args)
	}
	return &protocol.ToolResult{Text: "answer to " + args[ArgQuery].(string)}, nil
}

func (f *fakeUpstream) Ping(ctx context.Context, sess protocol.Session) error {
	f.mu.Lock()
	f.pings++
	n := f.pings
	fn := f.pingFn
	f.mu.Unlock()

	if fn != nil {
		return fn(n)
	}
	return nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeUpstream) handshakeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshakes
}

type fakeJournal struct {
	mu      sync.Mutex
	records []db.QueryRecord
	err     error
}

func (j *fakeJournal) Record(rec *db.QueryRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *rec)
	return j.err
}

func (j *fakeJournal) all() []db.QueryRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]db.QueryRecord(nil), j.records...)
}

type fixture struct {
	svc     *Service
	up      *fakeUpstream
	pool    *pool.Pool
	cache   *cache.Cache[Result]
	journal *fakeJournal
}

type fixtureOption func(*Deps, *cache.Options[Result])

func withCacheBytes(n int64) fixtureOption {
	return func(_ *Deps, o *cache.Options[Result]) { o.MaxBytes = n }
}

func withToolArguments(args map[string]any) fixtureOption {
	return func(d *Deps, _ *cache.Options[Result]) { d.Config.ToolArguments = args }
}

func newFixture(t *testing.T, up *fakeUpstream, opts ...fixtureOption) *fixture {
	t.Helper()

	p, err := pool.New(up, pool.Options{MaxSize: 3})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	journal := &fakeJournal{}
	deps := Deps{
		Client: up,
		Pool:   p,
		Retry: retry.Executor{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
		},
		Config:  Config{Tool: "graph_query", Upstream: "http://upstream.test/mcp"},
		Journal: journal,
	}
	cacheOpts := cache.Options[Result]{MaxEntries: 10}
	for _, o := range opts {
		o(&deps, &cacheOpts)
	}

	c, err := cache.New(cacheOpts)
	require.NoError(t, err)
	deps.Cache = c

	svc, err := New(deps)
	require.NoError(t, err)
	return &fixture{svc: svc, up: up, pool: p, cache: c, journal: journal}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	up := &fakeUpstream{}
	c, err := cache.New(cache.Options[Result]{})
	require.NoError(t, err)
	p, err := pool.New(up, pool.Options{})
	require.NoError(t, err)

	cases := map[string]Deps{
		"client": {Pool: p, Cache: c, Config: Config{Tool: "t"}},
		"pool":   {Client: up, Cache: c, Config: Config{Tool: "t"}},
		"cache":  {Client: up, Pool: p, Config: Config{Tool: "t"}},
		"tool":   {Client: up, Pool: p, Cache: c},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(d)
			assert.Error(t, err)
		})
	}
}

func TestQuery_MissThenHit(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})
	ctx := context.Background()

	first, err := f.svc.Query(ctx, "taxes", []string{"Beta", "Alpha"})
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, "answer to taxes", first.Result.Answer)
	assert.Equal(t, []string{"Alpha", "Beta"}, first.Result.Scopes)
	assert.Equal(t, "graph_query", first.Result.Tool)

	second, err := f.svc.Query(ctx, "  taxes ", []string{"Alpha", "Beta", "Alpha"})
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, second.HitCount)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Result, second.Result)

	assert.Equal(t, 1, f.up.callCount())
	assert.Equal(t, 1, f.up.handshakeCount())
}

func TestQuery_ReusesSession(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})

	for i := range 4 {
		_, err := f.svc.Query(context.Background(), fmt.Sprintf("q%d", i), nil)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, f.up.callCount())
	assert.Equal(t, 1, f.up.handshakeCount())
	assert.Equal(t, 1, f.pool.Stats().Idle)
}

func TestQuery_Arguments(t *testing.T) {
	f := newFixture(t, &fakeUpstream{}, withToolArguments(map[string]any{
		"mode":  "global",
		"query": "ignored",
	}))

	_, err := f.svc.Query(context.Background(), "roads", nil)
	require.NoError(t, err)

	require.Len(t, f.up.calls, 1)
	got := f.up.calls[0]
	assert.Equal(t, "graph_query", got.tool)
	assert.Equal(t, "global", got.args["mode"])
	assert.Equal(t, "roads", got.args[ArgQuery])
	assert.Equal(t, []string{}, got.args[ArgScopes])
}

func TestQuery_EmptyText(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})

	_, err := f.svc.Query(context.Background(), "   ", []string{"Alpha"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
	assert.Equal(t, 0, f.up.handshakeCount())

	records := f.journal.all()
	require.Len(t, records, 1)
	assert.Equal(t, db.StatusError, records[0].Status)
	assert.Equal(t, string(errors.KindPermanent), records[0].ErrorKind)
}

func TestQuery_TransientExhaustsBudget(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(context.Context, int, protocol.Session, map[string]any) (*protocol.ToolResult, error) {
			return nil, errors.NewTransport(stderrors.New("connection reset"))
		},
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindTransient, errors.Normalize(err).Kind)
	assert.Equal(t, 3, up.callCount())
	assert.Equal(t, 0, f.cache.Stats().Count)

	// Failures are not cached.
	_, err = f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, 6, up.callCount())
}

func TestQuery_TransientThenSuccess(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(_ context.Context, n int, _ protocol.Session, _ map[string]any) (*protocol.ToolResult, error) {
			if n < 3 {
				return nil, errors.NewServerError(503, "busy")
			}
			return &protocol.ToolResult{Text: "finally"}, nil
		},
	}
	f := newFixture(t, up)

	resp, err := f.svc.Query(context.Background(), "taxes", nil)
	require.NoError(t, err)
	assert.Equal(t, "finally", resp.Result.Answer)
	assert.Equal(t, 3, up.callCount())
	assert.Equal(t, 1, up.handshakeCount())
}

func TestQuery_PermanentNotRetried(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(context.Context, int, protocol.Session, map[string]any) (*protocol.ToolResult, error) {
			return nil, errors.NewToolError("graph_query", "unknown commune")
		},
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrToolError))
	assert.Equal(t, errors.KindPermanent, errors.Normalize(err).Kind)
	assert.Equal(t, 1, up.callCount())

	// The session still works and goes back to the pool.
	assert.Equal(t, 1, f.pool.Stats().Idle)
}

func TestQuery_SessionInvalidUsesFreshSession(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(_ context.Context, _ int, sess protocol.Session, _ map[string]any) (*protocol.ToolResult, error) {
			if sess.ID == "s1" {
				return nil, errors.NewSessionInvalid(sess.ID)
			}
			return &protocol.ToolResult{Text: "ok"}, nil
		},
	}
	f := newFixture(t, up)

	resp, err := f.svc.Query(context.Background(), "taxes", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result.Answer)

	assert.Equal(t, 2, up.handshakeCount())
	assert.Equal(t, 2, up.callCount())
	assert.Equal(t, "s1", up.calls[0].session)
	assert.Equal(t, "s2", up.calls[1].session)

	stats := f.pool.Stats()
	assert.Equal(t, int64(1), stats.Invalidated)
	assert.Equal(t, 1, stats.Size)
}

func TestQuery_SessionInvalidTwice(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(_ context.Context, _ int, sess protocol.Session, _ map[string]any) (*protocol.ToolResult, error) {
			return nil, errors.NewSessionInvalid(sess.ID)
		},
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindSessionInvalid, errors.Normalize(err).Kind)
	assert.Equal(t, 2, up.handshakeCount())
	assert.Equal(t, 2, up.callCount())
	assert.Equal(t, 0, f.pool.Stats().Size)
}

func TestQuery_MalformedRetriedOnce(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(context.Context, int, protocol.Session, map[string]any) (*protocol.ToolResult, error) {
			return nil, errors.NewParse("no payload", nil)
		},
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformed, errors.Normalize(err).Kind)
	assert.Equal(t, 2, up.callCount())
}

func TestQuery_MalformedThenSuccess(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(_ context.Context, n int, _ protocol.Session, _ map[string]any) (*protocol.ToolResult, error) {
			if n == 1 {
				return nil, errors.NewParse("truncated", nil)
			}
			return &protocol.ToolResult{Text: "ok"}, nil
		},
	}
	f := newFixture(t, up)

	resp, err := f.svc.Query(context.Background(), "taxes", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result.Answer)
}

func TestQuery_HandshakeRetried(t *testing.T) {
	up := &fakeUpstream{
		handshakeFn: func(n int) error {
			if n == 1 {
				return errors.NewTransport(stderrors.New("dial refused"))
			}
			return nil
		},
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, up.handshakeCount())
	assert.Equal(t, "s2", up.calls[0].session)
}

func TestQuery_HandshakeRejected(t *testing.T) {
	up := &fakeUpstream{
		handshakeFn: func(int) error { return errors.NewUnauthorized("bad token") },
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	assert.Equal(t, 1, up.handshakeCount())
	assert.Equal(t, 0, up.callCount())
}

func TestQuery_RefusedSessionNotReused(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(context.Context, int, protocol.Session, map[string]any) (*protocol.ToolResult, error) {
			return nil, errors.NewForbidden("upstream returned 403").WithDetail("upstream_status", 403)
		},
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
	assert.Equal(t, 1, up.callCount())

	stats := f.pool.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Invalidated)
}

func TestQuery_MalformedHandshakeRetriedOnce(t *testing.T) {
	up := &fakeUpstream{
		handshakeFn: func(int) error { return errors.NewParse("malformed initialize result", nil) },
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformed, errors.Normalize(err).Kind)
	assert.Equal(t, 2, up.handshakeCount())
	assert.Equal(t, 0, up.callCount())
}

func TestQuery_ClosedPool(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})
	require.NoError(t, f.pool.Close())

	_, err := f.svc.Query(context.Background(), "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInternal, errors.Normalize(err).Kind)
	assert.Equal(t, 0, f.up.handshakeCount())
}

func TestQuery_CanceledContext(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Query(ctx, "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindCanceled, errors.Normalize(err).Kind)
	assert.Equal(t, 0, f.up.callCount())
}

func TestQuery_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up := &fakeUpstream{
		callFn: func(context.Context, int, protocol.Session, map[string]any) (*protocol.ToolResult, error) {
			cancel()
			return nil, errors.NewTransport(stderrors.New("reset"))
		},
	}
	f := newFixture(t, up)

	_, err := f.svc.Query(ctx, "taxes", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindCanceled, errors.Normalize(err).Kind)
	assert.Equal(t, 1, up.callCount())
}

func TestQuery_CacheBypassWhenTooLarge(t *testing.T) {
	f := newFixture(t, &fakeUpstream{}, withCacheBytes(8))

	resp, err := f.svc.Query(context.Background(), "taxes", nil)
	require.NoError(t, err)
	assert.Equal(t, "answer to taxes", resp.Result.Answer)
	assert.Equal(t, 0, f.cache.Stats().Count)

	resp, err = f.svc.Query(context.Background(), "taxes", nil)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 2, f.up.callCount())
}

func TestQuery_ConcurrentMissesShareOneCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	up := &fakeUpstream{
		callFn: func(ctx context.Context, _ int, _ protocol.Session, _ map[string]any) (*protocol.ToolResult, error) {
			started <- struct{}{}
			<-release
			return &protocol.ToolResult{Text: "shared"}, nil
		},
	}
	f := newFixture(t, up)

	const callers = 6
	var wg sync.WaitGroup
	results := make([]*Response, callers)
	errs := make([]error, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.svc.Query(context.Background(), "taxes", []string{"Alpha"})
	}()
	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.Query(context.Background(), "taxes", []string{"Alpha"})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i].Result.Answer)
	}
	assert.Equal(t, 1, up.callCount())
}

func TestQuery_AbandonedLeader(t *testing.T) {
	started := make(chan struct{}, 2)
	up := &fakeUpstream{
		callFn: func(ctx context.Context, n int, _ protocol.Session, _ map[string]any) (*protocol.ToolResult, error) {
			started <- struct{}{}
			if n == 1 {
				<-ctx.Done()
				return nil, errors.NewCanceled(ctx.Err())
			}
			return &protocol.ToolResult{Text: "follower"}, nil
		},
	}
	f := newFixture(t, up)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := f.svc.Query(leaderCtx, "taxes", nil)
		leaderErr <- err
	}()
	<-started

	followerResp := make(chan *Response, 1)
	followerErr := make(chan error, 1)
	go func() {
		resp, err := f.svc.Query(context.Background(), "taxes", nil)
		followerResp <- resp
		followerErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	err := <-leaderErr
	assert.Equal(t, errors.KindCanceled, errors.Normalize(err).Kind)

	require.NoError(t, <-followerErr)
	assert.Equal(t, "follower", (<-followerResp).Result.Answer)
}

func TestQuery_AnswerExtraction(t *testing.T) {
	tests := []struct {
		name string
		res  *protocol.ToolResult
		want string
	}{
		{"text only", &protocol.ToolResult{Text: "prose"}, "prose"},
		{"answer field", &protocol.ToolResult{Text: `{"answer":"a"}`, Data: json.RawMessage(`{"answer":"a","sources":[]}`)}, "a"},
		{"response field", &protocol.ToolResult{Text: "raw", Data: json.RawMessage(`{"response":"r"}`)}, "r"},
		{"answer preferred", &protocol.ToolResult{Data: json.RawMessage(`{"response":"r","answer":"a"}`)}, "a"},
		{"blank answer falls back", &protocol.ToolResult{Text: "raw", Data: json.RawMessage(`{"answer":"  ","response":"r"}`)}, "r"},
		{"non-string answer", &protocol.ToolResult{Text: "raw", Data: json.RawMessage(`{"answer":42}`)}, "raw"},
		{"array data", &protocol.ToolResult{Text: "raw", Data: json.RawMessage(`[1,2]`)}, "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildResult("graph_query", nil, tt.res)
			assert.Equal(t, tt.want, got.Answer)
			assert.Equal(t, []string{}, got.Scopes)
			assert.Equal(t, tt.res.Data, got.Data)
		})
	}
}

func TestQuery_Journal(t *testing.T) {
	up := &fakeUpstream{
		callFn: func(_ context.Context, _ int, _ protocol.Session, args map[string]any) (*protocol.ToolResult, error) {
			if args[ArgQuery] == "broken" {
				return nil, errors.NewToolError("graph_query", "boom")
			}
			return &protocol.ToolResult{Text: "ok"}, nil
		},
	}
	f := newFixture(t, up)
	ctx := context.Background()

	_, err := f.svc.Query(ctx, "taxes", []string{"Alpha"})
	require.NoError(t, err)
	_, err = f.svc.Query(ctx, "taxes", []string{"Alpha"})
	require.NoError(t, err)
	_, err = f.svc.Query(ctx, "broken", nil)
	require.Error(t, err)

	records := f.journal.all()
	require.Len(t, records, 3)

	assert.Equal(t, db.StatusOK, records[0].Status)
	assert.False(t, records[0].FromCache)
	assert.Equal(t, "taxes", records[0].QueryText)
	assert.Equal(t, []string{"Alpha"}, records[0].ScopeIDs)
	assert.NotEmpty(t, records[0].CacheKey)

	assert.True(t, records[1].FromCache)
	assert.Equal(t, records[0].CacheKey, records[1].CacheKey)

	assert.Equal(t, db.StatusError, records[2].Status)
	assert.Equal(t, string(errors.KindPermanent), records[2].ErrorKind)
	assert.Equal(t, string(errors.ErrToolError), records[2].ErrorCode)
}

func TestQuery_JournalFailureIgnored(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})
	f.journal.err = stderrors.New("disk full")

	resp, err := f.svc.Query(context.Background(), "taxes", nil)
	require.NoError(t, err)
	assert.Equal(t, "answer to taxes", resp.Result.Answer)
}

func TestHealthCheck(t *testing.T) {
	transient := errors.NewTimeout(context.DeadlineExceeded)

	tests := []struct {
		name        string
		pingFn      func(n int) error
		wantStatus  string
		wantRetries int
		wantKind    errors.Kind
	}{
		{"ok", nil, HealthOK, 0, ""},
		{"degraded", func(n int) error {
			if n == 1 {
				return transient
			}
			return nil
		}, HealthDegraded, 1, ""},
		{"down", func(int) error { return transient }, HealthDown, 2, errors.KindTransient},
		{"rejected", func(int) error { return errors.NewForbidden("no") }, HealthDown, 0, errors.KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fakeUpstream{pingFn: tt.pingFn})

			h := f.svc.HealthCheck(context.Background())
			assert.Equal(t, tt.wantStatus, h.Status)
			assert.Equal(t, tt.wantRetries, h.Retries)
			assert.Equal(t, tt.wantKind, h.Kind)
			assert.Equal(t, "http://upstream.test/mcp", h.Upstream)
			assert.Equal(t, 3, h.Pool.MaxSize)
			assert.Len(t, h.Sessions, h.Pool.Size)
			if tt.wantStatus == HealthDown {
				assert.NotEmpty(t, h.Error)
			} else {
				assert.Empty(t, h.Error)
			}
		})
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	f := newFixture(t, &fakeUpstream{})
	ctx := context.Background()

	_, err := f.svc.Query(ctx, "a", nil)
	require.NoError(t, err)
	_, err = f.svc.Query(ctx, "a", nil)
	require.NoError(t, err)

	stats := f.svc.CacheStats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, int64(1), stats.Hits)

	f.svc.ClearCache()
	assert.Equal(t, 0, f.svc.CacheStats().Count)

	resp, err := f.svc.Query(ctx, "a", nil)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
}

func TestForget(t *testing.T) {
	up := &fakeUpstream{}
	f := newFixture(t, up)
	ctx := context.Background()

	_, err := f.svc.Query(ctx, "roads", []string{"B", "A"})
	require.NoError(t, err)
	_, err = f.svc.Query(ctx, "schools", nil)
	require.NoError(t, err)

	assert.True(t, f.svc.Forget(" roads ", []string{"A", "B", "A"}), "same key after normalization")
	assert.False(t, f.svc.Forget("roads", []string{"A", "B"}))
	assert.Equal(t, 1, f.svc.CacheStats().Count)

	resp, err := f.svc.Query(ctx, "roads", []string{"A", "B"})
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	resp, err = f.svc.Query(ctx, "schools", nil)
	require.NoError(t, err)
	assert.True(t, resp.FromCache)
}

func TestNormalizeScopes(t *testing.T) {
	assert.Nil(t, normalizeScopes(nil))
	assert.Nil(t, normalizeScopes([]string{" ", ""}))
	assert.Equal(t, []string{"a", "b"}, normalizeScopes([]string{"b", " a", "b", ""}))
}
