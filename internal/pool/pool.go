// Package pool keeps a small set of upstream sessions alive so callers do
// not pay a handshake per query.
//
// At most MaxSize sessions exist at once, counting idle, active and those
// still handshaking. When every slot is checked out, Acquire blocks until a
// lease ends or the caller's context is done; a session is never lent to two
// callers at the same time.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/borges-library/borges/internal/protocol"
)

// Defaults used when Options leave a field unset.
const (
	DefaultMaxSize      = 3
	DefaultTTL          = 5 * time.Minute
	DefaultReapInterval = 60 * time.Second

	terminateTimeout = 5 * time.Second
)

// ErrClosed is returned by Acquire once the pool is closed.
var ErrClosed = errors.New("pool: closed")

// Status is the lifecycle state of a pooled session.
type Status int

const (
	Idle Status = iota
	Active
	Expired
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Handle is a read-only snapshot of a pooled session.
type Handle struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	RequestCount int       `json:"request_count"`
	Status       Status    `json:"status"`
}

// Handshaker opens new upstream sessions.
type Handshaker interface {
	Handshake(ctx context.Context) (protocol.Session, error)
}

// Terminator is implemented by handshakers that can end a session on the
// upstream side. The pool calls it for sessions it drops.
type Terminator interface {
	Terminate(ctx context.Context, sess protocol.Session) error
}

// Options configures a Pool.
type Options struct {
	MaxSize      int
	TTL          time.Duration
	ReapInterval time.Duration

	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time

	Logger *slog.Logger

	// Registerer, when set, receives the pool metrics.
	Registerer prometheus.Registerer
}

// Stats is a snapshot of pool bookkeeping.
type Stats struct {
	Size        int   `json:"size"`
	Active      int   `json:"active"`
	Idle        int   `json:"idle"`
	Pending     int   `json:"pending"`
	MaxSize     int   `json:"max_size"`
	Created     int64 `json:"created"`
	Reaped      int64 `json:"reaped"`
	Invalidated int64 `json:"invalidated"`
}

type entry struct {
	sess       protocol.Session
	createdAt  time.Time
	lastUsedAt time.Time
	requests   int
	status     Status
}

func (e *entry) handle() Handle {
	return Handle{
		ID:           e.sess.ID,
		CreatedAt:    e.createdAt,
		LastUsedAt:   e.lastUsedAt,
		RequestCount: e.requests,
		Status:       e.status,
	}
}

// Pool lends upstream sessions to callers.
type Pool struct {
	hs      Handshaker
	term    Terminator
	maxSize int
	ttl     time.Duration
	reapInt time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *poolMetrics

	// slots holds one unit per checked-out or handshaking session.
	slots *semaphore.Weighted

	mu          sync.Mutex
	live        []*entry
	pending     int
	closed      bool
	created     int64
	reaped      int64
	invalidated int64
	stopReaper  context.CancelFunc
	reaperDone  chan struct{}

	terminations sync.WaitGroup
}

// New creates a pool that opens sessions with hs. When hs also implements
// Terminator, dropped sessions are terminated upstream.
func New(hs Handshaker, opts Options) (*Pool, error) {
	if hs == nil {
		return nil, errors.New("pool: handshaker required")
	}
	p := &Pool{
		hs:      hs,
		maxSize: opts.MaxSize,
		ttl:     opts.TTL,
		reapInt: opts.ReapInterval,
		now:     opts.Now,
		logger:  opts.Logger,
	}
	if t, ok := hs.(Terminator); ok {
		p.term = t
	}
	if p.maxSize <= 0 {
		p.maxSize = DefaultMaxSize
	}
	if p.ttl <= 0 {
		p.ttl = DefaultTTL
	}
	if p.reapInt <= 0 {
		p.reapInt = DefaultReapInterval
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	if opts.Registerer != nil {
		m, err := newPoolMetrics(opts.Registerer)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	p.slots = semaphore.NewWeighted(int64(p.maxSize))
	return p, nil
}

// Acquire lends a session. It reuses the most recently used idle session
// within its TTL, otherwise handshakes a new one. It blocks while all slots
// are checked out and returns ctx's error if ctx ends first. A failed
// handshake is returned unchanged and leaves no trace in the pool.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	waitStart := time.Now()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.metrics.observeWait(time.Since(waitStart).Seconds())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, ErrClosed
	}

	now := p.now()
	stale := p.dropStaleLocked(now)

	// A held slot guarantees live+pending < MaxSize whenever no idle
	// session is left, so a miss never needs to evict.
	if e := p.freshestIdleLocked(); e != nil {
		e.status = Active
		e.lastUsedAt = now
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.terminate(stale)
		return &Lease{pool: p, entry: e}, nil
	}
	p.pending++
	p.mu.Unlock()
	p.terminate(stale)

	sess, err := p.hs.Handshake(ctx)
	p.metrics.recordHandshake(err)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, ErrClosed
	}
	now = p.now()
	e := &entry{sess: sess, createdAt: now, lastUsedAt: now, status: Active}
	p.live = append(p.live, e)
	p.created++
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Debug("session created", "session", sess.ID)
	return &Lease{pool: p, entry: e}, nil
}

// dropStaleLocked removes idle sessions unused for longer than the TTL and
// returns them for termination.
func (p *Pool) dropStaleLocked(now time.Time) []protocol.Session {
	var stale []protocol.Session
	p.live = slices.DeleteFunc(p.live, func(e *entry) bool {
		if e.status != Idle || now.Sub(e.lastUsedAt) <= p.ttl {
			return false
		}
		e.status = Expired
		stale = append(stale, e.sess)
		return true
	})
	if n := len(stale); n > 0 {
		p.reaped += int64(n)
		p.metrics.recordReaped(n)
		p.updateGaugesLocked()
	}
	return stale
}

func (p *Pool) freshestIdleLocked() *entry {
	var best *entry
	for _, e := range p.live {
		if e.status == Idle && (best == nil || e.lastUsedAt.After(best.lastUsedAt)) {
			best = e
		}
	}
	return best
}

func (p *Pool) removeLocked(e *entry) {
	p.live = slices.DeleteFunc(p.live, func(x *entry) bool { return x == e })
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	var active, idle int
	for _, e := range p.live {
		switch e.status {
		case Active:
			active++
		case Idle:
			idle++
		}
	}
	p.metrics.updateSessions(active, idle)
}

// terminate ends dropped sessions upstream in the background. Nothing is
// started once the pool is closed.
func (p *Pool) terminate(sessions []protocol.Session) {
	if p.term == nil || len(sessions) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.terminations.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.terminations.Done()
		p.terminateNow(sessions)
	}()
}

func (p *Pool) terminateNow(sessions []protocol.Session) {
	if p.term == nil {
		return
	}
	for _, sess := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		if err := p.term.Terminate(ctx, sess); err != nil {
			p.logger.Debug("terminate session", "session", sess.ID, "error", err)
		}
		cancel()
	}
}

// Reap removes idle sessions past their TTL and returns how many it removed.
func (p *Pool) Reap() int {
	p.mu.Lock()
	stale := p.dropStaleLocked(p.now())
	p.mu.Unlock()

	if len(stale) > 0 {
		p.logger.Info("reaped idle sessions", "removed", len(stale))
	} else {
		p.logger.Debug("reaped idle sessions", "removed", 0)
	}
	p.terminate(stale)
	return len(stale)
}

// Start runs the background reaper every ReapInterval until ctx ends or
// Close is called. Calling Start more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stopReaper != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.stopReaper = cancel
	p.reaperDone = make(chan struct{})

	go func() {
		defer close(p.reaperDone)
		ticker := time.NewTicker(p.reapInt)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Reap()
			}
		}
	}()
}

// Close stops the reaper and drops every idle session. Sessions still on
// lease are dropped when their lease ends.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stop, done := p.stopReaper, p.reaperDone

	var idle []protocol.Session
	p.live = slices.DeleteFunc(p.live, func(e *entry) bool {
		if e.status != Idle {
			return false
		}
		e.status = Expired
		idle = append(idle, e.sess)
		return true
	})
	p.updateGaugesLocked()
	p.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	p.terminations.Wait()
	p.terminateNow(idle)
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:        len(p.live),
		Pending:     p.pending,
		MaxSize:     p.maxSize,
		Created:     p.created,
		Reaped:      p.reaped,
		Invalidated: p.invalidated,
	}
	for _, e := range p.live {
		switch e.status {
		case Active:
			s.Active++
		case Idle:
			s.Idle++
		}
	}
	return s
}

// Handles returns snapshots of the live sessions, oldest first.
func (p *Pool) Handles() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Handle, 0, len(p.live))
	for _, e := range p.live {
		out = append(out, e.handle())
	}
	slices.SortFunc(out, func(a, b Handle) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Lease is one caller's hold on a session. It must be ended exactly once
// with Release or Invalidate; further calls are no-ops.
type Lease struct {
	pool  *Pool
	entry *entry
	ended bool // guarded by pool.mu
}

// Session returns the leased session.
func (l *Lease) Session() protocol.Session {
	return l.entry.sess
}

// Handle returns a snapshot of the leased session.
func (l *Lease) Handle() Handle {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	return l.entry.handle()
}

// Release returns the session to the pool as idle.
func (l *Lease) Release() {
	p := l.pool
	p.mu.Lock()
	if l.ended {
		p.mu.Unlock()
		return
	}
	l.ended = true

	e := l.entry
	e.requests++
	e.lastUsedAt = p.now()
	if p.closed {
		e.status = Expired
		p.removeLocked(e)
	} else {
		e.status = Idle
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.slots.Release(1)
}

// Invalidate removes the session from the pool immediately, whatever its
// age. Use it when the upstream rejected the session.
func (l *Lease) Invalidate() {
	p := l.pool
	p.mu.Lock()
	if l.ended {
		p.mu.Unlock()
		return
	}
	l.ended = true

	e := l.entry
	e.status = Expired
	p.removeLocked(e)
	p.invalidated++
	p.metrics.recordInvalidated()
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.slots.Release(1)

	p.logger.Debug("session invalidated", "session", e.sess.ID)
	p.terminate([]protocol.Session{e.sess})
}
