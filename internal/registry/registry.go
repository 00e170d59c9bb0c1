// Package registry multiplexes sandbox sessions by id.
//
// A Registry owns every live provider. It creates providers on demand through
// a backend factory, reattaches to previously provisioned environments when
// the backend supports it, tracks access recency, and tears sessions down
// without letting one failure block the others. Each session carries its own
// existing-file tracker so file knowledge never leaks between sandboxes.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aaron-ailabs/space/internal/provider"
	"github.com/aaron-ailabs/space/internal/tracker"
)

const defaultConcurrency = 8

// Session is a snapshot of one registered sandbox.
type Session struct {
	ID           string
	Provider     provider.Provider
	Files        *tracker.Tracker
	CreatedAt    time.Time
	LastAccessed time.Time
}

type entry struct {
	provider     provider.Provider
	files        *tracker.Tracker
	createdAt    time.Time
	lastAccessed time.Time
}

func (e *entry) session(id string) Session {
	return Session{
		ID:           id,
		Provider:     e.provider,
		Files:        e.files,
		CreatedAt:    e.createdAt,
		LastAccessed: e.lastAccessed,
	}
}

// Registry holds the session map and the active session id.
// activeID is either empty or a key of sessions.
type Registry struct {
	factory     provider.Factory
	logger      *slog.Logger
	metrics     *Metrics
	concurrency int
	now         func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*entry
	activeID string
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records session and soft-failure metrics.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithConcurrency bounds the TerminateAll fan-out.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// New creates an empty Registry.
func New(factory provider.Factory, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{
		factory:     factory,
		logger:      logger,
		concurrency: defaultConcurrency,
		now:         time.Now,
		sessions:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreateProvider returns the provider of session id, touching it. On a
// miss it builds a provider through the factory and, when the backend can
// reconnect, tries to reattach to an environment previously provisioned
// under id; a successful reattach registers the session and makes it
// active. A failed reconnect is logged and the fresh, unregistered provider
// is returned. Factory errors propagate. Concurrent misses on one id share
// a single construction.
func (r *Registry) GetOrCreateProvider(ctx context.Context, id string) (provider.Provider, error) {
	if p, ok := r.touch(id); ok {
		return p, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if p, ok := r.touch(id); ok {
			return p, nil
		}

		p, err := r.factory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("creating sandbox %s: %w", id, err)
		}

		rc, ok := provider.As[provider.Reconnector](p)
		if !ok {
			return p, nil
		}
		found, err := rc.Reconnect(ctx, id)
		if err != nil {
			r.softFail("reconnect", id, err)
			return p, nil
		}
		if !found {
			return p, nil
		}
		r.logger.Info("sandbox reconnected", slog.String("sandbox_id", id))
		return r.registerIfAbsent(id, p), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(provider.Provider), nil
}

// RegisterSandbox inserts or overwrites session id and makes it active.
// Re-registering the same provider keeps the session's tracker and age.
func (r *Registry) RegisterSandbox(id string, p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.sessions[id]; ok && e.provider == p {
		e.lastAccessed = now
		r.activeID = id
		return
	} else if ok {
		r.logger.Warn("sandbox session replaced", slog.String("sandbox_id", id))
	}

	r.sessions[id] = &entry{
		provider:     p,
		files:        tracker.New(),
		createdAt:    now,
		lastAccessed: now,
	}
	r.activeID = id
	r.metrics.setSessions(len(r.sessions))
}

// registerIfAbsent registers p unless another caller registered id first,
// in which case the existing provider wins.
func (r *Registry) registerIfAbsent(id string, p provider.Provider) provider.Provider {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.lastAccessed = r.now()
		r.mu.Unlock()
		return e.provider
	}
	r.mu.Unlock()

	r.RegisterSandbox(id, p)
	return p
}

// GetActiveProvider returns the active session's provider, touching it.
func (r *Registry) GetActiveProvider() (provider.Provider, bool) {
	s, ok := r.Active()
	if !ok {
		return nil, false
	}
	return s.Provider, true
}

// Active returns the active session, touching it.
func (r *Registry) Active() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeID == "" {
		return Session{}, false
	}
	e, ok := r.sessions[r.activeID]
	if !ok {
		return Session{}, false
	}
	e.lastAccessed = r.now()
	return e.session(r.activeID), true
}

// Session returns session id without touching it.
func (r *Registry) Session(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session(id), true
}

// ActiveID returns the active session id, or "".
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// List returns every session ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, e.session(id))
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TerminateSandbox removes session id and terminates its provider. A
// termination failure is logged as a soft failure; the session is removed
// regardless. Reports whether the session existed.
func (r *Registry) TerminateSandbox(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		r.remove(id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.terminate(ctx, "terminate", id, e.provider)
	return true
}

// TerminateAll terminates every session concurrently. Sessions are removed
// and the active session cleared before any provider is terminated, so no
// caller is handed a provider that is shutting down. One session's failure
// never cancels or delays another.
func (r *Registry) TerminateAll(ctx context.Context) {
	r.mu.Lock()
	victims := make(map[string]*entry, len(r.sessions))
	for id, e := range r.sessions {
		victims[id] = e
		r.remove(id)
	}
	r.activeID = ""
	r.mu.Unlock()

	r.terminateEach(ctx, "terminate_all", victims)
}

// ReapIdle terminates sessions not accessed within maxIdle and returns their ids.
func (r *Registry) ReapIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	victims := make(map[string]*entry)
	for id, e := range r.sessions {
		if e.lastAccessed.Before(cutoff) {
			victims[id] = e
			r.remove(id)
		}
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}
	r.terminateEach(ctx, "reap", victims)

	ids := make([]string, 0, len(victims))
	for id := range victims {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	r.logger.Info("idle sandboxes reaped", slog.Any("sandbox_ids", ids))
	return ids
}

// terminateEach fans out terminations. Tasks never return an error so the
// group never cancels siblings.
func (r *Registry) terminateEach(ctx context.Context, op string, victims map[string]*entry) {
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for id, e := range victims {
		g.Go(func() error {
			r.terminate(ctx, op, id, e.provider)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Registry) terminate(ctx context.Context, op, id string, p provider.Provider) {
	if err := p.Terminate(ctx); err != nil {
		r.softFail(op, id, err)
		return
	}
	r.logger.Info("sandbox terminated", slog.String("sandbox_id", id), slog.String("op", op))
}

// Must be called with r.mu held.
func (r *Registry) remove(id string) {
	delete(r.sessions, id)
	if r.activeID == id {
		r.activeID = ""
	}
	r.metrics.setSessions(len(r.sessions))
}

// touch returns the provider of id and refreshes its access time.
func (r *Registry) touch(id string) (provider.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.lastAccessed = r.now()
	return e.provider, true
}

func (r *Registry) softFail(op, id string, err error) {
	sf := &SoftFailure{Op: op, SandboxID: id, Err: err}
	r.logger.Warn("sandbox soft failure", slog.Any("soft_failure", sf))
	r.metrics.softFailure(op)
}
