package pushsession

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one registered push session.
type Session struct {
	ID        string
	Transport Transport
	LastSeen  time.Time
}

// Registry owns the id → push session map. All mutation funnels through its
// methods; nothing else touches the map.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the slog logger. If not provided, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers transport under a fresh unique id and returns the id.
func (r *Registry) Create(t Transport) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = &Session{ID: id, Transport: t, LastSeen: r.now()}
	r.mu.Unlock()
	r.log.Info("pushsession.create", slog.String("session_id", id))
	return id
}

// Attach binds transport to an existing id, tearing down the prior transport
// first so exactly one transport is live per id. If the id is unknown the
// session is (re)created under it, which lets a client resume a known id
// after the server dropped it.
func (r *Registry) Attach(id string, t Transport) error {
	if id == "" {
		return fmt.Errorf("pushsession: empty session id")
	}
	r.mu.Lock()
	prior, ok := r.sessions[id]
	r.sessions[id] = &Session{ID: id, Transport: t, LastSeen: r.now()}
	r.mu.Unlock()

	if ok && prior.Transport != nil && !prior.Transport.Closed() {
		if err := prior.Transport.Close(); err != nil {
			r.log.Warn("pushsession.attach.close_prior.fail",
				slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
	r.log.Info("pushsession.attach", slog.String("session_id", id), slog.Bool("replaced", ok))
	return nil
}

// Get returns the session for id, refreshing its liveness timestamp as a side
// effect of the lookup.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	s.LastSeen = r.now()
	return s, true
}

// Remove closes the session's transport (if still open) and deletes the
// entry. Removing an unknown id logs a warning and returns; it is not an
// error.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		r.log.Warn("pushsession.remove.miss", slog.String("session_id", id))
		return
	}
	if s.Transport != nil && !s.Transport.Closed() {
		if err := s.Transport.Close(); err != nil {
			r.log.Warn("pushsession.remove.close.fail",
				slog.String("session_id", id), slog.String("err", err.Error()))
		}
	}
	r.log.Info("pushsession.remove", slog.String("session_id", id))
}

// CleanupStale removes every session idle longer than maxIdle. A failure
// tearing one session down never stops the sweep.
func (r *Registry) CleanupStale(maxIdle time.Duration) {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.log.Info("pushsession.sweep", slog.String("session_id", id))
		r.Remove(id)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
