package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/irisfeng/vapi-cn/internal/observability"
)

// ErrDuplicateSession is returned when a conversation already has a live
// session.
var ErrDuplicateSession = errors.New("relay: session already exists for conversation")

// Registry owns every live session, keyed by conversation id. It is injected
// wherever sessions need to be found or torn down.
type Registry struct {
	inactivity time.Duration
	metrics    *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(inactivity time.Duration, metrics *observability.Metrics) *Registry {
	return &Registry{
		inactivity: inactivity,
		metrics:    metrics,
		sessions:   make(map[string]*Session),
	}
}

// Add registers a session. A second live session for the same conversation is
// rejected; the caller decides whether to close the newcomer.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.ID()] = s
	r.metrics.ActiveSessions.Inc()
	r.metrics.SessionEvents.WithLabelValues("created").Inc()
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy closes and removes a session. Safe to call for ids that are already
// gone, and safe to call twice.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()

	if ok {
		s.Close()
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every live session. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
		r.metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// StartJanitor reaps sessions that have seen no client traffic for the
// inactivity window. Blocks until ctx is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapInactive()
		}
	}
}

func (r *Registry) reapInactive() {
	cutoff := time.Now().Add(-r.inactivity)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.LastActive().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		log.Printf("session %s: inactive, reaping", id)
		r.metrics.SessionEvents.WithLabelValues("reaped").Inc()
		r.Destroy(id)
	}
}
