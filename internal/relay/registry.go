package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
)

// Registry tracks live sessions by connection id. It is the only state
// shared between sessions and is safe for concurrent use. Sessions are added
// when the client connects and remove themselves when they close.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s. It reports false if a session with the same connection id
// is already registered.
func (r *Registry) Add(s *Session) bool {
	return r.TryAdd(s, 0)
}

// TryAdd registers s unless limit is positive and already reached, or the
// connection id is taken.
func (r *Registry) TryAdd(s *Session, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.sessions) >= limit {
		return false
	}
	if _, ok := r.sessions[s.ConnID()]; ok {
		return false
	}
	r.sessions[s.ConnID()] = s
	return true
}

// Remove unregisters the session with connID. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connID)
}

// Get returns the session with connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a point-in-time view of every registered session, sorted
// by connection id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return strings.Compare(a.ConnID, b.ConnID)
	})
	return infos
}

// StopAll asks every registered session to stop.
func (r *Registry) StopAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Stop()
	}
}

// ServeHTTP lists the registered sessions as JSON.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	body, err := json.Marshal(struct {
		Sessions []SessionInfo `json:"sessions"`
	}{r.Snapshot()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		slog.Debug("sessions: write response", "err", err)
	}
}
