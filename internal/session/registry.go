// Package session holds the in-memory registry of upload sessions and the
// background TTL sweep that evicts stale ones. Session state is ephemeral:
// nothing survives a process restart.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/models"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/telemetry"
)

// NotFoundError reports a lookup for a session that does not exist or has
// already been evicted. The two cases are indistinguishable on purpose.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.ID)
}

// Registry is the process-wide map of live sessions. All methods are safe
// for concurrent use; readers always see whole sessions, never partial
// updates.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	now      func() time.Time
	logger   *slog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*models.Session),
		now:      time.Now,
		logger:   logger,
	}
}

// Create registers a fresh session for an upload. An existing id is
// overwritten; ids are uuid-generated per upload so this does not happen in
// normal operation.
func (r *Registry) Create(id, uploadedFile, originalFilename string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if _, exists := r.sessions[id]; !exists {
		telemetry.ActiveSessions.Inc()
	}
	r.sessions[id] = &models.Session{
		ID:               id,
		UploadedFile:     uploadedFile,
		OriginalFilename: originalFilename,
		Stage:            models.StageUploaded,
		CreatedAt:        now,
		LastTouchedAt:    now,
	}
}

// Update applies fn to the session under the registry lock and touches its
// timestamp. An absent id is logged and ignored: a late update racing an
// eviction silently vanishes, matching the registry's best-effort contract.
func (r *Registry) Update(id string, fn func(*models.Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		r.logger.Warn("update for absent session dropped", "session_id", id)
		return
	}
	fn(s)
	s.LastTouchedAt = r.now()
}

// Get returns a copy of the session, or false if it does not exist.
func (r *Registry) Get(id string) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return *s, true
}

// Latest returns the session with the greatest last-touched timestamp, the
// most recently created one winning ties. False when the registry is empty.
func (r *Registry) Latest() (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *models.Session
	for _, s := range r.sessions {
		if latest == nil {
			latest = s
			continue
		}
		if s.LastTouchedAt.After(latest.LastTouchedAt) {
			latest = s
			continue
		}
		if s.LastTouchedAt.Equal(latest.LastTouchedAt) && s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return models.Session{}, false
	}
	return *latest, true
}

// Evict removes a session entry. Safe to call for an already-absent id.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		telemetry.ActiveSessions.Dec()
	}
}

// Expired returns ids of sessions whose age exceeds ttl at the given time.
func (r *Registry) Expired(now time.Time, ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, s := range r.sessions {
		if now.Sub(s.LastTouchedAt) > ttl {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
