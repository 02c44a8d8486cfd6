package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/blob"
	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/telemetry"
)

// Sweeper periodically evicts sessions past their TTL, removing the registry
// entry, the session's artifact blobs, and its local upload directory. It
// runs decoupled from request handling; a per-session failure is logged and
// the sweep moves on.
type Sweeper struct {
	registry   *Registry
	store      blob.Store
	uploadsDir string
	ttl        time.Duration
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewSweeper wires a sweeper. The sweep interval and the session TTL are
// configured separately and need not be equal.
func NewSweeper(registry *Registry, store blob.Store, uploadsDir string, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:   registry,
		store:      store,
		uploadsDir: uploadsDir,
		ttl:        ttl,
		interval:   interval,
		now:        time.Now,
		logger:     logger,
	}
}

// Run loops until context cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce evicts every session whose age exceeds the TTL. The registry
// entry goes first so lookups racing the sweep behave as if the session
// never existed before its files disappear.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	expired := s.registry.Expired(s.now(), s.ttl)
	for _, id := range expired {
		s.registry.Evict(id)
		if err := s.store.DeleteAll(ctx, id); err != nil {
			s.logger.Warn("failed to remove session artifacts", "session_id", id, "error", err)
		}
		if s.uploadsDir != "" {
			if err := os.RemoveAll(filepath.Join(s.uploadsDir, id)); err != nil {
				s.logger.Warn("failed to remove session upload dir", "session_id", id, "error", err)
			}
		}
		telemetry.SessionsEvicted.Inc()
		s.logger.Info("evicted expired session", "session_id", id, "ttl", s.ttl)
	}
}
