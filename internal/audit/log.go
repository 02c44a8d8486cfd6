// Package audit persists session lifecycle events to Postgres for
// operational inspection. The log is optional: a nil *Log drops every write,
// and callers treat failures as best-effort.
package audit

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Log appends session events to the session_events table.
type Log struct {
	pool *pgxpool.Pool
}

// Open creates a pooled connection and applies migrations. An empty DSN
// returns a nil log, which silently discards events.
func Open(ctx context.Context, dsn string) (*Log, error) {
	if dsn == "" {
		return nil, nil
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l := &Log{pool: pool}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := l.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Record appends one event row. A nil log is a no-op.
func (l *Log) Record(ctx context.Context, sessionID, event, detail string) error {
	if l == nil {
		return nil
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO session_events (session_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, sessionID, event, detail)
	return err
}

// Close releases the pool. Safe on a nil log.
func (l *Log) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}
