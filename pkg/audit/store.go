// Package audit is the session audit store: a small, optional,
// best-effort record of session starts/ends/failures for operational
// history. It never backs live session state — the in-memory session
// registry never persists — this is purely an append-only trail
// written once at Ready and once more at Closed/Failed.
//
// Grounded on psubacz-dungeongate/pkg/database/database.go: the same
// multi-driver database/sql façade (sqlite/mysql/postgres behind one
// Open call), connection-pool configuration, and a background health
// check, trimmed to a single connection since an audit trail has no
// read-replica traffic to split.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/motionstream/motionstream/pkg/config"
)

// Record is one session's audit trail entry: written once at Ready
// and once more at Closed/Failed.
type Record struct {
	SessionID       string
	AnimatorKind    string
	SourceReference string
	CreatedAt       time.Time
	EndedAt         *time.Time
	FinalState      string
	FailureReason   string
}

// Store is the append-only audit connection.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger

	healthMu sync.RWMutex
	healthy  bool
}

// Open opens the backing database, configures the pool, and creates
// the audit table if missing. Returns a nil *Store (not an error) if
// cfg.Enabled is false — callers treat a nil Store as a no-op sink.
func Open(cfg config.AuditConfig, logger *slog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	driverName := driverNameFor(cfg.Driver)
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", cfg.Driver, err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping %s: %w", cfg.Driver, err)
	}

	if cfg.Pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	if cfg.Pool.ConnMaxLifetime != "" {
		if lifetime, err := time.ParseDuration(cfg.Pool.ConnMaxLifetime); err == nil {
			db.SetConnMaxLifetime(lifetime)
		}
	}

	s := &Store{db: db, driver: cfg.Driver, logger: logger, healthy: true}

	if err := s.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}

	go s.monitorHealth()

	return s, nil
}

func driverNameFor(driver string) string {
	switch driver {
	case "mysql":
		return "mysql"
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "sqlite3"
	}
}

func (s *Store) createTable() error {
	var ddl string
	if s.driver == "postgres" || s.driver == "postgresql" {
		ddl = `CREATE TABLE IF NOT EXISTS session_audit_log (
			id SERIAL PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			animator_kind VARCHAR(100) NOT NULL,
			source_reference TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			final_state VARCHAR(50),
			failure_reason TEXT
		)`
	} else {
		ddl = `CREATE TABLE IF NOT EXISTS session_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id VARCHAR(255) NOT NULL,
			animator_kind VARCHAR(100) NOT NULL,
			source_reference TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			final_state VARCHAR(50),
			failure_reason TEXT
		)`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

// RecordCreated inserts a row when a session reaches Ready.
func (s *Store) RecordCreated(ctx context.Context, sessionID, animatorKind, sourceReference string, createdAt time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_audit_log (session_id, animator_kind, source_reference, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, animatorKind, sourceReference, createdAt,
	)
	if err != nil {
		s.logger.Warn("audit: failed to record session creation", "session_id", sessionID, "error", err)
	}
	return err
}

// RecordEnded updates the most recent open row for sessionID with its
// terminal state (Closed or Failed) and, if any, the failure reason.
// Best-effort: the audit store is optional, so callers swallow the
// error — failures here never affect the core.
func (s *Store) RecordEnded(ctx context.Context, sessionID, finalState, failureReason string, endedAt time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_audit_log SET ended_at = ?, final_state = ?, failure_reason = ?
		 WHERE session_id = ? AND ended_at IS NULL`,
		endedAt, finalState, failureReason, sessionID,
	)
	if err != nil {
		s.logger.Warn("audit: failed to record session end", "session_id", sessionID, "error", err)
	}
	return err
}

// IsHealthy reports the last background health check result.
func (s *Store) IsHealthy() bool {
	if s == nil {
		return true
	}
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

func (s *Store) monitorHealth() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.db.PingContext(ctx)
		cancel()

		s.healthMu.Lock()
		s.healthy = err == nil
		s.healthMu.Unlock()

		if err != nil {
			s.logger.Warn("audit: health check failed", "error", err)
		}
	}
}

// Close closes the backing connection. Safe to call on a nil Store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
