package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrivelabs/scrive-core/internal/config"
)

// Kind labels a session timeline entry.
type Kind string

const (
	KindHypothesis Kind = "hypothesis"
	KindCommit     Kind = "commit"
	KindInjection  Kind = "injection"
	KindFallback   Kind = "fallback"
)

// Event is one recorded entry in a dictation session's timeline.
type Event struct {
	ID        int64
	SessionID string
	Kind      Kind
	Payload   []byte
	CreatedAt time.Time
}

// SessionInfo summarizes one recorded dictation session.
type SessionInfo struct {
	ID         string
	StartedAt  time.Time
	LastSeenAt time.Time
}

// Store keeps dictation session timelines in SQLite. Retention modes:
// "persistent" keeps history across restarts, "session" wipes previous
// runs at startup, "ephemeral" records nothing at all.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if err := s.wipe(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear previous sessions: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    last_seen_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_session_events_session_created ON session_events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// wipe removes all recorded sessions. Used by "session" retention, which
// keeps timelines only for the life of one daemon run.
func (s *Store) wipe(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_events`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the backing database is reachable.
func (s *Store) Healthy() bool {
	if s.db == nil {
		return true
	}
	return s.db.Ping() == nil
}

// TouchSession ensures a session row exists and refreshes its last-seen
// time.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at, last_seen_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_seen_at=excluded.last_seen_at`,
		sessionID, now, now)
	return err
}

// AppendEvent writes one timeline entry, creating the session row on the
// way when this is the first event for it.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, kind Kind, payload []byte) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at, last_seen_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET last_seen_at=excluded.last_seen_at`,
		sessionID, now, now); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_events(session_id, kind, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		sessionID, string(kind), payload, now); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListSessionEvents retrieves up to limit events for a session in insertion
// order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var kind string
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions retrieves the most recently active sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionInfo, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, started_at, last_seen_at
		 FROM sessions ORDER BY last_seen_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var started, seen string
		if err := rows.Scan(&info.ID, &started, &seen); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			info.StartedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, seen); err == nil {
			info.LastSeenAt = ts
		}
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention. Runs at startup and on a timer from
// the runtime.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE last_seen_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		// Oldest sessions beyond the cap go first; their events follow via
		// the cascade.
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY last_seen_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
