package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	_ "modernc.org/sqlite"
)

// Event is one lifecycle entry of a recording. Transcript text is never
// stored, only its length.
type Event struct {
	ID         int64
	SessionID  string
	Type       string
	Sequence   uint64
	TextLength int
	Code       string
	Message    string
	CreatedAt  time.Time
}

// Recording summarizes one recording session.
type Recording struct {
	SessionID   string
	Mode        string
	Outcome     string
	ErrorCode   string
	Partials    int
	FinalLength int
	StartedAt   time.Time
	EndedAt     time.Time
}

const (
	EventStarted = "started"
	EventFinal   = "final"
	EventError   = "error"
)

// Store wraps a SQLite-backed recording timeline.
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

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    session_id TEXT PRIMARY KEY,
    mode TEXT,
    outcome TEXT,
    error_code TEXT,
    partials INTEGER NOT NULL DEFAULT 0,
    final_length INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS recording_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    sequence INTEGER,
    text_length INTEGER,
    error_code TEXT,
    message TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES recordings(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_recording_events_session ON recording_events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginRecording ensures a recording row exists.
func (s *Store) BeginRecording(ctx context.Context, sessionID, mode string, startedAt time.Time) error {
	if !s.enabled() {
		return nil
	}
	if startedAt.IsZero() {
		startedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(session_id, mode, started_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, mode, startedAt.UTC())
	return err
}

// FinishRecording stores the outcome of a recording.
func (s *Store) FinishRecording(ctx context.Context, rec Recording) error {
	if !s.enabled() {
		return nil
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET outcome = ?, error_code = ?, partials = ?, final_length = ?, ended_at = ?
		 WHERE session_id = ?`,
		rec.Outcome, rec.ErrorCode, rec.Partials, rec.FinalLength, rec.EndedAt.UTC(), rec.SessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recording_events(session_id, event_type, sequence, text_length, error_code, message, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, int64(evt.Sequence), evt.TextLength, evt.Code, evt.Message, evt.CreatedAt.UTC())
	return err
}

// ListRecordingEvents retrieves up to limit events for a recording in insertion order.
func (s *Store) ListRecordingEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, sequence, text_length, error_code, message, created_at
		 FROM recording_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			seq     sql.NullInt64
			length  sql.NullInt64
			code    sql.NullString
			message sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &seq, &length, &code, &message, &created); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq.Int64)
		e.TextLength = int(length.Int64)
		e.Code = code.String
		e.Message = message.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecentRecordings returns up to limit recordings, newest first.
func (s *Store) RecentRecordings(ctx context.Context, limit int) ([]Recording, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, mode, outcome, error_code, partials, final_length, started_at, ended_at
		 FROM recordings ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recordings []Recording
	for rows.Next() {
		var (
			r                   Recording
			mode, outcome, code sql.NullString
			started             string
			ended               sql.NullString
		)
		if err := rows.Scan(&r.SessionID, &mode, &outcome, &code, &r.Partials, &r.FinalLength, &started, &ended); err != nil {
			return nil, err
		}
		r.Mode = mode.String
		r.Outcome = outcome.String
		r.ErrorCode = code.String
		r.StartedAt = parseTime(started)
		if ended.Valid {
			r.EndedAt = parseTime(ended.String)
		}
		recordings = append(recordings, r)
	}
	return recordings, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if !s.enabled() {
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

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE session_id IN (
			SELECT session_id FROM recordings ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
