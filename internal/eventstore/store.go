package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-chat/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline event types.
const (
	TypeSessionStart = "session_start"
	TypeTurn         = "turn"
	TypeFallback     = "fallback"
	TypeSessionEnd   = "session_end"
)

// Event is one recorded entry of a session timeline.
type Event struct {
	ID        int64
	SessionID string
	Turn      int
	Type      string
	UserText  string
	Reply     string
	CreatedAt time.Time
}

// Session is the stored summary of one conversation.
type Session struct {
	ID                 string
	PersonaID          string
	PersonaDescription string
	StartedAt          time.Time
	EndedAt            time.Time
}

// Store wraps a SQLite-backed conversation timeline. In ephemeral mode every
// call is a no-op so that nothing outlives a session.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
    persona_id TEXT,
    persona_description TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    turn INTEGER NOT NULL DEFAULT 0,
    event_type TEXT NOT NULL,
    user_text TEXT,
    reply TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
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

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordSessionStart creates or restarts the session row and opens its
// timeline.
func (s *Store) RecordSessionStart(ctx context.Context, sessionID, personaID, description string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, persona_id, persona_description, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   persona_id=excluded.persona_id,
		   persona_description=excluded.persona_description,
		   started_at=excluded.started_at,
		   ended_at=NULL`,
		sessionID, personaID, description, now)
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return s.appendEvent(ctx, Event{SessionID: sessionID, Type: TypeSessionStart, CreatedAt: now})
}

// RecordTurn appends one character turn. Fallback turns carry the fixed
// fallback text as reply.
func (s *Store) RecordTurn(ctx context.Context, sessionID string, turn int, userText, reply string, fallback bool) error {
	if s.disabled() {
		return nil
	}
	eventType := TypeTurn
	if fallback {
		eventType = TypeFallback
	}
	return s.appendEvent(ctx, Event{
		SessionID: sessionID,
		Turn:      turn,
		Type:      eventType,
		UserText:  userText,
		Reply:     reply,
	})
}

// RecordSessionEnd closes the session row.
func (s *Store) RecordSessionEnd(ctx context.Context, sessionID string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE session_id = ?`, now, sessionID)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// pruned while open
		return nil
	}
	return s.appendEvent(ctx, Event{SessionID: sessionID, Type: TypeSessionEnd, CreatedAt: now})
}

func (s *Store) appendEvent(ctx context.Context, evt Event) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, turn, event_type, user_text, reply, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Turn, evt.Type, evt.UserText, evt.Reply, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("append %s event: %w", evt.Type, err)
	}
	return nil
}

// GetSession returns the stored session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var (
		sess      Session
		started   string
		ended     sql.NullString
		personaID sql.NullString
		desc      sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, persona_id, persona_description, started_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &personaID, &desc, &started, &ended)
	if err != nil {
		return Session{}, err
	}
	sess.PersonaID = personaID.String
	sess.PersonaDescription = desc.String
	sess.StartedAt = parseTime(started)
	if ended.Valid {
		sess.EndedAt = parseTime(ended.String)
	}
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session in recording
// order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn, event_type, user_text, reply, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			userText sql.NullString
			reply    sql.NullString
			created  string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Turn, &e.Type, &userText, &reply, &created); err != nil {
			return nil, err
		}
		e.UserText = userText.String
		e.Reply = reply.String
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
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
		// nothing to prune
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func parseTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999 -0700 MST"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
