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

	"github.com/loqalabs/habla/internal/config"
	_ "modernc.org/sqlite"
)

// Attempt is one practice attempt as recorded on this node. Audio payloads
// are not stored; the scoring service receives them over the bus.
type Attempt struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	Mode            string    `json:"mode"`
	Phrase          string    `json:"phrase,omitempty"`
	Format          string    `json:"format,omitempty"`
	Bytes           int       `json:"bytes,omitempty"`
	Duration        float64   `json:"duration,omitempty"`
	DecodedDuration float64   `json:"decoded_duration,omitempty"`
	Transcript      string    `json:"transcript,omitempty"`
	Confidence      float64   `json:"confidence,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed attempt history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. The ephemeral retention
// mode keeps nothing and opens no database.
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

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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
CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    phrase TEXT,
    format TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    duration_s REAL NOT NULL DEFAULT 0,
    decoded_duration_s REAL NOT NULL DEFAULT 0,
    transcript TEXT,
    confidence REAL NOT NULL DEFAULT 0,
    error_code TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_created ON attempts(created_at);
CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id, created_at);
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
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Append records an attempt and returns its row ID.
func (s *Store) Append(ctx context.Context, a Attempt) (int64, error) {
	if s.disabled() {
		return 0, nil
	}
	if a.SessionID == "" || a.Mode == "" {
		return 0, errors.New("attempt needs a session id and mode")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(session_id, mode, phrase, format, bytes, duration_s, decoded_duration_s,
		                      transcript, confidence, error_code, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Mode, a.Phrase, a.Format, a.Bytes, a.Duration, a.DecodedDuration,
		a.Transcript, a.Confidence, a.ErrorCode, a.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit attempts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT id, session_id, mode, phrase, format, bytes, duration_s, decoded_duration_s,
		transcript, confidence, error_code, created_at
		FROM attempts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// Session returns the attempts of one session in the order they were made.
func (s *Store) Session(ctx context.Context, sessionID string) ([]Attempt, error) {
	if s.disabled() {
		return nil, nil
	}
	return s.query(ctx, `SELECT id, session_id, mode, phrase, format, bytes, duration_s, decoded_duration_s,
		transcript, confidence, error_code, created_at
		FROM attempts WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var phrase, format, transcript, errorCode sql.NullString
		var created int64
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Mode, &phrase, &format, &a.Bytes, &a.Duration,
			&a.DecodedDuration, &transcript, &a.Confidence, &errorCode, &created); err != nil {
			return nil, err
		}
		a.Phrase = phrase.String
		a.Format = format.String
		a.Transcript = transcript.String
		a.ErrorCode = errorCode.String
		a.CreatedAt = time.UnixMilli(created).UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Prune applies configured retention (called on startup and after each
// recorded attempt).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, cutoff.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxAttempts > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM attempts WHERE id IN (
			SELECT id FROM attempts ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxAttempts)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks that the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
