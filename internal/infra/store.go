// Package infra provides the embedded operational store backing the
// dispatcher hot path: idempotency records, sliding-window rate
// counters, and the audit event log.
package infra

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store wraps the infra.db embedded database. All hot-path operations
// are single-statement, O(1) queries.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the database at path. ":memory:" is valid
// for tests.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open infra db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// on the concurrent dispatcher paths.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default().With("component", "infra"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			body_blob BLOB,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate (
			bucket TEXT PRIMARY KEY,
			window_start INTEGER NOT NULL,
			count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			time INTEGER NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT,
			metadata TEXT,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init infra db: %w", err)
		}
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HashBody computes the idempotency request hash.
func HashBody(channel, messageID, body string) string {
	h := sha256.Sum256([]byte(channel + "\x00" + messageID + "\x00" + body))
	return hex.EncodeToString(h[:])
}

// CheckAndRecord implements the idempotency check-and-set: it returns
// duplicate=true when an unexpired record with the same hash exists,
// and otherwise records the message with the given TTL.
func (s *Store) CheckAndRecord(ctx context.Context, key, hash string, body []byte, ttl time.Duration) (duplicate bool, err error) {
	now := s.now()

	var storedHash string
	var expiresAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT hash, expires_at FROM idempotency WHERE key = ?`, key,
	).Scan(&storedHash, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to insert.
	case err != nil:
		return false, fmt.Errorf("idempotency lookup: %w", err)
	default:
		if expiresAt > now.UnixMilli() && storedHash == hash {
			return true, nil
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO idempotency (key, hash, body_blob, expires_at) VALUES (?, ?, ?, ?)`,
		key, hash, body, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("idempotency insert: %w", err)
	}
	return false, nil
}

// Allow implements the sliding-window rate limit for bucket. When the
// request is over limit it returns allowed=false and how long the
// caller should wait.
func (s *Store) Allow(ctx context.Context, bucket string, window time.Duration, max int) (allowed bool, retryAfter time.Duration, err error) {
	if max <= 0 {
		return true, 0, nil
	}
	now := s.now().UnixMilli()

	var windowStart, count int64
	err = s.db.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate WHERE bucket = ?`, bucket,
	).Scan(&windowStart, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		windowStart, count = 0, 0
	case err != nil:
		return false, 0, fmt.Errorf("rate lookup: %w", err)
	}

	if now-windowStart >= window.Milliseconds() {
		// Window elapsed: start a new one.
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO rate (bucket, window_start, count) VALUES (?, ?, 1)`,
			bucket, now)
		if err != nil {
			return false, 0, fmt.Errorf("rate reset: %w", err)
		}
		return true, 0, nil
	}

	if count >= int64(max) {
		wait := time.Duration(windowStart+window.Milliseconds()-now) * time.Millisecond
		return false, wait, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE rate SET count = count + 1 WHERE bucket = ?`, bucket)
	if err != nil {
		return false, 0, fmt.Errorf("rate increment: %w", err)
	}
	return true, 0, nil
}

// RateCount returns the current in-window count for bucket.
func (s *Store) RateCount(ctx context.Context, bucket string, window time.Duration) (int, error) {
	var windowStart, count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate WHERE bucket = ?`, bucket,
	).Scan(&windowStart, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate count: %w", err)
	}
	if s.now().UnixMilli()-windowStart >= window.Milliseconds() {
		return 0, nil
	}
	return int(count), nil
}

// Event is one audit record.
type Event struct {
	Type     string
	Status   string
	Source   string
	Message  string
	Metadata map[string]any
}

// RecordEvent appends an audit event with the given retention TTL.
func (s *Store) RecordEvent(ctx context.Context, ev Event, ttl time.Duration) error {
	var metadata []byte
	if ev.Metadata != nil {
		var err error
		metadata, err = json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal event metadata: %w", err)
		}
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, time, status, source, message, metadata, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Type, now.UnixMilli(), ev.Status, ev.Source, ev.Message, string(metadata),
		now.Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// CountEvents returns how many unexpired events of the given type exist.
func (s *Store) CountEvents(ctx context.Context, eventType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE type = ? AND expires_at > ?`,
		eventType, s.now().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// PruneExpired removes expired idempotency records and events. Intended
// to run periodically off the hot path.
func (s *Store) PruneExpired(ctx context.Context) error {
	now := s.now().UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("prune idempotency: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE expires_at <= ?`, now); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}
