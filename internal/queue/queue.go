// Package queue keeps chunk upserts that failed so a later run can replay
// them with exponential backoff.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// FailedUpsert is everything needed to embed and upsert a chunk again.
type FailedUpsert struct {
	Key        string         `json:"key"`
	SourceID   string         `json:"source_id"`
	SourceName string         `json:"source_name"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
}

// Entry is a queued upsert with its retry bookkeeping.
type Entry struct {
	ID          int64
	Upsert      FailedUpsert
	Retries     int
	MaxRetries  int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
}

// Config holds queue configuration
type Config struct {
	Path           string        // Path to SQLite database file
	MaxRetries     int           // Maximum number of replays per chunk
	InitialBackoff time.Duration // Delay before the first replay
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff

	Now func() time.Time
}

// DefaultConfig returns the defaults for a state directory.
func DefaultConfig(stateDir string) Config {
	return Config{
		Path:           filepath.Join(stateDir, "failed_upserts.db"),
		MaxRetries:     10,
		InitialBackoff: 5 * time.Minute,
		MaxBackoff:     24 * time.Hour,
		BackoffFactor:  2.0,
	}
}

type Queue struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
}

// Times are unix milliseconds so comparisons stay numeric.
const schema = `
CREATE TABLE IF NOT EXISTS failed_upserts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	chunk_key     TEXT NOT NULL UNIQUE,
	source_name   TEXT NOT NULL,
	payload       BLOB NOT NULL,
	retries       INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL,
	next_retry_at INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	last_error    TEXT
);
CREATE INDEX IF NOT EXISTS idx_failed_upserts_next_retry ON failed_upserts(next_retry_at);
`

// New opens (creating if needed) the queue database at cfg.Path.
func New(cfg Config) (*Queue, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	return &Queue{db: db, config: cfg}, nil
}

// Enqueue records a failed upsert. Enqueueing a key that is already queued
// refreshes its payload and error but keeps its retry count.
func (q *Queue) Enqueue(u FailedUpsert, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := q.config.Now()
	nextRetry := now.Add(q.config.InitialBackoff)

	_, err = q.db.Exec(`
		INSERT INTO failed_upserts (chunk_key, source_name, payload, max_retries, next_retry_at, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chunk_key) DO UPDATE SET
			payload = excluded.payload,
			last_error = excluded.last_error
	`, u.Key, u.SourceName, data, q.config.MaxRetries, nextRetry.UnixMilli(), now.UnixMilli(), lastError)

	if err != nil {
		return fmt.Errorf("failed to enqueue upsert: %w", err)
	}

	log.Debug().
		Str("key", u.Key).
		Time("next_retry", nextRetry).
		Msg("Upsert queued for retry")

	return nil
}

// Pending returns entries whose backoff has elapsed, oldest due first.
func (q *Queue) Pending(limit int) ([]Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.Query(`
		SELECT id, payload, retries, max_retries, next_retry_at, created_at, COALESCE(last_error, '')
		FROM failed_upserts
		WHERE next_retry_at <= ? AND retries < max_retries
		ORDER BY next_retry_at ASC, id ASC
		LIMIT ?
	`, q.config.Now().UnixMilli(), limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query pending upserts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			payload           []byte
			nextRetry, create int64
		)
		if err := rows.Scan(&e.ID, &payload, &e.Retries, &e.MaxRetries, &nextRetry, &create, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Upsert); err != nil {
			return nil, fmt.Errorf("failed to decode queued upsert %d: %w", e.ID, err)
		}
		e.NextRetryAt = time.UnixMilli(nextRetry)
		e.CreatedAt = time.UnixMilli(create)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// MarkSuccess removes a replayed entry.
func (q *Queue) MarkSuccess(id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec("DELETE FROM failed_upserts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete queued upsert: %w", err)
	}

	log.Debug().Int64("id", id).Msg("Queued upsert replayed")
	return nil
}

// MarkFailed bumps the retry count and pushes the next replay out by the
// backoff for that count.
func (q *Queue) MarkFailed(id int64, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin queue update: %w", err)
	}
	defer tx.Rollback()

	var (
		key     string
		retries int
	)
	if err := tx.QueryRow("SELECT chunk_key, retries FROM failed_upserts WHERE id = ?", id).Scan(&key, &retries); err != nil {
		return fmt.Errorf("failed to load queued upsert %d: %w", id, err)
	}

	retries++
	backoff := q.calculateBackoff(retries)
	nextRetry := q.config.Now().Add(backoff)
	if _, err := tx.Exec(
		"UPDATE failed_upserts SET retries = ?, next_retry_at = ?, last_error = ? WHERE id = ?",
		retries, nextRetry.UnixMilli(), lastError, id,
	); err != nil {
		return fmt.Errorf("failed to reschedule queued upsert %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue update: %w", err)
	}

	log.Debug().
		Str("key", key).
		Int("retries", retries).
		Dur("backoff", backoff).
		Msg("Upsert replay rescheduled")
	return nil
}

func (q *Queue) calculateBackoff(retries int) time.Duration {
	backoff := float64(q.config.InitialBackoff)
	for i := 0; i < retries; i++ {
		backoff *= q.config.BackoffFactor
	}

	if q.config.MaxBackoff > 0 && backoff > float64(q.config.MaxBackoff) {
		return q.config.MaxBackoff
	}

	return time.Duration(backoff)
}

// PurgeExpired removes entries that used up their replays.
func (q *Queue) PurgeExpired() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.Exec(`
		DELETE FROM failed_upserts
		WHERE retries >= max_retries
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired upserts: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		log.Warn().Int64("count", count).Msg("Dropped upserts that exhausted their replays")
	}

	return count, nil
}

type Stats struct {
	PendingCount  int64      `json:"pending"`
	ExpiredCount  int64      `json:"expired"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
	NextRetry     *time.Time `json:"next_retry,omitempty"`
}

// Stats summarises the queue in one pass over the table.
func (q *Queue) Stats() (*Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var (
		pending, expired  sql.NullInt64
		oldest, nextRetry sql.NullInt64
	)
	err := q.db.QueryRow(`
		SELECT
			SUM(CASE WHEN retries < max_retries THEN 1 ELSE 0 END),
			SUM(CASE WHEN retries >= max_retries THEN 1 ELSE 0 END),
			MIN(CASE WHEN retries < max_retries THEN created_at END),
			MIN(CASE WHEN retries < max_retries THEN next_retry_at END)
		FROM failed_upserts
	`).Scan(&pending, &expired, &oldest, &nextRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	stats := &Stats{PendingCount: pending.Int64, ExpiredCount: expired.Int64}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64)
		stats.OldestPending = &t
	}
	if nextRetry.Valid {
		t := time.UnixMilli(nextRetry.Int64)
		stats.NextRetry = &t
	}
	return stats, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}
