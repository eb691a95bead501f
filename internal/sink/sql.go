package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqlTableName        = "chunk_vectors"
	sqlOperationTimeout = 10 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	name        string
	driver      string
	placeholder func(n int) string
}

var (
	sqliteDialect = dialect{
		name:        "sqlite",
		driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		name:        "postgres",
		driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// SQL keeps vectors as JSON text in a single table and answers queries by
// brute-force cosine. It is meant for local runs and modest channel counts.
type SQL struct {
	dialect dialect
	dsn     string
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQLite opens (lazily) a sqlite database file at path.
func NewSQLite(path string) (*SQL, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite sink: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite sink: create directory: %w", err)
	}
	return &SQL{
		dialect: sqliteDialect,
		dsn:     path + "?_journal_mode=WAL&_busy_timeout=5000",
		openDB:  sql.Open,
	}, nil
}

// NewPostgres connects (lazily) to a postgres DSN.
func NewPostgres(dsn string) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres sink: empty dsn")
	}
	return &SQL{
		dialect: postgresDialect,
		dsn:     dsn,
		openDB:  sql.Open,
	}, nil
}

func (s *SQL) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("open %s sink: %w", s.dialect.name, err)
			return
		}
		if s.dialect.driver == sqliteDialect.driver {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				chunk_key TEXT PRIMARY KEY,
				vector TEXT NOT NULL,
				body TEXT NOT NULL,
				metadata TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, sqlTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("create %s table: %w", s.dialect.name, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQL) Upsert(ctx context.Context, key string, vector []float32, text string, metadata map[string]any) error {
	if err := validateUpsert(key, vector); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return writeErr(key, err)
	}
	vec, err := json.Marshal(vector)
	if err != nil {
		return writeErr(key, err)
	}
	md, err := json.Marshal(metadata)
	if err != nil {
		return writeErr(key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (chunk_key, vector, body, metadata, updated_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (chunk_key)
		DO UPDATE SET vector = excluded.vector, body = excluded.body,
			metadata = excluded.metadata, updated_at = excluded.updated_at`,
		sqlTableName, p(1), p(2), p(3), p(4), p(5))
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, query, key, string(vec), text, string(md), now); err != nil {
		return writeErr(key, err)
	}
	return nil
}

func (s *SQL) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT chunk_key, vector, body, metadata FROM %s", sqlTableName))
	if err != nil {
		return nil, fmt.Errorf("query %s sink: %w", s.dialect.name, err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var key, vec, body, md string
		if err := rows.Scan(&key, &vec, &body, &md); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", s.dialect.name, err)
		}
		var stored []float32
		if err := json.Unmarshal([]byte(vec), &stored); err != nil {
			return nil, fmt.Errorf("decode vector %s: %w", key, err)
		}
		var metadata map[string]any
		if err := json.Unmarshal([]byte(md), &metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", key, err)
		}
		if !matchesFilter(metadata, filter) {
			continue
		}
		out = append(out, Match{Key: key, Score: cosine(vector, stored), Text: body, Metadata: metadata})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rank(out, topK), nil
}

func (s *SQL) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: s.dialect.name}
	if err := s.ensureReady(ctx); err != nil {
		return st, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", sqlTableName)).Scan(&st.Vectors); err != nil {
		return st, fmt.Errorf("count %s sink: %w", s.dialect.name, err)
	}
	if st.Vectors == 0 {
		return st, nil
	}
	var vec string
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT vector FROM %s LIMIT 1", sqlTableName)).Scan(&vec); err != nil {
		return st, fmt.Errorf("sample %s sink: %w", s.dialect.name, err)
	}
	var stored []float32
	if err := json.Unmarshal([]byte(vec), &stored); err == nil {
		st.Dimension = len(stored)
	}
	return st, nil
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
