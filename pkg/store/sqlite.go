package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/fieldops/fieldsync/pkg/status"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore persists records in a single SQLite table
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// SQLiteOption configures a SQLiteStore
type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	logger       *zap.Logger
	openAttempts uint
	openDelay    time.Duration
}

// WithSQLiteLogger sets the logger
func WithSQLiteLogger(logger *zap.Logger) SQLiteOption {
	return func(c *sqliteConfig) {
		c.logger = logger
	}
}

// WithOpenRetry sets how many times opening is attempted while the database is busy
func WithOpenRetry(attempts uint, delay time.Duration) SQLiteOption {
	return func(c *sqliteConfig) {
		c.openAttempts = attempts
		c.openDelay = delay
	}
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	cfg := &sqliteConfig{
		logger:       zap.NewNop(),
		openAttempts: 5,
		openDelay:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if strings.TrimSpace(path) == "" {
		return nil, status.New(status.StorageUnavailable, "sqlite path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	var db *sql.DB
	err := retry.Do(
		func() error {
			var err error
			db, err = sql.Open("sqlite", dsn)
			if err != nil {
				return err
			}
			if path == ":memory:" {
				// every pooled connection would otherwise get its own database
				db.SetMaxOpenConns(1)
			}
			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return err
			}
			if _, err := db.ExecContext(ctx, schema); err != nil {
				_ = db.Close()
				return err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(cfg.openAttempts),
		retry.Delay(cfg.openDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusy),
		retry.OnRetry(func(n uint, err error) {
			cfg.logger.Warn("sqlite busy, retrying open", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, status.Wrap(status.StorageUnavailable, err, fmt.Sprintf("open sqlite %s", path))
	}

	return &SQLiteStore{db: db, logger: cfg.logger}, nil
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "get")
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return unavailable(err, "put")
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return unavailable(err, "delete")
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, unavailable(err, "list")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, unavailable(err, "scan")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "list")
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func unavailable(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return status.Wrap(status.StorageUnavailable, err, "sqlite "+op)
}
