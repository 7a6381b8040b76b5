// Package sqlitec implements the persistent cache tier on SQLite. It is
// the slowest and largest tier: entries survive restarts, expiry is
// enforced server-side (reads filter on expires_at, so an external reaper
// can purge rows independently), and sliding expirations are refreshed
// with an explicit update on every hit.
package sqlitec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"tiercache/internal/cache"
	"tiercache/internal/clock"
	"tiercache/internal/logging"
)

// Config holds persistent tier settings.
type Config struct {
	// Path is the database file; ":memory:" gives an ephemeral store.
	Path string `json:"path" yaml:"path"`
}

// DefaultConfig returns the default persistent tier configuration.
func DefaultConfig() Config {
	return Config{Path: "./data/tiercache.db"}
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	last_access INTEGER NOT NULL,
	expires_at INTEGER,
	sliding_expiration_ns INTEGER,
	priority TEXT NOT NULL DEFAULT 'normal',
	tags TEXT
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS cache_tags (
	tag TEXT NOT NULL,
	key TEXT NOT NULL,
	PRIMARY KEY (tag, key)
);
CREATE INDEX IF NOT EXISTS idx_cache_tags_key ON cache_tags(key);
`

// Store is the Tier3 provider.
type Store struct {
	db       *sql.DB
	clk      clock.Clock
	logger   logging.Logger
	counters cache.Counters
}

var (
	_ cache.Provider       = (*Store)(nil)
	_ cache.TagInvalidator = (*Store)(nil)
)

// New opens (or creates) the database and applies the schema.
func New(cfg Config, clk clock.Clock, logger logging.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Each pooled connection gets its own in-memory database, so the
		// ephemeral mode must stay on a single connection.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply cache schema: %w", err)
	}

	return &Store{
		db:     db,
		clk:    clk,
		logger: logger.WithComponent("cache.sqlite"),
	}, nil
}

// Name implements Provider.
func (s *Store) Name() string { return "sqlite" }

// nullableExpiry converts a stored unix-nano expiry to sql form.
func nullableExpiry(expiresAt time.Time) sql.NullInt64 {
	if expiresAt.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: expiresAt.UnixNano(), Valid: true}
}

// Get implements Provider. Reads filter on expires_at so an expired row is
// never returned; a hit on a sliding entry pushes its expiry forward.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, false, err
	}

	now := s.clk.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT value, sliding_expiration_ns
		FROM cache_entries
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, now.UnixNano())

	var value []byte
	var slidingNs sql.NullInt64
	err := row.Scan(&value, &slidingNs)
	if errors.Is(err, sql.ErrNoRows) {
		s.counters.Miss()
		// Lazily purge an expired row left behind for this key.
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			key, now.UnixNano())
		return nil, false, nil
	}
	if err != nil {
		s.counters.Error()
		s.counters.Miss()
		s.logger.Warn("read failed", "key", key, "error", err)
		return nil, false, nil
	}

	if slidingNs.Valid && slidingNs.Int64 > 0 {
		newExpiry := now.Add(time.Duration(slidingNs.Int64)).UnixNano()
		if _, err := s.db.ExecContext(ctx,
			`UPDATE cache_entries SET last_access = ?, expires_at = ? WHERE key = ?`,
			now.UnixNano(), newExpiry, key); err != nil {
			s.counters.Error()
		}
	} else {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE cache_entries SET last_access = ? WHERE key = ?`,
			now.UnixNano(), key); err != nil {
			s.counters.Error()
		}
	}

	s.counters.Hit()
	return value, true, nil
}

// Set implements Provider. The entry row and its tag index rows are
// written in one transaction. Backend failures are absorbed after being
// recorded as a statistic.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts *cache.Options) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if opts == nil {
		opts = cache.DefaultOptions()
	}

	entry := cache.NewEntry(key, value, opts, s.clk.Now())
	if err := s.write(ctx, entry); err != nil {
		s.counters.Error()
		s.logger.Warn("write failed", "key", key, "error", err)
		return nil
	}
	s.counters.Set()
	return nil
}

func (s *Store) write(ctx context.Context, entry *cache.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tagsJSON []byte
	if len(entry.Tags) > 0 {
		tagsJSON, err = json.Marshal(entry.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
	}

	var slidingNs sql.NullInt64
	if entry.SlidingExpiration > 0 {
		slidingNs = sql.NullInt64{Int64: int64(entry.SlidingExpiration), Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries
			(key, value, created_at, last_access, expires_at, sliding_expiration_ns, priority, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			last_access = excluded.last_access,
			expires_at = excluded.expires_at,
			sliding_expiration_ns = excluded.sliding_expiration_ns,
			priority = excluded.priority,
			tags = excluded.tags`,
		entry.Key, entry.Value,
		entry.CreatedAt.UnixNano(), entry.LastAccess.UnixNano(),
		nullableExpiry(entry.ExpiresAt), slidingNs,
		entry.Priority.String(), tagsJSON); err != nil {
		return fmt.Errorf("failed to upsert entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_tags WHERE key = ?`, entry.Key); err != nil {
		return fmt.Errorf("failed to clear tag index: %w", err)
	}
	for _, tag := range entry.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO cache_tags (tag, key) VALUES (?, ?)`, tag, entry.Key); err != nil {
			return fmt.Errorf("failed to index tag %q: %w", tag, err)
		}
	}

	return tx.Commit()
}

// Exists implements Provider.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := cache.ValidateKey(key); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM cache_entries
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.clk.Now().UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		s.counters.Error()
		return false, nil
	}
	return true, nil
}

// Remove implements Provider.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		s.counters.Error()
		s.logger.Warn("remove failed", "key", key, "error", err)
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_tags WHERE key = ?`, key); err != nil {
		s.counters.Error()
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.counters.Delete()
	}
	return nil
}

// Clear implements Provider.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		s.counters.Error()
		s.logger.Warn("clear failed", "error", err)
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_tags`); err != nil {
		s.counters.Error()
	}
	return nil
}

// GetMany implements Provider as a per-key loop: SQLite gains nothing from
// a synthetic IN query once sliding refreshes are involved, and the
// counters must be updated per key anyway.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		v, ok, err := s.Get(ctx, key)
		if err != nil {
			return out, err
		}
		if ok {
			out[key] = v
		}
	}
	return out, nil
}

// SetMany implements Provider.
func (s *Store) SetMany(ctx context.Context, entries map[string][]byte, opts *cache.Options) error {
	for key, value := range entries {
		if err := s.Set(ctx, key, value, opts); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateTag implements TagInvalidator with a single tag-scoped
// multi-row delete through the tag index.
func (s *Store) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, cache.ErrInvalidKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.counters.Error()
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE key IN (SELECT key FROM cache_tags WHERE tag = ?)`, tag)
	if err != nil {
		s.counters.Error()
		return 0, fmt.Errorf("failed to delete tagged entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_tags WHERE tag = ?`, tag); err != nil {
		s.counters.Error()
		return 0, fmt.Errorf("failed to delete tag index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.counters.Error()
		return 0, fmt.Errorf("failed to commit tag invalidation: %w", err)
	}

	n, _ := res.RowsAffected()
	s.logger.Debug("tag invalidated", "tag", tag, "keys", n)
	return int(n), nil
}

// DeleteExpired reaps rows past their expiry. The sync manager calls it
// periodically; an external process can run the same statement against the
// database file.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.clk.Now().UnixNano())
	if err != nil {
		s.counters.Error()
		return 0, fmt.Errorf("failed to reap expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.counters.Evict(n)
	}
	return n, nil
}

// Stats implements Provider. An unreachable database yields the counter
// snapshot with zeroed size fields.
func (s *Store) Stats(ctx context.Context) cache.Statistics {
	stats := s.counters.Snapshot(s.Name())

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries`)
	var items, size int64
	if err := row.Scan(&items, &size); err != nil {
		s.counters.Error()
		return stats
	}
	stats.Items = items
	stats.SizeBytes = size
	return stats
}

// Ping implements Provider.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Provider.
func (s *Store) Close() error {
	return s.db.Close()
}
