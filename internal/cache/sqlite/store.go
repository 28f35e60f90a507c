// Package sqlite provides a SQLite-backed durable tier for the record cache.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/graphcache/internal/cache"
	"github.com/dgnsrekt/graphcache/internal/cache/sqlite/migrations"
	"github.com/dgnsrekt/graphcache/internal/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// maxKeysPerQuery keeps IN (...) lists under SQLite's bound-variable limit.
const maxKeysPerQuery = 500

// Store persists records in SQLite, one row per CacheKey with the record's
// fields stored as JSON.
type Store struct {
	sqlDB *sql.DB

	// Synchronization
	mu sync.RWMutex

	// Metrics
	stats cache.CacheStats

	logger *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite record store at path and applies embedded migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{sqlDB: sqlDB, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LoadRecords returns the stored records for keys.
func (s *Store) LoadRecords(ctx context.Context, keys cache.KeySet) (map[cache.CacheKey]cache.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("%w: storage is not configured", cache.ErrStorageUnavailable)
	}

	s.mu.RLock()
	out := make(map[cache.CacheKey]cache.Record, len(keys))
	err := selectRecords(ctx, s.sqlDB, keys.Sorted(), func(r cache.Record) {
		out[r.Key] = r
	})
	s.mu.RUnlock()
	if err != nil {
		return nil, unavailable("load records", err)
	}

	s.mu.Lock()
	s.stats.Hits += int64(len(out))
	s.stats.Misses += int64(len(keys) - len(out))
	s.mu.Unlock()

	return out, nil
}

// Merge applies records inside one transaction. Only changed rows are written.
// A positive TTL in rc sets expires_at on every changed row.
func (s *Store) Merge(ctx context.Context, records cache.RecordSet, rc *cache.RequestContext) (cache.KeySet, error) {
	if err := ctx.Err(); err != nil {
		return cache.KeySet{}, err
	}
	if s == nil || s.sqlDB == nil {
		return cache.KeySet{}, fmt.Errorf("%w: storage is not configured", cache.ErrStorageUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return cache.KeySet{}, unavailable("begin merge", err)
	}
	defer func() { _ = tx.Rollback() }()

	current := cache.NewRecordSet()
	err = selectRecords(ctx, tx, records.Keys(), func(r cache.Record) {
		current.MergeRecord(r)
	})
	if err != nil {
		return cache.KeySet{}, unavailable("read current records", err)
	}

	changed, conflicts := current.Merge(records)

	now := time.Now()
	var expiresAt sql.NullInt64
	if rc != nil && rc.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: toMillis(now.Add(rc.TTL)), Valid: true}
	}

	for _, key := range changed.Sorted() {
		record, _ := current.Get(key)
		data, err := json.Marshal(record)
		if err != nil {
			return cache.KeySet{}, unavailable("encode "+key.String(), err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (key, record, updated_at, expires_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   record = excluded.record,
			   updated_at = excluded.updated_at,
			   expires_at = excluded.expires_at`,
			string(key), string(data), toMillis(now), expiresAt,
		); err != nil {
			return cache.KeySet{}, unavailable("write "+key.String(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return cache.KeySet{}, unavailable("commit merge", err)
	}

	s.stats.Merges++
	s.stats.Changed += int64(changed.Len())
	s.stats.Conflicts += int64(len(conflicts))
	s.stats.LastMerge = now

	if len(conflicts) > 0 {
		return changed, &cache.ConflictError{Conflicts: conflicts}
	}
	return changed, nil
}

// RemoveRecord deletes the row at key.
func (s *Store) RemoveRecord(ctx context.Context, key cache.CacheKey) error {
	return s.exec(ctx, "remove record", `DELETE FROM records WHERE key = ?`, string(key))
}

// RemoveRecords deletes every row whose key matches pattern on a segment boundary.
func (s *Store) RemoveRecords(ctx context.Context, pattern cache.CacheKey) error {
	prefix := string(pattern) + "."
	return s.exec(ctx, "remove records",
		`DELETE FROM records WHERE key = ? OR substr(key, 1, ?) = ?`,
		string(pattern), utf8.RuneCountInString(prefix), prefix)
}

// Clear deletes every row.
func (s *Store) Clear(ctx context.Context) error {
	return s.exec(ctx, "clear", `DELETE FROM records`)
}

// RemoveExpired deletes rows whose expires_at is at or before now.
func (s *Store) RemoveExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("%w: storage is not configured", cache.ErrStorageUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, unavailable("remove expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("remove expired", err)
	}
	return int(n), nil
}

// Stats returns row counts and merge counters.
func (s *Store) Stats() cache.CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	var size sql.NullInt64
	err := s.sqlDB.QueryRow(`SELECT COUNT(*), SUM(LENGTH(record)) FROM records`).Scan(&stats.Records, &size)
	if err != nil {
		s.logger.Warn("could not read sqlite stats", "error", err)
	}
	stats.Size = size.Int64
	return stats
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("%w: storage is not configured", cache.ErrStorageUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return unavailable(op, err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// selectRecords loads keys in batches and hands each decoded record to fn.
func selectRecords(ctx context.Context, q queryer, keys []cache.CacheKey, fn func(cache.Record)) error {
	for start := 0; start < len(keys); start += maxKeysPerQuery {
		end := start + maxKeysPerQuery
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		args := make([]any, len(batch))
		for i, k := range batch {
			args[i] = string(k)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		rows, err := q.QueryContext(ctx,
			`SELECT key, record FROM records WHERE key IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		if err := scanRecords(rows, fn); err != nil {
			return err
		}
	}
	return nil
}

func scanRecords(rows *sql.Rows, fn func(cache.Record)) error {
	defer rows.Close()
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return err
		}
		record := cache.Record{Key: cache.CacheKey(key)}
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		fn(record)
	}
	return rows.Err()
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", cache.ErrStorageUnavailable, op, err)
}

var _ cache.Tier = (*Store)(nil)
var _ cache.Expirer = (*Store)(nil)
