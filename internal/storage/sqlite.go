package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/edgecore-io/edgecore/internal/edgeerr"
)

// defaultCacheCapacity mirrors the read-through cache size the backend
// this package is modeled on uses by default.
const defaultCacheCapacity = 1024

// unifiedTable is the single table every namespaced key lives in,
// following the same one-table-many-namespaces layout as the backend
// this implementation is grounded on.
const unifiedTable = "unified_storage"

// SQLiteConfig configures an on-disk (or temporary, in-memory-equivalent)
// SQLiteBackend.
type SQLiteConfig struct {
	// Path is the database file path. Empty means "in-memory": a real
	// temp file is created and removed on Close, since the driver this
	// backend uses needs a file path rather than a true in-process mode.
	Path string

	// CreateDirs creates the parent directory of Path if it doesn't exist.
	CreateDirs bool

	// CacheCapacity bounds the read-through LRU cache. Zero uses
	// defaultCacheCapacity.
	CacheCapacity int
}

// SQLiteBackend is the durable Backend implementation: a single sqlite
// table holding every namespaced key, fronted by an in-process LRU
// read-through cache. Writes go through the cache and the database in
// the same call so a crash never leaves the cache ahead of disk.
type SQLiteBackend struct {
	db        *sql.DB
	path      string
	tempPath  string
	cache     *lruCache
	writeLock sync.Mutex
}

// NewSQLiteBackend opens (creating if necessary) the database at cfg.Path,
// or a fresh temp file if cfg.Path is empty.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	path := cfg.Path
	var tempPath string

	if path == "" {
		f, err := os.CreateTemp("", "edgecore-storage-*.db")
		if err != nil {
			return nil, edgeerr.Wrap(edgeerr.Io, "create temp storage file", err)
		}
		tempPath = f.Name()
		_ = f.Close()
		path = tempPath
	} else if cfg.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Io, "create storage directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Backend, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, edgeerr.Wrap(edgeerr.Backend, "enable wal mode", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			namespaced_key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);`, unifiedTable)); err != nil {
		_ = db.Close()
		return nil, edgeerr.Wrap(edgeerr.Backend, "create unified storage table", err)
	}

	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}

	return &SQLiteBackend{
		db:       db,
		path:     path,
		tempPath: tempPath,
		cache:    newLRUCache(capacity),
	}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, table, key string) ([]byte, error) {
	nk := namespacedKey(table, key)

	if v, ok := b.cache.get(nk); ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}

	row := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE namespaced_key = ?`, unifiedTable), nk)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, NotFound(table, key)
		}
		return nil, edgeerr.Wrap(edgeerr.Backend, "read key", err)
	}

	b.cache.put(nk, value)
	return value, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, table, key string, value []byte) error {
	nk := namespacedKey(table, key)

	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (namespaced_key, value) VALUES (?, ?)
		ON CONFLICT(namespaced_key) DO UPDATE SET value = excluded.value`, unifiedTable), nk, value)
	if err != nil {
		return edgeerr.Wrap(edgeerr.Backend, "write key", err)
	}

	b.cache.put(nk, value)
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, table, key string) error {
	nk := namespacedKey(table, key)

	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespaced_key = ?`, unifiedTable), nk); err != nil {
		return edgeerr.Wrap(edgeerr.Backend, "delete key", err)
	}

	b.cache.remove(nk)
	return nil
}

func (b *SQLiteBackend) Scan(ctx context.Context, table, keyPrefix string) ([]KV, error) {
	tablePrefix := table + ":" + keyPrefix
	// Escape sqlite LIKE wildcards in the prefix so a key containing
	// literal '%' or '_' doesn't widen the match.
	escaped := escapeLikePattern(tablePrefix) + "%"

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT namespaced_key, value FROM %s WHERE namespaced_key LIKE ? ESCAPE '\' ORDER BY namespaced_key`, unifiedTable),
		escaped)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.Backend, "scan table", err)
	}
	defer rows.Close()

	tablePrefixLen := len(table) + 1
	var out []KV
	for rows.Next() {
		var nk string
		var value []byte
		if err := rows.Scan(&nk, &value); err != nil {
			return nil, edgeerr.Wrap(edgeerr.Backend, "scan row", err)
		}
		if len(nk) < tablePrefixLen {
			continue
		}
		out = append(out, KV{Key: nk[tablePrefixLen:], Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, edgeerr.Wrap(edgeerr.Backend, "iterate scan results", err)
	}
	return out, nil
}

func (b *SQLiteBackend) WriteBatch(ctx context.Context, table string, items []KV) error {
	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return edgeerr.Wrap(edgeerr.Backend, "begin batch transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (namespaced_key, value) VALUES (?, ?)
		ON CONFLICT(namespaced_key) DO UPDATE SET value = excluded.value`, unifiedTable))
	if err != nil {
		return edgeerr.Wrap(edgeerr.Backend, "prepare batch statement", err)
	}
	defer stmt.Close()

	keys := make([]string, 0, len(items))
	for _, item := range items {
		nk := namespacedKey(table, item.Key)
		if _, err := stmt.ExecContext(ctx, nk, item.Value); err != nil {
			return edgeerr.Wrap(edgeerr.Backend, "write batch item", err)
		}
		keys = append(keys, nk)
	}

	if err := tx.Commit(); err != nil {
		return edgeerr.Wrap(edgeerr.Backend, "commit batch transaction", err)
	}

	for i, item := range items {
		b.cache.put(keys[i], item.Value)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	err := b.db.Close()
	if b.tempPath != "" {
		_ = os.Remove(b.tempPath)
		_ = os.Remove(b.tempPath + "-wal")
		_ = os.Remove(b.tempPath + "-shm")
	}
	return err
}

func escapeLikePattern(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '%' || c == '_' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
