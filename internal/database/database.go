// Package database provides the SQLite implementation of the offline cache store
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"konomitv-offline/internal/cachestore"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

var _ cachestore.Storage = (*DB)(nil)

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	// WAL plus a busy timeout lets the web server and the agent share one file
	connString := dbPath
	if dbPath != ":memory:" {
		connString = dbPath + "?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	conn, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn, logger: slog.Default()}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_partitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cache_name TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB,
		stored_at INTEGER NOT NULL,
		UNIQUE (cache_name, method, url)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_cache_name ON cache_entries(cache_name);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Open returns the named partition, creating it when missing
func (db *DB) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	query := "INSERT OR IGNORE INTO cache_partitions (name, created_at) VALUES (?, ?)"

	if _, err := db.conn.ExecContext(ctx, query, name, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	return &partition{db: db, name: name}, nil
}

// Has reports whether a partition exists
func (db *DB) Has(ctx context.Context, name string) (bool, error) {
	var exists int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM cache_partitions WHERE name = ?", name).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check cache %s: %w", name, err)
	}

	return true, nil
}

// Delete removes a partition and every entry stored in it
func (db *DB) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_name = ?", name); err != nil {
		return false, fmt.Errorf("failed to delete cache entries: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM cache_partitions WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cache deletion: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		db.logger.Debug("Deleted cache partition", "cache", name)
	}

	return rowsAffected > 0, nil
}

// Names lists every partition in creation order
func (db *DB) Names(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT name FROM cache_partitions ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan cache name: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// Stats returns the number of partitions and entries and the total body size
func (db *DB) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	var partitions, entries, bytes int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_partitions").Scan(&partitions); err != nil {
		return nil, fmt.Errorf("failed to count caches: %w", err)
	}
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries").Scan(&entries, &bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}

	stats["partitions"] = partitions
	stats["entries"] = entries
	stats["bytes"] = bytes

	return stats, nil
}

// partition is a view onto one row of cache_partitions
type partition struct {
	db   *DB
	name string
}

func (p *partition) Name() string {
	return p.name
}

// Put stores a GET response, replacing any previous entry for the URL
func (p *partition) Put(ctx context.Context, url string, resp *cachestore.Response) error {
	headers, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	tx, err := p.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM cache_partitions WHERE name = ?", p.name).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("put %s: %w", p.name, cachestore.ErrPartitionNotFound)
		}
		return fmt.Errorf("failed to check cache %s: %w", p.name, err)
	}

	query := `
	INSERT INTO cache_entries (cache_name, method, url, status, headers, body, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (cache_name, method, url) DO UPDATE SET
		status = excluded.status,
		headers = excluded.headers,
		body = excluded.body,
		stored_at = excluded.stored_at
	`

	_, err = tx.ExecContext(ctx, query,
		p.name, http.MethodGet, url, resp.Status, string(headers), resp.Body, storedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return tx.Commit()
}

// Match looks up a stored GET response; a miss returns nil without error
func (p *partition) Match(ctx context.Context, url string) (*cachestore.Response, error) {
	query := `
	SELECT status, headers, body, stored_at
	FROM cache_entries WHERE cache_name = ? AND method = ? AND url = ?
	`

	var (
		resp     cachestore.Response
		headers  string
		storedAt int64
	)
	err := p.db.conn.QueryRowContext(ctx, query, p.name, http.MethodGet, url).Scan(
		&resp.Status, &headers, &resp.Body, &storedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to match cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(headers), &resp.Header); err != nil {
		return nil, fmt.Errorf("failed to decode headers: %w", err)
	}
	resp.StoredAt = time.UnixMilli(storedAt)

	return &resp, nil
}

// Delete removes one entry
func (p *partition) Delete(ctx context.Context, url string) (bool, error) {
	result, err := p.db.conn.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE cache_name = ? AND method = ? AND url = ?",
		p.name, http.MethodGet, url,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// Keys lists the stored URLs in insertion order
func (p *partition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.db.conn.QueryContext(ctx,
		"SELECT url FROM cache_entries WHERE cache_name = ? ORDER BY id ASC", p.name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan cache key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}
