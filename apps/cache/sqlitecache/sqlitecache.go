// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package sqlitecache provides a cache.Medium stored in a single SQLite file. It suits
// applications that already keep local state in SQLite or that run several processes
// against the same session.
package sqlitecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/msauth/msauth-go/apps/cache"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS msauth_cache (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Medium is a cache.Medium over one SQLite table.
type Medium struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Medium, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	return &Medium{db: db}, nil
}

// Close closes the database.
func (m *Medium) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Load implements cache.Medium.Load().
func (m *Medium) Load(ctx context.Context, key string) ([]byte, error) {
	var b []byte
	err := m.db.QueryRowContext(ctx, `SELECT value FROM msauth_cache WHERE key = ?`, key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	return b, nil
}

// Save implements cache.Medium.Save().
func (m *Medium) Save(ctx context.Context, key string, data []byte) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO msauth_cache (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Delete implements cache.Medium.Delete().
func (m *Medium) Delete(ctx context.Context, key string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM msauth_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}
