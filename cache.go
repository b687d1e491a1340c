package websim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Songmu/flextime"
	_ "github.com/mattn/go-sqlite3"
)

// Cache stores generated content in SQLite, keyed by (path, query).
// An empty path opens a shared in-memory database.
type Cache struct {
	db *sql.DB
}

func NewCache(path string) (*Cache, error) {
	dsn := "file::memory:?cache=shared&_busy_timeout=5000"
	if path != "" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == "" {
		// shared in-memory databases vanish when the last connection closes
		db.SetMaxOpenConns(1)
	}
	c := &Cache{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS resources (
		path TEXT NOT NULL,
		query TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (path, query)
	);`
	_, err := c.db.Exec(schema)
	return err
}

// Get looks up stored content. The second return value reports whether the
// resource was found.
func (c *Cache) Get(ctx context.Context, path, query string) (string, bool, error) {
	var content string
	row := c.db.QueryRowContext(ctx,
		"SELECT content FROM resources WHERE path = ? AND query = ?",
		path, query,
	)
	if err := row.Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query resource: %w", err)
	}
	return content, true, nil
}

// Set stores content, replacing any previous generation for the same key.
func (c *Cache) Set(ctx context.Context, path, query, content string) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO resources (path, query, content, created_at) VALUES (?, ?, ?, ?)",
		path, query, content, flextime.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store resource: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}
