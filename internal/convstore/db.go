// Package convstore implements Conversation Persistence (SPEC_FULL.md
// §4.H): durable storage for conversations and their history entries, with
// hand-written database/sql statements in place of generated query code.
package convstore

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a *sql.DB tuned for SQLite's single-writer concurrency model.
type DB struct {
	conn *sql.DB
}

// Open opens (creating parent directories as needed) a SQLite database at
// databaseURL, retrying with exponential backoff for a file that's
// momentarily locked by another process, then applies WAL/foreign-key/
// busy-timeout pragmas.
func Open(databaseURL string) (*DB, error) {
	dir := filepath.Dir(databaseURL)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("convstore: create database directory %s: %w", dir, err)
		}
	}

	const maxRetries = 5
	const baseDelay = 100 * time.Millisecond

	var conn *sql.DB
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open("sqlite", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("convstore: open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if pingErr := conn.Ping(); pingErr != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("convstore: ping database after %d attempts: %w", maxRetries, pingErr)
			}
			conn.Close()
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		break
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return nil, fmt.Errorf("convstore: apply pragma %q: %w", p, err)
		}
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) Conn() *sql.DB { return db.conn }

// Migrate runs every embedded goose migration against the database,
// bringing a fresh or stale file up to the current schema.
func (db *DB) Migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("convstore: set goose dialect: %w", err)
	}
	if err := goose.Up(db.conn, "migrations"); err != nil {
		return fmt.Errorf("convstore: run migrations: %w", err)
	}
	return nil
}
