// Package history records finished generations in a local sqlite database
// so operators can inspect recent runs and their outcomes.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one recorded generation, successful or failed.
type Run struct {
	ID              int64
	Started         time.Time
	Model           string
	Tier            string
	Prompt          string
	System          string
	Images          []string
	Video           string
	Seed            int64
	Output          string
	ErrorKind       string
	Tokens          int
	TokensPerSecond float64
	Duration        time.Duration
}

// Store persists runs. A nil *Store is a valid no-op handle, so callers can
// leave history disabled without guarding every call.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS generations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		model_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		prompt TEXT NOT NULL,
		system TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '',
		video TEXT NOT NULL DEFAULT '',
		seed INTEGER NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		token_count INTEGER NOT NULL DEFAULT 0,
		tokens_per_second REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_generations_started_at ON generations(started_at DESC);`,
}

// Open creates (or opens) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Store{db: db}, nil
}

// Record inserts one run.
func (s *Store) Record(r Run) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO generations(started_at, model_id, tier, prompt, system, images, video, seed,
			output, error_kind, token_count, tokens_per_second, duration_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Started.Unix(), r.Model, r.Tier, r.Prompt, r.System,
		strings.Join(r.Images, "\n"), r.Video, r.Seed,
		r.Output, r.ErrorKind, r.Tokens, r.TokensPerSecond, r.Duration.Milliseconds(),
	)
	return err
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]Run, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, started_at, model_id, tier, prompt, system, images, video, seed,
			output, error_kind, token_count, tokens_per_second, duration_ms
		 FROM generations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var r Run
		var started, durationMS int64
		var images string
		if err := rows.Scan(&r.ID, &started, &r.Model, &r.Tier, &r.Prompt, &r.System,
			&images, &r.Video, &r.Seed, &r.Output, &r.ErrorKind,
			&r.Tokens, &r.TokensPerSecond, &durationMS); err != nil {
			return nil, err
		}
		r.Started = time.Unix(started, 0)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if images != "" {
			r.Images = strings.Split(images, "\n")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
