// Package store provides SQLite-based persistent usage accounting for the
// router. Uses WAL mode for concurrent reads and crash-safe writes.
//
// The registry journal (JSON) is the source of truth for descriptors; the
// store keeps what the journal does not: per-request usage rows and
// aggregated per-model statistics that survive restarts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/Mysticmarks/LLM-Runner-Router-sub005/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// UsageRow is one recorded inference.
type UsageRow struct {
	ModelID          string
	RequesterID      string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
	OK               bool
	ErrorKind        string
	At               time.Time
}

// ModelStats is the aggregated per-model view.
type ModelStats struct {
	ModelID        string
	InferenceCount int64
	TotalTokens    int64
	TotalLatencyMs int64
	ErrorCount     int64
	LastUsed       time.Time
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks database connectivity.
func (d *DB) Ping() error { return d.db.Ping() }

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS usage_log (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			ts                INTEGER NOT NULL,
			model_id          TEXT NOT NULL,
			requester_id      TEXT NOT NULL DEFAULT '',
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			ok                BOOLEAN NOT NULL DEFAULT 1,
			error_kind        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_log(model_id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_log(ts)`,

		`CREATE TABLE IF NOT EXISTS model_stats (
			model_id         TEXT PRIMARY KEY,
			inference_count  INTEGER NOT NULL DEFAULT 0,
			total_tokens     INTEGER NOT NULL DEFAULT 0,
			total_latency_ms INTEGER NOT NULL DEFAULT 0,
			error_count      INTEGER NOT NULL DEFAULT 0,
			last_used        INTEGER
		)`,
	}
	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// RecordUsage appends a usage row and folds it into model_stats.
func (d *DB) RecordUsage(u UsageRow) error {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO usage_log (ts, model_id, requester_id, prompt_tokens, completion_tokens, latency_ms, ok, error_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), u.ModelID, u.RequesterID,
		u.PromptTokens, u.CompletionTokens, u.LatencyMs, u.OK, u.ErrorKind,
	)
	if err != nil {
		return err
	}

	errInc := 0
	if !u.OK {
		errInc = 1
	}
	total := u.PromptTokens + u.CompletionTokens
	_, err = d.db.Exec(
		`INSERT INTO model_stats (model_id, inference_count, total_tokens, total_latency_ms, error_count, last_used)
		 VALUES (?, 1, ?, ?, ?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET
			inference_count  = inference_count + 1,
			total_tokens     = total_tokens + excluded.total_tokens,
			total_latency_ms = total_latency_ms + excluded.total_latency_ms,
			error_count      = error_count + excluded.error_count,
			last_used        = excluded.last_used`,
		u.ModelID, total, u.LatencyMs, errInc, at.Unix(),
	)
	return err
}

// GetStats retrieves the aggregated stats for one model.
// Returns nil without error when the model has no recorded usage.
func (d *DB) GetStats(modelID string) (*ModelStats, error) {
	row := d.db.QueryRow(
		`SELECT model_id, inference_count, total_tokens, total_latency_ms, error_count, last_used
		 FROM model_stats WHERE model_id = ?`, modelID,
	)
	return scanStats(row)
}

// ListStats returns stats for all models ordered by last use descending.
func (d *DB) ListStats() ([]ModelStats, error) {
	rows, err := d.db.Query(
		`SELECT model_id, inference_count, total_tokens, total_latency_ms, error_count, last_used
		 FROM model_stats ORDER BY COALESCE(last_used, 0) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []ModelStats
	for rows.Next() {
		s, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *s)
	}
	return all, rows.Err()
}

// DeleteStats removes a model's aggregated stats (usage_log rows are kept
// for audit).
func (d *DB) DeleteStats(modelID string) error {
	_, err := d.db.Exec(`DELETE FROM model_stats WHERE model_id = ?`, modelID)
	return err
}

// Snapshot converts stored stats into a domain.Metrics view.
func (s ModelStats) Snapshot() domain.Metrics {
	m := domain.Metrics{
		InferenceCount: s.InferenceCount,
		TotalTokens:    s.TotalTokens,
		ErrorCount:     s.ErrorCount,
		LastUsedAt:     s.LastUsed,
	}
	if s.InferenceCount > 0 {
		m.AvgLatencyMs = float64(s.TotalLatencyMs) / float64(s.InferenceCount)
	}
	return m
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanStats(s scanner) (*ModelStats, error) {
	var st ModelStats
	var lastUsed sql.NullInt64

	err := s.Scan(&st.ModelID, &st.InferenceCount, &st.TotalTokens,
		&st.TotalLatencyMs, &st.ErrorCount, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		st.LastUsed = time.Unix(lastUsed.Int64, 0)
	}
	return &st, nil
}
