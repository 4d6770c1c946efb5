// Package stores provides the durable local state layer: a SQLite-backed
// fact cache and run history with embedded schema migrations.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunRecord is one persisted run summary.
type RunRecord struct {
	ID        string
	Playbook  string
	Status    string
	Report    string
	StartedAt time.Time
	Duration  time.Duration
	CreatedAt time.Time
}

// SQLiteStore persists facts and run history in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open creates the store, opens the database, and runs migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Save stores a host's facts, replacing any previous entry.
func (s *SQLiteStore) Save(ctx context.Context, host string, facts map[string]interface{}) error {
	data, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("failed to encode facts for %s: %w", host, err)
	}

	query := `
		INSERT INTO facts (host, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, host, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save facts for %s: %w", host, err)
	}
	return nil
}

// Load returns the stored facts for a host, or nil when none exist.
func (s *SQLiteStore) Load(ctx context.Context, host string) (map[string]interface{}, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM facts WHERE host = ?`, host).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load facts for %s: %w", host, err)
	}

	facts := map[string]interface{}{}
	if err := json.Unmarshal([]byte(data), &facts); err != nil {
		return nil, fmt.Errorf("failed to decode facts for %s: %w", host, err)
	}
	return facts, nil
}

// Hosts returns every host with cached facts, sorted by name.
func (s *SQLiteStore) Hosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host FROM facts ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fact hosts: %w", err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan fact host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// Forget deletes a host's cached facts.
func (s *SQLiteStore) Forget(ctx context.Context, host string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE host = ?`, host); err != nil {
		return fmt.Errorf("failed to delete facts for %s: %w", host, err)
	}
	return nil
}

// RecordRun persists a run summary.
func (s *SQLiteStore) RecordRun(ctx context.Context, rec *RunRecord) error {
	query := `
		INSERT INTO runs (id, playbook, status, report, started_at, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Playbook,
		rec.Status,
		rec.Report,
		rec.StartedAt,
		rec.Duration.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent run summaries, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, playbook, status, report, started_at, duration_ms, created_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var durationMS int64
		if err := rows.Scan(&rec.ID, &rec.Playbook, &rec.Status, &rec.Report, &rec.StartedAt, &durationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}
