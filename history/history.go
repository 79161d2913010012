// Package history persists the terminal record of each deployment run in a
// local sqlite database. The orchestrator itself stays stateless; the server
// layer writes a record after every run.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GoCodeAlone/shipper/deploy"
)

// ErrNotFound is returned when no record exists for the requested ID.
var ErrNotFound = errors.New("deployment record not found")

// Record is one persisted deployment outcome.
type Record struct {
	ID          string    `json:"id"`
	TargetHost  string    `json:"target_host"`
	ServiceName string    `json:"service_name"`
	Artifact    string    `json:"artifact"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Logs        []string  `json:"logs,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store is a sqlite-backed append-only log of deployment records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(5)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const historySchema = `
	CREATE TABLE IF NOT EXISTS deployments (
		id           TEXT PRIMARY KEY,
		target_host  TEXT NOT NULL,
		service_name TEXT NOT NULL,
		artifact     TEXT NOT NULL,
		status       TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		duration_ms  INTEGER NOT NULL,
		logs         TEXT NOT NULL DEFAULT '[]',
		started_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_target
		ON deployments(target_host, service_name, completed_at);
`

func (s *Store) init() error {
	if _, err := s.db.Exec(historySchema); err != nil {
		return fmt.Errorf("create deployments table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists the terminal result of one deployment run.
func (s *Store) Record(ctx context.Context, req deploy.Request, result deploy.Result) error {
	logs, err := json.Marshal(result.Logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments
			(id, target_host, service_name, artifact, status, reason, duration_ms, logs, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, req.TargetHost, req.ServiceName, req.Artifact.Name,
		string(result.Status), result.Reason, result.DurationMs, string(logs),
		result.StartedAt.UTC(), result.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert deployment record: %w", err)
	}
	return nil
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, target_host, service_name, artifact, status, reason, duration_ms, logs, started_at, completed_at
		FROM deployments WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query deployment record: %w", err)
	}
	return rec, nil
}

// List returns the most recent records, newest first. limit <= 0 means a
// default of 50.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target_host, service_name, artifact, status, reason, duration_ms, logs, started_at, completed_at
		FROM deployments ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deployment records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment records: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var logsJSON string
	if err := row.Scan(&rec.ID, &rec.TargetHost, &rec.ServiceName, &rec.Artifact,
		&rec.Status, &rec.Reason, &rec.DurationMs, &logsJSON,
		&rec.StartedAt, &rec.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(logsJSON), &rec.Logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	return &rec, nil
}
