// Package sqlite persists core.ScheduleDefinition for ScheduleManager,
// grounded on the teacher's pkg/registry/sqlite: the same
// database/sql + schema-string + scan-function shape, repointed from a
// device table to a schedules table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dovaclean/testorc/pkg/core"
)

// Store implements a SQLite-backed ports.ScheduleRepo.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	requester TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	request TEXT NOT NULL, -- JSON encoded core.TestRequest
	created_at DATETIME NOT NULL,
	last_run_at DATETIME,
	next_run_at DATETIME,
	history TEXT NOT NULL DEFAULT '[]' -- JSON encoded []core.ScheduleRunRecord, bounded ring
);

CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);
`

// New creates a new SQLite-backed schedule store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// List returns every persisted schedule definition.
func (s *Store) List(ctx context.Context) ([]core.ScheduleDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, cron_expr, requester, enabled, request, created_at, last_run_at, next_run_at, history FROM schedules")
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	defs := make([]core.ScheduleDefinition, 0)
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Save upserts def.
func (s *Store) Save(ctx context.Context, def core.ScheduleDefinition) error {
	requestJSON, err := json.Marshal(def.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	enabled := 0
	if def.Enabled {
		enabled = 1
	}

	historyJSON, err := json.Marshal(def.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, requester, enabled, request, created_at, last_run_at, next_run_at, history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			cron_expr = excluded.cron_expr,
			enabled = excluded.enabled,
			request = excluded.request,
			last_run_at = excluded.last_run_at,
			next_run_at = excluded.next_run_at,
			history = excluded.history
	`, def.ID, def.Name, def.CronExpr, def.Requester, enabled, string(requestJSON),
		def.CreatedAt.Format(time.RFC3339), formatNullableTime(def.LastRunAt), formatNullableTime(def.NextRunAt),
		string(historyJSON))
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// Delete removes the schedule with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (core.ScheduleDefinition, error) {
	var def core.ScheduleDefinition
	var enabled int
	var requestJSON string
	var createdAt string
	var lastRunAt, nextRunAt sql.NullString
	var historyJSON string

	if err := row.Scan(&def.ID, &def.Name, &def.CronExpr, &def.Requester, &enabled, &requestJSON,
		&createdAt, &lastRunAt, &nextRunAt, &historyJSON); err != nil {
		return core.ScheduleDefinition{}, fmt.Errorf("scan schedule: %w", err)
	}
	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &def.History); err != nil {
			return core.ScheduleDefinition{}, fmt.Errorf("unmarshal history: %w", err)
		}
	}

	def.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(requestJSON), &def.Request); err != nil {
		return core.ScheduleDefinition{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		def.CreatedAt = t
	}
	if lastRunAt.Valid {
		if t, err := time.Parse(time.RFC3339, lastRunAt.String); err == nil {
			def.LastRunAt = &t
		}
	}
	if nextRunAt.Valid {
		if t, err := time.Parse(time.RFC3339, nextRunAt.String); err == nil {
			def.NextRunAt = &t
		}
	}
	return def, nil
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
