// Package history persists finished task records to SQLite so outcomes
// survive the process. It is an optional collaborator: the engine runs fine
// without it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/seantiz/torque/engine"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    backend     TEXT NOT NULL,
    status      TEXT NOT NULL,
    exit_codes  TEXT,
    error       TEXT,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME NOT NULL
)`

// ErrNotFound is returned when a task record is not found.
var ErrNotFound = errors.New("task record not found")

// Compile-time interface satisfaction check.
var _ engine.Recorder = (*Journal)(nil)

// Journal implements engine.Recorder using SQLite.
type Journal struct {
	db *sql.DB
}

// Open opens the SQLite database at dbPath and runs migrations. Use ":memory:"
// for an ephemeral journal.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts one finished task record.
func (j *Journal) Record(ctx context.Context, rec engine.Record) error {
	codes, err := json.Marshal(rec.ExitCodes)
	if err != nil {
		return fmt.Errorf("encode exit codes: %w", err)
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO tasks (
			id, name, backend, status, exit_codes, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Backend, rec.Status, string(codes), rec.Error,
		rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task record: %w", err)
	}
	return nil
}

// Get retrieves one record by spawn id.
func (j *Journal) Get(ctx context.Context, id string) (*engine.Record, error) {
	var (
		rec   engine.Record
		codes string
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT id, name, backend, status, exit_codes, error, started_at, finished_at
		FROM tasks WHERE id = ?`, id,
	).Scan(
		&rec.ID, &rec.Name, &rec.Backend, &rec.Status, &codes, &rec.Error,
		&rec.StartedAt, &rec.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task record: %w", err)
	}
	if err := json.Unmarshal([]byte(codes), &rec.ExitCodes); err != nil {
		return nil, fmt.Errorf("decode exit codes: %w", err)
	}
	return &rec, nil
}

// List returns a page of records ordered by finish time, newest first, along
// with the total count.
func (j *Journal) List(ctx context.Context, limit, offset int) ([]*engine.Record, int, error) {
	tx, err := j.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count task records: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, backend, status, exit_codes, error, started_at, finished_at
		FROM tasks ORDER BY finished_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	var recs []*engine.Record
	for rows.Next() {
		var (
			rec   engine.Record
			codes string
		)
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Backend, &rec.Status, &codes, &rec.Error,
			&rec.StartedAt, &rec.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan task record: %w", err)
		}
		if err := json.Unmarshal([]byte(codes), &rec.ExitCodes); err != nil {
			return nil, 0, fmt.Errorf("decode exit codes: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate task records: %w", err)
	}

	return recs, total, nil
}

// CountByStatus aggregates records per terminal status.
func (j *Journal) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}
