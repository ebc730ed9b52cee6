// Package journal records worker lifecycle outcomes in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS worker_runs (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id   INTEGER NOT NULL,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	state       TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	file_name   TEXT NOT NULL DEFAULT '',
	line_number INTEGER NOT NULL DEFAULT 0,
	column_number INTEGER NOT NULL DEFAULT 0,
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER NOT NULL
)`

// Entry is one finished worker run.
type Entry struct {
	Seq          int64
	WorkerID     uint32
	Name         string
	Kind         string
	State        string
	Message      string
	FileName     string
	LineNumber   int
	ColumnNumber int
	StartedAt    time.Time
	EndedAt      time.Time
}

// Duration is how long the worker ran.
func (e Entry) Duration() time.Duration { return e.EndedAt.Sub(e.StartedAt) }

// Journal is an append-only log of worker runs.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path. The parent directory is
// created when missing. ":memory:" gives a private in-memory journal.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %q: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record appends e and returns its sequence number.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO worker_runs
			(worker_id, name, kind, state, message, file_name, line_number, column_number, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.WorkerID), e.Name, e.Kind, e.State, e.Message,
		e.FileName, e.LineNumber, e.ColumnNumber,
		e.StartedAt.UnixNano(), e.EndedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: insert: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: last insert id: %w", err)
	}
	return seq, nil
}

// List returns the most recent runs, newest first. A non-positive limit
// returns every row.
func (j *Journal) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT seq, worker_id, name, kind, state, message, file_name, line_number, column_number, started_at, ended_at
		FROM worker_runs ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return j.query(ctx, query, args...)
}

// ForWorker returns the runs recorded for id.
func (j *Journal) ForWorker(ctx context.Context, id uint32) ([]Entry, error) {
	return j.query(ctx,
		`SELECT seq, worker_id, name, kind, state, message, file_name, line_number, column_number, started_at, ended_at
		FROM worker_runs WHERE worker_id = ? ORDER BY seq`, int64(id))
}

// CountByState tallies runs per terminal state.
func (j *Journal) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM worker_runs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("journal: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("journal: scan error: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows iteration error: %w", err)
	}
	return counts, nil
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			id         int64
			start, end int64
		)
		if err := rows.Scan(&e.Seq, &id, &e.Name, &e.Kind, &e.State, &e.Message,
			&e.FileName, &e.LineNumber, &e.ColumnNumber, &start, &end); err != nil {
			return nil, fmt.Errorf("journal: scan error: %w", err)
		}
		e.WorkerID = uint32(id)
		e.StartedAt = time.Unix(0, start)
		e.EndedAt = time.Unix(0, end)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows iteration error: %w", err)
	}
	return out, nil
}
