// Package history keeps a SQLite ledger of run summaries. It never stores
// per-task outcomes and is not consulted when a run starts.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flow-pin3d/runexp/pkg/api"
)

// Run is one row of the ledger.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	RepoRoot   string
	Flows      []string
	Techs      []string
	Cases      []string
	Jobs       int
	Total      int
	Succeeded  int
	Failed     int
	Cancelled  int
	Status     api.RunStatus
}

// Store is a SQLite-backed persistence layer.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; the pool aggregator is the only caller.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func join(xs []string) string { return strings.Join(xs, ",") }

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Begin inserts a run in the running state.
func (s *Store) Begin(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, repo_root, flows, techs, cases, jobs, total, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UTC(), r.RepoRoot, join(r.Flows), join(r.Techs), join(r.Cases), r.Jobs, r.Total, string(api.RunRunning))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// Finish records the final counts and status of a run.
func (s *Store) Finish(ctx context.Context, r Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, succeeded = ?, failed = ?, cancelled = ?, status = ? WHERE id = ?`,
		r.FinishedAt.UTC(), r.Succeeded, r.Failed, r.Cancelled, string(r.Status), r.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: no such run", r.ID)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, repo_root, flows, techs, cases, jobs, total, succeeded, failed, cancelled, status
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r                   Run
			finished            sql.NullTime
			flows, techs, cases string
			status              string
		)
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.RepoRoot, &flows, &techs, &cases,
			&r.Jobs, &r.Total, &r.Succeeded, &r.Failed, &r.Cancelled, &status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.Flows, r.Techs, r.Cases = split(flows), split(techs), split(cases)
		r.Status = api.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
