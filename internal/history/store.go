// Package history persists a durable record of every backup and restore run.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// RunKind distinguishes the two orchestrators.
type RunKind string

const (
	RunKindBackup  RunKind = "backup"
	RunKindRestore RunKind = "restore"
)

// Outcome is the structured result class of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeWarning Outcome = "warning"
	OutcomeFatal   Outcome = "fatal"
	// OutcomeSkipped marks a run that found nothing to do, such as a
	// restore with no archive anywhere.
	OutcomeSkipped Outcome = "skipped"
)

// Run is one orchestrator run.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Kind        RunKind    `json:"kind"`
	Outcome     Outcome    `json:"outcome"`
	ArchiveName string     `json:"archive_name,omitempty"`
	Warnings    []string   `json:"warnings,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store records runs in a local SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens (creating if needed) the history database at path.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}

	store.logger.Debug().Str("path", path).Msg("history database initialized")
	return store, nil
}

// migrate creates the necessary tables.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			outcome TEXT NOT NULL,
			archive TEXT,
			warnings TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a completed run.
func (s *Store) Record(ctx context.Context, run *Run) error {
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, kind, outcome, archive, warnings, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(),
		string(run.Kind),
		string(run.Outcome),
		run.ArchiveName,
		string(warnings),
		run.Error,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	s.logger.Debug().
		Str("run_id", run.ID.String()).
		Str("kind", string(run.Kind)).
		Str("outcome", string(run.Outcome)).
		Msg("run recorded")
	return nil
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, outcome, archive, warnings, error, started_at, completed_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run          Run
			id           string
			kind         string
			outcome      string
			warningsJSON sql.NullString
			errMsg       sql.NullString
			startedAt    string
			completedAt  sql.NullString
		)
		if err := rows.Scan(&id, &kind, &outcome, &run.ArchiveName, &warningsJSON, &errMsg, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		run.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse run id %q: %w", id, err)
		}
		run.Kind = RunKind(kind)
		run.Outcome = Outcome(outcome)
		run.Error = errMsg.String

		if warningsJSON.Valid && warningsJSON.String != "" {
			if err := json.Unmarshal([]byte(warningsJSON.String), &run.Warnings); err != nil {
				return nil, fmt.Errorf("decode warnings for %s: %w", id, err)
			}
		}

		run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", id, err)
		}
		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse completed_at for %s: %w", id, err)
			}
			run.CompletedAt = &t
		}

		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
