// Package transcript persists finished agent runs and their conversation
// turns in SQLite.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/martinemde/aiagent/agentloop"
	"github.com/martinemde/aiagent/unifiedllm"
)

// ErrRunNotFound is returned when a run id has no stored record.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one persisted Submit.
type RunRecord struct {
	RunID        string
	SessionID    string
	WorkingDir   string
	Model        string
	Prompt       string
	Status       agentloop.RunStatus
	FinalText    string
	Iterations   int
	InputTokens  int
	OutputTokens int
	StartedAt    time.Time
	FinishedAt   time.Time
	Turns        []agentloop.Turn
}

// NewRunRecord builds a record for result with a fresh run id.
func NewRunRecord(result *agentloop.RunResult, workingDir, model string, startedAt, finishedAt time.Time) RunRecord {
	return RunRecord{
		RunID:        uuid.New().String(),
		SessionID:    result.SessionID,
		WorkingDir:   workingDir,
		Model:        model,
		Prompt:       result.Prompt,
		Status:       result.Status,
		FinalText:    result.FinalText,
		Iterations:   result.Iterations,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		Turns:        result.Turns,
	}
}

type SQLiteStore struct {
	db *sql.DB
}

func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			working_dir TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			final_text TEXT,
			iterations INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			created_at TEXT NOT NULL,
			items_json TEXT NOT NULL,
			usage_json TEXT NOT NULL,
			UNIQUE(run_id, seq),
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_run_id ON turns(run_id);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun writes the run and all of its turns in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, working_dir, model, prompt, status, final_text,
			iterations, input_tokens, output_tokens, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.SessionID,
		run.WorkingDir,
		run.Model,
		run.Prompt,
		string(run.Status),
		run.FinalText,
		run.Iterations,
		run.InputTokens,
		run.OutputTokens,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turns (run_id, seq, role, created_at, items_json, usage_json)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for seq, turn := range run.Turns {
		items, err := json.Marshal(turn.Items)
		if err != nil {
			return fmt.Errorf("encode turn %d: %w", seq, err)
		}
		usage, err := json.Marshal(turn.Usage)
		if err != nil {
			return fmt.Errorf("encode turn %d usage: %w", seq, err)
		}
		if _, err := stmt.ExecContext(ctx,
			run.RunID,
			seq,
			string(turn.Role),
			turn.Timestamp.UTC().Format(time.RFC3339Nano),
			string(items),
			string(usage),
		); err != nil {
			return fmt.Errorf("insert turn %d: %w", seq, err)
		}
	}

	return tx.Commit()
}

// LoadRun returns the stored run with its turns.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
	var (
		run        RunRecord
		status     string
		finalText  sql.NullString
		startedAt  string
		finishedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, working_dir, model, prompt, status, final_text,
			iterations, input_tokens, output_tokens, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID).Scan(
		&run.RunID,
		&run.SessionID,
		&run.WorkingDir,
		&run.Model,
		&run.Prompt,
		&status,
		&finalText,
		&run.Iterations,
		&run.InputTokens,
		&run.OutputTokens,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunRecord{}, err
	}
	run.Status = agentloop.RunStatus(status)
	run.FinalText = finalText.String
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return RunRecord{}, fmt.Errorf("run %s started_at: %w", runID, err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return RunRecord{}, fmt.Errorf("run %s finished_at: %w", runID, err)
	}

	run.Turns, err = s.LoadTurns(ctx, runID)
	if err != nil {
		return RunRecord{}, err
	}
	return run, nil
}

// LoadTurns returns the turns of a run in conversation order.
func (s *SQLiteStore) LoadTurns(ctx context.Context, runID string) ([]agentloop.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, created_at, items_json, usage_json
		FROM turns WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []agentloop.Turn
	for rows.Next() {
		var (
			role, createdAt, itemsJSON, usageJSON string
			turn                                  agentloop.Turn
		)
		if err := rows.Scan(&role, &createdAt, &itemsJSON, &usageJSON); err != nil {
			return nil, err
		}
		turn.Role = agentloop.TurnRole(role)
		if turn.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("turn created_at: %w", err)
		}
		if err := json.Unmarshal([]byte(itemsJSON), &turn.Items); err != nil {
			return nil, fmt.Errorf("decode turn items: %w", err)
		}
		var usage unifiedllm.Usage
		if err := json.Unmarshal([]byte(usageJSON), &usage); err != nil {
			return nil, fmt.Errorf("decode turn usage: %w", err)
		}
		turn.Usage = usage
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
