// Package resultstore persists terminal task results in a local SQLite file
// so TaskStatus lookups survive a host restart.
package resultstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskherd/taskherd/internal/task"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS task_results (
			task_id             TEXT PRIMARY KEY,
			success             INTEGER NOT NULL,
			state               TEXT NOT NULL,
			output              TEXT NOT NULL DEFAULT '',
			outcome             TEXT NOT NULL DEFAULT '',
			reason              TEXT NOT NULL DEFAULT '',
			tags_json           TEXT NOT NULL DEFAULT '',
			error_json          TEXT NOT NULL DEFAULT '',
			correlation_id      TEXT NOT NULL DEFAULT '',
			started_at_unix_ms  INTEGER NOT NULL DEFAULT 0,
			finished_at_unix_ms INTEGER NOT NULL DEFAULT 0,
			pid                 INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_results_finished ON task_results(finished_at_unix_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Save upserts one terminal result. Results are immutable in the domain, so
// a second save for the same task id is only expected from replayed hosts.
func (s *Store) Save(res *task.ExecutionResult) error {
	if s == nil || s.db == nil {
		return errors.New("store not open")
	}
	if res == nil {
		return errors.New("nil result")
	}
	if strings.TrimSpace(res.TaskID) == "" {
		return errors.New("missing task id")
	}

	tagsJSON := ""
	if len(res.Tags) > 0 {
		b, err := json.Marshal(res.Tags)
		if err != nil {
			return err
		}
		tagsJSON = string(b)
	}
	errJSON := ""
	if res.Error != nil {
		b, err := json.Marshal(res.Error)
		if err != nil {
			return err
		}
		errJSON = string(b)
	}

	success := 0
	if res.Success {
		success = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO task_results
			(task_id, success, state, output, outcome, reason, tags_json, error_json,
			 correlation_id, started_at_unix_ms, finished_at_unix_ms, pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			success = excluded.success,
			state = excluded.state,
			output = excluded.output,
			outcome = excluded.outcome,
			reason = excluded.reason,
			tags_json = excluded.tags_json,
			error_json = excluded.error_json,
			correlation_id = excluded.correlation_id,
			started_at_unix_ms = excluded.started_at_unix_ms,
			finished_at_unix_ms = excluded.finished_at_unix_ms,
			pid = excluded.pid
	`,
		res.TaskID, success, string(res.State), res.Output, res.Outcome, res.Reason,
		tagsJSON, errJSON, res.CorrelationID,
		res.StartedAt.UnixMilli(), res.FinishedAt.UnixMilli(), res.PID,
	)
	return err
}

// Get returns the stored result for taskID, or nil when absent.
func (s *Store) Get(taskID string) (*task.ExecutionResult, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not open")
	}
	row := s.db.QueryRow(`
		SELECT task_id, success, state, output, outcome, reason, tags_json, error_json,
		       correlation_id, started_at_unix_ms, finished_at_unix_ms, pid
		FROM task_results WHERE task_id = ?
	`, strings.TrimSpace(taskID))

	var (
		res                 task.ExecutionResult
		success             int
		state               string
		tagsJSON, errJSON   string
		startedMs, finishMs int64
	)
	err := row.Scan(&res.TaskID, &success, &state, &res.Output, &res.Outcome, &res.Reason,
		&tagsJSON, &errJSON, &res.CorrelationID, &startedMs, &finishMs, &res.PID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res.Success = success != 0
	res.State = task.State(state)
	res.StartedAt = time.UnixMilli(startedMs)
	res.FinishedAt = time.UnixMilli(finishMs)
	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &res.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for %s: %w", taskID, err)
		}
	}
	if errJSON != "" {
		res.Error = &task.StructuredError{}
		if err := json.Unmarshal([]byte(errJSON), res.Error); err != nil {
			return nil, fmt.Errorf("corrupt error for %s: %w", taskID, err)
		}
	}
	return &res, nil
}
