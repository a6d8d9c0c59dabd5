package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/engine"
	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/task"
)

// ErrNoRun is returned when results are published before StartRun.
var ErrNoRun = errors.New("store: no run started")

// Store persists frame results to PostgreSQL. It implements engine.Sink.
type Store struct {
	mu    sync.Mutex
	conn  *pgx.Conn
	runID string
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the result tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			group_id TEXT,
			init_report JSONB,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS frame_results (
			run_id TEXT REFERENCES runs(id) ON DELETE CASCADE,
			frame_seq BIGINT NOT NULL,
			group_id TEXT,
			command_errors JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (run_id, frame_seq)
		);
		CREATE TABLE IF NOT EXISTS task_results (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			frame_seq BIGINT NOT NULL,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			category TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			elapsed_ns BIGINT NOT NULL,
			candidates JSONB NOT NULL,
			FOREIGN KEY (run_id, frame_seq) REFERENCES frame_results(run_id, frame_seq) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS task_results_run_task_idx ON task_results (run_id, task_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// StartRun registers a new run for source and makes it the publish target.
func (s *Store) StartRun(ctx context.Context, source string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	if _, err := s.conn.Exec(ctx, `INSERT INTO runs (id, source) VALUES ($1, $2)`, id, source); err != nil {
		return "", err
	}
	s.runID = id
	return id, nil
}

// FinishRun stamps the current run as finished.
func (s *Store) FinishRun(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID == "" {
		return ErrNoRun
	}
	_, err := s.conn.Exec(ctx, `UPDATE runs SET finished_at = NOW() WHERE id = $1`, s.runID)
	return err
}

// ReportInitialized records the engine's initialization report on the run.
func (s *Store) ReportInitialized(ctx context.Context, r engine.InitReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID == "" {
		return ErrNoRun
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `UPDATE runs SET group_id = $1, init_report = $2 WHERE id = $3`, r.GroupID, body, s.runID)
	return err
}

// Publish writes one frame and its per-task results in a single transaction.
func (s *Store) Publish(ctx context.Context, fr engine.FrameResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID == "" {
		return ErrNoRun
	}

	var cmdErrs []byte
	if len(fr.CommandErrors) > 0 {
		b, err := json.Marshal(fr.CommandErrors)
		if err != nil {
			return err
		}
		cmdErrs = b
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO frame_results (run_id, frame_seq, group_id, command_errors)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, frame_seq) DO NOTHING
	`, s.runID, fr.FrameSeq, fr.GroupID, cmdErrs); err != nil {
		return fmt.Errorf("insert frame %d: %w", fr.FrameSeq, err)
	}

	batch := &pgx.Batch{}
	for _, id := range sortedIDs(fr.Results) {
		res := fr.Results[id]
		cands := res.Candidates
		if cands == nil {
			cands = []candidate.Candidate{}
		}
		body, err := json.Marshal(cands)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO task_results (run_id, frame_seq, task_id, kind, category, status, error, elapsed_ns, candidates)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, s.runID, fr.FrameSeq, id, string(res.Kind), string(res.Category), string(res.Status), res.Error, res.Elapsed.Nanoseconds(), body)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert task results for frame %d: %w", fr.FrameSeq, err)
		}
	}
	return tx.Commit(ctx)
}

// TaskResults loads every stored result of taskID in the given run, by frame.
func (s *Store) TaskResults(ctx context.Context, runID, taskID string) ([]task.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT kind, category, status, COALESCE(error, ''), elapsed_ns, candidates
		FROM task_results WHERE run_id = $1 AND task_id = $2
		ORDER BY frame_seq ASC
	`, runID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Result
	for rows.Next() {
		var kind, category, status, errMsg string
		var elapsed int64
		var body []byte
		if err := rows.Scan(&kind, &category, &status, &errMsg, &elapsed, &body); err != nil {
			return nil, err
		}
		res := task.Result{
			TaskID:   taskID,
			Kind:     params.Kind(kind),
			Category: params.Category(category),
			Status:   task.Status(status),
			Error:    errMsg,
			Elapsed:  time.Duration(elapsed),
		}
		if err := json.Unmarshal(body, &res.Candidates); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// FrameCount is the number of frames stored for a run.
func (s *Store) FrameCount(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.conn.QueryRow(ctx, `SELECT COUNT(*) FROM frame_results WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS task_results CASCADE;
		DROP TABLE IF EXISTS frame_results CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
	`)
	return err
}

func sortedIDs(m map[string]task.Result) []string {
	return slices.Sorted(maps.Keys(m))
}
