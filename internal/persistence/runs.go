package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const opTimeout = 5 * time.Second

// StartRun journals a new run in the running state.
func (s *SQLiteStore) StartRun(ctx context.Context, run RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if run.RunID == "" || run.WorkItemID == "" {
		return errors.New("run ID and work item ID are required")
	}
	if run.Attempt < 1 {
		run.Attempt = 1
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, work_item_id, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.RunID, run.WorkItemID, run.Attempt, string(RunRunning), run.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to start run %q: %w", run.RunID, err)
	}
	return nil
}

// RecordStage appends a stage output to the run's transcript.
func (s *SQLiteStore) RecordStage(ctx context.Context, runID, stage, raw string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_outputs WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate stage sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_outputs (run_id, seq, stage, raw_output, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, seq, stage, raw, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record stage %q: %w", stage, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FinishRun moves a run to its terminal status.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status RunStatus, errorKind, errorDetail string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, error_kind = ?, error_detail = ?, finished_at = ?
		WHERE run_id = ?
	`, string(status), errorKind, errorDetail, time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %q: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run %q: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("no run found %q: %w", runID, sql.ErrNoRows)
	}
	return nil
}

// GetRun loads a run and its stage transcript.
// Returns a wrapped sql.ErrNoRows if the run does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	run, err := scanRun(s.db.QueryRowContext(ctx, selectRuns+` WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no run found %q: %w", runID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	if run.Stages, err = s.stages(ctx, runID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first, without their stage transcripts.
func (s *SQLiteStore) ListRuns(ctx context.Context, workItemID string, limit int) ([]*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := selectRuns
	var args []any
	if workItemID != "" {
		query += ` WHERE work_item_id = ?`
		args = append(args, workItemID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) stages(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, stage, raw_output, recorded_at
		FROM stage_outputs
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage outputs: %w", err)
	}
	defer rows.Close()

	stages := []StageRecord{}
	for rows.Next() {
		var rec StageRecord
		var at int64
		if err := rows.Scan(&rec.Seq, &rec.Stage, &rec.Raw, &at); err != nil {
			return nil, fmt.Errorf("failed to scan stage output: %w", err)
		}
		rec.RecordedAt = time.UnixMilli(at)
		stages = append(stages, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage outputs: %w", err)
	}
	return stages, nil
}

const selectRuns = `
	SELECT run_id, work_item_id, attempt, status, error_kind, error_detail, started_at, finished_at
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		run      RunRecord
		status   string
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&run.RunID, &run.WorkItemID, &run.Attempt, &status,
		&run.ErrorKind, &run.ErrorDetail, &started, &finished); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		run.FinishedAt = time.UnixMilli(finished.Int64)
	}
	return &run, nil
}
