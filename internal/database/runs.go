package database

import (
	"context"
	"encoding/json"
	"fmt"
)

// Pipeline run statuses and conclusions.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"

	RunConclusionSuccess   = "success"
	RunConclusionFailure   = "failure"
	RunConclusionCancelled = "cancelled"
)

// RecordRunStart upserts a run row in status running. The run id is
// externally supplied (scheduler job id, or a fresh uuid for manual runs).
func (db *DB) RecordRunStart(ctx context.Context, runID, workflow, trigger string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO pipeline_runs (run_id, workflow, trigger, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE SET
			workflow = EXCLUDED.workflow,
			trigger = EXCLUDED.trigger,
			status = EXCLUDED.status,
			started_at = now(),
			finished_at = NULL,
			conclusion = NULL
	`, runID, workflow, trigger, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunPhase writes the opaque phase blob verbatim. Consumers must not
// rely on its shape.
func (db *DB) RecordRunPhase(ctx context.Context, runID string, phase any) error {
	blob, err := json.Marshal(phase)
	if err != nil {
		return fmt.Errorf("encode phase: %w", err)
	}
	_, err = db.Pool.Exec(ctx,
		`UPDATE pipeline_runs SET phase = $2 WHERE run_id = $1`,
		runID, blob)
	return err
}

// RecordRunFinish marks a run terminal, setting finished_at and conclusion.
func (db *DB) RecordRunFinish(ctx context.Context, runID, status, conclusion, notes string) error {
	if status != RunStatusCompleted && status != RunStatusFailed {
		return fmt.Errorf("non-terminal run status %q", status)
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_runs SET
			status = $2, conclusion = $3, notes = $4, finished_at = now()
		WHERE run_id = $1
	`, runID, status, conclusion, notes)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}
