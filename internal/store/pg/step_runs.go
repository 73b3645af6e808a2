package pg

import (
	"context"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/store"
)

func (s *Store) CreateStepRun(ctx context.Context, sr domain.StepRun) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO step_runs
			(id, pipeline_run_id, step_id, step_index, name, status, logs, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sr.ID, sr.PipelineRunID, sr.StepID, sr.StepIndex, sr.Name, sr.Status, sr.Logs, sr.Error,
		sr.StartedAt, sr.CompletedAt)
	if err != nil {
		return wrapConn(err)
	}
	return nil
}

func (s *Store) GetStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	var sr domain.StepRun
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, pipeline_run_id, step_id, step_index, name, status, logs, error, started_at, completed_at
		FROM step_runs WHERE id = $1
	`, id).Scan(&sr.ID, &sr.PipelineRunID, &sr.StepID, &sr.StepIndex, &sr.Name, &sr.Status, &sr.Logs,
		&sr.Error, &sr.StartedAt, &sr.CompletedAt)
	if err != nil {
		return domain.StepRun{}, notFoundOrErr(err, "step_run", id)
	}
	return sr, nil
}

func (s *Store) ListStepRuns(ctx context.Context, pipelineRunID string) ([]domain.StepRun, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, pipeline_run_id, step_id, step_index, name, status, logs, error, started_at, completed_at
		FROM step_runs WHERE pipeline_run_id = $1 ORDER BY step_index
	`, pipelineRunID)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()

	var out []domain.StepRun
	for rows.Next() {
		var sr domain.StepRun
		if err := rows.Scan(&sr.ID, &sr.PipelineRunID, &sr.StepID, &sr.StepIndex, &sr.Name, &sr.Status,
			&sr.Logs, &sr.Error, &sr.StartedAt, &sr.CompletedAt); err != nil {
			return nil, wrapConn(err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStepRun(ctx context.Context, sr domain.StepRun) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE step_runs SET status = $2, logs = $3, error = $4, started_at = $5, completed_at = $6
		WHERE id = $1
	`, sr.ID, sr.Status, sr.Logs, sr.Error, sr.StartedAt, sr.CompletedAt)
	if err != nil {
		return wrapConn(err)
	}
	if !affected(tag) {
		return store.NotFound("step_run", sr.ID)
	}
	return nil
}
