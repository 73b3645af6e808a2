package pg

import (
	"context"
	"encoding/json"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/store"
)

func (s *Store) CreatePipelineRun(ctx context.Context, r domain.PipelineRun) error {
	trig, err := json.Marshal(r.TriggerContext)
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "marshal trigger context", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO pipeline_runs
			(id, pipeline_id, status, trigger_context, active_step_ids, completed_step_ids,
			 pinned_commit_sha, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, r.ID, r.PipelineID, r.Status, trig, r.ActiveStepIDs, r.CompletedStepIDs,
		r.PinnedCommitSHA, r.StartedAt, r.CompletedAt, r.CreatedAt)
	if err != nil {
		return wrapConn(err)
	}
	return nil
}

func (s *Store) GetPipelineRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	var r domain.PipelineRun
	var trig []byte
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, pipeline_id, status, trigger_context, active_step_ids, completed_step_ids,
		       pinned_commit_sha, started_at, completed_at, created_at
		FROM pipeline_runs WHERE id = $1
	`, id).Scan(&r.ID, &r.PipelineID, &r.Status, &trig, &r.ActiveStepIDs, &r.CompletedStepIDs,
		&r.PinnedCommitSHA, &r.StartedAt, &r.CompletedAt, &r.CreatedAt)
	if err != nil {
		return domain.PipelineRun{}, notFoundOrErr(err, "pipeline_run", id)
	}
	if err := json.Unmarshal(trig, &r.TriggerContext); err != nil {
		return domain.PipelineRun{}, lazyerr.Wrap(lazyerr.KindFatal, "unmarshal trigger context", err)
	}
	return r, nil
}

func (s *Store) UpdatePipelineRun(ctx context.Context, r domain.PipelineRun) error {
	trig, err := json.Marshal(r.TriggerContext)
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "marshal trigger context", err)
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE pipeline_runs SET
			status = $2, trigger_context = $3, active_step_ids = $4, completed_step_ids = $5,
			pinned_commit_sha = $6, started_at = $7, completed_at = $8
		WHERE id = $1
	`, r.ID, r.Status, trig, r.ActiveStepIDs, r.CompletedStepIDs, r.PinnedCommitSHA, r.StartedAt, r.CompletedAt)
	if err != nil {
		return wrapConn(err)
	}
	if !affected(tag) {
		return store.NotFound("pipeline_run", r.ID)
	}
	return nil
}

func (s *Store) UpdatePipelineRunStatusIf(ctx context.Context, id string, from []domain.PipelineStatus, to domain.PipelineStatus) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE pipeline_runs SET status = $2 WHERE id = $1 AND status = ANY($3)
	`, id, to, from)
	if err != nil {
		return wrapConn(err)
	}
	if !affected(tag) {
		return store.Conflict("pipeline_run " + id + " not in expected status")
	}
	return nil
}
