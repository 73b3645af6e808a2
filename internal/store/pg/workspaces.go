package pg

import (
	"context"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/store"
)

func (s *Store) CreateWorkspace(ctx context.Context, w domain.Workspace) error {
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO workspaces
			(id, pipeline_run_id, status, use_count, volume_name, repo_id, repo_url, branch, commit_sha, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, w.ID, w.PipelineRunID, w.Status, w.UseCount, w.VolumeName, w.RepoID, w.RepoURL, w.Branch, w.CommitSHA, w.LastActivityAt)
	if err != nil {
		return wrapConn(err)
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	var w domain.Workspace
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, pipeline_run_id, status, use_count, volume_name, repo_id, repo_url, branch, commit_sha, last_activity_at
		FROM workspaces WHERE id = $1
	`, id).Scan(&w.ID, &w.PipelineRunID, &w.Status, &w.UseCount, &w.VolumeName, &w.RepoID, &w.RepoURL, &w.Branch,
		&w.CommitSHA, &w.LastActivityAt)
	if err != nil {
		return domain.Workspace{}, notFoundOrErr(err, "workspace", id)
	}
	return w, nil
}

func (s *Store) UpdateWorkspace(ctx context.Context, w domain.Workspace) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE workspaces SET status = $2, use_count = $3, branch = $4, commit_sha = $5, last_activity_at = $6
		WHERE id = $1
	`, w.ID, w.Status, w.UseCount, w.Branch, w.CommitSHA, w.LastActivityAt)
	if err != nil {
		return wrapConn(err)
	}
	if !affected(tag) {
		return store.NotFound("workspace", w.ID)
	}
	return nil
}

func (s *Store) ListWorkspacesByStatus(ctx context.Context, status domain.WorkspaceStatus) ([]domain.Workspace, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, pipeline_run_id, status, use_count, volume_name, repo_id, repo_url, branch, commit_sha, last_activity_at
		FROM workspaces WHERE status = $1
	`, status)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()

	var out []domain.Workspace
	for rows.Next() {
		var w domain.Workspace
		if err := rows.Scan(&w.ID, &w.PipelineRunID, &w.Status, &w.UseCount, &w.VolumeName, &w.RepoID, &w.RepoURL,
			&w.Branch, &w.CommitSHA, &w.LastActivityAt); err != nil {
			return nil, wrapConn(err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
