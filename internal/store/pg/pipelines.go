package pg

import (
	"context"
	"encoding/json"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/lazyerr"
)

func (s *Store) CreatePipeline(ctx context.Context, p domain.Pipeline) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "marshal steps", err)
	}
	triggers, err := json.Marshal(p.Triggers)
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "marshal triggers", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO pipelines (id, repo_id, steps, triggers)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET steps = EXCLUDED.steps, triggers = EXCLUDED.triggers
	`, p.ID, p.RepoID, steps, triggers)
	if err != nil {
		return wrapConn(err)
	}
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	var p domain.Pipeline
	var steps, triggers []byte
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, repo_id, steps, triggers FROM pipelines WHERE id = $1
	`, id).Scan(&p.ID, &p.RepoID, &steps, &triggers)
	if err != nil {
		return domain.Pipeline{}, notFoundOrErr(err, "pipeline", id)
	}
	if err := json.Unmarshal(steps, &p.Steps); err != nil {
		return domain.Pipeline{}, lazyerr.Wrap(lazyerr.KindFatal, "unmarshal steps", err)
	}
	if err := json.Unmarshal(triggers, &p.Triggers); err != nil {
		return domain.Pipeline{}, lazyerr.Wrap(lazyerr.KindFatal, "unmarshal triggers", err)
	}
	return p, nil
}
