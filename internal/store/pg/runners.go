package pg

import (
	"context"
	"encoding/json"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/lazyerr"
)

func (s *Store) UpsertRunner(ctx context.Context, r domain.Runner) error {
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "marshal labels", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO runners
			(id, name, runner_type, labels, status, current_step_execution_id, websocket_id, last_heartbeat, connected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, runner_type = EXCLUDED.runner_type, labels = EXCLUDED.labels,
			status = EXCLUDED.status, current_step_execution_id = EXCLUDED.current_step_execution_id,
			websocket_id = EXCLUDED.websocket_id, last_heartbeat = EXCLUDED.last_heartbeat
	`, r.ID, r.Name, r.RunnerType, labels, r.Status, r.CurrentStepExecutionID, r.WebsocketID,
		r.LastHeartbeat, r.ConnectedAt)
	if err != nil {
		return wrapConn(err)
	}
	return nil
}

func scanRunner(row interface{ Scan(...any) error }) (domain.Runner, error) {
	var r domain.Runner
	var labels []byte
	err := row.Scan(&r.ID, &r.Name, &r.RunnerType, &labels, &r.Status, &r.CurrentStepExecutionID,
		&r.WebsocketID, &r.LastHeartbeat, &r.ConnectedAt)
	if err != nil {
		return domain.Runner{}, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &r.Labels); err != nil {
			return domain.Runner{}, lazyerr.Wrap(lazyerr.KindFatal, "unmarshal labels", err)
		}
	}
	return r, nil
}

const selectRunnerColumns = `
	id, name, runner_type, labels, status, current_step_execution_id, websocket_id, last_heartbeat, connected_at
`

func (s *Store) GetRunner(ctx context.Context, id string) (domain.Runner, error) {
	r, err := scanRunner(s.q(ctx).QueryRow(ctx, `SELECT `+selectRunnerColumns+` FROM runners WHERE id = $1`, id))
	if err != nil {
		return domain.Runner{}, notFoundOrErr(err, "runner", id)
	}
	return r, nil
}

func (s *Store) ListRunnersByStatus(ctx context.Context, status domain.RunnerState) ([]domain.Runner, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+selectRunnerColumns+` FROM runners WHERE status = $1`, status)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()

	var out []domain.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, wrapConn(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return wrapConn(err)
	}
	return nil
}
