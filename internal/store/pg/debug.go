package pg

import (
	"context"
	"encoding/json"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/store"
)

func (s *Store) CreateDebugSession(ctx context.Context, d domain.DebugSession) error {
	bps, err := json.Marshal(d.Breakpoints)
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "marshal breakpoints", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO debug_sessions
			(id, pipeline_run_id, original_run_id, status, breakpoints, current_step_index, token,
			 connection_mode, sidecar_container_id, timeout_seconds, max_timeout_seconds, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.PipelineRunID, d.OriginalRunID, d.Status, bps, d.CurrentStepIndex, d.Token,
		d.ConnectionMode, d.SidecarContainerID, d.TimeoutSeconds, d.MaxTimeoutSeconds, d.ExpiresAt, d.CreatedAt)
	if err != nil {
		return wrapConn(err)
	}
	return nil
}

func (s *Store) GetDebugSession(ctx context.Context, id string) (domain.DebugSession, error) {
	var d domain.DebugSession
	var bps []byte
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, pipeline_run_id, original_run_id, status, breakpoints, current_step_index, token,
		       connection_mode, sidecar_container_id, timeout_seconds, max_timeout_seconds, expires_at, created_at
		FROM debug_sessions WHERE id = $1
	`, id).Scan(&d.ID, &d.PipelineRunID, &d.OriginalRunID, &d.Status, &bps, &d.CurrentStepIndex, &d.Token,
		&d.ConnectionMode, &d.SidecarContainerID, &d.TimeoutSeconds, &d.MaxTimeoutSeconds, &d.ExpiresAt, &d.CreatedAt)
	if err != nil {
		return domain.DebugSession{}, notFoundOrErr(err, "debug_session", id)
	}
	if len(bps) > 0 {
		if err := json.Unmarshal(bps, &d.Breakpoints); err != nil {
			return domain.DebugSession{}, lazyerr.Wrap(lazyerr.KindFatal, "unmarshal breakpoints", err)
		}
	}
	return d, nil
}

func (s *Store) UpdateDebugSession(ctx context.Context, d domain.DebugSession) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE debug_sessions SET status = $2, current_step_index = $3, connection_mode = $4,
			sidecar_container_id = $5, expires_at = $6
		WHERE id = $1
	`, d.ID, d.Status, d.CurrentStepIndex, d.ConnectionMode, d.SidecarContainerID, d.ExpiresAt)
	if err != nil {
		return wrapConn(err)
	}
	if !affected(tag) {
		return store.NotFound("debug_session", d.ID)
	}
	return nil
}

const selectDebugSessionColumns = `
	id, pipeline_run_id, original_run_id, status, breakpoints, current_step_index, token,
	connection_mode, sidecar_container_id, timeout_seconds, max_timeout_seconds, expires_at, created_at
`

func scanDebugSession(row interface {
	Scan(dest ...interface{}) error
}) (domain.DebugSession, []byte, error) {
	var d domain.DebugSession
	var bps []byte
	err := row.Scan(&d.ID, &d.PipelineRunID, &d.OriginalRunID, &d.Status, &bps, &d.CurrentStepIndex, &d.Token,
		&d.ConnectionMode, &d.SidecarContainerID, &d.TimeoutSeconds, &d.MaxTimeoutSeconds, &d.ExpiresAt, &d.CreatedAt)
	return d, bps, err
}

func (s *Store) GetDebugSessionByRunID(ctx context.Context, pipelineRunID string) (domain.DebugSession, error) {
	d, bps, err := scanDebugSession(s.q(ctx).QueryRow(ctx, `
		SELECT `+selectDebugSessionColumns+`
		FROM debug_sessions WHERE pipeline_run_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, pipelineRunID))
	if err != nil {
		return domain.DebugSession{}, notFoundOrErr(err, "debug_session", "run:"+pipelineRunID)
	}
	if len(bps) > 0 {
		if err := json.Unmarshal(bps, &d.Breakpoints); err != nil {
			return domain.DebugSession{}, lazyerr.Wrap(lazyerr.KindFatal, "unmarshal breakpoints", err)
		}
	}
	return d, nil
}

func (s *Store) ListActiveDebugSessions(ctx context.Context) ([]domain.DebugSession, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+selectDebugSessionColumns+`
		FROM debug_sessions
		WHERE status NOT IN ('ENDED', 'TIMEOUT')
	`)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()

	var out []domain.DebugSession
	for rows.Next() {
		d, bps, err := scanDebugSession(rows)
		if err != nil {
			return nil, wrapConn(err)
		}
		if len(bps) > 0 {
			if err := json.Unmarshal(bps, &d.Breakpoints); err != nil {
				return nil, lazyerr.Wrap(lazyerr.KindFatal, "unmarshal breakpoints", err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
