package pg

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/store"
)

// ClaimExecution implements the idempotency guarantee of spec §4.9 with a
// single INSERT ... ON CONFLICT DO NOTHING; on conflict the pre-existing row
// is fetched with a follow-up SELECT.
func (s *Store) ClaimExecution(ctx context.Context, exec domain.StepExecution) (domain.StepExecution, bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		INSERT INTO step_executions
			(id, execution_key, step_run_id, attempt, status, runner_id, container_id,
			 exit_code, error, progress, last_heartbeat, timeout_at, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (execution_key) DO NOTHING
	`, exec.ID, exec.ExecutionKey, exec.StepRunID, exec.Attempt, exec.Status, exec.RunnerID,
		exec.ContainerID, exec.ExitCode, exec.Error, exec.Progress, exec.LastHeartbeat,
		exec.TimeoutAt, exec.StartedAt, exec.CompletedAt, exec.CreatedAt)
	if err != nil {
		return domain.StepExecution{}, false, wrapConn(err)
	}
	if affected(tag) {
		return exec, true, nil
	}
	existing, err := s.GetExecutionByKey(ctx, exec.ExecutionKey)
	if err != nil {
		return domain.StepExecution{}, false, err
	}
	return existing, false, nil
}

func scanExecution(row pgx.Row) (domain.StepExecution, error) {
	var e domain.StepExecution
	err := row.Scan(&e.ID, &e.ExecutionKey, &e.StepRunID, &e.Attempt, &e.Status, &e.RunnerID,
		&e.ContainerID, &e.ExitCode, &e.Error, &e.Progress, &e.LastHeartbeat, &e.TimeoutAt,
		&e.StartedAt, &e.CompletedAt, &e.CreatedAt)
	return e, err
}

const selectExecutionColumns = `
	id, execution_key, step_run_id, attempt, status, runner_id, container_id,
	exit_code, error, progress, last_heartbeat, timeout_at, started_at, completed_at, created_at
`

func (s *Store) GetExecution(ctx context.Context, id string) (domain.StepExecution, error) {
	e, err := scanExecution(s.q(ctx).QueryRow(ctx, `SELECT `+selectExecutionColumns+` FROM step_executions WHERE id = $1`, id))
	if err != nil {
		return domain.StepExecution{}, notFoundOrErr(err, "step_execution", id)
	}
	return e, nil
}

func (s *Store) GetExecutionByKey(ctx context.Context, key string) (domain.StepExecution, error) {
	e, err := scanExecution(s.q(ctx).QueryRow(ctx, `SELECT `+selectExecutionColumns+` FROM step_executions WHERE execution_key = $1`, key))
	if err != nil {
		return domain.StepExecution{}, notFoundOrErr(err, "step_execution", key)
	}
	return e, nil
}

// UpdateExecutionIfStatusIn reads the row, applies mutate, and writes it back
// inside a single UPDATE ... WHERE status = ANY($n) guard. It does not run in
// a sub-transaction of its own; callers that need the read-then-write to be
// atomic against concurrent writers should wrap the call in Atomic.
func (s *Store) UpdateExecutionIfStatusIn(ctx context.Context, id string, from []domain.StepExecutionStatus, mutate func(*domain.StepExecution)) error {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	mutate(&e)
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE step_executions SET
			status = $2, runner_id = $3, container_id = $4, exit_code = $5, error = $6,
			progress = $7, last_heartbeat = $8, timeout_at = $9, started_at = $10, completed_at = $11
		WHERE id = $1 AND status = ANY($12)
	`, e.ID, e.Status, e.RunnerID, e.ContainerID, e.ExitCode, e.Error, e.Progress,
		e.LastHeartbeat, e.TimeoutAt, e.StartedAt, e.CompletedAt, from)
	if err != nil {
		return wrapConn(err)
	}
	if !affected(tag) {
		return store.Conflict("step_execution " + id + " not in expected status")
	}
	return nil
}

func (s *Store) ListStaleExecutions(ctx context.Context, olderThan int64) ([]domain.StepExecution, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+selectExecutionColumns+`
		FROM step_executions
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED', 'TIMEOUT')
		  AND last_heartbeat IS NOT NULL
		  AND EXTRACT(EPOCH FROM last_heartbeat) < $1
	`, olderThan)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()

	var out []domain.StepExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, wrapConn(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListNonTerminalExecutions(ctx context.Context) ([]domain.StepExecution, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT `+selectExecutionColumns+`
		FROM step_executions
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED', 'TIMEOUT')
	`)
	if err != nil {
		return nil, wrapConn(err)
	}
	defer rows.Close()

	var out []domain.StepExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, wrapConn(err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTerminalExecutionsOlderThan(ctx context.Context, cutoff int64) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		DELETE FROM step_executions
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED', 'TIMEOUT')
		  AND completed_at IS NOT NULL
		  AND EXTRACT(EPOCH FROM completed_at) < $1
	`, cutoff)
	if err != nil {
		return 0, wrapConn(err)
	}
	return int(tag.RowsAffected()), nil
}
