package pg

import (
	"context"

	"github.com/lazyaf/engine/internal/domain"
)

// ClaimTrigger relies on a DB-side expiry check rather than a TTL index
// sweep: a stale record (recorded_at + ttl < now) is treated as absent and
// overwritten by the upsert.
func (s *Store) ClaimTrigger(ctx context.Context, rec domain.TriggerRecord, ttlSeconds int64) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		INSERT INTO trigger_records (key, pipeline_run_id, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET pipeline_run_id = EXCLUDED.pipeline_run_id, recorded_at = EXCLUDED.recorded_at
		WHERE trigger_records.recorded_at + $4 < $3
	`, rec.Key, rec.PipelineRunID, rec.RecordedAt, ttlSeconds)
	if err != nil {
		return false, wrapConn(err)
	}
	return affected(tag), nil
}
