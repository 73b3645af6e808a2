// Package store defines the persistence interface every other component of
// the engine depends on, and its two implementations: a Postgres-backed
// gateway for production and an in-memory double for tests.
package store

import (
	"context"

	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/lazyerr"
)

// Gateway is the full persistence surface consumed by the scheduler, router,
// workspace manager, executors and debug service. A single interface keeps
// those packages storage-agnostic, the same role the teacher's logstream.Client
// plays for its log sinks.
type Gateway interface {
	// Atomic runs fn inside a single transaction; a store implementation
	// that has no transactional backend (memstore) just runs fn directly
	// against its lock-protected state.
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error

	Pipelines
	PipelineRuns
	StepRuns
	StepExecutions
	Workspaces
	Runners
	DebugSessions
	Triggers
}

// Pipelines covers pipeline definitions.
type Pipelines interface {
	CreatePipeline(ctx context.Context, p domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
}

// PipelineRuns covers pipeline run records.
type PipelineRuns interface {
	CreatePipelineRun(ctx context.Context, r domain.PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (domain.PipelineRun, error)
	UpdatePipelineRun(ctx context.Context, r domain.PipelineRun) error
	// UpdatePipelineRunStatusIf performs a compare-and-swap transition:
	// zero rows affected because the current status isn't in from means
	// a *lazyerr.Error of KindConflict.
	UpdatePipelineRunStatusIf(ctx context.Context, id string, from []domain.PipelineStatus, to domain.PipelineStatus) error
}

// StepRuns covers per-run step instances.
type StepRuns interface {
	CreateStepRun(ctx context.Context, s domain.StepRun) error
	GetStepRun(ctx context.Context, id string) (domain.StepRun, error)
	ListStepRuns(ctx context.Context, pipelineRunID string) ([]domain.StepRun, error)
	UpdateStepRun(ctx context.Context, s domain.StepRun) error
}

// StepExecutions covers per-attempt execution records, including the
// idempotent claim operation the router relies on.
type StepExecutions interface {
	// ClaimExecution inserts a new StepExecution keyed by ExecutionKey.
	// If a row with that key already exists, claimed is false and the
	// existing record is returned instead — the idempotency guarantee
	// from spec §4.9.
	ClaimExecution(ctx context.Context, exec domain.StepExecution) (result domain.StepExecution, claimed bool, err error)
	GetExecution(ctx context.Context, id string) (domain.StepExecution, error)
	GetExecutionByKey(ctx context.Context, key string) (domain.StepExecution, error)
	// UpdateExecutionIfStatusIn performs the transition only if the
	// execution's current status is one of from; otherwise returns a
	// *lazyerr.Error of KindConflict without applying mutate.
	UpdateExecutionIfStatusIn(ctx context.Context, id string, from []domain.StepExecutionStatus, mutate func(*domain.StepExecution)) error
	// ListStaleExecutions returns RUNNING/PREPARING executions whose
	// LastHeartbeat (or TimeoutAt) is before the given cutoff, used by
	// the orphan sweep in internal/recovery.
	ListStaleExecutions(ctx context.Context, olderThan int64) ([]domain.StepExecution, error)
	// ListNonTerminalExecutions returns every execution not yet in a
	// terminal status, regardless of heartbeat age. The orphan sweep uses
	// this to catch executions whose owning pipeline has already gone
	// terminal (a backend restart mid-run, say) even though the execution
	// itself never went stale.
	ListNonTerminalExecutions(ctx context.Context) ([]domain.StepExecution, error)
	// DeleteTerminalExecutionsOlderThan removes terminal executions whose
	// CompletedAt predates cutoff, returning the count removed.
	DeleteTerminalExecutionsOlderThan(ctx context.Context, cutoff int64) (int, error)
}

// Workspaces covers workspace records.
type Workspaces interface {
	CreateWorkspace(ctx context.Context, w domain.Workspace) error
	GetWorkspace(ctx context.Context, id string) (domain.Workspace, error)
	UpdateWorkspace(ctx context.Context, w domain.Workspace) error
	ListWorkspacesByStatus(ctx context.Context, status domain.WorkspaceStatus) ([]domain.Workspace, error)
}

// Runners covers remote-runner registry records.
type Runners interface {
	UpsertRunner(ctx context.Context, r domain.Runner) error
	GetRunner(ctx context.Context, id string) (domain.Runner, error)
	ListRunnersByStatus(ctx context.Context, status domain.RunnerState) ([]domain.Runner, error)
	DeleteRunner(ctx context.Context, id string) error
}

// DebugSessions covers debug-session records.
type DebugSessions interface {
	CreateDebugSession(ctx context.Context, d domain.DebugSession) error
	GetDebugSession(ctx context.Context, id string) (domain.DebugSession, error)
	GetDebugSessionByRunID(ctx context.Context, pipelineRunID string) (domain.DebugSession, error)
	UpdateDebugSession(ctx context.Context, d domain.DebugSession) error
	// ListActiveDebugSessions returns every DebugSession not yet in a
	// terminal state, for the expiry sweeper.
	ListActiveDebugSessions(ctx context.Context) ([]domain.DebugSession, error)
}

// Triggers covers the trigger-dedup record store.
type Triggers interface {
	// ClaimTrigger inserts a TriggerRecord keyed by Key if absent.
	// claimed is false if a record for that key is already live.
	ClaimTrigger(ctx context.Context, rec domain.TriggerRecord, ttlSeconds int64) (claimed bool, err error)
}

// NotFound builds a not-found lazyerr.Error for the given resource/id.
func NotFound(resource, id string) error {
	return lazyerr.New(lazyerr.KindNotFound, resource+" "+id+" not found")
}

// Conflict builds a conflict lazyerr.Error.
func Conflict(msg string) error {
	return lazyerr.New(lazyerr.KindConflict, msg)
}
