// Package scheduler implements the Pipeline Scheduler (spec §4.11): the
// authoritative walk of a pipeline's step DAG from start_pipeline through
// terminal status, adapted from the teacher's pipeline/runtime.Runner loop
// that drove one flat step list instead of a DAG.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/gitsource"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/metrics"
	"github.com/lazyaf/engine/internal/router"
	"github.com/lazyaf/engine/internal/safego"
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/internal/workspace"
)

// Executor is the operation both the Local and Remote executors expose,
// spec §9's design note on inheritance: "Local and Remote are variants, not
// subclasses." The scheduler depends on this interface alone.
type Executor interface {
	Run(ctx context.Context, exec domain.StepExecution, run domain.PipelineRun, step domain.Step, ws domain.Workspace) error
}

// BreakpointGate is the Scheduler's hook into the Debug Session Service
// (spec §4.11 step 2, §4.12's check_breakpoint). WaitIfBreakpoint returns
// once scheduling of stepIndex may proceed, or a non-nil error if the
// session was aborted or expired while blocked.
type BreakpointGate interface {
	WaitIfBreakpoint(ctx context.Context, pipelineRunID string, stepIndex int) error
}

// Scheduler walks one or more pipeline DAGs concurrently, one goroutine
// tree per run (spec §5: "independent tasks per pipeline-run").
type Scheduler struct {
	store  store.Gateway
	bus    *eventbus.Bus
	clock  clock.Clock
	route  *router.Router
	local  Executor
	remote Executor
	ws     *workspace.Manager
	git    gitsource.Reader
	debug  BreakpointGate

	TriggerDedupWindow time.Duration

	// DefaultStepTimeout applies to steps whose definition carries no
	// timeout_seconds of its own.
	DefaultStepTimeout time.Duration

	runLocksMu sync.Mutex
	runLocks   map[string]*sync.Mutex

	// runCtxs holds one cancellable context per in-flight run; Cancel
	// cancels it so every dispatched step's executor (and through it the
	// step's container) is torn down, not just the persisted state.
	runCtxMu sync.Mutex
	runCtxs  map[string]runContext

	fatalRuns sync.Map // runID -> bool, set when a stop-edge failure occurred
}

type runContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a Scheduler from its collaborators.
func New(gw store.Gateway, bus *eventbus.Bus, c clock.Clock, rt *router.Router, local, remote Executor, ws *workspace.Manager, git gitsource.Reader, debug BreakpointGate) *Scheduler {
	return &Scheduler{
		store: gw, bus: bus, clock: c, route: rt, local: local, remote: remote,
		ws: ws, git: git, debug: debug,
		TriggerDedupWindow: time.Hour,
		DefaultStepTimeout: time.Hour,
		runLocks:           make(map[string]*sync.Mutex),
		runCtxs:            make(map[string]runContext),
	}
}

// SetDebugGate wires the Debug Session Service into the scheduler after
// both are constructed, breaking the construction cycle between them (the
// debug service needs a *Scheduler to start reruns and cancel aborted
// sessions; the scheduler needs a BreakpointGate to consult).
func (s *Scheduler) SetDebugGate(debug BreakpointGate) {
	s.debug = debug
}

// newRunContext registers a cancellable context for runID, under which
// every one of the run's step dispatches executes.
func (s *Scheduler) newRunContext(runID string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	s.runCtxMu.Lock()
	s.runCtxs[runID] = runContext{ctx: ctx, cancel: cancel}
	s.runCtxMu.Unlock()
	return ctx
}

func (s *Scheduler) runContext(runID string) context.Context {
	s.runCtxMu.Lock()
	defer s.runCtxMu.Unlock()
	if rc, ok := s.runCtxs[runID]; ok {
		return rc.ctx
	}
	return context.Background()
}

func (s *Scheduler) cancelRunContext(runID string) {
	s.runCtxMu.Lock()
	rc, ok := s.runCtxs[runID]
	delete(s.runCtxs, runID)
	s.runCtxMu.Unlock()
	if ok {
		rc.cancel()
	}
}

func (s *Scheduler) runLock(runID string) *sync.Mutex {
	s.runLocksMu.Lock()
	defer s.runLocksMu.Unlock()
	mu, ok := s.runLocks[runID]
	if !ok {
		mu = &sync.Mutex{}
		s.runLocks[runID] = mu
	}
	return mu
}

// StartFromTrigger is the entrypoint for externally-originated runs (push,
// card_complete, manual), enforcing trigger deduplication (spec §4.11,
// §8's "Trigger dedup" invariant) before handing off to StartRun. If the
// dedup window holds a live record for this trigger_key, it refuses with a
// Conflict error carrying the existing run's ID in its message.
func (s *Scheduler) StartFromTrigger(ctx context.Context, pipeline domain.Pipeline, trigger domain.TriggerContext, triggerType, repoURL, branch, commitSHA string) (domain.PipelineRun, error) {
	runID := clock.NewID()
	key := clock.NewTriggerKey(triggerType, pipeline.RepoID, trigger.Ref())

	ttl := int64(s.TriggerDedupWindow / time.Second)
	claimed := true
	var err error
	if ttl > 0 {
		claimed, err = s.store.ClaimTrigger(ctx, domain.TriggerRecord{
			Key: key, PipelineRunID: runID, RecordedAt: s.clock.Now().Unix(),
		}, ttl)
		if err != nil {
			return domain.PipelineRun{}, err
		}
	}
	if !claimed {
		return domain.PipelineRun{}, lazyerr.New(lazyerr.KindConflict, "duplicate trigger "+key)
	}

	return s.startRun(ctx, runID, pipeline, trigger, repoURL, branch, commitSHA, "")
}

// StartRun starts a new run directly, bypassing trigger dedup — used for
// debug reruns (spec §4.12) and internal trigger:<step_id> subruns (spec
// §4.11), neither of which is one of the three deduplicated trigger kinds.
func (s *Scheduler) StartRun(ctx context.Context, pipeline domain.Pipeline, trigger domain.TriggerContext, repoURL, branch, pinnedCommit string) (domain.PipelineRun, error) {
	return s.startRun(ctx, clock.NewID(), pipeline, trigger, repoURL, branch, pinnedCommit, pinnedCommit)
}

func (s *Scheduler) startRun(ctx context.Context, runID string, pipeline domain.Pipeline, trigger domain.TriggerContext, repoURL, branch, commitSHA, pinnedCommit string) (domain.PipelineRun, error) {
	return s.startRunAt(ctx, runID, pipeline, trigger, repoURL, branch, commitSHA, pinnedCommit, "")
}

// startRunAt is startRun generalized to begin at a specific step instead of
// the pipeline's natural entry node. An empty fromStepID means "use the
// pipeline's own entry steps" (the normal trigger/manual-start path); a
// non-empty one backs the trigger: edge's subrun (spec §4.11), which starts
// execution partway through the same DAG definition.
func (s *Scheduler) startRunAt(ctx context.Context, runID string, pipeline domain.Pipeline, trigger domain.TriggerContext, repoURL, branch, commitSHA, pinnedCommit, fromStepID string) (domain.PipelineRun, error) {
	now := s.clock.Now()
	run := domain.PipelineRun{
		ID:              runID,
		PipelineID:      pipeline.ID,
		Status:          domain.PipelinePending,
		TriggerContext:  trigger,
		PinnedCommitSHA: pinnedCommit,
		CreatedAt:       now,
	}
	if err := s.store.CreatePipelineRun(ctx, run); err != nil {
		return domain.PipelineRun{}, err
	}

	if err := s.transitionRun(ctx, runID, []domain.PipelineStatus{domain.PipelinePending}, domain.PipelinePreparing); err != nil {
		return domain.PipelineRun{}, err
	}

	if len(pipeline.Steps) == 0 {
		if err := s.transitionRun(ctx, runID, []domain.PipelineStatus{domain.PipelinePreparing}, domain.PipelineCompleted); err != nil {
			return domain.PipelineRun{}, err
		}
		return s.store.GetPipelineRun(ctx, runID)
	}

	if err := pipeline.Validate(); err != nil {
		_ = s.transitionRun(ctx, runID, []domain.PipelineStatus{domain.PipelinePreparing}, domain.PipelineFailed)
		return domain.PipelineRun{}, lazyerr.Wrap(lazyerr.KindFatal, "invalid pipeline", err)
	}

	if _, err := s.ws.Create(ctx, runID, pipeline.RepoID, repoURL, branch, commitSHA); err != nil {
		_ = s.transitionRun(ctx, runID, []domain.PipelineStatus{domain.PipelinePreparing}, domain.PipelineFailed)
		return domain.PipelineRun{}, err
	}

	entries := pipeline.EntryStepIDs()
	if fromStepID != "" {
		entries = []string{fromStepID}
	}
	run, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	run.ActiveStepIDs = entries
	run.StartedAt = &now
	if err := s.store.UpdatePipelineRun(ctx, run); err != nil {
		return domain.PipelineRun{}, err
	}
	if err := s.transitionRun(ctx, runID, []domain.PipelineStatus{domain.PipelinePreparing}, domain.PipelineRunning); err != nil {
		return domain.PipelineRun{}, err
	}
	s.publishRunStatus(run)

	s.newRunContext(runID)
	for _, id := range entries {
		s.dispatchAsync(pipeline, runID, id, 1)
	}

	return s.store.GetPipelineRun(ctx, runID)
}

// dispatchAsync runs scheduleStep in its own task (spec §5: fan-out
// branches run concurrently, each with its own shared workspace lease),
// under the run's cancellable context so cancel_pipeline reaches every
// in-flight step.
func (s *Scheduler) dispatchAsync(pipeline domain.Pipeline, runID, stepID string, attempt int) {
	safego.SafeGoWithContext("scheduler-step-"+stepID, s.runContext(runID), func(ctx context.Context) {
		s.scheduleStep(ctx, pipeline, runID, stepID, attempt)
	})
}

func (s *Scheduler) scheduleStep(ctx context.Context, pipeline domain.Pipeline, runID, stepID string, attempt int) {
	step, ok := pipeline.StepByID(stepID)
	if !ok {
		return
	}
	if step.TimeoutSeconds <= 0 && s.DefaultStepTimeout > 0 {
		step.TimeoutSeconds = int(s.DefaultStepTimeout / time.Second)
	}
	stepIndex := stepIndexOf(pipeline, stepID)

	sr := domain.StepRun{
		ID: clock.NewID(), PipelineRunID: runID, StepID: stepID, StepIndex: stepIndex,
		Name: step.Name, Status: domain.StepExecPending,
	}
	if err := s.store.CreateStepRun(ctx, sr); err != nil {
		return
	}
	s.publishStepRunStatus(sr)

	exec, claimed, err := router.Claim(ctx, s.store, s.clock, runID, stepIndex, attempt, sr.ID)
	if err != nil || !claimed {
		// Another caller already owns this attempt; it is responsible for
		// advancing the DAG once the execution it holds reaches terminal.
		return
	}

	// bookCtx survives the run context's cancellation: terminal bookkeeping
	// must still land after cancel_pipeline tears the dispatch context down.
	bookCtx := context.WithoutCancel(ctx)

	if s.debug != nil {
		if err := s.debug.WaitIfBreakpoint(ctx, runID, stepIndex); err != nil {
			_ = s.store.UpdateExecutionIfStatusIn(bookCtx, exec.ID,
				[]domain.StepExecutionStatus{domain.StepExecPending, domain.StepExecAssigned, domain.StepExecPreparing, domain.StepExecRunning},
				func(ex *domain.StepExecution) {
					ex.Status = domain.StepExecCancelled
					ex.Error = err.Error()
					now := s.clock.Now()
					ex.CompletedAt = &now
				})
			final, _ := s.store.GetExecution(bookCtx, exec.ID)
			s.onStepTerminal(bookCtx, pipeline, runID, step, stepIndex, final)
			return
		}
	}

	run, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return
	}
	ws, err := s.store.GetWorkspace(ctx, domain.WorkspaceID(runID))
	if err != nil {
		return
	}

	decision := s.route.Route(step)
	impl := s.local
	if decision.Target == router.TargetRemote {
		impl = s.remote
	}

	_ = impl.Run(ctx, exec, run, step, ws)

	final, err := s.store.GetExecution(bookCtx, exec.ID)
	if err != nil {
		return
	}
	s.onStepTerminal(bookCtx, pipeline, runID, step, stepIndex, final)
}

func stepIndexOf(pipeline domain.Pipeline, stepID string) int {
	for i, s := range pipeline.Steps {
		if s.StepID == stepID {
			return i
		}
	}
	return -1
}

func (s *Scheduler) transitionRun(ctx context.Context, runID string, from []domain.PipelineStatus, to domain.PipelineStatus) error {
	if err := s.store.UpdatePipelineRunStatusIf(ctx, runID, from, to); err != nil {
		return err
	}
	run, err := s.store.GetPipelineRun(ctx, runID)
	if err == nil {
		s.publishRunStatus(run)
	}
	return nil
}

func (s *Scheduler) publishRunStatus(run domain.PipelineRun) {
	evt, err := eventbus.NewEvent(eventbus.EventPipelineRunStatus, s.clock.Now(), run)
	if err == nil {
		s.bus.Broadcast(evt)
	}
}

func (s *Scheduler) publishStepRunStatus(sr domain.StepRun) {
	evt, err := eventbus.NewEvent(eventbus.EventStepRunStatus, s.clock.Now(), sr)
	if err == nil {
		s.bus.Broadcast(evt)
	}
}

// Cancel implements cancel_pipeline (spec §5): transitions the run to
// CANCELLED, marks every non-terminal execution of it CANCELLED, and
// cancels the run's dispatch context — which unblocks each in-flight
// executor so the local one kills its container and the remote one stops
// polling. Remote runners additionally get an abort frame from the debug
// service's cascade when a session owns the run.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	run, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if domain.PipelineTable.Terminal(run.Status) {
		return nil
	}
	if err := s.store.UpdatePipelineRunStatusIf(ctx, runID, nonTerminalPipelineStatuses(), domain.PipelineCancelled); err != nil {
		return err
	}
	run.Status = domain.PipelineCancelled
	s.publishRunStatus(run)
	metrics.RecordPipelineRunTerminal(string(domain.PipelineCancelled))

	srs, err := s.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil
	}
	ofRun := make(map[string]bool, len(srs))
	for _, sr := range srs {
		ofRun[sr.ID] = true
	}

	nonTerminal, err := s.store.ListNonTerminalExecutions(ctx)
	if err != nil {
		return nil
	}
	for _, exec := range nonTerminal {
		if !ofRun[exec.StepRunID] {
			continue
		}
		_ = s.store.UpdateExecutionIfStatusIn(ctx, exec.ID,
			[]domain.StepExecutionStatus{domain.StepExecPending, domain.StepExecAssigned, domain.StepExecPreparing, domain.StepExecRunning, domain.StepExecCompleting},
			func(ex *domain.StepExecution) {
				ex.Status = domain.StepExecCancelled
				now := s.clock.Now()
				ex.CompletedAt = &now
			})
	}

	s.cancelRunContext(runID)
	return nil
}

func nonTerminalPipelineStatuses() []domain.PipelineStatus {
	return []domain.PipelineStatus{
		domain.PipelinePending, domain.PipelinePreparing, domain.PipelineRunning, domain.PipelineCompleting,
	}
}
