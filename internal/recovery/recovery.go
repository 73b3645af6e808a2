// Package recovery implements the orphan-recovery sweep (spec §4.10): the
// startup-and-periodic pass that reconciles StepExecution/Workspace state
// against reality after a backend restart or a runner going dark mid-step.
package recovery

import (
	"context"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/remoteexec"
	"github.com/lazyaf/engine/internal/safego"
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/internal/workspace"
)

const (
	interruptedMessage      = "Execution interrupted by backend restart"
	heartbeatTimeoutMessage = "Execution heartbeat timed out"
)

// Sweeper runs the three orphan-recovery duties spec §4.10 assigns: fixing
// up non-terminal executions whose owning pipeline or runner is gone,
// cleaning idle-past-grace workspaces, and deleting old terminal
// executions past the retention window.
type Sweeper struct {
	store  store.Gateway
	ws     *workspace.Manager
	remote *remoteexec.Registry
	clock  clock.Clock

	WorkspaceGrace        time.Duration
	RetentionWindow       time.Duration
	RunnerReconnectWindow time.Duration
	HeartbeatStaleAfter   time.Duration
}

// New wires a Sweeper from its collaborators. remote may be nil when no
// remote executor is configured.
func New(gw store.Gateway, ws *workspace.Manager, remote *remoteexec.Registry, c clock.Clock) *Sweeper {
	return &Sweeper{
		store: gw, ws: ws, remote: remote, clock: c,
		WorkspaceGrace:        5 * time.Minute,
		RetentionWindow:       30 * 24 * time.Hour,
		RunnerReconnectWindow: 30 * time.Second,
		HeartbeatStaleAfter:   2 * time.Minute,
	}
}

// Run performs one full sweep pass: intended to be called once at startup
// and then repeatedly from RunLoop.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepExecutions(ctx)
	s.sweepStaleHeartbeats(ctx)
	_, _ = s.ws.GCOrphans(ctx, s.WorkspaceGrace)
	if s.remote != nil {
		s.remote.SweepDead(ctx)
	}
	cutoff := s.clock.Now().Add(-s.RetentionWindow).Unix()
	_, _ = s.store.DeleteTerminalExecutionsOlderThan(ctx, cutoff)
}

// RunLoop runs Run once immediately, then again every interval until ctx
// is cancelled, the same ticker-driven-SafeGo shape
// remoteexec.Registry.SweepDead and workspace.Manager.GCOrphans are meant
// to be invoked alongside.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) {
	safego.SafeGoWithContext("recovery-sweep", ctx, func(ctx context.Context) {
		s.Run(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Run(ctx)
			}
		}
	})
}

func (s *Sweeper) sweepExecutions(ctx context.Context) {
	execs, err := s.store.ListNonTerminalExecutions(ctx)
	if err != nil {
		return
	}
	for _, exec := range execs {
		s.reconcile(ctx, exec)
	}
}

// sweepStaleHeartbeats fails executions that stopped reporting a heartbeat
// without the owning pipeline or runner having visibly died yet (a step
// container wedged or killed out from under the local executor, say).
func (s *Sweeper) sweepStaleHeartbeats(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.HeartbeatStaleAfter).Unix()
	stale, err := s.store.ListStaleExecutions(ctx, cutoff)
	if err != nil {
		return
	}
	fromStatuses := []domain.StepExecutionStatus{
		domain.StepExecPending, domain.StepExecAssigned, domain.StepExecPreparing,
		domain.StepExecRunning, domain.StepExecCompleting,
	}
	for _, exec := range stale {
		_ = s.store.UpdateExecutionIfStatusIn(ctx, exec.ID, fromStatuses, func(ex *domain.StepExecution) {
			ex.Status = domain.StepExecFailed
			ex.Error = heartbeatTimeoutMessage
			now := s.clock.Now()
			ex.CompletedAt = &now
		})
	}
}

func (s *Sweeper) reconcile(ctx context.Context, exec domain.StepExecution) {
	sr, err := s.store.GetStepRun(ctx, exec.StepRunID)
	if err != nil {
		return
	}
	run, err := s.store.GetPipelineRun(ctx, sr.PipelineRunID)
	if err != nil {
		return
	}
	pipelineTerminal := domain.PipelineTable.Terminal(run.Status)

	var runner domain.Runner
	runnerDead := false
	if exec.RunnerID != "" {
		var rerr error
		runner, rerr = s.store.GetRunner(ctx, exec.RunnerID)
		runnerDead = rerr == nil && (runner.Status == domain.RunnerDead || runner.Status == domain.RunnerDisconnected)
	}

	if !pipelineTerminal && !runnerDead {
		return
	}

	fromStatuses := []domain.StepExecutionStatus{
		domain.StepExecPending, domain.StepExecAssigned, domain.StepExecPreparing,
		domain.StepExecRunning, domain.StepExecCompleting,
	}

	isRemoteStep := exec.RunnerID != ""
	withinReconnectWindow := runnerDead && s.clock.Now().Sub(runner.LastHeartbeat) < s.RunnerReconnectWindow

	if !pipelineTerminal && isRemoteStep && withinReconnectWindow {
		_ = s.store.UpdateExecutionIfStatusIn(ctx, exec.ID, fromStatuses, func(ex *domain.StepExecution) {
			ex.Status = domain.StepExecPending
			ex.RunnerID = ""
		})
		return
	}

	_ = s.store.UpdateExecutionIfStatusIn(ctx, exec.ID, fromStatuses, func(ex *domain.StepExecution) {
		ex.Status = domain.StepExecFailed
		ex.Error = interruptedMessage
		now := s.clock.Now()
		ex.CompletedAt = &now
	})
}
