package scheduler

import (
	"context"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/metrics"
	"github.com/lazyaf/engine/internal/safego"
)

// onStepTerminal applies a just-finished step's on_success/on_failure edge
// and decides whether the owning run has more work or has reached a
// terminal status, per spec §4.11 step 4. Everything here runs under the
// run's own lock so concurrent siblings from a fan-out don't race on
// ActiveStepIDs/CompletedStepIDs.
func (s *Scheduler) onStepTerminal(ctx context.Context, pipeline domain.Pipeline, runID string, step domain.Step, stepIndex int, exec domain.StepExecution) {
	mu := s.runLock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return
	}
	if domain.PipelineTable.Terminal(run.Status) {
		return
	}

	run.ActiveStepIDs = removeFromSlice(run.ActiveStepIDs, step.StepID)
	run.CompletedStepIDs = append(run.CompletedStepIDs, step.StepID)

	if sr, err := s.store.GetStepRun(ctx, exec.StepRunID); err == nil {
		sr.Status = exec.Status
		sr.Error = exec.Error
		sr.StartedAt = exec.StartedAt
		sr.CompletedAt = exec.CompletedAt
		if err := s.store.UpdateStepRun(ctx, sr); err == nil {
			s.publishStepRunStatus(sr)
		}
	}

	if exec.StartedAt != nil && exec.CompletedAt != nil {
		metrics.ObserveStepExecutionDuration(string(step.Type.Kind), string(exec.Status), exec.CompletedAt.Sub(*exec.StartedAt).Seconds())
	}

	succeeded := exec.Status == domain.StepExecCompleted
	edge := step.OnFailure
	if succeeded {
		edge = step.OnSuccess
	}

	switch edge.Kind {
	case domain.EdgeStop:
		if !succeeded {
			s.fatalRuns.Store(runID, true)
		}
	case domain.EdgeTrigger:
		if succeeded {
			s.dispatchTriggeredSubrun(ctx, pipeline, run, edge.TargetStepID)
		}
	case domain.EdgeMerge:
		if succeeded {
			repoDir, err := s.ws.RepoDir(ctx, domain.WorkspaceID(runID))
			if err != nil || s.git.FastForward(ctx, repoDir, edge.Branch) != nil {
				s.fatalRuns.Store(runID, true)
			}
		}
	case domain.EdgeNext:
		// ready successors are computed below, uniformly for next and
		// for the fall-through case of an otherwise-unset edge.
	}

	var readyNow []string
	if edge.Kind == domain.EdgeNext || edge.Kind == "" {
		for _, nextID := range step.NextStepIDs {
			if stepReady(pipeline, run, nextID) {
				readyNow = append(readyNow, nextID)
			}
		}
	}
	run.ActiveStepIDs = append(run.ActiveStepIDs, readyNow...)

	if err := s.store.UpdatePipelineRun(ctx, run); err != nil {
		return
	}
	s.publishRunStatus(run)

	for _, nextID := range readyNow {
		s.dispatchAsync(pipeline, runID, nextID, 1)
	}

	if len(run.ActiveStepIDs) > 0 {
		return
	}

	s.finishRun(ctx, runID)
}

// stepReady reports whether every predecessor of candidateID has already
// completed, the fan-in rule a merge point (multiple NextStepIDs pointing
// at one step) needs before it can be dispatched.
func stepReady(pipeline domain.Pipeline, run domain.PipelineRun, candidateID string) bool {
	completed := make(map[string]bool, len(run.CompletedStepIDs))
	for _, id := range run.CompletedStepIDs {
		completed[id] = true
	}
	for _, pred := range pipeline.Predecessors(candidateID) {
		if !completed[pred] {
			return false
		}
	}
	return true
}

func removeFromSlice(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// finishRun transitions a run with no remaining active steps to its final
// pipeline status and releases its workspace, once nothing still needs it.
func (s *Scheduler) finishRun(ctx context.Context, runID string) {
	_, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return
	}

	to := domain.PipelineCompleted
	if _, fatal := s.fatalRuns.Load(runID); fatal {
		to = domain.PipelineFailed
	}

	from := []domain.PipelineStatus{domain.PipelineRunning}
	if to == domain.PipelineCompleted {
		if err := s.transitionRun(ctx, runID, from, domain.PipelineCompleting); err != nil {
			return
		}
		from = []domain.PipelineStatus{domain.PipelineCompleting}
	}
	if err := s.transitionRun(ctx, runID, from, to); err != nil {
		return
	}
	s.fatalRuns.Delete(runID)
	s.cancelRunContext(runID)
	metrics.RecordPipelineRunTerminal(string(to))

	if session, err := s.store.GetDebugSessionByRunID(ctx, runID); err == nil && !domain.DebugTable.Terminal(session.Status) {
		return
	}
	_ = s.ws.Cleanup(ctx, domain.WorkspaceID(runID))
}

// dispatchTriggeredSubrun starts an independent PipelineRun rooted at
// targetStepID within the same pipeline definition, per the trigger: edge
// (spec §4.11). It does not block or otherwise entangle the parent run's
// own completion. The subrun reuses the parent's repo/branch/commit, since
// TriggerContext carries no workspace identity of its own.
func (s *Scheduler) dispatchTriggeredSubrun(ctx context.Context, pipeline domain.Pipeline, parent domain.PipelineRun, targetStepID string) {
	if _, ok := pipeline.StepByID(targetStepID); !ok {
		return
	}
	parentWS, err := s.store.GetWorkspace(ctx, domain.WorkspaceID(parent.ID))
	if err != nil {
		return
	}

	runID := clock.NewID()
	safego.SafeGoWithContext("scheduler-subrun-"+runID, context.Background(), func(ctx context.Context) {
		_, _ = s.startRunAt(ctx, runID, pipeline, parent.TriggerContext,
			parentWS.RepoURL, parentWS.Branch, parentWS.CommitSHA, "", targetStepID)
	})
}
