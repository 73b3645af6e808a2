package debugsvc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/container"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/gitsource"
	"github.com/lazyaf/engine/internal/router"
	"github.com/lazyaf/engine/internal/scheduler"
	"github.com/lazyaf/engine/internal/store/memstore"
	"github.com/lazyaf/engine/internal/workspace"
)

type fakeGit struct{}

func (fakeGit) Checkout(context.Context, string, gitsource.CheckoutRequest) (gitsource.CheckoutResult, error) {
	return gitsource.CheckoutResult{ResolvedSHA: "deadbeef"}, nil
}
func (fakeGit) FastForward(context.Context, string, string) error { return nil }

// scriptedOrchestrator is a minimal container.Orchestrator fake, the same
// role its namesake plays in internal/localexec's tests: it never talks to
// a real daemon, just returns fixed handles for Attach's sidecar/shell
// paths to operate on.
type scriptedOrchestrator struct{}

func (scriptedOrchestrator) EnsureNetwork(context.Context, string) error { return nil }
func (scriptedOrchestrator) EnsureVolume(context.Context, string) error  { return nil }
func (scriptedOrchestrator) RemoveVolume(context.Context, string) error  { return nil }
func (scriptedOrchestrator) Create(context.Context, container.RunSpec) (string, error) {
	return "sidecar1", nil
}
func (scriptedOrchestrator) Start(context.Context, string) error { return nil }
func (scriptedOrchestrator) StreamLogs(context.Context, string, io.Writer) error {
	return nil
}
func (scriptedOrchestrator) Wait(context.Context, string) (container.ExitState, error) {
	return container.ExitState{}, nil
}
func (scriptedOrchestrator) Remove(context.Context, string) error             { return nil }
func (scriptedOrchestrator) Stop(context.Context, string, time.Duration) error { return nil }
func (scriptedOrchestrator) Kill(context.Context, string) error               { return nil }
func (scriptedOrchestrator) Exec(context.Context, string, []string) (string, error) {
	return "exec1", nil
}
func (scriptedOrchestrator) AttachExec(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (scriptedOrchestrator) VolumeHostPath(_ context.Context, name string) (string, error) {
	return filepath.Join(os.TempDir(), "lazyaf-test-vols", name), nil
}

// blockingExecutor never returns, so a run it drives stays RUNNING for the
// rest of the test — these tests exercise the debug session's own
// bookkeeping (attach/resume/abort/sweep) against a run that is genuinely
// still in flight, not the scheduler's own step-completion path (covered in
// internal/scheduler's tests).
type blockingExecutor struct{}

func (blockingExecutor) Run(ctx context.Context, exec domain.StepExecution, run domain.PipelineRun, step domain.Step, ws domain.Workspace) error {
	<-ctx.Done()
	return ctx.Err()
}

func scriptStep(id string, next []string, onSuccess domain.EdgeAction) domain.Step {
	return domain.Step{
		StepID:      id,
		Name:        id,
		Type:        domain.StepType{Kind: domain.StepKindScript, Script: &domain.ScriptConfig{Command: []string{"true"}}},
		OnSuccess:   onSuccess,
		OnFailure:   domain.StopEdge(),
		NextStepIDs: next,
	}
}

type harness struct {
	gw    *memstore.Store
	clock *clock.Fake
	sched *scheduler.Scheduler
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := clock.NewFake(time.Unix(1700000000, 0))
	gw := memstore.New(c)
	bus := eventbus.New()
	ws := workspace.NewManager(gw, scriptedOrchestrator{}, fakeGit{}, workspace.NewMemLocker(), c)
	rt := router.New(router.Policy{}, func() bool { return true })
	sched := scheduler.New(gw, bus, c, rt, blockingExecutor{}, blockingExecutor{}, ws, fakeGit{}, nil)
	svc := New(gw, bus, c, sched, scriptedOrchestrator{}, nil, ws)
	sched.SetDebugGate(svc)
	return &harness{gw: gw, clock: c, sched: sched, svc: svc}
}

// originalRun starts a one-step pipeline run the way a debug rerun's
// "original_run_id" would reference, and returns its ID. Its step never
// completes (blockingExecutor), which is fine: CreateDebugRerun only reads
// the original run's pipeline/workspace, not its outcome.
func (h *harness) originalRun(t *testing.T) (domain.Pipeline, string) {
	t.Helper()
	pipeline := domain.Pipeline{
		ID:     "pipe1",
		RepoID: "repo1",
		Steps:  []domain.Step{scriptStep("a", nil, domain.StopEdge())},
	}
	if err := h.gw.CreatePipeline(context.Background(), pipeline); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	run, err := h.sched.StartRun(context.Background(), pipeline, domain.TriggerContext{Kind: domain.TriggerManual}, "git://orig", "main", "orig-sha")
	if err != nil {
		t.Fatalf("start original run: %v", err)
	}
	return pipeline, run.ID
}

func TestCreateDebugRerun_PinsNewRunAndArmsBreakpoints(t *testing.T) {
	h := newHarness(t)
	_, originalID := h.originalRun(t)

	breakpoints := map[int]bool{0: true}
	session, run, err := h.svc.CreateDebugRerun(context.Background(), originalID, breakpoints, "feature-branch", "newsha", time.Hour)
	if err != nil {
		t.Fatalf("CreateDebugRerun: %v", err)
	}
	if session.Status != domain.DebugPending {
		t.Fatalf("expected PENDING, got %s", session.Status)
	}
	if session.OriginalRunID != originalID {
		t.Fatalf("expected original_run_id %s, got %s", originalID, session.OriginalRunID)
	}
	if !session.HasBreakpoint(0) {
		t.Fatal("expected breakpoint at step 0")
	}
	if run.ID == originalID {
		t.Fatal("expected a fresh pipeline run, not the original")
	}
	if session.TimeoutSeconds != int(time.Hour/time.Second) {
		t.Fatalf("unexpected timeout seconds %d", session.TimeoutSeconds)
	}

	stored, err := h.gw.GetDebugSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get debug session: %v", err)
	}
	if stored.PipelineRunID != run.ID {
		t.Fatalf("expected stored session pinned to new run %s, got %s", run.ID, stored.PipelineRunID)
	}
}

func TestCreateDebugRerun_TimeoutClampedToMax(t *testing.T) {
	h := newHarness(t)
	_, originalID := h.originalRun(t)
	h.svc.MaxTimeout = time.Hour

	session, _, err := h.svc.CreateDebugRerun(context.Background(), originalID, nil, "main", "newsha", 10*time.Hour)
	if err != nil {
		t.Fatalf("CreateDebugRerun: %v", err)
	}
	if session.TimeoutSeconds != int(time.Hour/time.Second) {
		t.Fatalf("expected timeout clamped to max, got %d seconds", session.TimeoutSeconds)
	}
}

func TestWaitIfBreakpoint_NoSessionReturnsImmediately(t *testing.T) {
	h := newHarness(t)
	if err := h.svc.WaitIfBreakpoint(context.Background(), "no-such-run", 0); err != nil {
		t.Fatalf("expected nil with no debug session, got %v", err)
	}
}

func TestWaitIfBreakpoint_NoBreakpointAtIndexReturnsImmediately(t *testing.T) {
	h := newHarness(t)
	runID := "run1"
	session := domain.DebugSession{
		ID: "sess1", PipelineRunID: runID, Status: domain.DebugPending,
		Breakpoints: map[int]bool{5: true},
		ExpiresAt:   h.clock.Now().Add(time.Hour),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}
	if err := h.svc.WaitIfBreakpoint(context.Background(), runID, 0); err != nil {
		t.Fatalf("expected nil with no breakpoint at index 0, got %v", err)
	}
}

func TestWaitIfBreakpoint_BlocksUntilResume(t *testing.T) {
	h := newHarness(t)
	runID := "run2"
	session := domain.DebugSession{
		ID: "sess2", PipelineRunID: runID, Status: domain.DebugPending,
		Breakpoints: map[int]bool{0: true},
		Token:       "tok",
		ExpiresAt:   h.clock.Now().Add(time.Hour),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- h.svc.WaitIfBreakpoint(context.Background(), runID, 0)
	}()

	select {
	case <-done:
		t.Fatal("WaitIfBreakpoint returned before resume was signaled")
	case <-time.After(50 * time.Millisecond):
	}

	waiting, err := h.gw.GetDebugSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get debug session: %v", err)
	}
	if waiting.Status != domain.DebugWaitingAtBP {
		t.Fatalf("expected WAITING_AT_BP, got %s", waiting.Status)
	}

	// Resume works straight from WAITING_AT_BP: attaching first is optional
	// (the plain "create rerun, hit breakpoint, resume" sequence never
	// connects a terminal).
	if err := h.svc.Resume(context.Background(), session.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected WaitIfBreakpoint to return nil after resume, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIfBreakpoint did not unblock after Resume")
	}
}

func TestAttach_RejectsWrongToken(t *testing.T) {
	h := newHarness(t)
	runID := "run3"
	session := domain.DebugSession{
		ID: "sess3", PipelineRunID: runID, Status: domain.DebugWaitingAtBP,
		Token: "correct-token", ExpiresAt: h.clock.Now().Add(time.Hour),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}
	if _, err := h.svc.Attach(context.Background(), session.ID, "wrong-token", domain.ConnectionSidecar); err == nil {
		t.Fatal("expected Attach to reject an invalid token")
	}
}

func TestAttach_SidecarConnectsAndStartsContainer(t *testing.T) {
	h := newHarness(t)
	runID := "run4"
	stepIdx := 0
	session := domain.DebugSession{
		ID: "sess4", PipelineRunID: runID, Status: domain.DebugWaitingAtBP,
		Token: "tok4", CurrentStepIndex: &stepIdx, ExpiresAt: h.clock.Now().Add(time.Hour),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}
	ws := domain.Workspace{ID: domain.WorkspaceID(runID), PipelineRunID: runID, VolumeName: domain.VolumeName(runID)}
	if err := h.gw.CreateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	handle, err := h.svc.Attach(context.Background(), session.ID, "tok4", domain.ConnectionSidecar)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if handle == "" {
		t.Fatal("expected a non-empty sidecar container handle")
	}

	stored, err := h.gw.GetDebugSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get debug session: %v", err)
	}
	if stored.Status != domain.DebugConnected {
		t.Fatalf("expected CONNECTED, got %s", stored.Status)
	}
	if stored.SidecarContainerID != handle {
		t.Fatalf("expected sidecar container id recorded, got %q", stored.SidecarContainerID)
	}
}

func TestAbort_EndsSessionAndCancelsRun(t *testing.T) {
	h := newHarness(t)
	_, originalID := h.originalRun(t)
	session, run, err := h.svc.CreateDebugRerun(context.Background(), originalID, map[int]bool{0: true}, "main", "newsha", time.Hour)
	if err != nil {
		t.Fatalf("CreateDebugRerun: %v", err)
	}
	// Force WAITING_AT_BP so Abort exercises the live cancellation path
	// rather than silently no-op'ing on an already-pending session.
	session.Status = domain.DebugWaitingAtBP
	if err := h.gw.UpdateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("update debug session: %v", err)
	}

	if err := h.svc.Abort(context.Background(), session.ID); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	stored, err := h.gw.GetDebugSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get debug session: %v", err)
	}
	if stored.Status != domain.DebugEnded {
		t.Fatalf("expected ENDED, got %s", stored.Status)
	}
	cancelledRun, err := h.gw.GetPipelineRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get pipeline run: %v", err)
	}
	if cancelledRun.Status != domain.PipelineCancelled {
		t.Fatalf("expected rerun cancelled, got %s", cancelledRun.Status)
	}
}

func TestAbort_AlreadyEndedIsNoop(t *testing.T) {
	h := newHarness(t)
	session := domain.DebugSession{
		ID: "sess5", PipelineRunID: "run5", Status: domain.DebugEnded,
		ExpiresAt: h.clock.Now().Add(time.Hour),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}
	if err := h.svc.Abort(context.Background(), session.ID); err != nil {
		t.Fatalf("expected Abort on an already-ended session to be a no-op, got %v", err)
	}
}

func TestExtendTimeout_CapsAtMaxFromCreation(t *testing.T) {
	h := newHarness(t)
	created := h.clock.Now()
	session := domain.DebugSession{
		ID: "sess6", PipelineRunID: "run6", Status: domain.DebugWaitingAtBP,
		CreatedAt: created, ExpiresAt: created.Add(time.Hour),
		MaxTimeoutSeconds: int((2 * time.Hour) / time.Second),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}

	if err := h.svc.ExtendTimeout(context.Background(), session.ID, 10*time.Hour); err != nil {
		t.Fatalf("ExtendTimeout: %v", err)
	}
	stored, err := h.gw.GetDebugSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get debug session: %v", err)
	}
	wantMax := created.Add(2 * time.Hour)
	if !stored.ExpiresAt.Equal(wantMax) {
		t.Fatalf("expected expires_at capped at %v, got %v", wantMax, stored.ExpiresAt)
	}
}

func TestExtendTimeout_RejectsEndedSession(t *testing.T) {
	h := newHarness(t)
	session := domain.DebugSession{
		ID: "sess7", PipelineRunID: "run7", Status: domain.DebugEnded,
		ExpiresAt: h.clock.Now(),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}
	if err := h.svc.ExtendTimeout(context.Background(), session.ID, time.Minute); err == nil {
		t.Fatal("expected ExtendTimeout to reject an ended session")
	}
}

func TestSweepExpired_TimesOutPastDeadlineSessions(t *testing.T) {
	h := newHarness(t)
	_, originalID := h.originalRun(t)
	session, run, err := h.svc.CreateDebugRerun(context.Background(), originalID, map[int]bool{0: true}, "main", "newsha", time.Minute)
	if err != nil {
		t.Fatalf("CreateDebugRerun: %v", err)
	}
	session.Status = domain.DebugWaitingAtBP
	session.ExpiresAt = h.clock.Now().Add(-time.Minute)
	if err := h.gw.UpdateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("update debug session: %v", err)
	}

	h.svc.SweepExpired(context.Background())

	stored, err := h.gw.GetDebugSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("get debug session: %v", err)
	}
	if stored.Status != domain.DebugTimedOut {
		t.Fatalf("expected TIMEOUT, got %s", stored.Status)
	}
	cancelledRun, err := h.gw.GetPipelineRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get pipeline run: %v", err)
	}
	if cancelledRun.Status != domain.PipelineCancelled {
		t.Fatalf("expected swept session's run cancelled, got %s", cancelledRun.Status)
	}
}

func TestAttachTerminal_ShellModeAttachesExecOfPausedStepContainer(t *testing.T) {
	h := newHarness(t)
	runID := "run8"
	stepIdx := 0
	session := domain.DebugSession{
		ID: "sess8", PipelineRunID: runID, Status: domain.DebugWaitingAtBP,
		Token: "tok8", CurrentStepIndex: &stepIdx, ExpiresAt: h.clock.Now().Add(time.Hour),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}
	ws := domain.Workspace{ID: domain.WorkspaceID(runID), PipelineRunID: runID, VolumeName: domain.VolumeName(runID)}
	if err := h.gw.CreateWorkspace(context.Background(), ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	sr := domain.StepRun{ID: "sr1", PipelineRunID: runID, StepID: "a", StepIndex: 0, Name: "a"}
	if err := h.gw.CreateStepRun(context.Background(), sr); err != nil {
		t.Fatalf("create step run: %v", err)
	}
	key := clock.NewExecutionKey(runID, 0, 1)
	exec, _, err := h.gw.ClaimExecution(context.Background(), domain.StepExecution{
		ID: "exec8", ExecutionKey: key, StepRunID: sr.ID, Attempt: 1, ContainerID: "c8",
	})
	if err != nil {
		t.Fatalf("claim execution: %v", err)
	}
	_ = exec

	handle, stream, err := h.svc.AttachTerminal(context.Background(), session.ID, "tok8", domain.ConnectionShell)
	if err != nil {
		t.Fatalf("AttachTerminal: %v", err)
	}
	if handle == "" {
		t.Fatal("expected a non-empty exec handle")
	}
	_ = stream // scriptedOrchestrator.AttachExec returns a nil stream; callers tolerate that.
}

func TestResume_RejectsSessionWithNoPausedStep(t *testing.T) {
	h := newHarness(t)
	session := domain.DebugSession{
		ID: "sess-idle", PipelineRunID: "run-idle", Status: domain.DebugPending,
		Breakpoints: map[int]bool{0: true},
		ExpiresAt:   h.clock.Now().Add(time.Hour),
	}
	if err := h.gw.CreateDebugSession(context.Background(), session); err != nil {
		t.Fatalf("create debug session: %v", err)
	}
	if err := h.svc.Resume(context.Background(), session.ID); err == nil {
		t.Fatal("expected Resume to reject a session with nothing paused")
	}
}
