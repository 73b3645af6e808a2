package scheduler

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
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/internal/store/memstore"
	"github.com/lazyaf/engine/internal/workspace"
)

// scriptedExecutor satisfies Executor with a fixed terminal outcome, the
// same role scriptedOrchestrator plays for internal/localexec's tests: it
// skips real container/runner work and drives the stored execution straight
// to the status the test wants to observe.
type scriptedExecutor struct {
	gw     store.Gateway
	status domain.StepExecutionStatus
}

func (e *scriptedExecutor) Run(ctx context.Context, exec domain.StepExecution, run domain.PipelineRun, step domain.Step, ws domain.Workspace) error {
	return e.gw.UpdateExecutionIfStatusIn(ctx, exec.ID, []domain.StepExecutionStatus{domain.StepExecPending}, func(ex *domain.StepExecution) {
		ex.Status = e.status
		now := time.Now()
		ex.CompletedAt = &now
	})
}

type fakeGit struct{}

func (fakeGit) Checkout(context.Context, string, gitsource.CheckoutRequest) (gitsource.CheckoutResult, error) {
	return gitsource.CheckoutResult{ResolvedSHA: "deadbeef"}, nil
}
func (fakeGit) FastForward(context.Context, string, string) error { return nil }

type fakeDockerOrchestrator struct{}

func (fakeDockerOrchestrator) EnsureNetwork(context.Context, string) error { return nil }
func (fakeDockerOrchestrator) EnsureVolume(context.Context, string) error  { return nil }
func (fakeDockerOrchestrator) RemoveVolume(context.Context, string) error  { return nil }
func (fakeDockerOrchestrator) Create(context.Context, container.RunSpec) (string, error) {
	return "c1", nil
}
func (fakeDockerOrchestrator) Start(context.Context, string) error { return nil }
func (fakeDockerOrchestrator) StreamLogs(context.Context, string, io.Writer) error {
	return nil
}
func (fakeDockerOrchestrator) Wait(context.Context, string) (container.ExitState, error) {
	return container.ExitState{}, nil
}
func (fakeDockerOrchestrator) Remove(context.Context, string) error             { return nil }
func (fakeDockerOrchestrator) Stop(context.Context, string, time.Duration) error { return nil }
func (fakeDockerOrchestrator) Kill(context.Context, string) error               { return nil }
func (fakeDockerOrchestrator) Exec(context.Context, string, []string) (string, error) {
	return "exec1", nil
}
func (fakeDockerOrchestrator) AttachExec(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (fakeDockerOrchestrator) VolumeHostPath(_ context.Context, name string) (string, error) {
	return filepath.Join(os.TempDir(), "lazyaf-test-vols", name), nil
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

func newHarness(t *testing.T, status domain.StepExecutionStatus) (*Scheduler, *memstore.Store) {
	t.Helper()
	c := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(c)
	bus := eventbus.New()
	ws := workspace.NewManager(gw, fakeDockerOrchestrator{}, fakeGit{}, workspace.NewMemLocker(), c)
	rt := router.New(router.Policy{}, func() bool { return true })
	exec := &scriptedExecutor{gw: gw, status: status}
	sched := New(gw, bus, c, rt, exec, exec, ws, fakeGit{}, nil)
	return sched, gw
}

func waitForTerminal(t *testing.T, gw *memstore.Store, runID string) domain.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := gw.GetPipelineRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("get pipeline run: %v", err)
		}
		if domain.PipelineTable.Terminal(run.Status) {
			return run
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("pipeline run never reached a terminal status")
	return domain.PipelineRun{}
}

func TestScheduler_StartRun_SingleStepCompletes(t *testing.T) {
	sched, gw := newHarness(t, domain.StepExecCompleted)

	pipeline := domain.Pipeline{
		ID:     "p1",
		RepoID: "r1",
		Steps:  []domain.Step{scriptStep("a", nil, domain.StopEdge())},
	}
	run, err := sched.StartRun(context.Background(), pipeline, domain.TriggerContext{Kind: domain.TriggerManual}, "git://repo", "main", "abc123")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	final := waitForTerminal(t, gw, run.ID)
	if final.Status != domain.PipelineCompleted {
		t.Fatalf("expected run to complete, got %s", final.Status)
	}
}

func TestScheduler_StartRun_StepFailureFailsRun(t *testing.T) {
	sched, gw := newHarness(t, domain.StepExecFailed)

	pipeline := domain.Pipeline{
		ID:     "p2",
		RepoID: "r1",
		Steps:  []domain.Step{scriptStep("a", nil, domain.StopEdge())},
	}
	run, err := sched.StartRun(context.Background(), pipeline, domain.TriggerContext{Kind: domain.TriggerManual}, "git://repo", "main", "abc123")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	final := waitForTerminal(t, gw, run.ID)
	if final.Status != domain.PipelineFailed {
		t.Fatalf("expected run to fail, got %s", final.Status)
	}
}

func TestScheduler_StartFromTrigger_DedupsWithinWindow(t *testing.T) {
	sched, _ := newHarness(t, domain.StepExecCompleted)
	sched.TriggerDedupWindow = time.Hour

	pipeline := domain.Pipeline{
		ID:     "p3",
		RepoID: "r1",
		Steps:  []domain.Step{scriptStep("a", nil, domain.StopEdge())},
	}
	trig := domain.TriggerContext{Kind: domain.TriggerPush}

	if _, err := sched.StartFromTrigger(context.Background(), pipeline, trig, "push", "git://repo", "main", "abc123"); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	if _, err := sched.StartFromTrigger(context.Background(), pipeline, trig, "push", "git://repo", "main", "abc123"); err == nil {
		t.Fatal("expected duplicate trigger to be rejected")
	}
}

// blockingExecutor parks Run until the test releases it, so Cancel can be
// exercised against a run that is genuinely still in flight instead of
// racing the scheduler's own goroutine to a terminal status.
type blockingExecutor struct {
	release chan struct{}
}

func (e *blockingExecutor) Run(context.Context, domain.StepExecution, domain.PipelineRun, domain.Step, domain.Workspace) error {
	<-e.release
	return nil
}

func TestScheduler_Cancel_MarksRunAndExecutionsCancelled(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(c)
	bus := eventbus.New()
	ws := workspace.NewManager(gw, fakeDockerOrchestrator{}, fakeGit{}, workspace.NewMemLocker(), c)
	rt := router.New(router.Policy{}, func() bool { return true })
	be := &blockingExecutor{release: make(chan struct{})}
	sched := New(gw, bus, c, rt, be, be, ws, fakeGit{}, nil)
	defer close(be.release)

	pipeline := domain.Pipeline{
		ID:     "p4",
		RepoID: "r1",
		Steps:  []domain.Step{scriptStep("a", nil, domain.StopEdge())},
	}
	run, err := sched.StartRun(context.Background(), pipeline, domain.TriggerContext{Kind: domain.TriggerManual}, "git://repo", "main", "abc123")
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Status != domain.PipelineRunning {
		t.Fatalf("expected run to start RUNNING, got %s", run.Status)
	}

	if err := sched.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	final, err := gw.GetPipelineRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get pipeline run: %v", err)
	}
	if final.Status != domain.PipelineCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}
