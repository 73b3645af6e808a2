package recovery

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
	"github.com/lazyaf/engine/internal/gitsource"
	"github.com/lazyaf/engine/internal/store/memstore"
	"github.com/lazyaf/engine/internal/workspace"
)

type fakeGit struct{}

func (fakeGit) Checkout(context.Context, string, gitsource.CheckoutRequest) (gitsource.CheckoutResult, error) {
	return gitsource.CheckoutResult{ResolvedSHA: "deadbeef"}, nil
}
func (fakeGit) FastForward(context.Context, string, string) error { return nil }

type fakeOrchestrator struct{}

func (fakeOrchestrator) EnsureNetwork(context.Context, string) error { return nil }
func (fakeOrchestrator) EnsureVolume(context.Context, string) error  { return nil }
func (fakeOrchestrator) RemoveVolume(context.Context, string) error  { return nil }
func (fakeOrchestrator) VolumeHostPath(_ context.Context, name string) (string, error) {
	return filepath.Join(os.TempDir(), "lazyaf-test-vols", name), nil
}
func (fakeOrchestrator) Create(context.Context, container.RunSpec) (string, error) {
	return "c1", nil
}
func (fakeOrchestrator) Start(context.Context, string) error { return nil }
func (fakeOrchestrator) StreamLogs(context.Context, string, io.Writer) error {
	return nil
}
func (fakeOrchestrator) Wait(context.Context, string) (container.ExitState, error) {
	return container.ExitState{}, nil
}
func (fakeOrchestrator) Remove(context.Context, string) error              { return nil }
func (fakeOrchestrator) Stop(context.Context, string, time.Duration) error { return nil }
func (fakeOrchestrator) Kill(context.Context, string) error                { return nil }
func (fakeOrchestrator) Exec(context.Context, string, []string) (string, error) {
	return "exec1", nil
}
func (fakeOrchestrator) AttachExec(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, nil
}

func newSweeper(t *testing.T) (*Sweeper, *memstore.Store, *clock.Fake) {
	t.Helper()
	c := clock.NewFake(time.Unix(1700000000, 0))
	gw := memstore.New(c)
	ws := workspace.NewManager(gw, fakeOrchestrator{}, fakeGit{}, workspace.NewMemLocker(), c)
	return New(gw, ws, nil, c), gw, c
}

func seedExecution(t *testing.T, gw *memstore.Store, runID string, runStatus domain.PipelineStatus, execStatus domain.StepExecutionStatus, runnerID string) domain.StepExecution {
	t.Helper()
	ctx := context.Background()
	if err := gw.CreatePipelineRun(ctx, domain.PipelineRun{ID: runID, Status: runStatus}); err != nil {
		t.Fatal(err)
	}
	sr := domain.StepRun{ID: "sr-" + runID, PipelineRunID: runID, StepID: "a"}
	if err := gw.CreateStepRun(ctx, sr); err != nil {
		t.Fatal(err)
	}
	exec, claimed, err := gw.ClaimExecution(ctx, domain.StepExecution{
		ID: "e-" + runID, ExecutionKey: runID + ":0:1", StepRunID: sr.ID, Attempt: 1,
		Status: execStatus, RunnerID: runnerID,
	})
	if err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	return exec
}

func TestSweeper_FailsExecutionOfTerminalRun(t *testing.T) {
	s, gw, _ := newSweeper(t)
	exec := seedExecution(t, gw, "run1", domain.PipelineCompleted, domain.StepExecRunning, "")

	s.Run(context.Background())

	got, err := gw.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepExecFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Error != interruptedMessage {
		t.Fatalf("unexpected error message %q", got.Error)
	}
}

func TestSweeper_LeavesHealthyExecutionAlone(t *testing.T) {
	s, gw, _ := newSweeper(t)
	exec := seedExecution(t, gw, "run2", domain.PipelineRunning, domain.StepExecRunning, "")

	s.Run(context.Background())

	got, err := gw.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepExecRunning {
		t.Fatalf("expected execution untouched, got %s", got.Status)
	}
}

func TestSweeper_RequeuesStepOfRecentlyDeadRunner(t *testing.T) {
	s, gw, c := newSweeper(t)
	exec := seedExecution(t, gw, "run3", domain.PipelineRunning, domain.StepExecRunning, "r1")
	if err := gw.UpsertRunner(context.Background(), domain.Runner{
		ID: "r1", Status: domain.RunnerDead, LastHeartbeat: c.Now().Add(-10 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	s.Run(context.Background())

	got, err := gw.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepExecPending {
		t.Fatalf("expected requeue to PENDING, got %s", got.Status)
	}
	if got.RunnerID != "" {
		t.Fatalf("expected runner pointer cleared, got %q", got.RunnerID)
	}
}

func TestSweeper_FailsStepOfLongDeadRunner(t *testing.T) {
	s, gw, c := newSweeper(t)
	exec := seedExecution(t, gw, "run4", domain.PipelineRunning, domain.StepExecRunning, "r2")
	if err := gw.UpsertRunner(context.Background(), domain.Runner{
		ID: "r2", Status: domain.RunnerDead, LastHeartbeat: c.Now().Add(-10 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	s.Run(context.Background())

	got, err := gw.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepExecFailed {
		t.Fatalf("expected FAILED past the reconnect window, got %s", got.Status)
	}
}

func TestSweeper_DeletesOldTerminalExecutions(t *testing.T) {
	s, gw, c := newSweeper(t)
	ctx := context.Background()
	old := c.Now().Add(-40 * 24 * time.Hour)
	if _, _, err := gw.ClaimExecution(ctx, domain.StepExecution{
		ID: "e-old", ExecutionKey: "run5:0:1", StepRunID: "sr5", Attempt: 1,
		Status: domain.StepExecCompleted, CompletedAt: &old,
	}); err != nil {
		t.Fatal(err)
	}

	s.Run(ctx)

	if _, err := gw.GetExecution(ctx, "e-old"); err == nil {
		t.Fatal("expected old terminal execution to be deleted")
	}
}
