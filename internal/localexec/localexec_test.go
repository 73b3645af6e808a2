package localexec

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/container"
	"github.com/lazyaf/engine/internal/control/token"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/gitsource"
	"github.com/lazyaf/engine/internal/router"
	"github.com/lazyaf/engine/internal/store/memstore"
	"github.com/lazyaf/engine/internal/workspace"
)

type scriptedOrchestrator struct {
	exitCode int
}

func (o *scriptedOrchestrator) EnsureNetwork(context.Context, string) error { return nil }
func (o *scriptedOrchestrator) EnsureVolume(context.Context, string) error  { return nil }
func (o *scriptedOrchestrator) RemoveVolume(context.Context, string) error  { return nil }
func (o *scriptedOrchestrator) Create(context.Context, container.RunSpec) (string, error) {
	return "c1", nil
}
func (o *scriptedOrchestrator) Start(context.Context, string) error { return nil }
func (o *scriptedOrchestrator) StreamLogs(context.Context, string, io.Writer) error {
	return nil
}
func (o *scriptedOrchestrator) Wait(context.Context, string) (container.ExitState, error) {
	return container.ExitState{ExitCode: o.exitCode}, nil
}
func (o *scriptedOrchestrator) Remove(context.Context, string) error               { return nil }
func (o *scriptedOrchestrator) Stop(context.Context, string, time.Duration) error   { return nil }
func (o *scriptedOrchestrator) Kill(context.Context, string) error                 { return nil }
func (o *scriptedOrchestrator) Exec(context.Context, string, []string) (string, error) {
	return "exec1", nil
}
func (o *scriptedOrchestrator) AttachExec(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (o *scriptedOrchestrator) VolumeHostPath(_ context.Context, name string) (string, error) {
	return filepath.Join(os.TempDir(), "lazyaf-test-vols", name), nil
}

type fakeGit struct{}

func (fakeGit) Checkout(context.Context, string, gitsource.CheckoutRequest) (gitsource.CheckoutResult, error) {
	return gitsource.CheckoutResult{ResolvedSHA: "deadbeef"}, nil
}

func (fakeGit) FastForward(context.Context, string, string) error { return nil }

func TestExecutor_RunSucceeds(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(c)
	orch := &scriptedOrchestrator{exitCode: 0}
	wsMgr := workspace.NewManager(gw, orch, fakeGit{}, workspace.NewMemLocker(), c)
	bus := eventbus.New()
	signer := token.NewSigner([]byte("test-secret"))
	ex := New(gw, orch, wsMgr, signer, bus, c)

	ctx := context.Background()
	ws, err := wsMgr.Create(ctx, "run1", "repo1", "https://example.com/repo.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}

	run := domain.PipelineRun{ID: "run1"}
	step := domain.Step{
		StepID: "build",
		Type:   domain.StepType{Kind: domain.StepKindScript, Script: &domain.ScriptConfig{Command: []string{"true"}}},
	}

	candidate, claimed, err := router.Claim(ctx, gw, c, "run1", 0, 1, "sr1")
	if err != nil || !claimed {
		t.Fatalf("expected claim to succeed, got claimed=%v err=%v", claimed, err)
	}

	if err := ex.Run(ctx, candidate, run, step, ws); err != nil {
		t.Fatalf("expected run to succeed, got %v", err)
	}

	got, err := gw.GetExecution(ctx, candidate.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepExecCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
}

func TestExecutor_RunFailsOnNonZeroExit(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(c)
	orch := &scriptedOrchestrator{exitCode: 1}
	wsMgr := workspace.NewManager(gw, orch, fakeGit{}, workspace.NewMemLocker(), c)
	bus := eventbus.New()
	signer := token.NewSigner([]byte("test-secret"))
	ex := New(gw, orch, wsMgr, signer, bus, c)

	ctx := context.Background()
	ws, err := wsMgr.Create(ctx, "run2", "repo1", "https://example.com/repo.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}
	run := domain.PipelineRun{ID: "run2"}
	step := domain.Step{
		StepID: "build",
		Type:   domain.StepType{Kind: domain.StepKindScript, Script: &domain.ScriptConfig{Command: []string{"false"}}},
	}
	candidate, claimed, err := router.Claim(ctx, gw, c, "run2", 0, 1, "sr2")
	if err != nil || !claimed {
		t.Fatalf("expected claim to succeed, got claimed=%v err=%v", claimed, err)
	}

	if err := ex.Run(ctx, candidate, run, step, ws); err == nil {
		t.Fatal("expected non-zero exit to surface as an error")
	}
	got, err := gw.GetExecution(ctx, candidate.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepExecFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
}

// blockingOrchestrator parks Wait until the caller's context is cancelled,
// standing in for a container that is still running when cancel_pipeline
// arrives.
type blockingOrchestrator struct {
	*scriptedOrchestrator
	killed chan string
}

func (o *blockingOrchestrator) Wait(ctx context.Context, id string) (container.ExitState, error) {
	<-ctx.Done()
	return container.ExitState{}, ctx.Err()
}

func (o *blockingOrchestrator) Kill(_ context.Context, id string) error {
	o.killed <- id
	return nil
}

func TestExecutor_RunCancelledKillsContainer(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(c)
	orch := &blockingOrchestrator{scriptedOrchestrator: &scriptedOrchestrator{}, killed: make(chan string, 1)}
	wsMgr := workspace.NewManager(gw, orch, fakeGit{}, workspace.NewMemLocker(), c)
	bus := eventbus.New()
	signer := token.NewSigner([]byte("test-secret"))
	ex := New(gw, orch, wsMgr, signer, bus, c)

	ws, err := wsMgr.Create(context.Background(), "run3", "repo1", "https://example.com/repo.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}
	run := domain.PipelineRun{ID: "run3"}
	step := domain.Step{
		StepID: "build",
		Type:   domain.StepType{Kind: domain.StepKindScript, Script: &domain.ScriptConfig{Command: []string{"sleep", "60"}}},
	}
	candidate, claimed, err := router.Claim(context.Background(), gw, c, "run3", 0, 1, "sr3")
	if err != nil || !claimed {
		t.Fatalf("expected claim to succeed, got claimed=%v err=%v", claimed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ex.Run(ctx, candidate, run, step, ws)
	}()
	cancel()
	<-done

	select {
	case id := <-orch.killed:
		if id != "c1" {
			t.Fatalf("expected container c1 killed, got %s", id)
		}
	default:
		t.Fatal("expected the in-flight container to be killed on cancellation")
	}

	got, err := gw.GetExecution(context.Background(), candidate.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StepExecCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}
