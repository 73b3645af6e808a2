package workspace

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
)

type fakeOrchestrator struct {
	volumes map[string]bool
}

func newFakeOrchestrator() *fakeOrchestrator { return &fakeOrchestrator{volumes: map[string]bool{}} }

func (f *fakeOrchestrator) EnsureNetwork(context.Context, string) error { return nil }
func (f *fakeOrchestrator) EnsureVolume(_ context.Context, name string) error {
	f.volumes[name] = true
	return nil
}
func (f *fakeOrchestrator) RemoveVolume(_ context.Context, name string) error {
	delete(f.volumes, name)
	return nil
}
func (f *fakeOrchestrator) VolumeHostPath(_ context.Context, name string) (string, error) {
	return filepath.Join(os.TempDir(), "lazyaf-test-vols", name), nil
}
func (f *fakeOrchestrator) Create(context.Context, container.RunSpec) (string, error) { return "c1", nil }
func (f *fakeOrchestrator) Start(context.Context, string) error                       { return nil }
func (f *fakeOrchestrator) StreamLogs(context.Context, string, io.Writer) error        { return nil }
func (f *fakeOrchestrator) Wait(context.Context, string) (container.ExitState, error) {
	return container.ExitState{}, nil
}
func (f *fakeOrchestrator) Remove(context.Context, string) error                    { return nil }
func (f *fakeOrchestrator) Stop(context.Context, string, time.Duration) error        { return nil }
func (f *fakeOrchestrator) Kill(context.Context, string) error                       { return nil }
func (f *fakeOrchestrator) Exec(context.Context, string, []string) (string, error) {
	return "exec1", nil
}
func (f *fakeOrchestrator) AttachExec(context.Context, string) (io.ReadWriteCloser, error) {
	return nil, nil
}

type fakeGit struct{}

func (fakeGit) Checkout(context.Context, string, gitsource.CheckoutRequest) (gitsource.CheckoutResult, error) {
	return gitsource.CheckoutResult{ResolvedSHA: "deadbeef"}, nil
}

func (fakeGit) FastForward(context.Context, string, string) error { return nil }

func newTestManager() (*Manager, *fakeOrchestrator) {
	c := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(c)
	orch := newFakeOrchestrator()
	m := NewManager(gw, orch, fakeGit{}, NewMemLocker(), c)
	return m, orch
}

func TestManager_Create(t *testing.T) {
	m, orch := newTestManager()
	ctx := context.Background()

	ws, err := m.Create(ctx, "run1", "repo1", "https://example.com/repo1.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != domain.WorkspaceReady {
		t.Fatalf("expected workspace to end READY, got %s", ws.Status)
	}
	if ws.CommitSHA != "deadbeef" {
		t.Fatalf("expected resolved sha to be recorded, got %q", ws.CommitSHA)
	}
	if !orch.volumes[ws.VolumeName] {
		t.Fatal("expected volume to be created")
	}
}

func TestManager_AcquireRelease(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	ws, err := m.Create(ctx, "run1", "repo1", "https://example.com/repo1.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}

	release, err := m.Acquire(ctx, ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkspaceInUse || got.UseCount != 1 {
		t.Fatalf("expected IN_USE with use_count 1, got %+v", got)
	}

	if err := release(ctx); err != nil {
		t.Fatal(err)
	}
	got, err = m.store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkspaceReady {
		t.Fatalf("expected READY after release, got %s", got.Status)
	}
}

func TestManager_AcquireIsConcurrentAcrossSteps(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	ws, err := m.Create(ctx, "run1", "repo1", "https://example.com/repo1.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}

	releaseB, err := m.Acquire(ctx, ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	releaseC, err := m.Acquire(ctx, ws.ID)
	if err != nil {
		t.Fatal("expected concurrent Acquire for a fan-out sibling to succeed, got", err)
	}

	got, err := m.store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UseCount != 2 || got.Status != domain.WorkspaceInUse {
		t.Fatalf("expected use_count 2 while both leases held, got %+v", got)
	}

	if err := releaseB(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = m.store.GetWorkspace(ctx, ws.ID)
	if got.UseCount != 1 || got.Status != domain.WorkspaceInUse {
		t.Fatalf("expected use_count 1 and still IN_USE after one release, got %+v", got)
	}

	if err := releaseC(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = m.store.GetWorkspace(ctx, ws.ID)
	if got.UseCount != 0 || got.Status != domain.WorkspaceReady {
		t.Fatalf("expected READY with use_count 0 after both releases, got %+v", got)
	}
}

func TestManager_Cleanup(t *testing.T) {
	m, orch := newTestManager()
	ctx := context.Background()

	ws, err := m.Create(ctx, "run1", "repo1", "https://example.com/repo1.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(ctx, ws.ID); err != nil {
		t.Fatal(err)
	}
	got, err := m.store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkspaceCleaned {
		t.Fatalf("expected CLEANED, got %s", got.Status)
	}
	if orch.volumes[ws.VolumeName] {
		t.Fatal("expected volume to be removed")
	}
}

func TestManager_GCOrphans(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(fake)
	orch := newFakeOrchestrator()
	m := NewManager(gw, orch, fakeGit{}, NewMemLocker(), fake)
	ctx := context.Background()

	if err := gw.CreatePipelineRun(ctx, domain.PipelineRun{ID: "run1", Status: domain.PipelineCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := gw.CreatePipelineRun(ctx, domain.PipelineRun{ID: "run2", Status: domain.PipelineRunning}); err != nil {
		t.Fatal(err)
	}
	ws, err := m.Create(ctx, "run1", "repo1", "https://example.com/repo1.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}
	live, err := m.Create(ctx, "run2", "repo1", "https://example.com/repo1.git", "main", "")
	if err != nil {
		t.Fatal(err)
	}

	fake.Advance(2 * time.Hour)
	cleaned, err := m.GCOrphans(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != 1 {
		t.Fatalf("expected 1 workspace cleaned, got %d", cleaned)
	}
	if orch.volumes[ws.VolumeName] {
		t.Fatal("expected orphaned workspace's volume to be removed")
	}
	if !orch.volumes[live.VolumeName] {
		t.Fatal("expected the live run's workspace volume to survive the sweep")
	}
}
