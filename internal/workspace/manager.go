// Package workspace implements the shared-volume lifecycle backing every
// step of one pipeline run: one Docker volume, checked out once and reused
// (not re-cloned) by every subsequent step, per spec §4.4.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/container"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/gitsource"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/store"
)

// homeSubdirs is the /workspace/home layout initialized at creation so
// agent CLIs find a writable cache/config/bin tree on first use.
var homeSubdirs = []string{
	"home/.cache", "home/.config", "home/.local/bin", "home/.npm-global/bin",
}

// Manager creates, locks, and eventually cleans up workspaces.
type Manager struct {
	store  store.Gateway
	orch   container.Orchestrator
	git    gitsource.Reader
	locker Locker
	clock  clock.Clock
}

// NewManager wires a Manager from its collaborators.
func NewManager(gw store.Gateway, orch container.Orchestrator, git gitsource.Reader, locker Locker, c clock.Clock) *Manager {
	return &Manager{store: gw, orch: orch, git: git, locker: locker, clock: c}
}

// HostPath resolves the workspace volume's data directory on the host.
// Everything the engine writes into a workspace (the repo checkout, the
// .control dir) goes through this path; step containers see the same tree
// mounted at /workspace.
func (m *Manager) HostPath(ctx context.Context, workspaceID string) (string, error) {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	return m.orch.VolumeHostPath(ctx, ws.VolumeName)
}

// RepoDir resolves the host path of the workspace's git checkout.
func (m *Manager) RepoDir(ctx context.Context, workspaceID string) (string, error) {
	root, err := m.HostPath(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "repo"), nil
}

// Create provisions a new workspace for a pipeline run: a Docker volume plus
// an initial git checkout, and persists the CREATING -> READY transition.
// Held under the workspace's exclusive lock for its whole duration, per
// spec §4.4 — unlike Acquire/release, which only hold it momentarily.
func (m *Manager) Create(ctx context.Context, runID, repoID, repoURL, branch, commitSHA string) (ws domain.Workspace, err error) {
	unlock, err := m.locker.Lock(ctx, domain.WorkspaceID(runID))
	if err != nil {
		return domain.Workspace{}, err
	}
	defer unlock()

	ws = domain.Workspace{
		ID:             domain.WorkspaceID(runID),
		PipelineRunID:  runID,
		Status:         domain.WorkspaceCreating,
		VolumeName:     domain.VolumeName(runID),
		RepoID:         repoID,
		RepoURL:        repoURL,
		Branch:         branch,
		CommitSHA:      commitSHA,
		LastActivityAt: m.clock.Now(),
	}
	if err := m.store.CreateWorkspace(ctx, ws); err != nil {
		return domain.Workspace{}, err
	}

	if err := m.orch.EnsureVolume(ctx, ws.VolumeName); err != nil {
		m.markFailed(ctx, ws.ID)
		return domain.Workspace{}, err
	}
	root, err := m.orch.VolumeHostPath(ctx, ws.VolumeName)
	if err != nil {
		m.markFailed(ctx, ws.ID)
		return domain.Workspace{}, err
	}
	for _, sub := range append([]string{".control"}, homeSubdirs...) {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			m.markFailed(ctx, ws.ID)
			return domain.Workspace{}, lazyerr.Wrap(lazyerr.KindResourceExhausted, "initialize workspace layout", err)
		}
	}

	resolved, err := m.git.Checkout(ctx, filepath.Join(root, "repo"), gitsource.CheckoutRequest{
		RepoID: repoID, RepoURL: repoURL, Branch: branch, CommitSHA: commitSHA,
	})
	if err != nil {
		m.markFailed(ctx, ws.ID)
		return domain.Workspace{}, err
	}
	ws.CommitSHA = resolved.ResolvedSHA

	if err := domain.WorkspaceTable.Validate(domain.WorkspaceCreating, domain.WorkspaceReady); err != nil {
		return domain.Workspace{}, err
	}
	ws.Status = domain.WorkspaceReady
	if err := m.store.UpdateWorkspace(ctx, ws); err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

// Acquire grants a shared lease on a workspace to one step, incrementing
// use_count and transitioning READY -> IN_USE on the first concurrent
// holder. Unlike Create/Cleanup (which hold the workspace's exclusive lock
// for their whole duration), Acquire only holds it for the instant it takes
// to read-modify-write use_count, then releases it immediately — so
// multiple steps of a fan-out (spec scenario 2: B and C under one A) can
// both be IN_USE on the same workspace at once. The returned release func
// symmetrically decrements use_count and transitions back to READY only
// when it reaches zero.
func (m *Manager) Acquire(ctx context.Context, workspaceID string) (release func(ctx context.Context) error, err error) {
	if err := m.withLock(ctx, workspaceID, func(ctx context.Context) error {
		ws, err := m.store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		if ws.Status == domain.WorkspaceReady {
			if err := domain.WorkspaceTable.Validate(ws.Status, domain.WorkspaceInUse); err != nil {
				return lazyerr.Wrap(lazyerr.KindConflict, "workspace "+workspaceID+" not ready", err)
			}
			ws.Status = domain.WorkspaceInUse
		} else if ws.Status != domain.WorkspaceInUse {
			return lazyerr.New(lazyerr.KindConflict, "workspace "+workspaceID+" not ready")
		}
		ws.UseCount++
		ws.LastActivityAt = m.clock.Now()
		return m.store.UpdateWorkspace(ctx, ws)
	}); err != nil {
		return nil, err
	}

	release = func(ctx context.Context) error {
		return m.withLock(ctx, workspaceID, func(ctx context.Context) error {
			ws, err := m.store.GetWorkspace(ctx, workspaceID)
			if err != nil {
				return err
			}
			if ws.UseCount > 0 {
				ws.UseCount--
			}
			if ws.UseCount == 0 && ws.Status == domain.WorkspaceInUse {
				ws.Status = domain.WorkspaceReady
			}
			ws.LastActivityAt = m.clock.Now()
			return m.store.UpdateWorkspace(ctx, ws)
		})
	}
	return release, nil
}

// withLock briefly holds the workspace's lock for the duration of fn, the
// shared-lease idiom: the lock only serializes the read-modify-write of
// use_count/status, not the lease holder's actual work.
func (m *Manager) withLock(ctx context.Context, workspaceID string, fn func(ctx context.Context) error) error {
	unlock, err := m.locker.Lock(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Cleanup tears down a workspace's volume and marks it CLEANED. Held under
// the workspace's exclusive lock for its whole duration so no Acquire can
// interleave and observe use_count == 0 mid-teardown.
func (m *Manager) Cleanup(ctx context.Context, workspaceID string) error {
	unlock, err := m.locker.Lock(ctx, workspaceID)
	if err != nil {
		return err
	}
	defer unlock()

	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.UseCount > 0 {
		return lazyerr.New(lazyerr.KindConflict, "workspace "+workspaceID+" still has active leases")
	}
	if !domain.WorkspaceTable.Allowed(ws.Status, domain.WorkspaceCleaning) {
		return lazyerr.New(lazyerr.KindConflict, "workspace "+workspaceID+" cannot be cleaned from its current status")
	}
	ws.Status = domain.WorkspaceCleaning
	if err := m.store.UpdateWorkspace(ctx, ws); err != nil {
		return err
	}

	if err := m.orch.RemoveVolume(ctx, ws.VolumeName); err != nil {
		m.markFailed(ctx, workspaceID)
		return err
	}

	ws.Status = domain.WorkspaceCleaned
	return m.store.UpdateWorkspace(ctx, ws)
}

// GCOrphans cleans up workspaces whose owning pipeline is already terminal
// and that have been idle past maxIdle. Intended to run on a periodic
// ticker alongside internal/recovery's execution sweep. A workspace of a
// live run is never collected here, no matter how long it has sat idle — a
// run parked at a debug breakpoint still needs its volume.
func (m *Manager) GCOrphans(ctx context.Context, maxIdle time.Duration) (cleaned int, err error) {
	ready, err := m.store.ListWorkspacesByStatus(ctx, domain.WorkspaceReady)
	if err != nil {
		return 0, err
	}
	cutoff := m.clock.Now().Add(-maxIdle)
	for _, ws := range ready {
		if ws.LastActivityAt.After(cutoff) {
			continue
		}
		run, err := m.store.GetPipelineRun(ctx, ws.PipelineRunID)
		if err != nil || !domain.PipelineTable.Terminal(run.Status) {
			continue
		}
		if err := m.Cleanup(ctx, ws.ID); err != nil {
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

func (m *Manager) markFailed(ctx context.Context, workspaceID string) {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return
	}
	ws.Status = domain.WorkspaceFailed
	_ = m.store.UpdateWorkspace(ctx, ws)
}
