// Package debugsvc implements the Debug Session Service (spec §4.12): a
// stateful breakpoint/inspect companion that pauses a pipeline run's
// scheduling at configured step indexes and lets an operator attach to the
// paused step before resuming or aborting it.
package debugsvc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/container"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/metrics"
	"github.com/lazyaf/engine/internal/remoteexec"
	"github.com/lazyaf/engine/internal/scheduler"
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/internal/workspace"
)

// wait is the per-session rendezvous a blocked scheduleStep call parks on,
// and resume/abort/the expiry sweeper signal into.
type wait struct {
	resume chan struct{}
	abort  chan struct{}
}

// Service implements scheduler.BreakpointGate and the debug-session
// operations spec §4.12 names.
type Service struct {
	store  store.Gateway
	bus    *eventbus.Bus
	clock  clock.Clock
	sched  *scheduler.Scheduler
	orch   container.Orchestrator
	remote *remoteexec.Registry
	ws     *workspace.Manager

	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	mu      sync.Mutex
	waiters map[string]*wait // keyed by pipeline_run_id
}

// New wires a Service from its collaborators. remote may be nil in a
// single-node deployment with no remote executor configured.
func New(gw store.Gateway, bus *eventbus.Bus, c clock.Clock, sched *scheduler.Scheduler, orch container.Orchestrator, remote *remoteexec.Registry, ws *workspace.Manager) *Service {
	return &Service{
		store: gw, bus: bus, clock: c, sched: sched, orch: orch, remote: remote, ws: ws,
		DefaultTimeout: time.Hour,
		MaxTimeout:     4 * time.Hour,
		waiters:        make(map[string]*wait),
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", lazyerr.Wrap(lazyerr.KindFatal, "generate debug session token", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateDebugRerun starts a new pipeline run pinned to branch/commitSHA,
// reusing originalRunID's repo, and pairs it with a fresh DebugSession
// armed with breakpoints.
func (s *Service) CreateDebugRerun(ctx context.Context, originalRunID string, breakpoints map[int]bool, branch, commitSHA string, timeout time.Duration) (domain.DebugSession, domain.PipelineRun, error) {
	original, err := s.store.GetPipelineRun(ctx, originalRunID)
	if err != nil {
		return domain.DebugSession{}, domain.PipelineRun{}, err
	}
	pipeline, err := s.store.GetPipeline(ctx, original.PipelineID)
	if err != nil {
		return domain.DebugSession{}, domain.PipelineRun{}, err
	}
	originalWS, err := s.store.GetWorkspace(ctx, domain.WorkspaceID(originalRunID))
	if err != nil {
		return domain.DebugSession{}, domain.PipelineRun{}, err
	}

	if timeout <= 0 {
		timeout = s.DefaultTimeout
	}
	if timeout > s.MaxTimeout {
		timeout = s.MaxTimeout
	}

	run, err := s.sched.StartRun(ctx, pipeline, domain.TriggerContext{Kind: domain.TriggerManual}, originalWS.RepoURL, branch, commitSHA)
	if err != nil {
		return domain.DebugSession{}, domain.PipelineRun{}, err
	}

	token, err := randomToken()
	if err != nil {
		return domain.DebugSession{}, domain.PipelineRun{}, err
	}

	now := s.clock.Now()
	session := domain.DebugSession{
		ID:                clock.NewID(),
		PipelineRunID:     run.ID,
		OriginalRunID:     originalRunID,
		Status:            domain.DebugPending,
		Breakpoints:       breakpoints,
		Token:             token,
		TimeoutSeconds:    int(timeout / time.Second),
		MaxTimeoutSeconds: int(s.MaxTimeout / time.Second),
		ExpiresAt:         now.Add(timeout),
		CreatedAt:         now,
	}
	if err := s.store.CreateDebugSession(ctx, session); err != nil {
		return domain.DebugSession{}, domain.PipelineRun{}, err
	}
	return session, run, nil
}

// WaitIfBreakpoint implements scheduler.BreakpointGate. It returns
// immediately (nil) if no live DebugSession watches pipelineRunID or the
// session has no breakpoint at stepIndex; otherwise it parks until resume,
// abort, or the session's expiry, whichever comes first.
func (s *Service) WaitIfBreakpoint(ctx context.Context, pipelineRunID string, stepIndex int) error {
	session, err := s.store.GetDebugSessionByRunID(ctx, pipelineRunID)
	if err != nil {
		return nil
	}
	if domain.DebugTable.Terminal(session.Status) {
		return nil
	}
	if !session.HasBreakpoint(stepIndex) {
		return nil
	}

	// A session resumed without ever attaching is still WAITING_AT_BP when
	// the next breakpoint arrives; re-parking it is not a state transition.
	if session.Status != domain.DebugWaitingAtBP {
		if err := domain.DebugTable.Validate(session.Status, domain.DebugWaitingAtBP); err != nil {
			return nil
		}
	}
	session.Status = domain.DebugWaitingAtBP
	session.CurrentStepIndex = &stepIndex
	if err := s.store.UpdateDebugSession(ctx, session); err != nil {
		return err
	}
	s.publish(session)

	w := s.waiterFor(pipelineRunID)
	deadline := session.ExpiresAt.Sub(s.clock.Now())
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-w.resume:
		return nil
	case <-w.abort:
		return lazyerr.New(lazyerr.KindConflict, "debug session aborted")
	case <-timer.C:
		s.expire(context.Background(), pipelineRunID)
		return lazyerr.New(lazyerr.KindTimeout, "debug session expired")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) waiterFor(pipelineRunID string) *wait {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.waiters[pipelineRunID]
	if !ok {
		w = &wait{resume: make(chan struct{}), abort: make(chan struct{})}
		s.waiters[pipelineRunID] = w
	}
	return w
}

// Attach validates token and mode, transitions WAITING_AT_BP -> CONNECTED,
// and returns either a sidecar container ID or a shell exec ID depending on
// mode, per spec §4.12.
func (s *Service) Attach(ctx context.Context, sessionID, token string, mode domain.ConnectionMode) (string, error) {
	session, err := s.store.GetDebugSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(session.Token), []byte(token)) != 1 {
		return "", lazyerr.New(lazyerr.KindUnauthorized, "invalid debug session token")
	}
	if session.Status != domain.DebugWaitingAtBP {
		return "", lazyerr.New(lazyerr.KindConflict, "debug session not waiting at a breakpoint")
	}

	ws, err := s.store.GetWorkspace(ctx, domain.WorkspaceID(session.PipelineRunID))
	if err != nil {
		return "", err
	}

	var handle string
	switch mode {
	case domain.ConnectionSidecar:
		handle, err = s.attachSidecar(ctx, ws)
	case domain.ConnectionShell:
		handle, err = s.attachShell(ctx, session)
	default:
		return "", lazyerr.New(lazyerr.KindFatal, "unknown debug attach mode "+string(mode))
	}
	if err != nil {
		return "", err
	}

	if err := domain.DebugTable.Validate(session.Status, domain.DebugConnected); err != nil {
		return "", err
	}
	session.Status = domain.DebugConnected
	session.ConnectionMode = mode
	if mode == domain.ConnectionSidecar {
		session.SidecarContainerID = handle
	}
	if err := s.store.UpdateDebugSession(ctx, session); err != nil {
		return "", err
	}
	s.publish(session)
	return handle, nil
}

// AttachTerminal is the entry point the debug terminal WebSocket handler
// uses (spec §6's "WS /api/debug/{session_id}/terminal"): it performs the
// same state transition Attach does, then bridges a real shell into the
// resulting container so the handler can pump client keystrokes in and
// shell output back out. For "shell" mode Attach already created the exec
// session (its handle IS an exec ID); for "sidecar" mode Attach only
// started the disposable container, so a shell exec is created here.
func (s *Service) AttachTerminal(ctx context.Context, sessionID, token string, mode domain.ConnectionMode) (string, io.ReadWriteCloser, error) {
	handle, err := s.Attach(ctx, sessionID, token, mode)
	if err != nil {
		return "", nil, err
	}

	execID := handle
	if mode == domain.ConnectionSidecar {
		execID, err = s.orch.Exec(ctx, handle, []string{"/bin/sh"})
		if err != nil {
			return handle, nil, err
		}
	}
	stream, err := s.orch.AttachExec(ctx, execID)
	if err != nil {
		return handle, nil, err
	}
	return handle, stream, nil
}

func (s *Service) attachSidecar(ctx context.Context, ws domain.Workspace) (string, error) {
	id, err := s.orch.Create(ctx, container.RunSpec{
		Name:       "debug-" + ws.PipelineRunID,
		Image:      "lazyaf-base",
		Command:    []string{"sleep", "infinity"},
		VolumeName: ws.VolumeName,
	})
	if err != nil {
		return "", err
	}
	if err := s.orch.Start(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) attachShell(ctx context.Context, session domain.DebugSession) (string, error) {
	if session.CurrentStepIndex == nil {
		return "", lazyerr.New(lazyerr.KindConflict, "no step currently paused")
	}
	srs, err := s.store.ListStepRuns(ctx, session.PipelineRunID)
	if err != nil {
		return "", err
	}
	for _, sr := range srs {
		if sr.StepIndex != *session.CurrentStepIndex {
			continue
		}
		exec, err := s.store.GetExecutionByKey(ctx, clock.NewExecutionKey(session.PipelineRunID, sr.StepIndex, 1))
		if err != nil || exec.ContainerID == "" {
			return "", lazyerr.New(lazyerr.KindConflict, "paused step has no live container")
		}
		return s.orch.Exec(ctx, exec.ContainerID, []string{"/bin/sh"})
	}
	return "", lazyerr.New(lazyerr.KindNotFound, "paused step run not found")
}

// Resume implements resume(session_id): unblocks the scheduler call parked
// in WaitIfBreakpoint for this session's run. Attaching first is optional —
// a session still WAITING_AT_BP resumes just as one an operator connected
// to; only a session with no paused step (or already ended) is rejected.
// The session's status is left as-is: a CONNECTED session returns to
// WAITING_AT_BP when the next breakpoint is hit, a never-attached one is
// re-parked by WaitIfBreakpoint directly.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	session, err := s.store.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != domain.DebugWaitingAtBP && session.Status != domain.DebugConnected {
		return lazyerr.New(lazyerr.KindConflict, "debug session has no paused step to resume")
	}
	s.signalResume(session.PipelineRunID)
	return nil
}

func (s *Service) signalResume(pipelineRunID string) {
	s.mu.Lock()
	w, ok := s.waiters[pipelineRunID]
	if ok {
		delete(s.waiters, pipelineRunID)
	}
	s.mu.Unlock()
	if ok {
		close(w.resume)
	}
}

func (s *Service) signalAbort(pipelineRunID string) {
	s.mu.Lock()
	w, ok := s.waiters[pipelineRunID]
	if ok {
		delete(s.waiters, pipelineRunID)
	}
	s.mu.Unlock()
	if ok {
		close(w.abort)
	}
}

// Abort implements abort(session_id): ends the session and cascades a
// cancellation to its pipeline run and, if the session is mid-attach to a
// remote step, an abort frame to the holding runner.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	session, err := s.store.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.endSession(ctx, session, domain.DebugEnded)
}

func (s *Service) expire(ctx context.Context, pipelineRunID string) {
	session, err := s.store.GetDebugSessionByRunID(ctx, pipelineRunID)
	if err != nil {
		return
	}
	_ = s.endSession(ctx, session, domain.DebugTimedOut)
}

func (s *Service) endSession(ctx context.Context, session domain.DebugSession, to domain.DebugState) error {
	if domain.DebugTable.Terminal(session.Status) {
		return nil
	}
	if err := domain.DebugTable.Validate(session.Status, to); err != nil {
		return err
	}
	session.Status = to
	if err := s.store.UpdateDebugSession(ctx, session); err != nil {
		return err
	}
	s.publish(session)
	metrics.RecordDebugSessionEnd(string(to))

	s.signalAbort(session.PipelineRunID)
	if s.remote != nil && session.CurrentStepIndex != nil {
		srs, err := s.store.ListStepRuns(ctx, session.PipelineRunID)
		if err == nil {
			for _, sr := range srs {
				if sr.StepIndex != *session.CurrentStepIndex {
					continue
				}
				exec, err := s.store.GetExecutionByKey(ctx, clock.NewExecutionKey(session.PipelineRunID, sr.StepIndex, 1))
				if err == nil && exec.RunnerID != "" {
					s.remote.Abort(exec.RunnerID, sr.StepID)
				}
			}
		}
	}
	return s.sched.Cancel(ctx, session.PipelineRunID)
}

// ExtendTimeout implements extend_timeout(session_id, Δ): pushes expires_at
// forward by delta, capped at MaxTimeoutSeconds measured from CreatedAt.
func (s *Service) ExtendTimeout(ctx context.Context, sessionID string, delta time.Duration) error {
	session, err := s.store.GetDebugSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if domain.DebugTable.Terminal(session.Status) {
		return lazyerr.New(lazyerr.KindConflict, "debug session already ended")
	}
	maxAt := session.CreatedAt.Add(time.Duration(session.MaxTimeoutSeconds) * time.Second)
	next := session.ExpiresAt.Add(delta)
	if next.After(maxAt) {
		next = maxAt
	}
	session.ExpiresAt = next
	return s.store.UpdateDebugSession(ctx, session)
}

func (s *Service) publish(session domain.DebugSession) {
	evt, err := eventbus.NewEvent(eventbus.EventDebugSessionStatus, s.clock.Now(), session)
	if err == nil {
		s.bus.Broadcast(evt)
	}
}

// SweepExpired transitions every active session past its expires_at to
// TIMEOUT and aborts its pipeline, the background sweeper spec §4.12 calls
// for. Intended to run on a periodic ticker alongside internal/recovery.
func (s *Service) SweepExpired(ctx context.Context) {
	sessions, err := s.store.ListActiveDebugSessions(ctx)
	if err != nil {
		return
	}
	now := s.clock.Now()
	for _, session := range sessions {
		if session.ExpiresAt.After(now) {
			continue
		}
		_ = s.endSession(ctx, session, domain.DebugTimedOut)
	}
}
