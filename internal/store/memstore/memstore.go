// Package memstore is an in-process, map-based store.Gateway used by every
// package's unit tests, the same role the teacher's logstream/filestore
// plays for its log client in offline/dev mode.
package memstore

import (
	"context"
	"sync"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/store"
)

// Store is a mutex-guarded in-memory store.Gateway.
type Store struct {
	clock clock.Clock

	mu         sync.Mutex
	pipelines  map[string]domain.Pipeline
	runs       map[string]domain.PipelineRun
	stepRuns   map[string]domain.StepRun
	execsByID  map[string]domain.StepExecution
	execsByKey map[string]string // execution_key -> id
	workspaces map[string]domain.Workspace
	runners    map[string]domain.Runner
	debugs     map[string]domain.DebugSession
	triggers   map[string]int64 // key -> expiry unix seconds
}

// New returns an empty Store backed by the given clock.
func New(c clock.Clock) *Store {
	return &Store{
		clock:      c,
		pipelines:  make(map[string]domain.Pipeline),
		runs:       make(map[string]domain.PipelineRun),
		stepRuns:   make(map[string]domain.StepRun),
		execsByID:  make(map[string]domain.StepExecution),
		execsByKey: make(map[string]string),
		workspaces: make(map[string]domain.Workspace),
		runners:    make(map[string]domain.Runner),
		debugs:     make(map[string]domain.DebugSession),
		triggers:   make(map[string]int64),
	}
}

var _ store.Gateway = (*Store)(nil)

// Atomic runs fn directly; memstore's single mutex already serializes all
// reads/writes against the maps touched inside fn.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Store) CreatePipeline(_ context.Context, p domain.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[p.ID] = p
	return nil
}

func (s *Store) GetPipeline(_ context.Context, id string) (domain.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return domain.Pipeline{}, store.NotFound("pipeline", id)
	}
	return p, nil
}

func (s *Store) CreatePipelineRun(_ context.Context, r domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	return nil
}

func (s *Store) GetPipelineRun(_ context.Context, id string) (domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return domain.PipelineRun{}, store.NotFound("pipeline_run", id)
	}
	return r, nil
}

func (s *Store) UpdatePipelineRun(_ context.Context, r domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return store.NotFound("pipeline_run", r.ID)
	}
	s.runs[r.ID] = r
	return nil
}

func (s *Store) UpdatePipelineRunStatusIf(_ context.Context, id string, from []domain.PipelineStatus, to domain.PipelineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.NotFound("pipeline_run", id)
	}
	if !statusIn(r.Status, from) {
		return store.Conflict("pipeline_run " + id + " not in expected status")
	}
	r.Status = to
	s.runs[id] = r
	return nil
}

func (s *Store) CreateStepRun(_ context.Context, sr domain.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepRuns[sr.ID] = sr
	return nil
}

func (s *Store) GetStepRun(_ context.Context, id string) (domain.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.stepRuns[id]
	if !ok {
		return domain.StepRun{}, store.NotFound("step_run", id)
	}
	return sr, nil
}

func (s *Store) ListStepRuns(_ context.Context, pipelineRunID string) ([]domain.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StepRun
	for _, sr := range s.stepRuns {
		if sr.PipelineRunID == pipelineRunID {
			out = append(out, sr)
		}
	}
	return out, nil
}

func (s *Store) UpdateStepRun(_ context.Context, sr domain.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stepRuns[sr.ID]; !ok {
		return store.NotFound("step_run", sr.ID)
	}
	s.stepRuns[sr.ID] = sr
	return nil
}

func (s *Store) ClaimExecution(_ context.Context, exec domain.StepExecution) (domain.StepExecution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.execsByKey[exec.ExecutionKey]; exists {
		return s.execsByID[id], false, nil
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.clock.Now()
	}
	s.execsByID[exec.ID] = exec
	s.execsByKey[exec.ExecutionKey] = exec.ID
	return exec, true, nil
}

func (s *Store) GetExecution(_ context.Context, id string) (domain.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execsByID[id]
	if !ok {
		return domain.StepExecution{}, store.NotFound("step_execution", id)
	}
	return e, nil
}

func (s *Store) GetExecutionByKey(_ context.Context, key string) (domain.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.execsByKey[key]
	if !ok {
		return domain.StepExecution{}, store.NotFound("step_execution", key)
	}
	return s.execsByID[id], nil
}

func (s *Store) UpdateExecutionIfStatusIn(_ context.Context, id string, from []domain.StepExecutionStatus, mutate func(*domain.StepExecution)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execsByID[id]
	if !ok {
		return store.NotFound("step_execution", id)
	}
	if !statusIn(e.Status, from) {
		return store.Conflict("step_execution " + id + " not in expected status")
	}
	mutate(&e)
	s.execsByID[id] = e
	return nil
}

func (s *Store) ListStaleExecutions(_ context.Context, olderThan int64) ([]domain.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StepExecution
	for _, e := range s.execsByID {
		if e.Terminal() {
			continue
		}
		if e.LastHeartbeat != nil && e.LastHeartbeat.Unix() < olderThan {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListNonTerminalExecutions(_ context.Context) ([]domain.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StepExecution
	for _, e := range s.execsByID {
		if !e.Terminal() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) DeleteTerminalExecutionsOlderThan(_ context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.execsByID {
		if !e.Terminal() || e.CompletedAt == nil || e.CompletedAt.Unix() >= cutoff {
			continue
		}
		delete(s.execsByID, id)
		delete(s.execsByKey, e.ExecutionKey)
		n++
	}
	return n, nil
}

func (s *Store) CreateWorkspace(_ context.Context, w domain.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[w.ID] = w
	return nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return domain.Workspace{}, store.NotFound("workspace", id)
	}
	return w, nil
}

func (s *Store) UpdateWorkspace(_ context.Context, w domain.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[w.ID]; !ok {
		return store.NotFound("workspace", w.ID)
	}
	s.workspaces[w.ID] = w
	return nil
}

func (s *Store) ListWorkspacesByStatus(_ context.Context, status domain.WorkspaceStatus) ([]domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Workspace
	for _, w := range s.workspaces {
		if w.Status == status {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) UpsertRunner(_ context.Context, r domain.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.ID] = r
	return nil
}

func (s *Store) GetRunner(_ context.Context, id string) (domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return domain.Runner{}, store.NotFound("runner", id)
	}
	return r, nil
}

func (s *Store) ListRunnersByStatus(_ context.Context, status domain.RunnerState) ([]domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Runner
	for _, r := range s.runners {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) DeleteRunner(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
	return nil
}

func (s *Store) CreateDebugSession(_ context.Context, d domain.DebugSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugs[d.ID] = d
	return nil
}

func (s *Store) GetDebugSession(_ context.Context, id string) (domain.DebugSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debugs[id]
	if !ok {
		return domain.DebugSession{}, store.NotFound("debug_session", id)
	}
	return d, nil
}

func (s *Store) GetDebugSessionByRunID(_ context.Context, pipelineRunID string) (domain.DebugSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.debugs {
		if d.PipelineRunID == pipelineRunID {
			return d, nil
		}
	}
	return domain.DebugSession{}, store.NotFound("debug_session", "run:"+pipelineRunID)
}

func (s *Store) UpdateDebugSession(_ context.Context, d domain.DebugSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.debugs[d.ID]; !ok {
		return store.NotFound("debug_session", d.ID)
	}
	s.debugs[d.ID] = d
	return nil
}

func (s *Store) ListActiveDebugSessions(_ context.Context) ([]domain.DebugSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DebugSession
	for _, d := range s.debugs {
		if !domain.DebugTable.Terminal(d.Status) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) ClaimTrigger(_ context.Context, rec domain.TriggerRecord, ttlSeconds int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().Unix()
	if expiry, exists := s.triggers[rec.Key]; exists && expiry > now {
		return false, nil
	}
	s.triggers[rec.Key] = now + ttlSeconds
	return true, nil
}

func statusIn[S comparable](s S, set []S) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
