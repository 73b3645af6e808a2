package domain

import "time"

// Step is one node in a Pipeline's step_dag, per spec §3. NextStepIDs is
// the structural DAG adjacency: the step(s) that become ready when this
// step's OnSuccess/OnFailure edge resolves to EdgeNext. It is distinct from
// EdgeTrigger, which per spec §4.11 enqueues a brand new PipelineRun rather
// than advancing this one — conflating the two would make fan-out
// (A -> {B, C}) unrepresentable, since EdgeAction only ever names one
// target step.
type Step struct {
	StepID              string            `json:"step_id"`
	Name                string            `json:"name"`
	Type                StepType          `json:"type"`
	OnSuccess           EdgeAction        `json:"on_success"`
	OnFailure           EdgeAction        `json:"on_failure"`
	NextStepIDs         []string          `json:"next_step_ids,omitempty"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	ContinueInContext   bool              `json:"continue_in_context"`
	RequiredRunnerID    string            `json:"required_runner_id,omitempty"`
	RequiresHardware    map[string]string `json:"requires_hardware,omitempty"`
	RequestedRunnerType string            `json:"requested_runner_type,omitempty"`
}

// Pipeline is a DAG of Step definitions, per spec §3.
type Pipeline struct {
	ID       string           `json:"id"`
	RepoID   string           `json:"repo_id"`
	Steps    []Step           `json:"steps"`
	Triggers []TriggerContext `json:"triggers"`
}

// EntryStepIDs returns the steps with no predecessor edge targeting them.
// The pipeline invariant (exactly one entry node) is enforced by
// Pipeline.Validate, not recomputed here.
func (p Pipeline) EntryStepIDs() []string {
	targeted := make(map[string]bool)
	for _, s := range p.Steps {
		for _, id := range s.NextStepIDs {
			targeted[id] = true
		}
	}
	var entries []string
	for _, s := range p.Steps {
		if !targeted[s.StepID] {
			entries = append(entries, s.StepID)
		}
	}
	return entries
}

// StepByID returns the step with the given ID, if present.
func (p Pipeline) StepByID(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Predecessors returns the step IDs whose NextStepIDs include id. The
// scheduler uses this to decide whether a fan-in step is ready: it needs
// every predecessor in CompletedStepIDs, not just one.
func (p Pipeline) Predecessors(id string) []string {
	var preds []string
	for _, s := range p.Steps {
		for _, next := range s.NextStepIDs {
			if next == id {
				preds = append(preds, s.StepID)
				break
			}
		}
	}
	return preds
}

// PipelineRun is one execution of a Pipeline, per spec §3.
type PipelineRun struct {
	ID               string         `json:"id"`
	PipelineID       string         `json:"pipeline_id"`
	Status           PipelineStatus `json:"status"`
	TriggerContext   TriggerContext `json:"trigger_context"`
	ActiveStepIDs    []string       `json:"active_step_ids"`
	CompletedStepIDs []string       `json:"completed_step_ids"`
	PinnedCommitSHA  string         `json:"pinned_commit_sha,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// StepRun is one step instance within a PipelineRun, per spec §3.
type StepRun struct {
	ID            string              `json:"id"`
	PipelineRunID string              `json:"pipeline_run_id"`
	StepID        string              `json:"step_id"`
	StepIndex     int                 `json:"step_index"`
	Name          string              `json:"name"`
	Status        StepExecutionStatus `json:"status"`
	Logs          string              `json:"logs,omitempty"`
	Error         string              `json:"error,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// StepExecution is one attempt of a StepRun, per spec §3.
type StepExecution struct {
	ID            string              `json:"id"`
	ExecutionKey  string              `json:"execution_key"`
	StepRunID     string              `json:"step_run_id"`
	Attempt       int                 `json:"attempt"`
	Status        StepExecutionStatus `json:"status"`
	RunnerID      string              `json:"runner_id,omitempty"`
	ContainerID   string              `json:"container_id,omitempty"`
	ExitCode      *int                `json:"exit_code,omitempty"`
	Error         string              `json:"error,omitempty"`
	Progress      string              `json:"progress,omitempty"`
	LastHeartbeat *time.Time          `json:"last_heartbeat,omitempty"`
	TimeoutAt     *time.Time          `json:"timeout_at,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Terminal reports whether the execution has reached a terminal status.
func (e StepExecution) Terminal() bool {
	return StepExecutionTable.Terminal(e.Status)
}

// Workspace is the shared volume backing all steps of one PipelineRun.
type Workspace struct {
	ID             string          `json:"id"`
	PipelineRunID  string          `json:"pipeline_run_id"`
	Status         WorkspaceStatus `json:"status"`
	UseCount       int             `json:"use_count"`
	VolumeName     string          `json:"volume_name"`
	RepoID         string          `json:"repo_id"`
	RepoURL        string          `json:"repo_url,omitempty"`
	Branch         string          `json:"branch"`
	CommitSHA      string          `json:"commit_sha,omitempty"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

// WorkspaceID derives the canonical workspace ID for a run, per spec §3:
// "ws-<run_id_prefix>".
func WorkspaceID(runID string) string {
	prefix := runID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "ws-" + prefix
}

// VolumeName derives the docker volume name for a run, per spec §6:
// "lazyaf-ws-<first 8 chars of run id>".
func VolumeName(runID string) string {
	prefix := runID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "lazyaf-ws-" + prefix
}

// Runner is an external worker connected over the remote-executor WebSocket.
type Runner struct {
	ID                     string            `json:"id"`
	Name                   string            `json:"name"`
	RunnerType             string            `json:"runner_type"`
	Labels                 map[string]string `json:"labels,omitempty"`
	Status                 RunnerState       `json:"status"`
	CurrentStepExecutionID string            `json:"current_step_execution_id,omitempty"`
	WebsocketID            string            `json:"websocket_id,omitempty"`
	LastHeartbeat          time.Time         `json:"last_heartbeat"`
	ConnectedAt            time.Time         `json:"connected_at"`
}

// ConnectionMode selects how a DebugSession attaches to a running step.
type ConnectionMode string

const (
	ConnectionSidecar ConnectionMode = "sidecar"
	ConnectionShell   ConnectionMode = "shell"
)

// DebugSession is a stateful breakpoint/inspect companion to a PipelineRun.
type DebugSession struct {
	ID                 string         `json:"id"`
	PipelineRunID      string         `json:"pipeline_run_id"`
	OriginalRunID      string         `json:"original_run_id,omitempty"`
	Status             DebugState     `json:"status"`
	Breakpoints        map[int]bool   `json:"breakpoints"`
	CurrentStepIndex   *int           `json:"current_step_index,omitempty"`
	Token              string         `json:"-"`
	ConnectionMode     ConnectionMode `json:"connection_mode,omitempty"`
	SidecarContainerID string         `json:"sidecar_container_id,omitempty"`
	TimeoutSeconds     int            `json:"timeout_seconds"`
	MaxTimeoutSeconds  int            `json:"max_timeout_seconds"`
	ExpiresAt          time.Time      `json:"expires_at"`
	CreatedAt          time.Time      `json:"created_at"`
}

// HasBreakpoint reports whether stepIndex is a configured breakpoint.
func (d DebugSession) HasBreakpoint(stepIndex int) bool {
	return d.Breakpoints[stepIndex]
}
