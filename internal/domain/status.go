package domain

// StepExecutionStatus is the per-attempt state machine from spec §4.10.
type StepExecutionStatus string

const (
	StepExecPending    StepExecutionStatus = "PENDING"
	StepExecAssigned   StepExecutionStatus = "ASSIGNED"
	StepExecPreparing  StepExecutionStatus = "PREPARING"
	StepExecRunning    StepExecutionStatus = "RUNNING"
	StepExecCompleting StepExecutionStatus = "COMPLETING"
	StepExecCompleted  StepExecutionStatus = "COMPLETED"
	StepExecFailed     StepExecutionStatus = "FAILED"
	StepExecCancelled  StepExecutionStatus = "CANCELLED"
	StepExecTimeout    StepExecutionStatus = "TIMEOUT"
)

// StepExecutionTable is the allowed-transition table for StepExecutionStatus.
var StepExecutionTable = NewTable(map[StepExecutionStatus][]StepExecutionStatus{
	StepExecPending:    {StepExecAssigned, StepExecCancelled, StepExecFailed},
	StepExecAssigned:   {StepExecPreparing, StepExecCancelled, StepExecFailed},
	StepExecPreparing:  {StepExecRunning, StepExecCancelled, StepExecFailed},
	StepExecRunning:    {StepExecCompleting, StepExecCancelled, StepExecFailed, StepExecTimeout},
	StepExecCompleting: {StepExecCompleted, StepExecCancelled, StepExecFailed},
}, []StepExecutionStatus{StepExecCompleted, StepExecFailed, StepExecCancelled, StepExecTimeout})

// PipelineStatus is the pipeline-run state machine from spec §4.10.
type PipelineStatus string

const (
	PipelinePending    PipelineStatus = "PENDING"
	PipelinePreparing  PipelineStatus = "PREPARING"
	PipelineRunning    PipelineStatus = "RUNNING"
	PipelineCompleting PipelineStatus = "COMPLETING"
	PipelineCompleted  PipelineStatus = "COMPLETED"
	PipelineFailed     PipelineStatus = "FAILED"
	PipelineCancelled  PipelineStatus = "CANCELLED"
)

var nonTerminalPipelineStatuses = []PipelineStatus{
	PipelinePending, PipelinePreparing, PipelineRunning, PipelineCompleting,
}

func pipelineEdges() map[PipelineStatus][]PipelineStatus {
	edges := map[PipelineStatus][]PipelineStatus{
		PipelinePending:    {PipelinePreparing},
		PipelinePreparing:  {PipelineRunning},
		PipelineRunning:    {PipelineCompleting},
		PipelineCompleting: {PipelineCompleted},
	}
	// FAILED and CANCELLED are reachable from any non-terminal state.
	for _, s := range nonTerminalPipelineStatuses {
		edges[s] = append(edges[s], PipelineFailed, PipelineCancelled)
	}
	return edges
}

var PipelineTable = NewTable(pipelineEdges(), []PipelineStatus{PipelineCompleted, PipelineFailed, PipelineCancelled})

// WorkspaceStatus is the workspace state machine from spec §4.4.
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "CREATING"
	WorkspaceReady    WorkspaceStatus = "READY"
	WorkspaceInUse    WorkspaceStatus = "IN_USE"
	WorkspaceCleaning WorkspaceStatus = "CLEANING"
	WorkspaceFailed   WorkspaceStatus = "FAILED"
	WorkspaceCleaned  WorkspaceStatus = "CLEANED"
)

var WorkspaceTable = NewTable(map[WorkspaceStatus][]WorkspaceStatus{
	WorkspaceCreating: {WorkspaceReady, WorkspaceFailed},
	WorkspaceReady:    {WorkspaceInUse, WorkspaceCleaning},
	WorkspaceInUse:    {WorkspaceReady},
	WorkspaceCleaning: {WorkspaceCleaned, WorkspaceFailed},
	WorkspaceFailed:   {WorkspaceCleaning},
}, []WorkspaceStatus{WorkspaceCleaned})

// RunnerState is the remote-runner state machine from spec §4.8.
type RunnerState string

const (
	RunnerDisconnected RunnerState = "DISCONNECTED"
	RunnerConnecting   RunnerState = "CONNECTING"
	RunnerIdle         RunnerState = "IDLE"
	RunnerAssigned     RunnerState = "ASSIGNED"
	RunnerBusy         RunnerState = "BUSY"
	RunnerDead         RunnerState = "DEAD"
)

var RunnerTable = NewTable(map[RunnerState][]RunnerState{
	RunnerDisconnected: {RunnerConnecting},
	RunnerConnecting:   {RunnerIdle, RunnerDisconnected},
	RunnerIdle:         {RunnerAssigned, RunnerDisconnected, RunnerDead},
	RunnerAssigned:     {RunnerBusy, RunnerDead, RunnerDisconnected, RunnerIdle},
	RunnerBusy:         {RunnerIdle, RunnerDead, RunnerDisconnected},
	RunnerDead:         {RunnerConnecting, RunnerDisconnected},
}, nil)

// DebugState is the debug-session state machine from spec §4.12.
type DebugState string

const (
	DebugPending     DebugState = "PENDING"
	DebugWaitingAtBP DebugState = "WAITING_AT_BP"
	DebugConnected   DebugState = "CONNECTED"
	DebugEnded       DebugState = "ENDED"
	DebugTimedOut    DebugState = "TIMEOUT"
)

var DebugTable = NewTable(map[DebugState][]DebugState{
	DebugPending:     {DebugWaitingAtBP, DebugEnded, DebugTimedOut},
	DebugWaitingAtBP: {DebugConnected, DebugEnded, DebugTimedOut},
	DebugConnected:   {DebugWaitingAtBP, DebugEnded, DebugTimedOut},
}, []DebugState{DebugEnded, DebugTimedOut})
