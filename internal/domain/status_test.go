package domain

import "testing"

func TestStepExecutionTable_Allowed(t *testing.T) {
	tests := []struct {
		from, to StepExecutionStatus
		want     bool
	}{
		{StepExecPending, StepExecAssigned, true},
		{StepExecPending, StepExecRunning, false},
		{StepExecRunning, StepExecCompleting, true},
		{StepExecRunning, StepExecTimeout, true},
		{StepExecCompleted, StepExecRunning, false},
	}
	for _, tt := range tests {
		if got := StepExecutionTable.Allowed(tt.from, tt.to); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStepExecutionTable_TerminalIsSticky(t *testing.T) {
	for _, terminal := range []StepExecutionStatus{StepExecCompleted, StepExecFailed, StepExecCancelled, StepExecTimeout} {
		if !StepExecutionTable.Terminal(terminal) {
			t.Errorf("%s should be terminal", terminal)
		}
		if StepExecutionTable.Allowed(terminal, StepExecPending) {
			t.Errorf("terminal state %s should not transition anywhere", terminal)
		}
	}
}

func TestPipelineTable_FailedReachableFromAnyNonTerminal(t *testing.T) {
	for _, s := range nonTerminalPipelineStatuses {
		if !PipelineTable.Allowed(s, PipelineFailed) {
			t.Errorf("expected %s -> FAILED to be allowed", s)
		}
		if !PipelineTable.Allowed(s, PipelineCancelled) {
			t.Errorf("expected %s -> CANCELLED to be allowed", s)
		}
	}
}

func TestWorkspaceTable_FailedCanBeCleanedUp(t *testing.T) {
	if !WorkspaceTable.Allowed(WorkspaceFailed, WorkspaceCleaning) {
		t.Error("FAILED workspaces must still be reachable by cleanup")
	}
}

func TestDebugTable_Terminal(t *testing.T) {
	if !DebugTable.Terminal(DebugEnded) || !DebugTable.Terminal(DebugTimedOut) {
		t.Error("ENDED and TIMEOUT must be terminal debug states")
	}
	if DebugTable.Allowed(DebugEnded, DebugConnected) {
		t.Error("ENDED must not transition back to CONNECTED")
	}
}
