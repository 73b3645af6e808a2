package domain

import "fmt"

// Table is an allowed-transition map shared by every state machine in the
// engine (StepExecution, Workspace, PipelineRun, Runner, DebugSession). It
// centralizes the "terminal states never transition" and "no transition
// outside the diagram" invariants so each FSM doesn't reimplement them.
type Table[S comparable] struct {
	allowed  map[S]map[S]bool
	terminal map[S]bool
}

// NewTable builds a Table from an edge list and an explicit terminal set.
func NewTable[S comparable](edges map[S][]S, terminal []S) *Table[S] {
	t := &Table[S]{
		allowed:  make(map[S]map[S]bool, len(edges)),
		terminal: make(map[S]bool, len(terminal)),
	}
	for from, tos := range edges {
		set := make(map[S]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		t.allowed[from] = set
	}
	for _, s := range terminal {
		t.terminal[s] = true
	}
	return t
}

// Terminal reports whether s is a terminal state.
func (t *Table[S]) Terminal(s S) bool {
	return t.terminal[s]
}

// Allowed reports whether the from->to transition is legal.
func (t *Table[S]) Allowed(from, to S) bool {
	if t.terminal[from] {
		return false
	}
	set, ok := t.allowed[from]
	if !ok {
		return false
	}
	return set[to]
}

// Validate returns an error if from->to is not a legal transition.
func (t *Table[S]) Validate(from, to S) error {
	if !t.Allowed(from, to) {
		return fmt.Errorf("illegal transition %v -> %v", from, to)
	}
	return nil
}
