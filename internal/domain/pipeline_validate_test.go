package domain

import "testing"

func scriptStep(id string, next []string, onSuccess EdgeAction) Step {
	return Step{
		StepID:      id,
		Name:        id,
		Type:        StepType{Kind: StepKindScript, Script: &ScriptConfig{Command: []string{"true"}}},
		OnSuccess:   onSuccess,
		OnFailure:   StopEdge(),
		NextStepIDs: next,
	}
}

func TestPipeline_Validate_OK(t *testing.T) {
	p := Pipeline{
		ID: "p1",
		Steps: []Step{
			scriptStep("a", []string{"b"}, NextEdge()),
			scriptStep("b", nil, StopEdge()),
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid pipeline, got %v", err)
	}
	if entries := p.EntryStepIDs(); len(entries) != 1 || entries[0] != "a" {
		t.Fatalf("expected entry step 'a', got %v", entries)
	}
}

func TestPipeline_Validate_FanOut(t *testing.T) {
	p := Pipeline{
		ID: "p1b",
		Steps: []Step{
			scriptStep("a", []string{"b", "c"}, NextEdge()),
			scriptStep("b", []string{"d"}, NextEdge()),
			scriptStep("c", []string{"d"}, NextEdge()),
			scriptStep("d", nil, StopEdge()),
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid fan-out pipeline, got %v", err)
	}
	if preds := p.Predecessors("d"); len(preds) != 2 {
		t.Fatalf("expected 2 predecessors for d, got %v", preds)
	}
}

func TestPipeline_Validate_RejectsCycle(t *testing.T) {
	p := Pipeline{
		ID: "p2",
		Steps: []Step{
			scriptStep("a", []string{"b"}, NextEdge()),
			scriptStep("b", []string{"a"}, NextEdge()),
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestPipeline_Validate_AllowsTriggerToAncestor(t *testing.T) {
	// Trigger edges enqueue a new PipelineRun (spec §4.11); they are not
	// part of this run's DAG, so targeting an earlier step is not a cycle.
	p := Pipeline{
		ID: "p2b",
		Steps: []Step{
			scriptStep("a", []string{"b"}, NextEdge()),
			scriptStep("b", nil, TriggerEdge("a")),
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected trigger-to-ancestor to be valid, got %v", err)
	}
}

func TestPipeline_Validate_RejectsMultipleEntries(t *testing.T) {
	p := Pipeline{
		ID: "p3",
		Steps: []Step{
			scriptStep("a", nil, StopEdge()),
			scriptStep("b", nil, StopEdge()),
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected multiple entry nodes to be rejected")
	}
}

func TestPipeline_Validate_RejectsDanglingEdge(t *testing.T) {
	p := Pipeline{
		ID:    "p4",
		Steps: []Step{scriptStep("a", nil, TriggerEdge("missing"))},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected dangling edge target to be rejected")
	}
}

func TestPipeline_Validate_RejectsDanglingNext(t *testing.T) {
	p := Pipeline{
		ID:    "p4b",
		Steps: []Step{scriptStep("a", []string{"missing"}, NextEdge())},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected dangling next-step id to be rejected")
	}
}

func TestPipeline_Validate_RejectsDuplicateStepID(t *testing.T) {
	p := Pipeline{
		ID: "p5",
		Steps: []Step{
			scriptStep("a", nil, StopEdge()),
			scriptStep("a", nil, StopEdge()),
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected duplicate step id to be rejected")
	}
}
