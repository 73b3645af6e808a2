package router

import (
	"context"
	"testing"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/store/memstore"
)

func scriptStep(id string) domain.Step {
	return domain.Step{
		StepID: id,
		Type:   domain.StepType{Kind: domain.StepKindScript, Script: &domain.ScriptConfig{Command: []string{"true"}}},
	}
}

func agentStep(id string) domain.Step {
	return domain.Step{
		StepID: id,
		Type:   domain.StepType{Kind: domain.StepKindAgent, Agent: &domain.AgentConfig{RunnerType: "claude"}},
	}
}

func TestRouter_AgentStepsGoRemoteByDefault(t *testing.T) {
	r := New(Policy{DefaultRunnerType: "default"}, func() bool { return true })
	d := r.Route(agentStep("a"))
	if d.Target != TargetRemote {
		t.Fatalf("expected agent step to route Remote, got %s", d.Target)
	}
}

func TestRouter_AgentStepsAllowedLocalWhenConfigured(t *testing.T) {
	r := New(Policy{AllowLocalAgentSteps: true, DefaultRunnerType: "default"}, func() bool { return true })
	d := r.Route(agentStep("a"))
	if d.Target != TargetLocal {
		t.Fatalf("expected agent step to route Local when allowed, got %s", d.Target)
	}
}

func TestRouter_RequiredRunnerForcesRemote(t *testing.T) {
	r := New(Policy{DefaultRunnerType: "default"}, func() bool { return true })
	s := scriptStep("a")
	s.RequiredRunnerID = "runner-7"
	if d := r.Route(s); d.Target != TargetRemote {
		t.Fatalf("expected required_runner_id to force Remote, got %s", d.Target)
	}
}

func TestRouter_RequiredHardwareForcesRemote(t *testing.T) {
	r := New(Policy{DefaultRunnerType: "default"}, func() bool { return true })
	s := scriptStep("a")
	s.RequiresHardware = map[string]string{"gpu": "a100"}
	if d := r.Route(s); d.Target != TargetRemote {
		t.Fatalf("expected requires_hardware to force Remote, got %s", d.Target)
	}
}

func TestRouter_NonDefaultRunnerTypeForcesRemote(t *testing.T) {
	r := New(Policy{DefaultRunnerType: "default"}, func() bool { return true })
	s := scriptStep("a")
	s.RequestedRunnerType = "gpu-box"
	if d := r.Route(s); d.Target != TargetRemote {
		t.Fatalf("expected non-default runner_type to force Remote, got %s", d.Target)
	}
}

func TestRouter_FallsBackToRemoteWhenLocalUnavailable(t *testing.T) {
	r := New(Policy{DefaultRunnerType: "default"}, func() bool { return false })
	d := r.Route(scriptStep("a"))
	if d.Target != TargetRemote || d.FallbackReason == "" {
		t.Fatalf("expected remote fallback with reason, got %+v", d)
	}
}

func TestRouter_DefaultsToLocal(t *testing.T) {
	r := New(Policy{DefaultRunnerType: "default"}, func() bool { return true })
	d := r.Route(scriptStep("a"))
	if d.Target != TargetLocal {
		t.Fatalf("expected plain script step to route Local, got %s", d.Target)
	}
}

func TestRouter_ForceOverridesWinFirst(t *testing.T) {
	r := New(Policy{ForceLocal: true, DefaultRunnerType: "default"}, func() bool { return false })
	if d := r.Route(agentStep("a")); d.Target != TargetLocal {
		t.Fatalf("expected ForceLocal to override agent routing, got %s", d.Target)
	}
}

func TestClaim_FirstCallerWins(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	gw := memstore.New(c)
	ctx := context.Background()

	exec1, claimed1, err := Claim(ctx, gw, c, "run1", 0, 1, "sr1")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed1 {
		t.Fatal("expected first claim to succeed")
	}

	exec2, claimed2, err := Claim(ctx, gw, c, "run1", 0, 1, "sr1")
	if err != nil {
		t.Fatal(err)
	}
	if claimed2 {
		t.Fatal("expected second claim on same key to not be the claimer")
	}
	if exec2.ID != exec1.ID {
		t.Fatalf("expected second caller to observe the same execution, got different IDs %q vs %q", exec2.ID, exec1.ID)
	}
}
