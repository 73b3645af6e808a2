// Package router implements the Execution Router & Idempotency component
// (spec §4.9): which of the Local or Remote executor handles a step, and
// the claim_execution wrapper that gives every attempt an exclusive,
// idempotent owner.
package router

import (
	"context"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/store"
)

// Target names which executor a step is dispatched to.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// Decision is the router's output for one step.
type Decision struct {
	Target         Target
	FallbackReason string // set only when Target == TargetRemote because Local was unavailable
}

// Policy carries the static configuration the router's rules depend on.
// It is read once at construction (spec §9 open question #2: this is a
// configuration flag, not a per-request guess).
type Policy struct {
	// AllowLocalAgentSteps lets rule 1 (agent -> Remote) be bypassed when
	// local runner images are available. Default false, the stricter
	// behavior spec §4.7/§9 adopts.
	AllowLocalAgentSteps bool
	// DefaultRunnerType is the runner_type that does NOT force remote
	// dispatch under rule 3 (it is the Local Executor's own default
	// script-runner identity).
	DefaultRunnerType string
	// ForceLocal and ForceRemote are the global overrides named in
	// spec §4.9's "first match wins" rule preamble.
	ForceLocal  bool
	ForceRemote bool
}

// Router implements spec §4.9's ordered routing rules.
type Router struct {
	policy         Policy
	localAvailable func() bool
}

// New builds a Router. localAvailable reports whether the Local Executor
// (C7) can currently accept work — rule 4 falls back to Remote when it
// cannot.
func New(policy Policy, localAvailable func() bool) *Router {
	if localAvailable == nil {
		localAvailable = func() bool { return true }
	}
	return &Router{policy: policy, localAvailable: localAvailable}
}

// Route decides Local vs Remote for one step, in the order spec §4.9
// prescribes: global override, then agent-kind, then required
// runner/hardware, then non-default runner type, then local availability,
// else Local.
func (r *Router) Route(step domain.Step) Decision {
	if r.policy.ForceRemote {
		return Decision{Target: TargetRemote}
	}
	if r.policy.ForceLocal {
		return Decision{Target: TargetLocal}
	}

	if step.Type.Kind == domain.StepKindAgent && !r.policy.AllowLocalAgentSteps {
		return Decision{Target: TargetRemote}
	}
	if step.RequiredRunnerID != "" || len(step.RequiresHardware) > 0 {
		return Decision{Target: TargetRemote}
	}
	if step.RequestedRunnerType != "" && step.RequestedRunnerType != r.policy.DefaultRunnerType {
		return Decision{Target: TargetRemote}
	}
	if !r.localAvailable() {
		return Decision{Target: TargetRemote, FallbackReason: "local_executor_unavailable"}
	}
	return Decision{Target: TargetLocal}
}

// Claim builds the execution_key for one attempt and makes the idempotent
// claim against the store (spec §4.9/§8): only the caller for whom
// claimed==true may start work; every other caller must observe the
// returned (already in-flight or already terminal) StepExecution instead.
func Claim(ctx context.Context, gw store.Gateway, c clock.Clock, pipelineRunID string, stepIndex, attempt int, stepRunID string) (domain.StepExecution, bool, error) {
	key := clock.NewExecutionKey(pipelineRunID, stepIndex, attempt)
	now := c.Now()
	candidate := domain.StepExecution{
		ID:           clock.NewID(),
		ExecutionKey: key,
		StepRunID:    stepRunID,
		Attempt:      attempt,
		Status:       domain.StepExecPending,
		CreatedAt:    now,
	}
	return gw.ClaimExecution(ctx, candidate)
}
