// Package localexec implements the Local Executor (spec §4.7): the
// in-process path that runs a step directly via the container orchestrator,
// adapted from the teacher's pipeline/runtime.StepExecutor.
package localexec

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/container"
	"github.com/lazyaf/engine/internal/control/token"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/safego"
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/internal/workspace"
)

const networkName = "lazyaf"

// preparingFrom and runningFrom name the only legal predecessor statuses
// for each transition the executor drives, mirroring domain.StepExecutionTable.
var (
	preparingFrom = []domain.StepExecutionStatus{domain.StepExecAssigned, domain.StepExecPending}
	runningFrom   = []domain.StepExecutionStatus{domain.StepExecPreparing}
	nonTerminal   = []domain.StepExecutionStatus{
		domain.StepExecPending, domain.StepExecAssigned, domain.StepExecPreparing,
		domain.StepExecRunning, domain.StepExecCompleting,
	}
)

// Executor runs steps in-process via the Docker orchestrator.
type Executor struct {
	store  store.Gateway
	orch   container.Orchestrator
	ws     *workspace.Manager
	signer *token.Signer
	bus    *eventbus.Bus
	clock  clock.Clock

	// ControlBaseURL is where step containers reach the engine's control
	// API over the shared bridge network, baked into step_config.json.
	ControlBaseURL string
}

// New wires an Executor from its collaborators.
func New(gw store.Gateway, orch container.Orchestrator, ws *workspace.Manager, signer *token.Signer, bus *eventbus.Bus, c clock.Clock) *Executor {
	return &Executor{store: gw, orch: orch, ws: ws, signer: signer, bus: bus, clock: c, ControlBaseURL: "http://lazyaf-engine:3000"}
}

// stepConfig is the JSON blob written into the workspace's .control dir,
// read by cmd/lazyaf-control to know what to run and how to report back.
type stepConfig struct {
	StepExecutionID  string            `json:"step_execution_id"`
	ExecutionKey     string            `json:"execution_key"`
	Token            string            `json:"token"`
	ControlBaseURL   string            `json:"control_base_url"`
	Command          []string          `json:"command"`
	WorkingDirectory string            `json:"working_directory"`
	Env              map[string]string `json:"env"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
}

// Run executes one claimed step execution end to end: mints a token, writes
// step_config.json into the workspace lease, runs the container, tails its
// logs as a backup to the push-based /logs endpoint, waits for exit, and
// reconciles the result. It returns once the execution has reached a
// terminal status; the caller (the scheduler) is responsible for advancing
// the pipeline DAG afterward. A non-nil error means the execution ended
// FAILED or TIMEOUT; the caller should inspect the persisted StepExecution
// rather than treat a nil error as the only success signal.
func (e *Executor) Run(ctx context.Context, exec domain.StepExecution, run domain.PipelineRun, step domain.Step, ws domain.Workspace) error {
	// cleanupCtx survives a cancel_pipeline tearing ctx down: the lease
	// release, the container kill/remove, and the terminal status write all
	// still have to land.
	cleanupCtx := context.WithoutCancel(ctx)

	release, err := e.ws.Acquire(ctx, ws.ID)
	if err != nil {
		return e.fail(ctx, exec.ID, "acquire workspace: "+err.Error())
	}
	defer release(cleanupCtx)

	if err := e.transition(ctx, exec.ID, preparingFrom, domain.StepExecPreparing); err != nil {
		return err
	}

	tok, err := e.signer.Mint(exec.ID, e.clock.Now())
	if err != nil {
		return e.fail(ctx, exec.ID, "mint token: "+err.Error())
	}

	cfg := stepConfig{
		StepExecutionID:  exec.ID,
		ExecutionKey:     exec.ExecutionKey,
		Token:            tok,
		ControlBaseURL:   e.ControlBaseURL,
		Command:          step.Type.Command(),
		WorkingDirectory: "/workspace/repo",
		Env:              buildEnv(run, step, exec),
		TimeoutSeconds:   step.TimeoutSeconds,
	}
	hostRoot, err := e.orch.VolumeHostPath(ctx, ws.VolumeName)
	if err != nil {
		return e.fail(ctx, exec.ID, "resolve workspace volume: "+err.Error())
	}
	if err := e.writeStepConfig(hostRoot, cfg); err != nil {
		return e.fail(ctx, exec.ID, "write step_config.json: "+err.Error())
	}

	if err := e.orch.EnsureNetwork(ctx, networkName); err != nil {
		return e.fail(ctx, exec.ID, "ensure network: "+err.Error())
	}

	spec := container.RunSpec{
		Name:       "lazyaf-step-" + exec.ID,
		Image:      step.Type.Image(),
		Command:    []string{"/lazyaf/control", "run"},
		Env:        envSlice(cfg.Env),
		WorkingDir: "/workspace/repo",
		VolumeName: ws.VolumeName,
		MountPath:  "/workspace",
		Network:    networkName,
		Labels: map[string]string{
			"lazyaf.managed":         "true",
			"lazyaf.step_id":         step.StepID,
			"lazyaf.step_run_id":     exec.StepRunID,
			"lazyaf.pipeline_run_id": run.ID,
			"lazyaf.execution_key":   exec.ExecutionKey,
		},
	}

	containerID, err := e.orch.Create(ctx, spec)
	if err != nil {
		return e.fail(ctx, exec.ID, "create container: "+err.Error())
	}
	if err := e.store.UpdateExecutionIfStatusIn(ctx, exec.ID, []domain.StepExecutionStatus{domain.StepExecPreparing}, func(ex *domain.StepExecution) {
		ex.ContainerID = containerID
	}); err != nil {
		return err
	}

	if err := e.orch.Start(ctx, containerID); err != nil {
		return e.fail(ctx, exec.ID, "start container: "+err.Error())
	}
	if err := e.transition(ctx, exec.ID, runningFrom, domain.StepExecRunning); err != nil {
		return err
	}

	logDone := make(chan struct{})
	safego.SafeGoWithContext("localexec-log-tail", ctx, func(ctx context.Context) {
		defer close(logDone)
		_ = e.orch.StreamLogs(ctx, containerID, newBusLogWriter(e.bus, exec.ID, e.clock))
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	state, waitErr := e.orch.Wait(runCtx, containerID)
	<-logDone

	if runCtx.Err() == context.DeadlineExceeded {
		_ = e.orch.Kill(cleanupCtx, containerID)
		_ = e.orch.Remove(cleanupCtx, containerID)
		return e.terminal(cleanupCtx, exec.ID, domain.StepExecTimeout, "step exceeded its timeout", nil)
	}
	if ctx.Err() != nil {
		// cancel_pipeline cancelled the dispatch context mid-run (spec §5):
		// kill the in-flight container rather than let it run to completion.
		_ = e.orch.Kill(cleanupCtx, containerID)
		_ = e.orch.Remove(cleanupCtx, containerID)
		return e.terminal(cleanupCtx, exec.ID, domain.StepExecCancelled, "pipeline run cancelled", nil)
	}
	_ = e.orch.Remove(cleanupCtx, containerID)

	if waitErr != nil {
		return e.fail(cleanupCtx, exec.ID, "wait for container: "+waitErr.Error())
	}
	if state.ExitCode != 0 {
		return e.terminal(cleanupCtx, exec.ID, domain.StepExecFailed, "exit code "+strconv.Itoa(state.ExitCode), &state.ExitCode)
	}
	return e.terminal(cleanupCtx, exec.ID, domain.StepExecCompleted, "", &state.ExitCode)
}

// buildEnv assembles the container environment spec §4.7 prescribes: the
// workspace-homed HOME/XDG layout, the LAZYAF_* identity variables, and —
// only for agent steps — the step's own configured env (API keys).
func buildEnv(run domain.PipelineRun, step domain.Step, exec domain.StepExecution) map[string]string {
	env := map[string]string{
		"HOME":                   "/workspace/home",
		"XDG_CACHE_HOME":         "/workspace/home/.cache",
		"XDG_CONFIG_HOME":        "/workspace/home/.config",
		"XDG_DATA_HOME":          "/workspace/home/.local/share",
		"LAZYAF_PIPELINE_RUN_ID": run.ID,
		"LAZYAF_STEP_ID":         step.StepID,
		"LAZYAF_STEP_RUN_ID":     exec.StepRunID,
		"LAZYAF_EXECUTION_KEY":   exec.ExecutionKey,
	}
	for k, v := range step.Type.Env() {
		env[k] = v
	}
	return env
}

func (e *Executor) transition(ctx context.Context, id string, from []domain.StepExecutionStatus, to domain.StepExecutionStatus) error {
	return e.store.UpdateExecutionIfStatusIn(ctx, id, from, func(ex *domain.StepExecution) {
		ex.Status = to
		now := e.clock.Now()
		if to == domain.StepExecRunning && ex.StartedAt == nil {
			ex.StartedAt = &now
		}
	})
}

// terminal moves exec to a terminal status regardless of which non-terminal
// status it's currently in (the executor is the only writer on its own
// attempt, so any of them is a legal predecessor here). A Conflict because
// the control layer already posted a terminal report is absorbed: the state
// machine has the last word, and whatever it recorded stands.
func (e *Executor) terminal(ctx context.Context, id string, to domain.StepExecutionStatus, errMsg string, exitCode *int) error {
	if err := e.store.UpdateExecutionIfStatusIn(ctx, id, nonTerminal, func(ex *domain.StepExecution) {
		ex.Status = to
		ex.Error = errMsg
		ex.ExitCode = exitCode
		now := e.clock.Now()
		ex.CompletedAt = &now
	}); err != nil {
		cur, gerr := e.store.GetExecution(ctx, id)
		if gerr != nil || !cur.Terminal() {
			return err
		}
	}
	if to == domain.StepExecFailed || to == domain.StepExecTimeout {
		return lazyerr.New(lazyerr.KindFatal, errMsg)
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, execID, msg string) error {
	return e.terminal(ctx, execID, domain.StepExecFailed, msg, nil)
}

func (e *Executor) writeStepConfig(hostRoot string, cfg stepConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeControlFile(hostRoot, "step_config.json", data)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
