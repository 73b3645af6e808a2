package remoteexec

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/lazyaf/engine/config"
	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/metrics"
	"github.com/lazyaf/engine/internal/safego"
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/logstream"
)

// defaultRegistrySettings mirrors the config.Engine.* fields (spec §6):
// New(...) derives these from config at construction, falling back to
// these values when WithTimings isn't called (as every test harness does).
var defaultRegistrySettings = registrySettings{
	registerDeadline:  10 * time.Second,
	ackDeadline:       5 * time.Second,
	heartbeatInterval: 10 * time.Second,
	deadAfter:         30 * time.Second,
}

type registrySettings struct {
	registerDeadline  time.Duration
	ackDeadline       time.Duration
	heartbeatInterval time.Duration
	deadAfter         time.Duration
}

// SettingsFromConfig derives registrySettings from the engine's
// recognized config options (spec §6), replacing the hardcoded defaults
// NewWithSettings falls back to otherwise.
func SettingsFromConfig(cfg config.Config) registrySettings {
	return registrySettings{
		registerDeadline:  time.Duration(cfg.Engine.RegistrationTimeoutSecs) * time.Second,
		ackDeadline:       time.Duration(cfg.Engine.AckTimeoutSeconds) * time.Second,
		heartbeatInterval: time.Duration(cfg.Engine.HeartbeatIntervalSeconds) * time.Second,
		deadAfter:         time.Duration(cfg.Engine.RunnerDeathTimeoutSecs) * time.Second,
	}
}

// conn is one live WebSocket connection to a runner.
type conn struct {
	ws       *websocket.Conn
	runnerID string
	send     chan []byte

	mu            sync.Mutex
	lastHeartbeat time.Time
	ackTimer      *time.Timer
	pendingStepID string
}

// Registry tracks connected runners keyed by runner_id and implements
// dispatch selection, ACK timeouts, and heartbeat liveness per spec §4.8.
type Registry struct {
	store store.Gateway
	bus   *eventbus.Bus
	clock clock.Clock
	set   registrySettings

	mu       sync.Mutex
	conns    map[string]*conn
	affinity map[string]string // workspace_id -> last runner_id used for it

	// breaker guards Dispatch's store round-trips: once the gateway starts
	// failing outright (a down Postgres, not a plain "no idle runner")
	// repeatedly, it trips open so callers fail fast instead of queuing up
	// behind a dependency that's already down (spec §6's ADDED resiliency
	// wiring).
	breaker *gobreaker.CircuitBreaker
}

// New builds a Registry using the default timings (10s register deadline,
// 5s ACK deadline, 30s dead-runner cutoff).
func New(gw store.Gateway, bus *eventbus.Bus, c clock.Clock) *Registry {
	return NewWithSettings(gw, bus, c, defaultRegistrySettings)
}

// NewWithSettings builds a Registry with timings sourced from
// config.Engine.{RegistrationTimeoutSecs,AckTimeoutSecs,HeartbeatIntervalSeconds,RunnerDeathTimeoutSecs}.
func NewWithSettings(gw store.Gateway, bus *eventbus.Bus, c clock.Clock, set registrySettings) *Registry {
	r := &Registry{store: gw, bus: bus, clock: c, set: set, conns: map[string]*conn{}, affinity: map[string]string{}}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-dispatch",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetCircuitBreakerState(name, float64(to))
		},
		IsSuccessful: func(err error) bool {
			// "No idle runner" and "selected runner disconnected between
			// selection and send" are ordinary scheduling outcomes, not
			// gateway failures, and must not count toward tripping.
			return err == nil || lazyerr.Is(err, lazyerr.KindResourceExhausted) || lazyerr.Is(err, lazyerr.KindTransient) || lazyerr.Is(err, lazyerr.KindConflict)
		},
	})
	return r
}

// Accept takes ownership of an already-upgraded WebSocket connection,
// enforces the 10 s registration deadline, and if registration succeeds,
// runs the connection's read pump until it disconnects (blocking call,
// intended to be invoked from the HTTP handler's goroutine).
func (r *Registry) Accept(ctx context.Context, ws *websocket.Conn) {
	_ = ws.SetReadDeadline(r.clock.Now().Add(r.set.registerDeadline))

	var env envelope
	if err := ws.ReadJSON(&env); err != nil || env.Type != string(inRegister) {
		_ = ws.Close()
		return
	}
	var reg registerPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		_ = ws.Close()
		return
	}

	runnerID := reg.RunnerID
	if runnerID == "" {
		runnerID = clock.NewID()
	}
	now := r.clock.Now()
	runner := domain.Runner{
		ID: runnerID, Name: reg.Name, RunnerType: reg.RunnerType, Labels: reg.Labels,
		Status: domain.RunnerIdle, LastHeartbeat: now, ConnectedAt: now,
	}
	if err := r.store.UpsertRunner(ctx, runner); err != nil {
		_ = ws.Close()
		return
	}

	c := &conn{ws: ws, runnerID: runnerID, send: make(chan []byte, 64), lastHeartbeat: now}
	r.mu.Lock()
	r.conns[runnerID] = c
	connected := len(r.conns)
	r.mu.Unlock()
	metrics.SetConnectedRunners(connected)

	r.publishRunnerStatus(runner)

	_ = ws.SetReadDeadline(time.Time{})
	writeDone := make(chan struct{})
	safego.SafeGo("remoteexec-write-pump", func() {
		defer close(writeDone)
		r.writePump(c)
	})

	r.send(c, envelope{Type: string(outRegistered)}, registeredPayload{RunnerID: runnerID})

	r.readPump(ctx, c)

	close(c.send)
	<-writeDone
	r.disconnect(ctx, runnerID)
}

func (r *Registry) writePump(c *conn) {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (r *Registry) readPump(ctx context.Context, c *conn) {
	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		r.handleInbound(ctx, c, env)
	}
}

func (r *Registry) handleInbound(ctx context.Context, c *conn, env envelope) {
	switch inboundType(env.Type) {
	case inHeartbeat:
		c.mu.Lock()
		c.lastHeartbeat = r.clock.Now()
		c.mu.Unlock()
		r.send(c, envelope{Type: string(outPong)}, nil)

	case inAck:
		var p ackPayload
		_ = json.Unmarshal(env.Payload, &p)
		r.handleAck(ctx, c, p.StepID)

	case inLog:
		var p logPayload
		_ = json.Unmarshal(env.Payload, &p)
		r.handleLog(ctx, c, p)

	case inStepComplete:
		var p stepCompletePayload
		_ = json.Unmarshal(env.Payload, &p)
		r.handleStepComplete(ctx, c, p)

	default:
		r.send(c, envelope{Type: string(outError)}, errorPayload{Message: "unknown message type " + env.Type})
	}
}

// handleLog persists a batch of runner log lines onto the owning StepRun
// (mirroring the control server's /logs endpoint for local steps) and
// broadcasts them for live subscribers.
func (r *Registry) handleLog(ctx context.Context, c *conn, p logPayload) {
	r.publishLog(p)

	runner, err := r.store.GetRunner(ctx, c.runnerID)
	if err != nil || runner.CurrentStepExecutionID == "" {
		return
	}
	exec, err := r.store.GetExecution(ctx, runner.CurrentStepExecutionID)
	if err != nil {
		return
	}
	sr, err := r.store.GetStepRun(ctx, exec.StepRunID)
	if err != nil {
		return
	}
	for _, ln := range p.Lines {
		sr.Logs += logstream.SanitizeTokens(ln) + "\n"
	}
	_ = r.store.UpdateStepRun(ctx, sr)
}

// disconnect runs the recovery duties spec §4.8 assigns to runner death:
// any PREPARING|RUNNING step held by this runner is reset to PENDING and
// the runner pointer nulled.
func (r *Registry) disconnect(ctx context.Context, runnerID string) {
	r.mu.Lock()
	c, ok := r.conns[runnerID]
	if ok {
		delete(r.conns, runnerID)
	}
	connected := len(r.conns)
	r.mu.Unlock()
	metrics.SetConnectedRunners(connected)
	if ok && c.ackTimer != nil {
		c.ackTimer.Stop()
	}

	runner, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		return
	}
	stepExecID := runner.CurrentStepExecutionID
	// A runner SweepDead already declared DEAD stays DEAD (DEAD -> CONNECTING
	// is its only way out); an ordinary close records DISCONNECTED.
	if runner.Status != domain.RunnerDead {
		runner.Status = domain.RunnerDisconnected
	}
	runner.CurrentStepExecutionID = ""
	_ = r.store.UpsertRunner(ctx, runner)
	r.publishRunnerStatus(runner)

	if stepExecID == "" {
		return
	}
	_ = r.store.UpdateExecutionIfStatusIn(ctx, stepExecID,
		[]domain.StepExecutionStatus{domain.StepExecAssigned, domain.StepExecPreparing, domain.StepExecRunning},
		func(ex *domain.StepExecution) {
			ex.Status = domain.StepExecPending
			ex.RunnerID = ""
		})
}

func (r *Registry) publishRunnerStatus(runner domain.Runner) {
	evt, err := eventbus.NewEvent(eventbus.EventRunnerStatus, r.clock.Now(), runner)
	if err == nil {
		r.bus.Broadcast(evt)
	}
}

func (r *Registry) publishLog(p logPayload) {
	payload, err := json.Marshal(p)
	if err != nil {
		return
	}
	r.bus.Broadcast(eventbus.Event{Type: eventbus.EventStepExecutionLog, Payload: payload, At: r.clock.Now()})
}

func (r *Registry) send(c *conn, env envelope, payload any) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// matches implements spec §4.8's job/runner type matching rule and
// hardware-label satisfaction check.
func matches(step domain.Step, runner domain.Runner) bool {
	wanted := step.RequestedRunnerType
	if wanted != "" && wanted != "any" && wanted != runner.RunnerType {
		return false
	}
	for k, v := range step.RequiresHardware {
		if runner.Labels[k] != v {
			return false
		}
	}
	return true
}

// Dispatch selects an IDLE runner for step and pushes execute_step to it,
// per spec §4.8's selection and affinity rules. It returns the chosen
// runner's ID; the caller (the scheduler) is responsible for tracking the
// resulting execution's terminal status via the event bus or by polling
// the store. The call runs through r.breaker so a gateway that is failing
// outright trips the circuit instead of being hammered on every step
// dispatch; the ordinary "no idle runner"/"no live connection" business
// outcomes never count as breaker failures.
func (r *Registry) Dispatch(ctx context.Context, exec domain.StepExecution, step domain.Step, workspaceID string, stepConfig []byte) (string, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.dispatchLocked(ctx, exec, step, workspaceID, stepConfig)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.RecordRunnerDispatch("breaker_open")
			return "", lazyerr.New(lazyerr.KindTransient, "remote dispatch circuit open: "+err.Error())
		}
		outcome := "error"
		if lazyerr.Is(err, lazyerr.KindResourceExhausted) {
			outcome = "no_idle_runner"
		} else if lazyerr.Is(err, lazyerr.KindTransient) {
			outcome = "no_connection"
		}
		metrics.RecordRunnerDispatch(outcome)
		return "", err
	}
	metrics.RecordRunnerDispatch("dispatched")
	return result.(string), nil
}

// dispatchLocked is Dispatch's body, run inside the circuit breaker.
// "Locked" here refers to the affinity/conns map locking it does
// internally, not to any lock held across the call.
func (r *Registry) dispatchLocked(ctx context.Context, exec domain.StepExecution, step domain.Step, workspaceID string, stepConfig []byte) (string, error) {
	idle, err := r.store.ListRunnersByStatus(ctx, domain.RunnerIdle)
	if err != nil {
		return "", err
	}

	var candidates []domain.Runner
	for _, rn := range idle {
		if matches(step, rn) {
			candidates = append(candidates, rn)
		}
	}
	if len(candidates) == 0 {
		return "", lazyerr.New(lazyerr.KindResourceExhausted, "no idle runner available for step "+step.StepID)
	}

	chosen := candidates[0]
	r.mu.Lock()
	if affineID, ok := r.affinity[workspaceID]; ok {
		for _, rn := range candidates {
			if rn.ID == affineID {
				chosen = rn
				break
			}
		}
	} else {
		for _, rn := range candidates {
			if rn.LastHeartbeat.Before(chosen.LastHeartbeat) {
				chosen = rn
			}
		}
	}
	c, connected := r.conns[chosen.ID]
	r.mu.Unlock()
	if !connected {
		return "", lazyerr.New(lazyerr.KindTransient, "selected runner has no live connection")
	}

	if err := domain.RunnerTable.Validate(chosen.Status, domain.RunnerAssigned); err != nil {
		return "", lazyerr.Wrap(lazyerr.KindConflict, "runner not assignable", err)
	}
	chosen.Status = domain.RunnerAssigned
	chosen.CurrentStepExecutionID = exec.ID
	if err := r.store.UpsertRunner(ctx, chosen); err != nil {
		return "", err
	}
	r.publishRunnerStatus(chosen)

	if err := r.store.UpdateExecutionIfStatusIn(ctx, exec.ID,
		[]domain.StepExecutionStatus{domain.StepExecPending, domain.StepExecAssigned},
		func(ex *domain.StepExecution) {
			ex.Status = domain.StepExecAssigned
			ex.RunnerID = chosen.ID
		}); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.pendingStepID = step.StepID
	c.ackTimer = time.AfterFunc(r.set.ackDeadline, func() { r.onAckTimeout(ctx, chosen.ID, step.StepID, exec.ID) })
	c.mu.Unlock()

	r.send(c, envelope{Type: string(outExecute)}, executeStepPayload{
		StepID: step.StepID, ExecutionKey: exec.ExecutionKey, StepConfig: json.RawMessage(stepConfig),
	})

	r.mu.Lock()
	r.affinity[workspaceID] = chosen.ID
	r.mu.Unlock()

	return chosen.ID, nil
}

func (r *Registry) handleAck(ctx context.Context, c *conn, stepID string) {
	c.mu.Lock()
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	isPending := c.pendingStepID == stepID
	c.mu.Unlock()
	if !isPending {
		return
	}

	runner, err := r.store.GetRunner(ctx, c.runnerID)
	if err != nil {
		return
	}
	if err := domain.RunnerTable.Validate(runner.Status, domain.RunnerBusy); err != nil {
		return
	}
	runner.Status = domain.RunnerBusy
	_ = r.store.UpsertRunner(ctx, runner)
	r.publishRunnerStatus(runner)

	if runner.CurrentStepExecutionID != "" {
		_ = r.store.UpdateExecutionIfStatusIn(ctx, runner.CurrentStepExecutionID,
			[]domain.StepExecutionStatus{domain.StepExecAssigned},
			func(ex *domain.StepExecution) {
				ex.Status = domain.StepExecRunning
				now := r.clock.Now()
				ex.StartedAt = &now
			})
	}
}

// onAckTimeout fires when a dispatched step is not ACKed within 5s: the
// runner is declared DEAD and the step requeued to PENDING with no runner.
func (r *Registry) onAckTimeout(ctx context.Context, runnerID, stepID, execID string) {
	r.mu.Lock()
	c, ok := r.conns[runnerID]
	r.mu.Unlock()
	if ok {
		c.mu.Lock()
		stillPending := c.pendingStepID == stepID
		c.mu.Unlock()
		if !stillPending {
			return
		}
	}

	runner, err := r.store.GetRunner(ctx, runnerID)
	if err == nil {
		runner.Status = domain.RunnerDead
		runner.CurrentStepExecutionID = ""
		_ = r.store.UpsertRunner(ctx, runner)
		r.publishRunnerStatus(runner)
	}
	_ = r.store.UpdateExecutionIfStatusIn(ctx, execID,
		[]domain.StepExecutionStatus{domain.StepExecAssigned},
		func(ex *domain.StepExecution) {
			ex.Status = domain.StepExecPending
			ex.RunnerID = ""
		})

	if ok {
		_ = c.ws.Close()
	}
}

func (r *Registry) handleStepComplete(ctx context.Context, c *conn, p stepCompletePayload) {
	runner, err := r.store.GetRunner(ctx, c.runnerID)
	if err != nil {
		return
	}
	execID := runner.CurrentStepExecutionID
	if err := domain.RunnerTable.Validate(runner.Status, domain.RunnerIdle); err == nil {
		runner.Status = domain.RunnerIdle
		runner.CurrentStepExecutionID = ""
		_ = r.store.UpsertRunner(ctx, runner)
		r.publishRunnerStatus(runner)
	}
	if execID == "" {
		return
	}

	to := domain.StepExecCompleted
	if p.ExitCode != 0 || p.Error != "" {
		to = domain.StepExecFailed
	}
	_ = r.store.UpdateExecutionIfStatusIn(ctx, execID,
		[]domain.StepExecutionStatus{domain.StepExecAssigned, domain.StepExecRunning, domain.StepExecCompleting},
		func(ex *domain.StepExecution) {
			ex.Status = to
			exitCode := p.ExitCode
			ex.ExitCode = &exitCode
			ex.Error = p.Error
			now := r.clock.Now()
			ex.CompletedAt = &now
		})
}

// remoteStepConfig is the JSON payload shipped inside execute_step,
// mirroring localexec's stepConfig but without a control-layer token: the
// runner talks back over this same WebSocket instead of the HTTP control
// plane (spec §4.8 defines its own log/step_complete frames for that).
type remoteStepConfig struct {
	StepExecutionID string            `json:"step_execution_id"`
	Image           string            `json:"image"`
	Command         []string          `json:"command"`
	Env             map[string]string `json:"env"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
}

const dispatchPollInterval = 2 * time.Second

// Run dispatches exec to a matching remote runner and blocks until the
// execution reaches a terminal status. It satisfies the same Executor
// contract localexec.Executor.Run does, so the scheduler can treat Local
// and Remote as interchangeable (spec §9's Executor interface). Whenever
// the holding runner dies mid-flight and the execution is reset to
// PENDING by disconnect/onAckTimeout, Run notices on its next poll and
// redispatches to the next IDLE runner (spec scenario 4) without minting
// a new attempt.
func (r *Registry) Run(ctx context.Context, exec domain.StepExecution, run domain.PipelineRun, step domain.Step, ws domain.Workspace) error {
	cfg := remoteStepConfig{
		StepExecutionID: exec.ID,
		Image:           step.Type.Image(),
		Command:         step.Type.Command(),
		Env:             step.Type.Env(),
		TimeoutSeconds:  step.TimeoutSeconds,
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return lazyerr.Wrap(lazyerr.KindFatal, "marshal remote step config", err)
	}

	ticker := time.NewTicker(dispatchPollInterval)
	defer ticker.Stop()

	dispatched := false
	for {
		cur, err := r.store.GetExecution(ctx, exec.ID)
		if err != nil {
			return err
		}

		if domain.StepExecutionTable.Terminal(cur.Status) {
			if cur.Status == domain.StepExecCompleted {
				return nil
			}
			msg := cur.Error
			if msg == "" {
				msg = "remote step ended " + string(cur.Status)
			}
			return lazyerr.New(lazyerr.KindFatal, msg)
		}

		if cur.Status == domain.StepExecPending {
			dispatched = false
		}
		if !dispatched && cur.Status == domain.StepExecPending {
			if _, dispatchErr := r.Dispatch(ctx, cur, step, ws.ID, raw); dispatchErr != nil {
				if !lazyerr.Is(dispatchErr, lazyerr.KindResourceExhausted) && !lazyerr.Is(dispatchErr, lazyerr.KindTransient) {
					return dispatchErr
				}
			} else {
				dispatched = true
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Abort sends an abort frame to the runner currently holding stepID, if a
// live connection for runnerID exists. Used by the debug service's cascade
// cancel (spec §4.12) and pipeline cancellation.
func (r *Registry) Abort(runnerID, stepID string) {
	r.mu.Lock()
	c, ok := r.conns[runnerID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.send(c, envelope{Type: string(outAbort)}, abortPayload{StepID: stepID})
}

// SweepDead runs once: any connected runner whose last heartbeat is older
// than the configured death timeout is declared DEAD, its in-flight
// execution requeued to PENDING, and its connection closed (spec §4.8).
// Intended to be invoked from a SafeGo ticker loop alongside
// internal/recovery's sweep.
func (r *Registry) SweepDead(ctx context.Context) {
	cutoff := r.clock.Now().Add(-r.set.deadAfter)
	r.mu.Lock()
	var stale []string
	for id, c := range r.conns {
		c.mu.Lock()
		last := c.lastHeartbeat
		c.mu.Unlock()
		if last.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		runner, err := r.store.GetRunner(ctx, id)
		if err == nil && domain.RunnerTable.Allowed(runner.Status, domain.RunnerDead) {
			stepExecID := runner.CurrentStepExecutionID
			runner.Status = domain.RunnerDead
			runner.CurrentStepExecutionID = ""
			_ = r.store.UpsertRunner(ctx, runner)
			r.publishRunnerStatus(runner)
			if stepExecID != "" {
				_ = r.store.UpdateExecutionIfStatusIn(ctx, stepExecID,
					[]domain.StepExecutionStatus{domain.StepExecAssigned, domain.StepExecPreparing, domain.StepExecRunning},
					func(ex *domain.StepExecution) {
						ex.Status = domain.StepExecPending
						ex.RunnerID = ""
					})
			}
		}

		r.mu.Lock()
		c, ok := r.conns[id]
		r.mu.Unlock()
		if ok {
			_ = c.ws.Close()
		}
	}
}
