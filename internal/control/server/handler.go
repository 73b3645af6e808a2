// Package server implements the Control-Layer Protocol's backend half
// (spec §4.6, §6): the token-authenticated HTTP API that every step
// container's PID 1 entrypoint talks to in order to report status, ship
// logs, and extend its own heartbeat/timeout.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazyaf/engine/common/external"
	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/control/token"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/eventbus"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/store"
)

// nonTerminalExec mirrors the non-terminal StepExecutionStatus set other
// packages (localexec, recovery) already define locally; duplicated here
// rather than exported from domain so this package's transition intent
// stays readable at the call site.
var nonTerminalExec = []domain.StepExecutionStatus{
	domain.StepExecPending, domain.StepExecAssigned, domain.StepExecPreparing,
	domain.StepExecRunning, domain.StepExecCompleting,
}

// Handlers implements the four control-plane endpoints spec §6 names,
// scoped to one step execution per request via the {step_id} path param
// (which, per spec §9's StepExecution identity, is the StepExecution ID
// minted by the local executor — see internal/localexec's stepConfig).
type Handlers struct {
	store  store.Gateway
	signer *token.Signer
	bus    *eventbus.Bus
	clock  clock.Clock
}

// New builds Handlers from its collaborators.
func New(gw store.Gateway, signer *token.Signer, bus *eventbus.Bus, c clock.Clock) *Handlers {
	return &Handlers{store: gw, signer: signer, bus: bus, clock: c}
}

// Mount attaches the control-plane routes under r, wrapped in the
// bearer-token auth middleware spec §6 requires for every one of them.
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/api/steps/{step_id}", func(sr chi.Router) {
		sr.Use(h.authenticate)
		sr.Get("/", h.handleGet)
		sr.Post("/status", h.handleStatus)
		sr.Post("/logs", h.handleLogs)
		sr.Post("/heartbeat", h.handleHeartbeat)
	})
}

type stepIDKey struct{}

// authenticate implements spec §6's token rules: missing token -> 401,
// invalid/expired or wrong step scope -> 403, unknown step -> 404.
func (h *Handlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stepID := chi.URLParam(r, "step_id")

		raw := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
			WriteError(w, lazyerr.New(lazyerr.KindUnauthorized, "missing bearer token"))
			return
		}
		tok := raw[len(prefix):]

		if err := h.signer.Verify(tok, stepID); err != nil {
			WriteError(w, err)
			return
		}

		if _, err := h.store.GetExecution(r.Context(), stepID); err != nil {
			WriteError(w, store.NotFound("step execution", stepID))
			return
		}

		ctx := context.WithValue(r.Context(), stepIDKey{}, stepID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func stepIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(stepIDKey{}).(string)
	return id
}

// handleGet returns the current execution snapshot (spec §6
// "GET /api/steps/{step_id}").
func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.GetExecution(r.Context(), stepIDFrom(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, &exec, http.StatusOK)
}

// statusRequest is the body of POST /api/steps/{step_id}/status (spec §6).
type statusRequest struct {
	Status    string    `json:"status"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleStatus applies a status report from the control layer. Every
// handler here is total (spec §9 design note): a rejected transition
// writes nothing and returns 409, it never panics or relies on exceptions
// to signal intent.
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	stepID := stepIDFrom(r.Context())
	var body statusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, lazyerr.Wrap(lazyerr.KindProtocol, "decode status body", err))
		return
	}

	to, ok := parseExecStatus(body.Status)
	if !ok {
		WriteError(w, lazyerr.New(lazyerr.KindProtocol, "unknown status "+body.Status))
		return
	}

	exec, err := h.store.GetExecution(r.Context(), stepID)
	if err != nil {
		WriteError(w, err)
		return
	}

	// A duplicate terminal report with identical values is a no-op (spec
	// §8's "writing status=completed, exit_code=0 twice is a no-op"); it
	// is not an error even though the transition table has no self-edge.
	if exec.Status == to && domain.StepExecutionTable.Terminal(to) {
		if sameTerminalReport(exec, body) {
			WriteJSON(w, &exec, http.StatusOK)
			return
		}
		WriteError(w, lazyerr.New(lazyerr.KindConflict, "inconsistent terminal status report"))
		return
	}

	err = h.store.UpdateExecutionIfStatusIn(r.Context(), stepID, nonTerminalExec, func(ex *domain.StepExecution) {
		ex.Status = to
		ex.Error = body.Error
		ex.ExitCode = body.ExitCode
		now := h.clock.Now()
		switch to {
		case domain.StepExecRunning:
			if ex.StartedAt == nil {
				ex.StartedAt = &now
			}
		default:
			if domain.StepExecutionTable.Terminal(to) {
				ex.CompletedAt = &now
			}
		}
	})
	if err != nil {
		// Conflict on status writes is absorbed at the engine scope (spec
		// §7): the state machine has the last word, so the control layer
		// just gets its 409 and the engine keeps going.
		WriteError(w, err)
		return
	}

	updated, err := h.store.GetExecution(r.Context(), stepID)
	if err != nil {
		WriteError(w, err)
		return
	}
	h.publishStatus(updated)
	WriteJSON(w, &updated, http.StatusOK)
}

func sameTerminalReport(exec domain.StepExecution, body statusRequest) bool {
	if exec.Error != body.Error {
		return false
	}
	if (exec.ExitCode == nil) != (body.ExitCode == nil) {
		return false
	}
	if exec.ExitCode != nil && body.ExitCode != nil && *exec.ExitCode != *body.ExitCode {
		return false
	}
	return true
}

func parseExecStatus(s string) (domain.StepExecutionStatus, bool) {
	switch s {
	case "running":
		return domain.StepExecRunning, true
	case "completed":
		return domain.StepExecCompleted, true
	case "failed":
		return domain.StepExecFailed, true
	default:
		return "", false
	}
}

func (h *Handlers) publishStatus(exec domain.StepExecution) {
	evt, err := eventbus.NewEvent(eventbus.EventStepRunStatus, h.clock.Now(), exec)
	if err == nil {
		h.bus.Broadcast(evt)
	}
}

// logLine is one entry of the "lines" array in POST /api/steps/{id}/logs.
type logLine struct {
	Content   string    `json:"content"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// logsRequest accepts both the batched "lines" shape and the single
// "content"/"stream" shape spec §6 allows.
type logsRequest struct {
	Lines   []logLine `json:"lines,omitempty"`
	Content string    `json:"content,omitempty"`
	Stream  string    `json:"stream,omitempty"`
}

// secretsForStepRun resolves the env values an agent-kind step was
// configured with, so handleLogs can mask them out of anything the
// container printed to stdout/stderr before it reaches storage or any
// broadcast subscriber. Lookup failures just mean nothing gets masked;
// they are not a reason to fail the log upload itself.
func (h *Handlers) secretsForStepRun(ctx context.Context, sr domain.StepRun) []string {
	run, err := h.store.GetPipelineRun(ctx, sr.PipelineRunID)
	if err != nil {
		return nil
	}
	pipeline, err := h.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return nil
	}
	step, ok := pipeline.StepByID(sr.StepID)
	if !ok {
		return nil
	}
	env := step.Type.Env()
	if len(env) == 0 {
		return nil
	}
	secrets := make([]string, 0, len(env))
	for _, v := range env {
		if v != "" {
			secrets = append(secrets, v)
		}
	}
	return secrets
}

// handleLogs appends a batch of log lines to the owning StepRun and
// broadcasts them for live subscribers (spec §4.6 step 4, §6).
func (h *Handlers) handleLogs(w http.ResponseWriter, r *http.Request) {
	stepID := stepIDFrom(r.Context())
	var body logsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, lazyerr.Wrap(lazyerr.KindProtocol, "decode logs body", err))
		return
	}
	lines := body.Lines
	if body.Content != "" {
		lines = append(lines, logLine{Content: body.Content, Stream: body.Stream, Timestamp: h.clock.Now()})
	}
	if len(lines) == 0 {
		WriteJSON(w, struct{}{}, http.StatusOK)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), stepID)
	if err != nil {
		WriteError(w, err)
		return
	}
	sr, err := h.store.GetStepRun(r.Context(), exec.StepRunID)
	if err != nil {
		WriteError(w, err)
		return
	}

	// MaskString covers both halves of redaction: the step's own configured
	// secrets (with their quote-stripped/JSON/URL-encoded variants) and the
	// regex-detected token classes that apply to every line regardless of
	// what the step declared.
	secrets := h.secretsForStepRun(r.Context(), sr)
	for i, ln := range lines {
		lines[i].Content = external.MaskString(ln.Content, secrets)
	}

	for _, ln := range lines {
		sr.Logs += ln.Content + "\n"
	}
	if err := h.store.UpdateStepRun(r.Context(), sr); err != nil {
		WriteError(w, err)
		return
	}

	payload, err := json.Marshal(struct {
		StepRunID string    `json:"step_run_id"`
		Lines     []logLine `json:"lines"`
	}{sr.ID, lines})
	if err == nil {
		h.bus.Broadcast(eventbus.Event{Type: eventbus.EventStepExecutionLog, Payload: payload, At: h.clock.Now()})
	}
	WriteJSON(w, struct{}{}, http.StatusOK)
}

// heartbeatRequest is the body of POST /api/steps/{step_id}/heartbeat.
type heartbeatRequest struct {
	ExtendSeconds int    `json:"extend_seconds,omitempty"`
	Progress      string `json:"progress,omitempty"`
}

// handleHeartbeat records a liveness ping and optionally extends the
// execution's timeout_at, per spec §4.6 step 3.
func (h *Handlers) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	stepID := stepIDFrom(r.Context())
	var body heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, lazyerr.Wrap(lazyerr.KindProtocol, "decode heartbeat body", err))
		return
	}

	now := h.clock.Now()
	err := h.store.UpdateExecutionIfStatusIn(r.Context(), stepID, nonTerminalExec, func(ex *domain.StepExecution) {
		ex.LastHeartbeat = &now
		ex.Progress = body.Progress
		if body.ExtendSeconds > 0 {
			newTimeout := now.Add(time.Duration(body.ExtendSeconds) * time.Second)
			ex.TimeoutAt = &newTimeout
		}
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, struct{}{}, http.StatusOK)
}
