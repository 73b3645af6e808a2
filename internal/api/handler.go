// Package api assembles the engine's two externally-facing transports that
// are in scope for this spec (spec §6): the Runner WebSocket upgrade and the
// Debug Session HTTP+WebSocket surface. It composes internal/control/server
// (the step control-plane, mounted unchanged), internal/remoteexec (runner
// registration), and internal/debugsvc (breakpoint/attach), none of which
// know anything about net/http routing themselves.
//
// The HTTP/REST surface that creates pipelines, cards, and repositories is
// explicitly out of scope (spec §1) and lives in an external collaborator;
// this package only serves the engine's own control/runner/debug protocols.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/lazyaf/engine/internal/clock"
	controlserver "github.com/lazyaf/engine/internal/control/server"
	"github.com/lazyaf/engine/internal/debugsvc"
	"github.com/lazyaf/engine/internal/domain"
	"github.com/lazyaf/engine/internal/lazyerr"
	"github.com/lazyaf/engine/internal/metrics"
	"github.com/lazyaf/engine/internal/remoteexec"
	"github.com/lazyaf/engine/internal/store"
	"github.com/lazyaf/engine/logger"
	"github.com/lazyaf/engine/version"
)

// Deps collects the collaborators the API router needs. Every field is
// required except Debug, which is nil when the deployment has no debug
// session service wired up.
type Deps struct {
	Store   store.Gateway
	Control *controlserver.Handlers
	Remote  *remoteexec.Registry
	Debug   *debugsvc.Service
	Clock   clock.Clock
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The runner and debug-terminal protocols are internal, cluster-local
	// channels authenticated by bearer token/registration payload, not by
	// browser same-origin policy, so Origin is not meaningful here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler builds the engine's top-level HTTP router.
func Handler(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(logger.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	d.Control.Mount(r)

	r.Get("/ws/runner", d.handleRunnerWS)

	r.Route("/api/pipeline-runs/{run_id}/debug-rerun", func(sr chi.Router) {
		sr.Post("/", d.handleDebugRerun)
	})
	r.Route("/api/debug/{session_id}", func(sr chi.Router) {
		sr.Get("/", d.handleGetDebugSession)
		sr.Post("/resume", d.handleDebugResume)
		sr.Post("/abort", d.handleDebugAbort)
		sr.Post("/extend", d.handleDebugExtend)
		sr.Get("/terminal", d.handleDebugTerminal)
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	controlserver.WriteJSON(w, struct {
		Version string `json:"version"`
	}{version.Version}, http.StatusOK)
}

// handleRunnerWS upgrades GET /ws/runner and hands the connection to
// internal/remoteexec's registration/dispatch loop (spec §6).
func (d Deps) handleRunnerWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromRequest(r).WithError(err).Warnln("api: runner websocket upgrade failed")
		return
	}
	d.Remote.Accept(r.Context(), ws)
}

type debugRerunRequest struct {
	Breakpoints    []int  `json:"breakpoints"`
	Branch         string `json:"branch"`
	CommitSHA      string `json:"commit_sha"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type debugRerunResponse struct {
	RunID          string `json:"run_id"`
	DebugSessionID string `json:"debug_session_id"`
	Token          string `json:"token"`
}

// handleDebugRerun implements "POST /api/pipeline-runs/{run_id}/debug-rerun"
// (spec §6, scenario 6).
func (d Deps) handleDebugRerun(w http.ResponseWriter, r *http.Request) {
	if d.Debug == nil {
		controlserver.WriteError(w, lazyerr.New(lazyerr.KindFatal, "debug session service not configured"))
		return
	}
	runID := chi.URLParam(r, "run_id")
	var body debugRerunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		controlserver.WriteError(w, lazyerr.Wrap(lazyerr.KindProtocol, "decode debug-rerun body", err))
		return
	}
	bps := make(map[int]bool, len(body.Breakpoints))
	for _, idx := range body.Breakpoints {
		bps[idx] = true
	}
	timeout := time.Duration(body.TimeoutSeconds) * time.Second

	session, run, err := d.Debug.CreateDebugRerun(r.Context(), runID, bps, body.Branch, body.CommitSHA, timeout)
	if err != nil {
		controlserver.WriteError(w, err)
		return
	}
	controlserver.WriteJSON(w, debugRerunResponse{
		RunID: run.ID, DebugSessionID: session.ID, Token: session.Token,
	}, http.StatusCreated)
}

// handleGetDebugSession implements "GET /api/debug/{session_id}".
func (d Deps) handleGetDebugSession(w http.ResponseWriter, r *http.Request) {
	session, err := d.Store.GetDebugSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		controlserver.WriteError(w, err)
		return
	}
	controlserver.WriteJSON(w, &session, http.StatusOK)
}

// handleDebugResume implements "POST /api/debug/{session_id}/resume".
func (d Deps) handleDebugResume(w http.ResponseWriter, r *http.Request) {
	if d.Debug == nil {
		controlserver.WriteError(w, lazyerr.New(lazyerr.KindFatal, "debug session service not configured"))
		return
	}
	if err := d.Debug.Resume(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		controlserver.WriteError(w, err)
		return
	}
	controlserver.WriteJSON(w, struct{}{}, http.StatusOK)
}

// handleDebugAbort implements "POST /api/debug/{session_id}/abort".
func (d Deps) handleDebugAbort(w http.ResponseWriter, r *http.Request) {
	if d.Debug == nil {
		controlserver.WriteError(w, lazyerr.New(lazyerr.KindFatal, "debug session service not configured"))
		return
	}
	if err := d.Debug.Abort(r.Context(), chi.URLParam(r, "session_id")); err != nil {
		controlserver.WriteError(w, err)
		return
	}
	controlserver.WriteJSON(w, struct{}{}, http.StatusOK)
}

// handleDebugExtend implements
// "POST /api/debug/{session_id}/extend?additional_minutes=1..180".
func (d Deps) handleDebugExtend(w http.ResponseWriter, r *http.Request) {
	if d.Debug == nil {
		controlserver.WriteError(w, lazyerr.New(lazyerr.KindFatal, "debug session service not configured"))
		return
	}
	raw := r.URL.Query().Get("additional_minutes")
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes < 1 || minutes > 180 {
		controlserver.WriteError(w, lazyerr.New(lazyerr.KindProtocol, "additional_minutes must be an integer in 1..180"))
		return
	}
	delta := time.Duration(minutes) * time.Minute
	if err := d.Debug.ExtendTimeout(r.Context(), chi.URLParam(r, "session_id"), delta); err != nil {
		controlserver.WriteError(w, err)
		return
	}
	controlserver.WriteJSON(w, struct{}{}, http.StatusOK)
}

// handleDebugTerminal implements "WS /api/debug/{session_id}/terminal"
// (spec §6): raw frames are forwarded as keystrokes to the attached shell;
// frames beginning with "@" are the in-band commands spec §6 names
// (@resume, @abort, @status, @help) and are intercepted here instead.
func (d Deps) handleDebugTerminal(w http.ResponseWriter, r *http.Request) {
	if d.Debug == nil {
		http.Error(w, "debug session service not configured", http.StatusNotFound)
		return
	}
	sessionID := chi.URLParam(r, "session_id")
	mode := domain.ConnectionMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = domain.ConnectionShell
	}
	token := r.URL.Query().Get("token")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromRequest(r).WithError(err).Warnln("api: debug terminal websocket upgrade failed")
		return
	}
	defer ws.Close() //nolint:errcheck

	ctx := r.Context()
	_, stream, err := d.Debug.AttachTerminal(ctx, sessionID, token, mode)
	if err != nil {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("@error "+err.Error()))
		return
	}

	done := make(chan struct{})
	if stream != nil {
		go bridgeStreamToWS(ws, stream, done)
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if len(data) > 0 && data[0] == '@' {
			d.handleTerminalCommand(ctx, ws, sessionID, string(data))
			continue
		}
		if stream != nil {
			if _, err := stream.Write(data); err != nil {
				break
			}
		}
	}
	if stream != nil {
		_ = stream.Close()
		<-done
	}
}

func bridgeStreamToWS(ws *websocket.Conn, stream io.Reader, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleTerminalCommand implements the in-band "@resume"/"@abort"/
// "@status"/"@help" commands spec §6 names for the debug terminal.
func (d Deps) handleTerminalCommand(ctx context.Context, ws *websocket.Conn, sessionID, cmd string) {
	reply := func(s string) { _ = ws.WriteMessage(websocket.TextMessage, []byte(s)) }
	switch cmd {
	case "@resume":
		if err := d.Debug.Resume(ctx, sessionID); err != nil {
			reply("@error " + err.Error())
			return
		}
		reply("@ok resumed")
	case "@abort":
		if err := d.Debug.Abort(ctx, sessionID); err != nil {
			reply("@error " + err.Error())
			return
		}
		reply("@ok aborted")
	case "@status":
		session, err := d.Store.GetDebugSession(ctx, sessionID)
		if err != nil {
			reply("@error " + err.Error())
			return
		}
		payload, err := json.Marshal(&session)
		if err != nil {
			reply("@error " + err.Error())
			return
		}
		reply("@status " + string(payload))
	case "@help":
		reply("@help commands: @resume @abort @status @help")
	default:
		reply("@error unknown command " + cmd)
	}
}
