// Package remoteexec implements the Remote Executor (spec §4.8): a registry
// of WebSocket-connected runners, push-dispatch of steps, and ACK/heartbeat
// liveness tracking.
package remoteexec

import "encoding/json"

// inboundType discriminates messages sent runner -> backend.
type inboundType string

const (
	inRegister     inboundType = "register"
	inAck          inboundType = "ack"
	inHeartbeat    inboundType = "heartbeat"
	inLog          inboundType = "log"
	inStepComplete inboundType = "step_complete"
)

// outboundType discriminates messages sent backend -> runner.
type outboundType string

const (
	outRegistered outboundType = "registered"
	outExecute    outboundType = "execute_step"
	outPong       outboundType = "pong"
	outError      outboundType = "error"
	outAbort      outboundType = "abort"
)

// envelope is the wire shape every frame shares: a type tag plus a raw
// payload decoded according to that tag, the same discriminated-union idiom
// internal/eventbus and internal/domain use for their own tagged payloads.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type registerPayload struct {
	RunnerID   string            `json:"runner_id,omitempty"`
	Name       string            `json:"name"`
	RunnerType string            `json:"runner_type"`
	Labels     map[string]string `json:"labels,omitempty"`
}

type ackPayload struct {
	StepID string `json:"step_id"`
}

type logPayload struct {
	StepID string   `json:"step_id"`
	Lines  []string `json:"lines"`
}

type stepCompletePayload struct {
	StepID   string `json:"step_id"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

type registeredPayload struct {
	RunnerID string `json:"runner_id"`
}

type executeStepPayload struct {
	StepID       string          `json:"step_id"`
	ExecutionKey string          `json:"execution_key"`
	StepConfig   json.RawMessage `json:"step_config"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type abortPayload struct {
	StepID string `json:"step_id"`
}
