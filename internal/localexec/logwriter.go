package localexec

import (
	"encoding/json"

	"github.com/lazyaf/engine/internal/clock"
	"github.com/lazyaf/engine/internal/eventbus"
)

// logEvent is the payload broadcast for each chunk of container log output,
// a backup path to the push-based /logs endpoint used by remote step
// containers (spec §4.7 — the Local Executor tails the same container it
// started, so it can observe output even if the step never calls /logs).
type logEvent struct {
	StepExecutionID string `json:"step_execution_id"`
	Chunk           string `json:"chunk"`
}

type busLogWriter struct {
	bus   *eventbus.Bus
	execID string
	clock clock.Clock
}

func newBusLogWriter(bus *eventbus.Bus, execID string, c clock.Clock) *busLogWriter {
	return &busLogWriter{bus: bus, execID: execID, clock: c}
}

func (w *busLogWriter) Write(p []byte) (int, error) {
	payload, err := json.Marshal(logEvent{StepExecutionID: w.execID, Chunk: string(p)})
	if err != nil {
		return 0, err
	}
	w.bus.Broadcast(eventbus.Event{
		Type:    eventbus.EventStepExecutionLog,
		Payload: payload,
		At:      w.clock.Now(),
	})
	return len(p), nil
}
