// Package clock isolates every time and ID source in the engine behind a
// narrow interface so tests can control them.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the only sanctioned source of time in the engine.
type Clock interface {
	Now() time.Time
}

// System is the production Clock, backed by the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a controllable Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set pins the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// NewID returns a fresh 128-bit random identifier.
func NewID() string {
	return uuid.NewString()
}

// NewExecutionKey formats the idempotency key for one attempt of one step
// of one pipeline run: "{pipeline_run_id}:{step_index}:{attempt}".
func NewExecutionKey(pipelineRunID string, stepIndex, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", pipelineRunID, stepIndex, attempt)
}

// NewTriggerKey formats the trigger-deduplication key: "{type}:{repo_id}:{ref}".
func NewTriggerKey(triggerType, repoID, ref string) string {
	return fmt.Sprintf("%s:%s:%s", triggerType, repoID, ref)
}
