package domain

import "fmt"

// StepKind discriminates the StepType tagged union (spec §9 design notes).
type StepKind string

const (
	StepKindScript    StepKind = "script"
	StepKindContainer StepKind = "container"
	StepKindAgent     StepKind = "agent"
)

// StepType is the per-step type configuration. Exactly one of the
// kind-specific fields is populated, selected by Kind; this is the Go
// rendering of the source's dynamic step_config blob, validated at
// ingress instead of trusted at use.
type StepType struct {
	Kind StepKind `json:"kind"`

	Script    *ScriptConfig    `json:"script,omitempty"`
	Container *ContainerConfig `json:"container,omitempty"`
	Agent     *AgentConfig     `json:"agent,omitempty"`
}

// ScriptConfig configures a `script` step: a command run in the default
// lazyaf-base image.
type ScriptConfig struct {
	Command []string `json:"command"`
}

// ContainerConfig configures a `container` step: a user-supplied image.
type ContainerConfig struct {
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
}

// AgentConfig configures an `agent` step: an AI CLI runner invoked inside
// a lazyaf-claude/lazyaf-gemini image, or dispatched to a matching remote
// runner.
type AgentConfig struct {
	RunnerType string            `json:"runner_type"`
	AgentFile  string            `json:"agent_file,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Validate checks that StepType carries exactly the config matching Kind.
func (s StepType) Validate() error {
	switch s.Kind {
	case StepKindScript:
		if s.Script == nil {
			return errMissingConfig(s.Kind)
		}
	case StepKindContainer:
		if s.Container == nil || s.Container.Image == "" {
			return errMissingConfig(s.Kind)
		}
	case StepKindAgent:
		if s.Agent == nil || s.Agent.RunnerType == "" {
			return errMissingConfig(s.Kind)
		}
	default:
		return fmt.Errorf("step: unknown kind %q", s.Kind)
	}
	return nil
}

// Image returns the container image a step of this type runs in, resolving
// the defaults named in spec §4.7 (lazyaf-base / user image / agent image).
func (s StepType) Image() string {
	switch s.Kind {
	case StepKindContainer:
		return s.Container.Image
	case StepKindAgent:
		switch s.Agent.RunnerType {
		case "gemini":
			return "lazyaf-gemini"
		default:
			return "lazyaf-claude"
		}
	default:
		return "lazyaf-base"
	}
}

// Command returns the command line for the step, if any.
func (s StepType) Command() []string {
	switch s.Kind {
	case StepKindScript:
		return s.Script.Command
	case StepKindContainer:
		return s.Container.Command
	default:
		return nil
	}
}

// Env returns the step-type-specific environment variables, if any.
func (s StepType) Env() map[string]string {
	if s.Kind == StepKindAgent && s.Agent != nil {
		return s.Agent.Env
	}
	return nil
}

func errMissingConfig(kind StepKind) error {
	return fmt.Errorf("step: kind %q missing its config block", kind)
}
