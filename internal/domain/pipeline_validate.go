package domain

import "fmt"

// Validate checks the structural invariants every Pipeline must satisfy
// before it can be scheduled: unique step IDs, edges targeting only steps
// that exist, exactly one entry node, and an acyclic trigger graph.
func (p Pipeline) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s: no steps", p.ID)
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.StepID == "" {
			return fmt.Errorf("pipeline %s: step with empty id", p.ID)
		}
		if seen[s.StepID] {
			return fmt.Errorf("pipeline %s: duplicate step id %q", p.ID, s.StepID)
		}
		seen[s.StepID] = true
		if err := s.Type.Validate(); err != nil {
			return fmt.Errorf("pipeline %s: step %q: %w", p.ID, s.StepID, err)
		}
	}

	for _, s := range p.Steps {
		for _, edge := range []EdgeAction{s.OnSuccess, s.OnFailure} {
			if edge.Kind == EdgeTrigger && !seen[edge.TargetStepID] {
				return fmt.Errorf("pipeline %s: step %q targets unknown step %q", p.ID, s.StepID, edge.TargetStepID)
			}
		}
		for _, id := range s.NextStepIDs {
			if !seen[id] {
				return fmt.Errorf("pipeline %s: step %q has next edge to unknown step %q", p.ID, s.StepID, id)
			}
		}
	}

	entries := p.EntryStepIDs()
	if len(entries) != 1 {
		return fmt.Errorf("pipeline %s: expected exactly one entry step, found %d", p.ID, len(entries))
	}

	if cycle := p.findCycle(); cycle != "" {
		return fmt.Errorf("pipeline %s: cycle detected at step %q", p.ID, cycle)
	}

	return nil
}

// findCycle walks the DAG's structural NextStepIDs adjacency depth-first and
// returns the step ID where a back-edge was found, or "" if the graph is
// acyclic. EdgeTrigger targets are excluded: they enqueue a separate
// PipelineRun (spec §4.11), not a node reachable within this same walk, so
// a step triggering an ancestor is not a cycle in this DAG.
func (p Pipeline) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		step, ok := p.StepByID(id)
		if ok {
			for _, next := range step.NextStepIDs {
				switch color[next] {
				case gray:
					return next
				case white:
					if c := visit(next); c != "" {
						return c
					}
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range p.Steps {
		if color[s.StepID] == white {
			if c := visit(s.StepID); c != "" {
				return c
			}
		}
	}
	return ""
}
