package saga

import (
	"time"

	"github.com/pkg/errors"
)

// Definition is an immutable, versioned template of a saga: an ordered list of
// steps forming an acyclic dependency graph. Steps with no dependency on each
// other run concurrently at execution time.
type Definition struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Steps   []Step `json:"steps"`
}

// Step is one unit of work within a definition. Action is the key a handler
// is registered under; DependsOn lists ids of steps that must be completed
// before this one becomes executable.
type Step struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Action      string                 `json:"action"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timeout     time.Duration          `json:"timeout,omitempty"`
	MaxRetries  int                    `json:"max_retries,omitempty"`
	Compensable bool                   `json:"compensable,omitempty"`
}

// Validate rejects definitions with duplicate step ids, dependencies on
// unknown steps and dependency cycles. The orchestrator still detects
// deadlocks at runtime as the second line of defense for definitions that
// bypassed registration.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.Errorf("definition id is empty")
	}

	if len(d.Steps) == 0 {
		return errors.Errorf("definition %s has no steps", d.ID)
	}

	steps := make(map[string]Step, len(d.Steps))

	for _, step := range d.Steps {
		if step.ID == "" {
			return errors.Errorf("definition %s contains a step with empty id", d.ID)
		}

		if step.Action == "" {
			return errors.Errorf("step %s of definition %s has no action", step.ID, d.ID)
		}

		if _, exists := steps[step.ID]; exists {
			return errors.Errorf("definition %s contains duplicated step id %s", d.ID, step.ID)
		}

		steps[step.ID] = step
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return errors.Errorf("step %s of definition %s depends on itself", step.ID, d.ID)
			}

			if _, exists := steps[dep]; !exists {
				return errors.Errorf("step %s of definition %s depends on unknown step %s", step.ID, d.ID, dep)
			}
		}
	}

	return d.checkCycles(steps)
}

// Step returns the step with the given id
func (d Definition) Step(stepID string) (Step, bool) {
	for _, step := range d.Steps {
		if step.ID == stepID {
			return step, true
		}
	}

	return Step{}, false
}

const (
	colorWhite = iota
	colorGrey
	colorBlack
)

func (d Definition) checkCycles(steps map[string]Step) error {
	colors := make(map[string]int, len(steps))

	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = colorGrey

		for _, dep := range steps[id].DependsOn {
			switch colors[dep] {
			case colorGrey:
				return errors.Errorf("definition %s contains a dependency cycle through steps %s and %s", d.ID, id, dep)
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		colors[id] = colorBlack
		return nil
	}

	for _, step := range d.Steps {
		if colors[step.ID] == colorWhite {
			if err := visit(step.ID); err != nil {
				return err
			}
		}
	}

	return nil
}
