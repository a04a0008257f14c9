package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/casni/casni/pkg/model"
)

// Validate checks the structural correctness of a pipeline definition:
// unique stage IDs, no dangling depends_on references, and an acyclic
// edge set. Definition errors are rejected here and never reach the run
// state store.
//
// Returns nil if valid, or a *model.APIError with FieldError details.
func Validate(p *model.Pipeline) *model.APIError {
	var errs []model.FieldError

	stageIDs := make(map[string]bool, len(p.Stages))
	for _, s := range p.Stages {
		if s.ID == "" {
			errs = append(errs, model.FieldError{Field: "stages", Message: "stage id is required"})
			continue
		}
		if stageIDs[s.ID] {
			errs = append(errs, model.FieldError{
				Field:   "stages." + s.ID,
				Message: fmt.Sprintf("duplicate stage id %q", s.ID),
			})
		}
		stageIDs[s.ID] = true
		if s.Image == "" {
			errs = append(errs, model.FieldError{
				Field:   "stages." + s.ID + ".image",
				Message: "container image is required",
			})
		}
		if len(s.Command) == 0 {
			errs = append(errs, model.FieldError{
				Field:   "stages." + s.ID + ".command",
				Message: "command is required",
			})
		}
		if s.Resources.CPUCores < 0 {
			errs = append(errs, model.FieldError{
				Field:   "stages." + s.ID + ".resources.cpus",
				Message: "cpus must not be negative",
			})
		}
		if s.Resources.GPUs < 0 {
			errs = append(errs, model.FieldError{
				Field:   "stages." + s.ID + ".resources.gpus",
				Message: "gpus must not be negative",
			})
		}
		if s.Retry.MaxAttempts < 0 {
			errs = append(errs, model.FieldError{
				Field:   "stages." + s.ID + ".retry.max_attempts",
				Message: "max_attempts must not be negative",
			})
		}
		if s.Timeout < 0 {
			errs = append(errs, model.FieldError{
				Field:   "stages." + s.ID + ".timeout",
				Message: "timeout must not be negative",
			})
		}
	}

	for _, s := range p.Stages {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, model.FieldError{
					Field:   "stages." + s.ID + ".depends_on",
					Message: fmt.Sprintf("stage %q depends on itself", s.ID),
				})
			} else if !stageIDs[dep] {
				errs = append(errs, model.FieldError{
					Field:   "stages." + s.ID + ".depends_on",
					Message: fmt.Sprintf("dangling edge: unknown stage %q", dep),
				})
			}
		}
	}

	// Cycle detection only makes sense once the edge set is well formed.
	if len(errs) == 0 {
		if _, err := TopoOrder(p); err != nil {
			errs = append(errs, model.FieldError{Field: "stages", Message: err.Error()})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	// A single failure is surfaced directly; callers reading only the
	// message still see what went wrong.
	msg := "pipeline validation failed"
	if len(errs) == 1 {
		msg = errs[0].Message
	}
	return model.NewValidationError(msg, errs...)
}

// TopoOrder returns the stage IDs in topological order using Kahn's
// algorithm, or an error naming the cycle members. Ties are broken by
// sorted stage ID so the order is deterministic.
func TopoOrder(p *model.Pipeline) ([]string, error) {
	forward := make(map[string][]string, len(p.Stages))
	inDegree := make(map[string]int, len(p.Stages))

	for _, s := range p.Stages {
		inDegree[s.ID] = 0
	}
	for _, s := range p.Stages {
		for _, dep := range s.DependsOn {
			forward[dep] = append(forward[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(p.Stages) {
		var cycleNodes []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycleNodes = append(cycleNodes, id)
			}
		}
		sort.Strings(cycleNodes)
		return nil, fmt.Errorf("pipeline contains a cycle involving stages: %s",
			strings.Join(cycleNodes, ", "))
	}

	return order, nil
}
