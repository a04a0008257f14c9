// Package resolver computes, purely from stored run state, which stage
// instances may advance. Both the eligible frontier and the failure
// cascade are re-derivable from a snapshot, so the computation works the
// same after a crash/restart as it does mid-run.
package resolver

import (
	"sort"
	"time"

	"github.com/casni/casni/pkg/model"
)

// BuildByID creates a lookup map from instance ID to instance pointer.
func BuildByID(instances []*model.StageInstance) map[string]*model.StageInstance {
	m := make(map[string]*model.StageInstance, len(instances))
	for _, in := range instances {
		m[in.ID] = in
	}
	return m
}

// Eligible returns the frontier: PENDING instances whose upstream
// instances are all SUCCEEDED, plus RETRYING instances whose backoff
// deadline has passed. Instances with a failed or cancelled upstream are
// excluded (they belong to the cascade, not the frontier).
//
// The result is ordered by (stage declaration order, unit index) so
// scheduling is reproducible and auditable.
func Eligible(instances []*model.StageInstance, now time.Time) []*model.StageInstance {
	byID := BuildByID(instances)

	var out []*model.StageInstance
	for _, in := range instances {
		switch in.State {
		case model.InstancePending:
			if satisfied, blocked := upstreamState(in, byID); satisfied && !blocked {
				out = append(out, in)
			}
		case model.InstanceRetrying:
			if in.NextAttemptAt == nil || !now.Before(*in.NextAttemptAt) {
				out = append(out, in)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SpecOrder != out[j].SpecOrder {
			return out[i].SpecOrder < out[j].SpecOrder
		}
		return out[i].UnitIndex < out[j].UnitIndex
	})
	return out
}

// Cascade pairs an instance to cancel with the upstream instance that
// blocks it.
type Cascade struct {
	Instance *model.StageInstance
	Upstream *model.StageInstance
}

// Cancellations returns every non-terminal instance with a FAILED or
// CANCELLED upstream. Because it is computed from state alone, applying
// it is idempotent: already-cancelled dependents simply stop appearing.
func Cancellations(instances []*model.StageInstance) []Cascade {
	byID := BuildByID(instances)

	var out []Cascade
	for _, in := range instances {
		if in.State.IsTerminal() || in.State == model.InstanceRunning || in.State == model.InstanceAdmitted {
			// Running work is only stopped by run-level cancellation;
			// an upstream failure cannot reach an instance that already
			// started (its inputs were complete).
			continue
		}
		for _, depID := range in.DependsOn {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			if dep.State == model.InstanceFailed || dep.State == model.InstanceCancelled {
				out = append(out, Cascade{Instance: in, Upstream: dep})
				break
			}
		}
	}
	return out
}

// upstreamState reports whether all upstream instances succeeded
// (satisfied) or any reached a terminal non-success state (blocked).
func upstreamState(in *model.StageInstance, byID map[string]*model.StageInstance) (satisfied, blocked bool) {
	satisfied = true
	for _, depID := range in.DependsOn {
		dep, ok := byID[depID]
		if !ok {
			return false, true
		}
		switch dep.State {
		case model.InstanceSucceeded:
		case model.InstanceFailed, model.InstanceCancelled:
			return false, true
		default:
			satisfied = false
		}
	}
	return satisfied, false
}
