package model

import "time"

// Run is one execution of a Pipeline against a concrete dataset.
// A Run owns its StageInstances by identifier; instances are created
// eagerly at submission and loaded separately from the store.
type Run struct {
	ID           string            `json:"id"`
	PipelineID   string            `json:"pipeline_id"`
	PipelineName string            `json:"pipeline_name"`
	State        RunState          `json:"state"`
	Dataset      DatasetDescriptor `json:"dataset"`

	// CancelRequested marks the run for cooperative cancellation; the
	// scheduler observes it on its next tick.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Instances       []StageInstance `json:"instances,omitempty"`
	InstanceSummary InstanceSummary `json:"instance_summary,omitempty"` // Computed field, not stored
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// DatasetDescriptor identifies the concrete dataset a pipeline runs against.
// Units are kept in declaration order; instantiation depends on that order
// being stable.
type DatasetDescriptor struct {
	Root  string        `json:"root"`
	Units []DatasetUnit `json:"units,omitempty"`
}

// DatasetUnit is one fan-out granule: a subject, optionally narrowed to a
// single session.
type DatasetUnit struct {
	Subject string `json:"subject"`
	Session string `json:"session,omitempty"`
}

// Key returns a stable identifier for the unit, used for deterministic
// instance IDs and path resolution.
func (u DatasetUnit) Key() string {
	if u.Session == "" {
		return u.Subject
	}
	return u.Subject + "/" + u.Session
}

// InstanceSummary provides an aggregate count of instance states within a Run.
type InstanceSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Eligible  int `json:"eligible"`
	Admitted  int `json:"admitted"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// ComputeInstanceSummary calculates the InstanceSummary from a slice of instances.
func ComputeInstanceSummary(instances []StageInstance) InstanceSummary {
	s := InstanceSummary{Total: len(instances)}
	for _, in := range instances {
		switch in.State {
		case InstancePending:
			s.Pending++
		case InstanceEligible:
			s.Eligible++
		case InstanceAdmitted:
			s.Admitted++
		case InstanceRunning:
			s.Running++
		case InstanceRetrying:
			s.Retrying++
		case InstanceSucceeded:
			s.Succeeded++
		case InstanceFailed:
			s.Failed++
		case InstanceCancelled:
			s.Cancelled++
		}
	}
	return s
}
