package model

// InstanceState represents the lifecycle state of a StageInstance.
type InstanceState string

const (
	InstancePending   InstanceState = "PENDING"
	InstanceEligible  InstanceState = "ELIGIBLE"
	InstanceAdmitted  InstanceState = "ADMITTED"
	InstanceRunning   InstanceState = "RUNNING"
	InstanceRetrying  InstanceState = "RETRYING"
	InstanceSucceeded InstanceState = "SUCCEEDED"
	InstanceFailed    InstanceState = "FAILED"
	InstanceCancelled InstanceState = "CANCELLED"
)

// String returns the string representation of the instance state.
func (s InstanceState) String() string {
	return string(s)
}

// IsTerminal returns true if the instance is in a final state.
func (s InstanceState) IsTerminal() bool {
	switch s {
	case InstanceSucceeded, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// ValidInstanceTransitions defines the allowed state transitions for
// StageInstances. Every non-terminal state may additionally transition to
// CANCELLED (run cancellation or upstream failure cascade).
var ValidInstanceTransitions = map[InstanceState][]InstanceState{
	InstancePending:  {InstanceEligible, InstanceCancelled},
	InstanceEligible: {InstanceAdmitted, InstanceCancelled},
	InstanceAdmitted: {InstanceRunning, InstanceEligible, InstanceRetrying, InstanceFailed, InstanceCancelled},
	InstanceRunning:  {InstanceSucceeded, InstanceRetrying, InstanceFailed, InstanceCancelled},
	InstanceRetrying: {InstanceEligible, InstanceCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s InstanceState) CanTransitionTo(next InstanceState) bool {
	for _, allowed := range ValidInstanceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunState represents the lifecycle state of a pipeline Run.
type RunState string

const (
	RunPending   RunState = "PENDING"
	RunRunning   RunState = "RUNNING"
	RunSucceeded RunState = "SUCCEEDED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for Runs.
var ValidRunTransitions = map[RunState][]RunState{
	RunPending: {RunRunning, RunSucceeded, RunFailed, RunCancelled},
	RunRunning: {RunSucceeded, RunFailed, RunCancelled},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
