package model

import "time"

// StageInstance is one concrete execution of a StageSpec within a Run.
// Everything the scheduler needs to launch and retry the instance is
// copied from the stage spec at instantiation, so scheduling never re-reads
// the pipeline definition.
type StageInstance struct {
	ID      string        `json:"id"`
	RunID   string        `json:"run_id"`
	StageID string        `json:"stage_id"`
	State   InstanceState `json:"state"`

	// Unit is set for per-unit (fanned-out) instances.
	Unit *DatasetUnit `json:"unit,omitempty"`

	// SpecOrder is the submission order of the stage in the definition,
	// UnitIndex the position of the unit in the dataset descriptor. The
	// pair is the deterministic scheduling tie-break.
	SpecOrder int `json:"spec_order"`
	UnitIndex int `json:"unit_index"`

	// DependsOn lists upstream instance IDs resolved at instantiation.
	DependsOn []string `json:"depends_on,omitempty"`

	Image     string            `json:"image"`
	Command   []string          `json:"command"`
	Workspace string            `json:"workspace"` // dataset root, bind-mounted into the container
	Inputs    map[string]string `json:"inputs,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`

	Resources ResourceRequest `json:"resources"`
	Retry     RetryPolicy     `json:"retry"`
	Timeout   time.Duration   `json:"timeout,omitempty"`
	Required  bool            `json:"required"`

	// Attempt counts launches started, 1-based once launched.
	Attempt int `json:"attempt"`

	// NextAttemptAt is the backoff deadline while RETRYING.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// ContainerID is a weak reference to the runtime handle; the runtime
	// owns the container's lifetime.
	ContainerID string `json:"container_id,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"` // non-empty for every FAILED/CANCELLED
	Stdout   string `json:"-"`
	Stderr   string `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AttemptsExhausted returns true when no further retry is allowed.
func (i *StageInstance) AttemptsExhausted() bool {
	max := i.Retry.MaxAttempts
	if max < 1 {
		max = 1
	}
	return i.Attempt >= max
}
