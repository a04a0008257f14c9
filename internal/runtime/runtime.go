// Package runtime is the narrow interface to the external container
// runtime: launch, inspect, kill. The scheduling engine never blocks on a
// container; Inspect is a snapshot and a caller that cannot learn a
// container's status simply observes it again later.
package runtime

import (
	"context"
	"errors"
)

var (
	// ErrImageNotFound means the image reference cannot be resolved;
	// retrying the launch without operator action will not help.
	ErrImageNotFound = errors.New("image not found")

	// ErrNotFound means the runtime no longer recognizes the handle.
	ErrNotFound = errors.New("container not found")
)

// State is a container's coarse lifecycle state.
type State int

const (
	StateRunning State = iota
	StateExited
)

// Status is a point-in-time snapshot of a container.
type Status struct {
	State    State
	ExitCode int // valid when State == StateExited
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// LaunchSpec describes one container to start.
type LaunchSpec struct {
	Name        string
	Image       string
	Command     []string
	Mounts      []Mount
	WorkDir     string
	CPUCores    float64
	MemoryBytes uint64
	GPUs        int
	Labels      map[string]string
}

// ContainerRuntime launches and supervises containers. Implementations
// must be non-blocking: Launch returns once the container is started
// detached, Inspect and Kill return promptly.
type ContainerRuntime interface {
	// Launch starts a detached container and returns its handle.
	Launch(ctx context.Context, spec LaunchSpec) (string, error)

	// Inspect reports whether the container is running or has exited.
	// Returns ErrNotFound when the handle is unknown to the runtime.
	Inspect(ctx context.Context, id string) (Status, error)

	// Kill force-terminates and removes the container.
	Kill(ctx context.Context, id string) error

	// Logs retrieves the container's captured stdout and stderr.
	Logs(ctx context.Context, id string) (stdout, stderr string, err error)
}
