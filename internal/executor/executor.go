// Package executor turns stage instances into container runs. It owns
// the mapping from an instance's resolved configuration to a runtime
// launch and the weak container handle held on the instance. Retry
// policy lives entirely in the scheduler; the executor never retries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casni/casni/internal/runtime"
	"github.com/casni/casni/pkg/model"
)

// Executor launches one container per stage instance and exposes
// non-blocking lifecycle queries over its handle.
type Executor struct {
	rt     runtime.ContainerRuntime
	logger *slog.Logger
}

// New creates an Executor on top of the given container runtime.
func New(rt runtime.ContainerRuntime, logger *slog.Logger) *Executor {
	return &Executor{
		rt:     rt,
		logger: logger.With("component", "executor"),
	}
}

// Launch starts the instance's container and returns the runtime handle.
// The instance's workspace (the study root) is bind-mounted at the same
// path inside the container so resolved artifact paths are valid on both
// sides.
func (e *Executor) Launch(ctx context.Context, inst *model.StageInstance) (string, error) {
	if inst.Image == "" {
		return "", fmt.Errorf("instance %s: image is empty", inst.ID)
	}
	if len(inst.Command) == 0 {
		return "", fmt.Errorf("instance %s: command is empty", inst.ID)
	}

	spec := runtime.LaunchSpec{
		Name:        "casni-" + inst.ID,
		Image:       inst.Image,
		Command:     inst.Command,
		WorkDir:     inst.Workspace,
		CPUCores:    inst.Resources.CPUCores,
		MemoryBytes: inst.Resources.MemoryBytes,
		GPUs:        inst.Resources.GPUs,
		Labels: map[string]string{
			"casni.run":      inst.RunID,
			"casni.instance": inst.ID,
		},
	}
	if inst.Workspace != "" {
		spec.Mounts = []runtime.Mount{{Source: inst.Workspace, Target: inst.Workspace}}
	}

	id, err := e.rt.Launch(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("launch instance %s: %w", inst.ID, err)
	}

	e.logger.Debug("instance launched",
		"instance_id", inst.ID,
		"stage_id", inst.StageID,
		"container_id", id,
		"image", inst.Image,
	)
	return id, nil
}

// Poll is a non-blocking status check on the instance's container.
// Returns runtime.ErrNotFound when the runtime no longer knows the
// handle; the scheduler treats that as a failed attempt rather than
// silently dropping the instance.
func (e *Executor) Poll(ctx context.Context, inst *model.StageInstance) (runtime.Status, error) {
	if inst.ContainerID == "" {
		return runtime.Status{}, fmt.Errorf("instance %s: %w", inst.ID, runtime.ErrNotFound)
	}
	return e.rt.Inspect(ctx, inst.ContainerID)
}

// Kill requests termination of the instance's container. Used for
// cancellation and timeout enforcement; an already-gone container is not
// an error for either caller.
func (e *Executor) Kill(ctx context.Context, inst *model.StageInstance) error {
	if inst.ContainerID == "" {
		return nil
	}
	err := e.rt.Kill(ctx, inst.ContainerID)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	return err
}

// Logs captures the container's stdout and stderr.
func (e *Executor) Logs(ctx context.Context, inst *model.StageInstance) (stdout, stderr string, err error) {
	if inst.ContainerID == "" {
		return "", "", nil
	}
	return e.rt.Logs(ctx, inst.ContainerID)
}
