package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()

	switch e := runErr.(type) {
	case nil:
		return stdout, stderr, 0, nil
	case *exec.ExitError:
		return stdout, stderr, e.ExitCode(), nil
	default:
		return stdout, stderr, -1, runErr
	}
}

// Docker drives containers through the docker CLI. Containers are started
// detached so launching never blocks a scheduling tick.
type Docker struct {
	bin    string
	runner CommandRunner
	logger *slog.Logger
}

// NewDocker creates a Docker runtime using the given binary (default
// "docker"; "podman" also works with the same CLI surface).
func NewDocker(bin string, logger *slog.Logger) *Docker {
	if bin == "" {
		bin = "docker"
	}
	return &Docker{
		bin:    bin,
		runner: &osCommandRunner{},
		logger: logger.With("component", "docker-runtime"),
	}
}

// newDockerWithRunner is used by tests to inject a mock CommandRunner.
func newDockerWithRunner(bin string, logger *slog.Logger, runner CommandRunner) *Docker {
	d := NewDocker(bin, logger)
	d.runner = runner
	return d
}

// Launch starts a detached container and returns the container ID printed
// by `docker run -d`.
func (d *Docker) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	args := []string{"run", "-d"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}
	if spec.CPUCores > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUCores, 'f', -1, 64))
	}
	if spec.MemoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatUint(spec.MemoryBytes, 10)+"b")
	}
	if spec.GPUs > 0 {
		args = append(args, "--gpus", strconv.Itoa(spec.GPUs))
	}
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, exitCode, runErr := d.runner.Run(ctx, d.bin, args...)
	if runErr != nil {
		return "", fmt.Errorf("docker run: %w", runErr)
	}
	if exitCode != 0 {
		if isImageNotFound(stderr) {
			return "", fmt.Errorf("image %q: %w", spec.Image, ErrImageNotFound)
		}
		return "", fmt.Errorf("docker run exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	id := strings.TrimSpace(stdout)
	d.logger.Debug("container launched", "id", id, "image", spec.Image)
	return id, nil
}

// Inspect reads the container's running flag and exit code.
func (d *Docker) Inspect(ctx context.Context, id string) (Status, error) {
	stdout, stderr, exitCode, runErr := d.runner.Run(ctx, d.bin,
		"inspect", "-f", "{{.State.Running}} {{.State.ExitCode}}", id)
	if runErr != nil {
		return Status{}, fmt.Errorf("docker inspect: %w", runErr)
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return Status{}, ErrNotFound
		}
		return Status{}, fmt.Errorf("docker inspect exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}

	fields := strings.Fields(strings.TrimSpace(stdout))
	if len(fields) != 2 {
		return Status{}, fmt.Errorf("unexpected inspect output %q", stdout)
	}
	if fields[0] == "true" {
		return Status{State: StateRunning}, nil
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return Status{}, fmt.Errorf("parse exit code %q: %w", fields[1], err)
	}
	return Status{State: StateExited, ExitCode: code}, nil
}

// Kill force-removes the container. Removing a container that already
// exited is not an error; an unknown handle is ErrNotFound.
func (d *Docker) Kill(ctx context.Context, id string) error {
	_, stderr, exitCode, runErr := d.runner.Run(ctx, d.bin, "rm", "-f", id)
	if runErr != nil {
		return fmt.Errorf("docker rm: %w", runErr)
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return ErrNotFound
		}
		return fmt.Errorf("docker rm exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// Logs fetches stdout and stderr captured by the runtime.
func (d *Docker) Logs(ctx context.Context, id string) (string, string, error) {
	stdout, stderr, exitCode, runErr := d.runner.Run(ctx, d.bin, "logs", id)
	if runErr != nil {
		return "", "", fmt.Errorf("docker logs: %w", runErr)
	}
	if exitCode != 0 {
		if isNoSuchContainer(stderr) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("docker logs exited %d: %s", exitCode, strings.TrimSpace(stderr))
	}
	return stdout, stderr, nil
}

func isImageNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such image") ||
		strings.Contains(s, "manifest unknown") ||
		strings.Contains(s, "pull access denied") ||
		strings.Contains(s, "repository does not exist") ||
		strings.Contains(s, "not found: manifest")
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such object")
}
