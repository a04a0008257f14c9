package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

// mockRunner records invocations and returns canned results.
type mockRunner struct {
	calls    [][]string
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, append([]string{name}, args...))
	return m.stdout, m.stderr, m.exitCode, m.err
}

func testDocker(m *mockRunner) *Docker {
	return newDockerWithRunner("docker", slog.New(slog.NewTextHandler(io.Discard, nil)), m)
}

func TestLaunchArgs(t *testing.T) {
	m := &mockRunner{stdout: "abc123\n"}
	d := testDocker(m)

	id, err := d.Launch(context.Background(), LaunchSpec{
		Name:        "casni-inst-1",
		Image:       "casni/bet:1.0",
		Command:     []string{"bet", "/study/data/sub-01/t1w", "/study/proc/bet/sub-01/brain"},
		Mounts:      []Mount{{Source: "/study", Target: "/study"}},
		WorkDir:     "/study",
		CPUCores:    2,
		MemoryBytes: 1 << 30,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if id != "abc123" {
		t.Errorf("id = %q", id)
	}

	if len(m.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(m.calls))
	}
	argv := strings.Join(m.calls[0], " ")
	for _, want := range []string{
		"docker run -d",
		"--name casni-inst-1",
		"--cpus 2",
		"--memory 1073741824b",
		"-v /study:/study",
		"-w /study",
		"casni/bet:1.0 bet",
	} {
		if !strings.Contains(argv, want) {
			t.Errorf("argv missing %q: %s", want, argv)
		}
	}
	if strings.Contains(argv, "--gpus") {
		t.Errorf("argv has --gpus without a gpu request: %s", argv)
	}
}

func TestLaunchImageNotFound(t *testing.T) {
	m := &mockRunner{stderr: "Unable to find image: pull access denied for casni/missing", exitCode: 125}
	d := testDocker(m)

	_, err := d.Launch(context.Background(), LaunchSpec{Image: "casni/missing", Command: []string{"true"}})
	if !errors.Is(err, ErrImageNotFound) {
		t.Errorf("err = %v, want ErrImageNotFound", err)
	}
}

func TestInspect(t *testing.T) {
	cases := []struct {
		name     string
		stdout   string
		stderr   string
		exitCode int
		want     Status
		wantErr  error
	}{
		{"running", "true 0\n", "", 0, Status{State: StateRunning}, nil},
		{"exited ok", "false 0\n", "", 0, Status{State: StateExited, ExitCode: 0}, nil},
		{"exited fail", "false 137\n", "", 0, Status{State: StateExited, ExitCode: 137}, nil},
		{"gone", "", "Error: No such object: abc", 1, Status{}, ErrNotFound},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := testDocker(&mockRunner{stdout: c.stdout, stderr: c.stderr, exitCode: c.exitCode})
			got, err := d.Inspect(context.Background(), "abc")
			if c.wantErr != nil {
				if !errors.Is(err, c.wantErr) {
					t.Fatalf("err = %v, want %v", err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if got != c.want {
				t.Errorf("Inspect = %+v, want %+v", got, c.want)
			}
		})
	}
}

func TestKillNotFound(t *testing.T) {
	d := testDocker(&mockRunner{stderr: "Error response from daemon: No such container: abc", exitCode: 1})
	if err := d.Kill(context.Background(), "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
