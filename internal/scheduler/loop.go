package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casni/casni/internal/executor"
	"github.com/casni/casni/internal/ledger"
	"github.com/casni/casni/internal/resolver"
	"github.com/casni/casni/internal/runtime"
	"github.com/casni/casni/internal/store"
	"github.com/casni/casni/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second}
}

// Loop implements the Scheduler interface with a polling-based scheduling
// loop. One tick is a full pass over the active instances: observe
// container status, derive cascades, advance the frontier, admit and
// launch. All mutation happens on the tick goroutine; the loop never
// blocks on a container.
type Loop struct {
	store  store.Store
	exec   *executor.Executor
	ledger *ledger.Ledger
	config Config
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, exec *executor.Executor, led *ledger.Ledger, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		store:  st,
		exec:   exec,
		ledger: led,
		config: cfg,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs a single scheduling iteration. Every phase reads fresh state
// from the store, so an aborted tick (persistence failure) simply repeats
// its remaining work next time rather than diverging from durable truth.
func (l *Loop) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	// Phase 1: Apply run-level cancellation requests.
	if err := l.cancelRequestedRuns(ctx, now); err != nil {
		return fmt.Errorf("phase 1 (cancel): %w", err)
	}

	// Phase 2: Cascade upstream failures onto waiting dependents.
	if err := l.cascadeFailures(ctx); err != nil {
		return fmt.Errorf("phase 2 (cascade): %w", err)
	}

	// Phase 3: Advance PENDING and due RETRYING instances to ELIGIBLE.
	if err := l.advanceFrontier(ctx, now); err != nil {
		return fmt.Errorf("phase 3 (frontier): %w", err)
	}

	// Phase 4: Admit ELIGIBLE instances against the ledger and launch.
	if err := l.admitAndLaunch(ctx, now); err != nil {
		return fmt.Errorf("phase 4 (admit): %w", err)
	}

	// Phase 5: Observe RUNNING containers and record outcomes.
	if err := l.pollRunning(ctx, now); err != nil {
		return fmt.Errorf("phase 5 (poll): %w", err)
	}

	// Phase 6: Finalize runs whose instances are all terminal.
	if err := l.finalizeRuns(ctx); err != nil {
		return fmt.Errorf("phase 6 (finalize): %w", err)
	}

	return nil
}

// cancelRequestedRuns stops all work for runs flagged by RequestCancel.
// Running containers are killed, their commitments released, and every
// non-terminal instance is cancelled. Instances that already reached an
// outcome keep it.
func (l *Loop) cancelRequestedRuns(ctx context.Context, now time.Time) error {
	runs, err := l.store.ListCancelRequestedRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		instances, err := l.store.ListInstancesByRun(ctx, run.ID)
		if err != nil {
			l.logger.Error("list instances for cancel", "run_id", run.ID, "error", err)
			continue
		}

		incomplete := false
		for _, inst := range instances {
			if inst.State.IsTerminal() {
				continue
			}
			if inst.ContainerID != "" {
				if err := l.exec.Kill(ctx, inst); err != nil {
					l.logger.Error("kill container", "instance_id", inst.ID, "error", err)
				}
			}
			l.ledger.Release(inst.ID)
			if _, err := l.store.CancelInstance(ctx, inst.ID, "run cancelled"); err != nil {
				l.logger.Error("cancel instance", "instance_id", inst.ID, "error", err)
				incomplete = true
			}
		}
		// The run stays flagged and is retried next tick; marking it
		// terminal now would orphan the uncancelled instances.
		if incomplete {
			continue
		}

		run.State = model.RunCancelled
		completedAt := now
		run.CompletedAt = &completedAt
		if err := l.store.UpdateRun(ctx, run); err != nil {
			l.logger.Error("finalize cancelled run", "run_id", run.ID, "error", err)
			continue
		}
		l.logger.Info("run cancelled", "run_id", run.ID)
	}

	return nil
}

// cascadeFailures cancels waiting instances whose upstream failed or was
// cancelled. The cascade is derived from stored state, so repeating it on
// every tick converges rather than double-counting.
func (l *Loop) cascadeFailures(ctx context.Context) error {
	waiting, err := l.store.ListInstancesByState(ctx,
		model.InstancePending, model.InstanceEligible, model.InstanceRetrying)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	for runID := range groupByRun(waiting) {
		all, err := l.store.ListInstancesByRun(ctx, runID)
		if err != nil {
			l.logger.Error("list instances for cascade", "run_id", runID, "error", err)
			continue
		}

		for _, c := range resolver.Cancellations(all) {
			reason := fmt.Sprintf("upstream stage %s %s", c.Upstream.StageID, lower(c.Upstream.State))
			l.ledger.Release(c.Instance.ID)
			applied, err := l.store.CancelInstance(ctx, c.Instance.ID, reason)
			if err != nil {
				l.logger.Error("cascade cancel", "instance_id", c.Instance.ID, "error", err)
				continue
			}
			if applied {
				l.logger.Info("instance cancelled (upstream)",
					"instance_id", c.Instance.ID, "stage_id", c.Instance.StageID,
					"upstream", c.Upstream.StageID)
			}
		}
	}

	return nil
}

// advanceFrontier promotes PENDING instances with satisfied dependencies
// and RETRYING instances past their backoff deadline to ELIGIBLE.
func (l *Loop) advanceFrontier(ctx context.Context, now time.Time) error {
	waiting, err := l.store.ListInstancesByState(ctx,
		model.InstancePending, model.InstanceRetrying)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	for runID := range groupByRun(waiting) {
		all, err := l.store.ListInstancesByRun(ctx, runID)
		if err != nil {
			l.logger.Error("list instances for frontier", "run_id", runID, "error", err)
			continue
		}

		for _, inst := range resolver.Eligible(all, now) {
			inst.State = model.InstanceEligible
			inst.NextAttemptAt = nil
			inst.Reason = ""
			inst.ExitCode = nil
			inst.ContainerID = ""
			if err := l.store.UpdateInstance(ctx, inst); err != nil {
				l.logger.Error("mark eligible", "instance_id", inst.ID, "error", err)
				continue
			}
			l.logger.Debug("instance eligible", "instance_id", inst.ID, "stage_id", inst.StageID)
		}
	}

	return nil
}

// admitAndLaunch walks the eligible frontier in deterministic order,
// admits each instance against the ledger, and launches its container.
// Denied admission is backpressure: the instance stays ELIGIBLE and is
// reconsidered next tick.
func (l *Loop) admitAndLaunch(ctx context.Context, now time.Time) error {
	eligible, err := l.store.ListInstancesByState(ctx, model.InstanceEligible)
	if err != nil {
		return err
	}

	for _, inst := range eligible {
		if err := l.ledger.TryAdmit(inst.ID, inst.Resources); err != nil {
			var denied *ledger.DeniedError
			if errors.As(err, &denied) {
				l.logger.Debug("admission denied",
					"instance_id", inst.ID, "stage_id", inst.StageID, "dimension", denied.Dimension)
				continue
			}
			return err
		}

		// Persist the admission (and the consumed attempt) before the
		// container exists so a crash between the two is recoverable.
		inst.State = model.InstanceAdmitted
		inst.Attempt++
		if err := l.store.UpdateInstance(ctx, inst); err != nil {
			l.ledger.Release(inst.ID)
			l.logger.Error("mark admitted", "instance_id", inst.ID, "error", err)
			continue
		}

		containerID, launchErr := l.exec.Launch(ctx, inst)
		if launchErr != nil {
			if errors.Is(launchErr, runtime.ErrImageNotFound) {
				// The image reference is broken; burning retries on it
				// surfaces the failure instead of spinning forever.
				if err := l.failAttempt(ctx, inst, fmt.Sprintf("image %s not found", inst.Image), now); err != nil {
					return err
				}
				continue
			}
			// Transient launch failure: hand the attempt back and let the
			// instance re-enter contention.
			inst.State = model.InstanceEligible
			inst.Attempt--
			l.ledger.Release(inst.ID)
			if err := l.store.UpdateInstance(ctx, inst); err != nil {
				l.logger.Error("revert admission", "instance_id", inst.ID, "error", err)
			}
			l.logger.Error("launch failed", "instance_id", inst.ID, "error", launchErr)
			continue
		}

		startedAt := now
		inst.State = model.InstanceRunning
		inst.ContainerID = containerID
		inst.StartedAt = &startedAt
		if err := l.store.UpdateInstance(ctx, inst); err != nil {
			l.logger.Error("mark running", "instance_id", inst.ID, "error", err)
			continue
		}
		l.logger.Info("instance running",
			"instance_id", inst.ID, "stage_id", inst.StageID,
			"attempt", inst.Attempt, "container_id", containerID)
	}

	return nil
}

// pollRunning takes a status snapshot of every RUNNING container and
// records exits, timeouts, and lost handles. Outcomes are persisted
// before the container is removed: losing the container after a recorded
// exit costs nothing, losing a recorded exit would fail the attempt.
func (l *Loop) pollRunning(ctx context.Context, now time.Time) error {
	running, err := l.store.ListInstancesByState(ctx, model.InstanceRunning)
	if err != nil {
		return err
	}

	for _, inst := range running {
		status, err := l.exec.Poll(ctx, inst)
		if err != nil {
			if errors.Is(err, runtime.ErrNotFound) {
				// The runtime forgot the container (pruned, host reboot).
				// Treat it as a failed attempt rather than waiting forever.
				if err := l.failAttempt(ctx, inst, "container handle lost", now); err != nil {
					return err
				}
				continue
			}
			l.logger.Error("poll container", "instance_id", inst.ID, "error", err)
			continue
		}

		if status.State == runtime.StateRunning {
			if inst.Timeout > 0 && inst.StartedAt != nil && now.Sub(*inst.StartedAt) > inst.Timeout {
				if err := l.exec.Kill(ctx, inst); err != nil {
					l.logger.Error("kill timed-out container", "instance_id", inst.ID, "error", err)
				}
				if err := l.failAttempt(ctx, inst, fmt.Sprintf("timed out after %s", inst.Timeout), now); err != nil {
					return err
				}
			}
			continue
		}

		// Exited: capture logs and record the outcome, then remove the
		// container.
		stdout, stderr, logsErr := l.exec.Logs(ctx, inst)
		if logsErr != nil {
			l.logger.Error("collect logs", "instance_id", inst.ID, "error", logsErr)
		}
		inst.Stdout = stdout
		inst.Stderr = stderr
		exitCode := status.ExitCode
		inst.ExitCode = &exitCode

		if exitCode == 0 {
			completedAt := now
			inst.State = model.InstanceSucceeded
			inst.CompletedAt = &completedAt
			if err := l.store.UpdateInstance(ctx, inst); err != nil {
				return fmt.Errorf("mark succeeded %s: %w", inst.ID, err)
			}
			l.ledger.Release(inst.ID)
			if err := l.exec.Kill(ctx, inst); err != nil {
				l.logger.Error("remove exited container", "instance_id", inst.ID, "error", err)
			}
			l.logger.Info("instance succeeded",
				"instance_id", inst.ID, "stage_id", inst.StageID, "attempt", inst.Attempt)
			continue
		}

		if err := l.failAttempt(ctx, inst, fmt.Sprintf("exit code %d", exitCode), now); err != nil {
			return err
		}
		if err := l.exec.Kill(ctx, inst); err != nil {
			l.logger.Error("remove exited container", "instance_id", inst.ID, "error", err)
		}
	}

	return nil
}

// failAttempt records a failed attempt: the instance either enters
// backoff or, with attempts exhausted, fails for good. The commitment is
// released only after the new state is durable; a persistence error
// aborts the tick so the attempt is re-derived rather than lost.
func (l *Loop) failAttempt(ctx context.Context, inst *model.StageInstance, reason string, now time.Time) error {
	inst.Reason = reason

	if inst.AttemptsExhausted() {
		completedAt := now
		inst.State = model.InstanceFailed
		inst.CompletedAt = &completedAt
		if err := l.store.UpdateInstance(ctx, inst); err != nil {
			return fmt.Errorf("mark failed %s: %w", inst.ID, err)
		}
		l.ledger.Release(inst.ID)
		l.logger.Info("instance failed",
			"instance_id", inst.ID, "stage_id", inst.StageID,
			"attempt", inst.Attempt, "reason", reason)
		return nil
	}

	next := now.Add(inst.Retry.Delay(inst.Attempt))
	inst.State = model.InstanceRetrying
	inst.NextAttemptAt = &next
	if err := l.store.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("mark retrying %s: %w", inst.ID, err)
	}
	l.ledger.Release(inst.ID)
	l.logger.Info("instance retrying",
		"instance_id", inst.ID, "stage_id", inst.StageID,
		"attempt", inst.Attempt, "next_attempt_at", next, "reason", reason)
	return nil
}

// finalizeRuns updates run state from instance states. Every non-terminal
// run is swept, not just those touched this tick, so a run whose final
// instance transition was persisted before a crash still converges.
func (l *Loop) finalizeRuns(ctx context.Context) error {
	runs, err := l.store.ListActiveRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		instances, err := l.store.ListInstancesByRun(ctx, run.ID)
		if err != nil {
			l.logger.Error("list instances for finalize", "run_id", run.ID, "error", err)
			continue
		}
		if len(instances) == 0 {
			continue
		}

		allTerminal := true
		anyActive := false
		requiredFailed := false

		for _, inst := range instances {
			if !inst.State.IsTerminal() {
				allTerminal = false
				if inst.State != model.InstancePending {
					anyActive = true
				}
				continue
			}
			if inst.Required && inst.State != model.InstanceSucceeded {
				requiredFailed = true
			}
		}

		if allTerminal {
			if requiredFailed {
				run.State = model.RunFailed
			} else {
				run.State = model.RunSucceeded
			}
			now := time.Now().UTC()
			run.CompletedAt = &now
			if err := l.store.UpdateRun(ctx, run); err != nil {
				l.logger.Error("finalize run", "run_id", run.ID, "error", err)
			} else {
				l.logger.Info("run finalized", "run_id", run.ID, "state", run.State)
			}
		} else if anyActive && run.State == model.RunPending {
			run.State = model.RunRunning
			if err := l.store.UpdateRun(ctx, run); err != nil {
				l.logger.Error("activate run", "run_id", run.ID, "error", err)
			} else {
				l.logger.Info("run running", "run_id", run.ID)
			}
		}
	}

	return nil
}

// groupByRun organizes instances into a map keyed by RunID.
func groupByRun(instances []*model.StageInstance) map[string][]*model.StageInstance {
	m := make(map[string][]*model.StageInstance)
	for _, in := range instances {
		m[in.RunID] = append(m[in.RunID], in)
	}
	return m
}

func lower(s model.InstanceState) string {
	switch s {
	case model.InstanceFailed:
		return "failed"
	case model.InstanceCancelled:
		return "cancelled"
	}
	return string(s)
}
