package scheduler

import "context"

// Scheduler advances stage instances through their lifecycle, admits
// work against the resource ledger, and manages the run lifecycle.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error
}
