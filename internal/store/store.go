package store

import (
	"context"

	"github.com/casni/casni/pkg/model"
)

// Store is the durable single source of truth for pipelines, runs, and
// stage instances. Everything the scheduler holds in memory must be
// reconstructible from it.
type Store interface {
	// Pipeline CRUD
	CreatePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	GetPipelineByHash(ctx context.Context, hash string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context, opts model.ListOptions) ([]*model.Pipeline, int, error)
	DeletePipeline(ctx context.Context, id string) error

	// Run operations
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	UpdateRun(ctx context.Context, run *model.Run) error

	// RequestCancel marks a non-terminal run for cooperative
	// cancellation. Returns false if the run is already terminal.
	RequestCancel(ctx context.Context, runID string) (bool, error)
	ListCancelRequestedRuns(ctx context.Context) ([]*model.Run, error)

	// ListActiveRuns returns every run not yet in a terminal state.
	ListActiveRuns(ctx context.Context) ([]*model.Run, error)

	// Instance operations
	CreateInstance(ctx context.Context, inst *model.StageInstance) error
	GetInstance(ctx context.Context, id string) (*model.StageInstance, error)
	ListInstancesByRun(ctx context.Context, runID string) ([]*model.StageInstance, error)
	ListInstancesByState(ctx context.Context, states ...model.InstanceState) ([]*model.StageInstance, error)
	UpdateInstance(ctx context.Context, inst *model.StageInstance) error

	// CancelInstance transitions a non-terminal instance to CANCELLED.
	// A persisted SUCCEEDED/FAILED outcome is never overwritten; in that
	// case it returns false and no error.
	CancelInstance(ctx context.Context, id, reason string) (bool, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
