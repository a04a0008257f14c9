package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/casni/casni/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func samplePipeline() *model.Pipeline {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Pipeline{
		ID:          "pl_test-1",
		Name:        "anat-preproc",
		Description: "Anatomical preprocessing",
		ContentHash: "deadbeef",
		RawYAML:     "name: anat-preproc\n",
		Stages: []model.StageSpec{
			{
				ID:       "convert",
				Image:    "casni/dcm2niix:1.0",
				Command:  []string{"dcm2niix", "-o", "out"},
				Outputs:  []string{"t1w"},
				PerUnit:  true,
				Required: true,
				Resources: model.ResourceRequest{
					CPUCores:    2,
					MemoryBytes: 4 << 30,
				},
				Retry: model.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second},
			},
		},
		CreatedAt: now,
	}
}

func sampleRun(pipelineID string) *model.Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Run{
		ID:           "run_test-1",
		PipelineID:   pipelineID,
		PipelineName: "anat-preproc",
		State:        model.RunPending,
		Dataset: model.DatasetDescriptor{
			Root: "/data/study01",
			Units: []model.DatasetUnit{
				{Subject: "sub-001", Session: "ses-01"},
			},
		},
		CreatedAt: now,
	}
}

func sampleInstance(runID string) *model.StageInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.StageInstance{
		ID:        "inst_test-1",
		RunID:     runID,
		StageID:   "convert",
		State:     model.InstancePending,
		Unit:      &model.DatasetUnit{Subject: "sub-001", Session: "ses-01"},
		SpecOrder: 0,
		UnitIndex: 0,
		DependsOn: []string{},
		Image:     "casni/dcm2niix:1.0",
		Command:   []string{"dcm2niix", "-o", "out"},
		Workspace: "/data/study01",
		Outputs:   map[string]string{"t1w": "proc/convert/sub-001/ses-01/t1w"},
		Resources: model.ResourceRequest{CPUCores: 2, MemoryBytes: 4 << 30},
		Retry:     model.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second},
		Timeout:   time.Hour,
		Required:  true,
		CreatedAt: now,
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrate a second time — should not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Pipeline CRUD tests ---

func TestCreateAndGetPipeline(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := samplePipeline()

	if err := st.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil pipeline")
	}
	if got.ID != p.ID {
		t.Errorf("id = %q, want %q", got.ID, p.ID)
	}
	if got.RawYAML != p.RawYAML {
		t.Errorf("raw yaml = %q, want %q", got.RawYAML, p.RawYAML)
	}
	if len(got.Stages) != 1 || got.Stages[0].ID != "convert" {
		t.Errorf("stages = %+v", got.Stages)
	}
	if got.Stages[0].Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", got.Stages[0].Retry.MaxAttempts)
	}
	if !got.CreatedAt.Equal(p.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, p.CreatedAt)
	}
}

func TestGetPipeline_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetPipeline(context.Background(), "pl_nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestGetPipelineByHash(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := samplePipeline()
	if err := st.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetPipelineByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got == nil || got.ID != p.ID {
		t.Fatalf("got %+v, want pipeline %s", got, p.ID)
	}

	missing, err := st.GetPipelineByHash(ctx, "cafef00d")
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown hash, got %+v", missing)
	}
}

func TestCreatePipeline_DuplicateHash(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreatePipeline(ctx, samplePipeline()); err != nil {
		t.Fatalf("create: %v", err)
	}

	dup := samplePipeline()
	dup.ID = "pl_test-2"
	if err := st.CreatePipeline(ctx, dup); err == nil {
		t.Error("expected unique constraint error for duplicate content hash")
	}
}

func TestListPipelines(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := samplePipeline()
		p.ID = fmt.Sprintf("pl_test-%d", i)
		p.ContentHash = fmt.Sprintf("hash-%d", i)
		p.CreatedAt = p.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := st.CreatePipeline(ctx, p); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	pipelines, total, err := st.ListPipelines(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(pipelines) != 2 {
		t.Errorf("len = %d, want 2", len(pipelines))
	}
	// Newest first.
	if pipelines[0].ID != "pl_test-2" {
		t.Errorf("first = %s, want pl_test-2", pipelines[0].ID)
	}
}

func TestDeletePipeline(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	p := samplePipeline()
	if err := st.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.DeletePipeline(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeletePipeline(ctx, p.ID); err == nil {
		t.Error("expected error deleting missing pipeline")
	}
}

// --- Run tests ---

func TestCreateAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("pl_test-1")

	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil run")
	}
	if got.State != model.RunPending {
		t.Errorf("state = %s, want PENDING", got.State)
	}
	if got.Dataset.Root != "/data/study01" {
		t.Errorf("dataset root = %q", got.Dataset.Root)
	}
	if len(got.Dataset.Units) != 1 || got.Dataset.Units[0].Subject != "sub-001" {
		t.Errorf("units = %+v", got.Dataset.Units)
	}
	if got.CancelRequested {
		t.Error("cancel_requested should default to false")
	}
}

func TestGetRun_LoadsInstances(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("pl_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	inst := sampleInstance(run.ID)
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(got.Instances))
	}
	if got.Instances[0].ID != inst.ID {
		t.Errorf("instance id = %s, want %s", got.Instances[0].ID, inst.ID)
	}
	if got.InstanceSummary.Total != 1 || got.InstanceSummary.Pending != 1 {
		t.Errorf("summary = %+v", got.InstanceSummary)
	}
}

func TestUpdateRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("pl_test-1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	run.State = model.RunSucceeded
	run.CompletedAt = &now
	if err := st.UpdateRun(ctx, run); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.RunSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", got.State)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, now)
	}
}

func TestUpdateRun_NotFound(t *testing.T) {
	st := testStore(t)
	run := sampleRun("pl_test-1")
	if err := st.UpdateRun(context.Background(), run); err == nil {
		t.Error("expected error updating missing run")
	}
}

func TestRequestCancel(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("pl_test-1")
	run.State = model.RunRunning
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := st.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if !applied {
		t.Error("expected cancel to apply to a running run")
	}

	flagged, err := st.ListCancelRequestedRuns(ctx)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flagged) != 1 || flagged[0].ID != run.ID {
		t.Errorf("flagged = %+v", flagged)
	}
}

func TestRequestCancel_TerminalRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	run := sampleRun("pl_test-1")
	run.State = model.RunSucceeded
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := st.RequestCancel(ctx, run.ID)
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if applied {
		t.Error("cancel must not apply to a terminal run")
	}
}

func TestListActiveRuns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	states := []model.RunState{
		model.RunPending, model.RunRunning,
		model.RunSucceeded, model.RunFailed, model.RunCancelled,
	}
	for i, state := range states {
		run := sampleRun("pl_test-1")
		run.ID = fmt.Sprintf("run_test-%d", i)
		run.State = state
		run.CreatedAt = run.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatalf("create %s: %v", run.ID, err)
		}
	}

	active, err := st.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d runs, want 2: %+v", len(active), active)
	}
	// Oldest first: PENDING was created before RUNNING.
	if active[0].State != model.RunPending || active[1].State != model.RunRunning {
		t.Errorf("states = %s, %s", active[0].State, active[1].State)
	}
}

func TestRequestCancel_NotFound(t *testing.T) {
	st := testStore(t)
	if _, err := st.RequestCancel(context.Background(), "run_nope"); err == nil {
		t.Error("expected error for missing run")
	}
}

// --- Instance tests ---

func TestCreateAndGetInstance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	inst := sampleInstance("run_test-1")

	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil instance")
	}
	if got.State != model.InstancePending {
		t.Errorf("state = %s, want PENDING", got.State)
	}
	if got.Unit == nil || got.Unit.Subject != "sub-001" || got.Unit.Session != "ses-01" {
		t.Errorf("unit = %+v", got.Unit)
	}
	if got.Resources.MemoryBytes != 4<<30 {
		t.Errorf("memory = %d", got.Resources.MemoryBytes)
	}
	if got.Timeout != time.Hour {
		t.Errorf("timeout = %v, want 1h", got.Timeout)
	}
	if !got.Required {
		t.Error("required flag lost")
	}
	if got.Outputs["t1w"] != "proc/convert/sub-001/ses-01/t1w" {
		t.Errorf("outputs = %+v", got.Outputs)
	}
}

func TestCreateInstance_CohortUnit(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	inst := sampleInstance("run_test-1")
	inst.ID = "inst_cohort"
	inst.Unit = nil

	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Unit != nil {
		t.Errorf("cohort instance unit = %+v, want nil", got.Unit)
	}
}

func TestUpdateInstance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	inst := sampleInstance("run_test-1")
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	exitCode := 1
	inst.State = model.InstanceRetrying
	inst.Attempt = 1
	next := now.Add(2 * time.Second)
	inst.NextAttemptAt = &next
	inst.ContainerID = "abc123"
	inst.ExitCode = &exitCode
	inst.Reason = "exit code 1"
	inst.StartedAt = &now
	if err := st.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := st.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.InstanceRetrying {
		t.Errorf("state = %s, want RETRYING", got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
		t.Errorf("next_attempt_at = %v, want %v", got.NextAttemptAt, next)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("exit code = %v, want 1", got.ExitCode)
	}
	if got.Reason != "exit code 1" {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestListInstancesByRun_Ordered(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	// Insert out of order; listing must come back in (spec_order, unit_index).
	for _, spec := range []struct {
		id        string
		specOrder int
		unitIndex int
	}{
		{"inst_b1", 1, 1},
		{"inst_a0", 0, 0},
		{"inst_b0", 1, 0},
		{"inst_a1", 0, 1},
	} {
		inst := sampleInstance("run_test-1")
		inst.ID = spec.id
		inst.SpecOrder = spec.specOrder
		inst.UnitIndex = spec.unitIndex
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("create %s: %v", spec.id, err)
		}
	}

	instances, err := st.ListInstancesByRun(ctx, "run_test-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"inst_a0", "inst_a1", "inst_b0", "inst_b1"}
	if len(instances) != len(want) {
		t.Fatalf("len = %d, want %d", len(instances), len(want))
	}
	for i, id := range want {
		if instances[i].ID != id {
			t.Errorf("instances[%d] = %s, want %s", i, instances[i].ID, id)
		}
	}
}

func TestListInstancesByState(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	states := []model.InstanceState{
		model.InstancePending, model.InstanceRunning, model.InstanceRetrying,
	}
	for i, state := range states {
		inst := sampleInstance("run_test-1")
		inst.ID = fmt.Sprintf("inst_test-%d", i)
		inst.State = state
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	got, err := st.ListInstancesByState(ctx, model.InstanceRunning, model.InstanceRetrying)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, in := range got {
		if in.State != model.InstanceRunning && in.State != model.InstanceRetrying {
			t.Errorf("unexpected state %s", in.State)
		}
	}
}

func TestCancelInstance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	inst := sampleInstance("run_test-1")
	if err := st.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied, err := st.CancelInstance(ctx, inst.ID, "upstream convert failed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !applied {
		t.Error("expected cancel to apply to a pending instance")
	}

	got, err := st.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.InstanceCancelled {
		t.Errorf("state = %s, want CANCELLED", got.State)
	}
	if got.Reason != "upstream convert failed" {
		t.Errorf("reason = %q", got.Reason)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestCancelInstance_TerminalSticky(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, state := range []model.InstanceState{
		model.InstanceSucceeded, model.InstanceFailed, model.InstanceCancelled,
	} {
		inst := sampleInstance("run_test-1")
		inst.ID = "inst_" + string(state)
		inst.State = state
		inst.Reason = "original outcome"
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("create: %v", err)
		}

		applied, err := st.CancelInstance(ctx, inst.ID, "late cancel")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if applied {
			t.Errorf("cancel must not overwrite %s", state)
		}

		got, err := st.GetInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != state {
			t.Errorf("state = %s, want %s preserved", got.State, state)
		}
		if got.Reason != "original outcome" {
			t.Errorf("reason overwritten: %q", got.Reason)
		}
	}
}
