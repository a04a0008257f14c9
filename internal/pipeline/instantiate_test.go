package pipeline

import (
	"reflect"
	"testing"
	"time"

	"github.com/casni/casni/internal/storage"
	"github.com/casni/casni/pkg/model"
)

var testDataset = &model.DatasetDescriptor{
	Root: "/study",
	Units: []model.DatasetUnit{
		{Subject: "sub-01", Session: "ses-1"},
		{Subject: "sub-02", Session: "ses-1"},
	},
}

func fanoutPipeline() *model.Pipeline {
	return &model.Pipeline{
		ID:   "pl_test",
		Name: "anat",
		Stages: []model.StageSpec{
			{
				ID: "bet", Image: "casni/bet:1", PerUnit: true, Required: true,
				Command: []string{"bet", "{inputs.t1w}", "{outputs.brain}"},
				Inputs:  []string{"t1w"}, Outputs: []string{"brain"},
			},
			{
				ID: "stats", Image: "casni/stats:1", Required: true,
				Command:   []string{"stats", "{inputs.brain}"},
				DependsOn: []string{"bet"},
				Inputs:    []string{"brain"}, Outputs: []string{"report"},
			},
		},
	}
}

func TestInstantiateFanOut(t *testing.T) {
	res := storage.NewProjectLayout("/study")
	now := time.Now().UTC()

	instances, err := Instantiate(fanoutPipeline(), "run_1", testDataset, res, now)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	// 2 per-unit bet instances + 1 cohort stats instance.
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}

	bet1, bet2, stats := instances[0], instances[1], instances[2]

	if bet1.Unit == nil || bet1.Unit.Subject != "sub-01" {
		t.Errorf("bet1 unit = %+v", bet1.Unit)
	}
	if bet1.State != model.InstancePending {
		t.Errorf("bet1 state = %v", bet1.State)
	}
	if got := bet1.Inputs["t1w"]; got != "/study/data/sub-01/ses-1/t1w" {
		t.Errorf("bet1 input = %q", got)
	}
	if got := bet1.Outputs["brain"]; got != "/study/proc/bet/sub-01/ses-1/brain" {
		t.Errorf("bet1 output = %q", got)
	}
	wantCmd := []string{"bet", "/study/data/sub-01/ses-1/t1w", "/study/proc/bet/sub-01/ses-1/brain"}
	if !reflect.DeepEqual(bet1.Command, wantCmd) {
		t.Errorf("bet1 command = %v", bet1.Command)
	}

	// The cohort stage waits on every fanned-out producer instance.
	if len(stats.DependsOn) != 2 {
		t.Fatalf("stats depends_on = %v", stats.DependsOn)
	}
	wantDeps := map[string]bool{bet1.ID: true, bet2.ID: true}
	for _, d := range stats.DependsOn {
		if !wantDeps[d] {
			t.Errorf("unexpected dependency %q", d)
		}
	}
	// Cohort consumer of fanned-out outputs gets the producer's stage dir.
	if got := stats.Inputs["brain"]; got != "/study/proc/bet" {
		t.Errorf("stats input = %q", got)
	}

	// Per-unit instances depend only on their own unit's upstream.
	p := fanoutPipeline()
	p.Stages[1].PerUnit = true
	instances, err = Instantiate(p, "run_1", testDataset, res, now)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if len(instances) != 4 {
		t.Fatalf("expected 4 instances, got %d", len(instances))
	}
	stats1 := instances[2]
	if len(stats1.DependsOn) != 1 || stats1.DependsOn[0] != instances[0].ID {
		t.Errorf("per-unit stats1 depends_on = %v, want [%s]", stats1.DependsOn, instances[0].ID)
	}
	if got := stats1.Inputs["brain"]; got != "/study/proc/bet/sub-01/ses-1/brain" {
		t.Errorf("per-unit stats1 input = %q", got)
	}
}

// Identical (pipeline, dataset) pairs must yield identical instance sets,
// including IDs, across repeated calls.
func TestInstantiateDeterministic(t *testing.T) {
	res := storage.NewProjectLayout("/study")
	now := time.Now().UTC()

	a, err := Instantiate(fanoutPipeline(), "run_1", testDataset, res, now)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	b, err := Instantiate(fanoutPipeline(), "run_1", testDataset, res, now)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	if len(a) != len(b) {
		t.Fatalf("instance counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Errorf("instance %d ID differs: %s vs %s", i, a[i].ID, b[i].ID)
		}
		if !reflect.DeepEqual(a[i].Inputs, b[i].Inputs) {
			t.Errorf("instance %d inputs differ", i)
		}
		if !reflect.DeepEqual(a[i].Command, b[i].Command) {
			t.Errorf("instance %d command differs", i)
		}
		if !reflect.DeepEqual(a[i].DependsOn, b[i].DependsOn) {
			t.Errorf("instance %d depends_on differs", i)
		}
	}

	// A different run gets different instance IDs.
	c, err := Instantiate(fanoutPipeline(), "run_2", testDataset, res, now)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if c[0].ID == a[0].ID {
		t.Error("instance IDs should differ across runs")
	}
}

func TestInstantiatePerUnitNeedsUnits(t *testing.T) {
	res := storage.NewProjectLayout("/study")
	empty := &model.DatasetDescriptor{Root: "/study"}
	if _, err := Instantiate(fanoutPipeline(), "run_1", empty, res, time.Now()); err == nil {
		t.Error("per-unit stage with no units should fail")
	}
}

func TestInstantiateCopiesSpecFields(t *testing.T) {
	p := fanoutPipeline()
	p.Stages[0].Resources = model.ResourceRequest{CPUCores: 2, MemoryBytes: 1 << 30}
	p.Stages[0].Retry = model.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Second}
	p.Stages[0].Timeout = time.Hour

	res := storage.NewProjectLayout("/study")
	instances, err := Instantiate(p, "run_1", testDataset, res, time.Now().UTC())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	inst := instances[0]
	if inst.Resources.CPUCores != 2 || inst.Resources.MemoryBytes != 1<<30 {
		t.Errorf("resources not copied: %+v", inst.Resources)
	}
	if inst.Retry.MaxAttempts != 3 {
		t.Errorf("retry not copied: %+v", inst.Retry)
	}
	if inst.Timeout != time.Hour {
		t.Errorf("timeout not copied: %v", inst.Timeout)
	}
	if inst.Workspace != "/study" {
		t.Errorf("workspace = %q", inst.Workspace)
	}
	if !inst.Required {
		t.Error("required not copied")
	}
}
