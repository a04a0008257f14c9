package resolver

import (
	"testing"
	"time"

	"github.com/casni/casni/pkg/model"
)

func inst(id string, state model.InstanceState, specOrder, unitIndex int, deps ...string) *model.StageInstance {
	return &model.StageInstance{
		ID: id, StageID: id, State: state,
		SpecOrder: specOrder, UnitIndex: unitIndex, DependsOn: deps,
	}
}

func TestEligibleNoDeps(t *testing.T) {
	instances := []*model.StageInstance{
		inst("a", model.InstancePending, 0, 0),
		inst("b", model.InstancePending, 1, 0, "a"),
	}
	got := Eligible(instances, time.Now())
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("Eligible = %v", ids(got))
	}
}

func TestEligibleAfterUpstreamSuccess(t *testing.T) {
	instances := []*model.StageInstance{
		inst("a", model.InstanceSucceeded, 0, 0),
		inst("b", model.InstancePending, 1, 0, "a"),
		inst("c", model.InstancePending, 2, 0, "a", "b"),
	}
	got := Eligible(instances, time.Now())
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("Eligible = %v", ids(got))
	}
}

func TestEligibleDeterministicOrder(t *testing.T) {
	instances := []*model.StageInstance{
		inst("b-1", model.InstancePending, 1, 1),
		inst("a-0", model.InstancePending, 0, 0),
		inst("b-0", model.InstancePending, 1, 0),
		inst("a-1", model.InstancePending, 0, 1),
	}
	got := Eligible(instances, time.Now())
	want := []string{"a-0", "a-1", "b-0", "b-1"}
	if g := ids(got); !equal(g, want) {
		t.Fatalf("order = %v, want %v", g, want)
	}
}

func TestEligibleRetryBackoff(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)

	due := inst("due", model.InstanceRetrying, 0, 0)
	due.NextAttemptAt = &past
	waiting := inst("waiting", model.InstanceRetrying, 1, 0)
	waiting.NextAttemptAt = &future

	got := Eligible([]*model.StageInstance{due, waiting}, time.Now())
	if g := ids(got); !equal(g, []string{"due"}) {
		t.Fatalf("Eligible = %v", g)
	}
}

func TestEligibleExcludesBlocked(t *testing.T) {
	instances := []*model.StageInstance{
		inst("a", model.InstanceFailed, 0, 0),
		inst("b", model.InstancePending, 1, 0, "a"),
	}
	if got := Eligible(instances, time.Now()); len(got) != 0 {
		t.Fatalf("Eligible = %v, want empty", ids(got))
	}
}

func TestCancellationsCascade(t *testing.T) {
	instances := []*model.StageInstance{
		inst("a", model.InstanceFailed, 0, 0),
		inst("b", model.InstancePending, 1, 0, "a"),
		inst("c", model.InstancePending, 2, 0, "b"),
	}
	got := Cancellations(instances)
	if len(got) != 1 || got[0].Instance.ID != "b" || got[0].Upstream.ID != "a" {
		t.Fatalf("Cancellations = %+v", got)
	}

	// After b is cancelled, the next derivation reaches c: the cascade
	// propagates one state application at a time and is idempotent.
	instances[1].State = model.InstanceCancelled
	got = Cancellations(instances)
	if len(got) != 1 || got[0].Instance.ID != "c" || got[0].Upstream.ID != "b" {
		t.Fatalf("second derivation = %+v", got)
	}

	instances[2].State = model.InstanceCancelled
	if got = Cancellations(instances); len(got) != 0 {
		t.Fatalf("cascade should be exhausted, got %+v", got)
	}
}

func TestCancellationsSpareRunningWork(t *testing.T) {
	// An optional sibling failed, but this instance already started; its
	// inputs were complete, so it keeps running.
	instances := []*model.StageInstance{
		inst("a", model.InstanceFailed, 0, 0),
		inst("b", model.InstanceRunning, 1, 0, "a"),
	}
	if got := Cancellations(instances); len(got) != 0 {
		t.Fatalf("Cancellations = %+v, want empty", got)
	}
}

func ids(instances []*model.StageInstance) []string {
	out := make([]string, len(instances))
	for i, in := range instances {
		out[i] = in.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
