package scheduler

import (
	"context"

	"github.com/casni/casni/pkg/model"
)

// Recover reconstructs scheduler state from the store after a restart.
// Called once before the first tick.
//
// Instances persisted as ADMITTED without a container handle crashed
// between admission and launch; the attempt they charged never started,
// so it is handed back and the instance re-enters the frontier. Everything
// with a live container keeps its commitment: the ledger is rebuilt from
// those rows and the regular poll phase picks their status up again.
func (l *Loop) Recover(ctx context.Context) error {
	inFlight, err := l.store.ListInstancesByState(ctx,
		model.InstanceAdmitted, model.InstanceRunning)
	if err != nil {
		return err
	}

	var committed []*model.StageInstance
	for _, inst := range inFlight {
		if inst.State == model.InstanceAdmitted && inst.ContainerID == "" {
			inst.State = model.InstanceEligible
			if inst.Attempt > 0 {
				inst.Attempt--
			}
			if err := l.store.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			l.logger.Info("recovered unlaunched admission",
				"instance_id", inst.ID, "stage_id", inst.StageID)
			continue
		}
		committed = append(committed, inst)
	}

	l.ledger.Rebuild(committed)
	l.logger.Info("recovery complete",
		"in_flight", len(committed), "requeued", len(inFlight)-len(committed))
	return nil
}
