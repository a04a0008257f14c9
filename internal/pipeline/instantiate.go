package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casni/casni/internal/storage"
	"github.com/casni/casni/pkg/model"
)

// Instantiate expands a pipeline definition into the full set of stage
// instances for one run. Per-unit stages fan out into one instance per
// dataset unit; all other stages get exactly one instance. All instances
// start PENDING.
//
// Instantiation is deterministic: instance IDs are derived (UUIDv5) from
// the run, stage, and unit, artifact paths come from the pure storage
// resolver, and ordering follows (stage declaration order, unit order).
// Re-instantiating the same (pipeline, dataset) pair therefore yields the
// same instance set.
func Instantiate(p *model.Pipeline, runID string, ds *model.DatasetDescriptor, res storage.Resolver, now time.Time) ([]*model.StageInstance, error) {
	// producers maps artifact name -> producing stage, scoped per consumer
	// below to the consumer's declared upstream edges.
	outputsOf := make(map[string]map[string]bool, len(p.Stages))
	specByID := make(map[string]*model.StageSpec, len(p.Stages))
	for i := range p.Stages {
		s := &p.Stages[i]
		specByID[s.ID] = s
		set := make(map[string]bool, len(s.Outputs))
		for _, out := range s.Outputs {
			set[out] = true
		}
		outputsOf[s.ID] = set
	}

	// First pass: create instances and index them by (stage, unit key).
	instancesOf := make(map[string][]*model.StageInstance, len(p.Stages))
	byStageUnit := make(map[string]*model.StageInstance)
	var all []*model.StageInstance

	for order := range p.Stages {
		spec := &p.Stages[order]

		if spec.PerUnit {
			if len(ds.Units) == 0 {
				return nil, fmt.Errorf("stage %q is per-unit but the dataset declares no units", spec.ID)
			}
			for ui, unit := range ds.Units {
				u := unit
				inst := newInstance(p, spec, runID, ds, &u, order, ui, now)
				instancesOf[spec.ID] = append(instancesOf[spec.ID], inst)
				byStageUnit[spec.ID+"\x00"+u.Key()] = inst
				all = append(all, inst)
			}
		} else {
			inst := newInstance(p, spec, runID, ds, nil, order, 0, now)
			instancesOf[spec.ID] = append(instancesOf[spec.ID], inst)
			byStageUnit[spec.ID+"\x00"] = inst
			all = append(all, inst)
		}
	}

	// Second pass: wire instance-level dependencies and resolve artifacts.
	for _, inst := range all {
		spec := specByID[inst.StageID]

		for _, dep := range spec.DependsOn {
			depSpec := specByID[dep]
			switch {
			case spec.PerUnit && depSpec.PerUnit:
				// Same-unit edge only.
				up := byStageUnit[dep+"\x00"+inst.Unit.Key()]
				inst.DependsOn = append(inst.DependsOn, up.ID)
			case !depSpec.PerUnit:
				up := byStageUnit[dep+"\x00"]
				inst.DependsOn = append(inst.DependsOn, up.ID)
			default:
				// Cohort-level consumer of a fanned-out producer waits on
				// every unit's instance.
				for _, up := range instancesOf[dep] {
					inst.DependsOn = append(inst.DependsOn, up.ID)
				}
			}
		}

		if err := resolveArtifacts(inst, spec, specByID, outputsOf, res); err != nil {
			return nil, err
		}
		inst.Command = expandCommand(spec.Command, inst)
	}

	return all, nil
}

// newInstance builds a PENDING instance with all spec fields copied.
func newInstance(p *model.Pipeline, spec *model.StageSpec, runID string, ds *model.DatasetDescriptor, unit *model.DatasetUnit, order, unitIndex int, now time.Time) *model.StageInstance {
	key := runID + "/" + spec.ID
	if unit != nil {
		key += "/" + unit.Key()
	}
	return &model.StageInstance{
		ID:        "inst_" + uuid.NewSHA1(uuid.NameSpaceURL, []byte("casni:"+key)).String(),
		RunID:     runID,
		StageID:   spec.ID,
		State:     model.InstancePending,
		Unit:      unit,
		SpecOrder: order,
		UnitIndex: unitIndex,
		Image:     spec.Image,
		Workspace: ds.Root,
		Resources: spec.Resources,
		Retry:     spec.Retry,
		Timeout:   spec.Timeout,
		Required:  spec.Required,
		CreatedAt: now,
	}
}

// resolveArtifacts fills Inputs and Outputs with concrete paths. An input
// produced by an upstream stage resolves into that stage's derived
// location; anything else is source data.
func resolveArtifacts(inst *model.StageInstance, spec *model.StageSpec, specByID map[string]*model.StageSpec, outputsOf map[string]map[string]bool, res storage.Resolver) error {
	inst.Inputs = make(map[string]string, len(spec.Inputs))
	inst.Outputs = make(map[string]string, len(spec.Outputs))

	for _, name := range spec.Inputs {
		producer := ""
		for _, dep := range spec.DependsOn {
			if outputsOf[dep][name] {
				producer = dep
				break
			}
		}
		switch {
		case producer == "":
			inst.Inputs[name] = res.Raw(name, inst.Unit)
		case specByID[producer].PerUnit && inst.Unit == nil:
			// Cohort stage consuming fanned-out outputs gets the
			// producer's stage directory.
			inst.Inputs[name] = res.Derived(producer, "", nil)
		case specByID[producer].PerUnit:
			inst.Inputs[name] = res.Derived(producer, name, inst.Unit)
		default:
			inst.Inputs[name] = res.Derived(producer, name, nil)
		}
	}

	for _, name := range spec.Outputs {
		inst.Outputs[name] = res.Derived(spec.ID, name, inst.Unit)
	}

	return nil
}

// expandCommand substitutes {inputs.NAME}, {outputs.NAME}, {subject}, and
// {session} placeholders with resolved values.
func expandCommand(command []string, inst *model.StageInstance) []string {
	pairs := make([]string, 0, 2*(len(inst.Inputs)+len(inst.Outputs)+2))
	for name, path := range inst.Inputs {
		pairs = append(pairs, "{inputs."+name+"}", path)
	}
	for name, path := range inst.Outputs {
		pairs = append(pairs, "{outputs."+name+"}", path)
	}
	if inst.Unit != nil {
		pairs = append(pairs, "{subject}", inst.Unit.Subject, "{session}", inst.Unit.Session)
	}
	r := strings.NewReplacer(pairs...)

	expanded := make([]string, len(command))
	for i, arg := range command {
		expanded[i] = r.Replace(arg)
	}
	return expanded
}
