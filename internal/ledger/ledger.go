// Package ledger tracks committed vs. available compute for the single
// scheduling domain. It is strictly additive/subtractive bookkeeping: no
// overcommit, no preemption. The ledger is an in-process cache; it is
// rebuilt from the run state store at startup.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/casni/casni/pkg/model"
)

// Capacity declares the total resources of the scheduling domain.
// A zero dimension is unlimited and skipped during admission, so a
// domain configured without GPUs admits GPU-requesting stages without
// any check. Operators who want GPU stages rejected must set GPUs
// explicitly.
type Capacity struct {
	CPUCores    float64
	MemoryBytes uint64
	GPUs        int
}

// DeniedError reports which resource dimension blocked an admission.
// Denial is backpressure, not a failure: the instance stays eligible and
// re-enters contention on the next scheduling pass.
type DeniedError struct {
	Dimension string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: insufficient %s", e.Dimension)
}

// Ledger is safe for concurrent use, though under the single-writer
// scheduler only one goroutine mutates it.
type Ledger struct {
	mu        sync.Mutex
	capacity  Capacity
	committed map[string]model.ResourceRequest // keyed by instance ID
	usedCPU   float64
	usedMem   uint64
	usedGPU   int
	logger    *slog.Logger
}

// New creates a Ledger with the given capacity.
func New(capacity Capacity, logger *slog.Logger) *Ledger {
	return &Ledger{
		capacity:  capacity,
		committed: make(map[string]model.ResourceRequest),
		logger:    logger.With("component", "ledger"),
	}
}

// TryAdmit atomically checks every resource dimension and commits the
// request if none would exceed capacity. On denial nothing is committed
// and a *DeniedError names the limiting dimension.
func (l *Ledger) TryAdmit(instanceID string, req model.ResourceRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.committed[instanceID]; ok {
		// Already admitted (e.g. rebuilt after restart); keep the
		// original commitment.
		return nil
	}

	if l.capacity.CPUCores > 0 && l.usedCPU+req.CPUCores > l.capacity.CPUCores {
		return &DeniedError{Dimension: "cpu"}
	}
	if l.capacity.MemoryBytes > 0 && l.usedMem+req.MemoryBytes > l.capacity.MemoryBytes {
		return &DeniedError{Dimension: "memory"}
	}
	if l.capacity.GPUs > 0 && l.usedGPU+req.GPUs > l.capacity.GPUs {
		return &DeniedError{Dimension: "gpu"}
	}

	l.committed[instanceID] = req
	l.usedCPU += req.CPUCores
	l.usedMem += req.MemoryBytes
	l.usedGPU += req.GPUs
	return nil
}

// Release returns an instance's commitment to the pool. Safe to call more
// than once per admit; duplicate completion notifications are a no-op.
func (l *Ledger) Release(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.committed[instanceID]
	if !ok {
		return
	}
	delete(l.committed, instanceID)
	l.usedCPU -= req.CPUCores
	l.usedMem -= req.MemoryBytes
	l.usedGPU -= req.GPUs
}

// Rebuild recommits resources for instances that were admitted or running
// when the process last stopped. Called once at startup before the first
// tick.
func (l *Ledger) Rebuild(instances []*model.StageInstance) {
	for _, inst := range instances {
		if err := l.TryAdmit(inst.ID, inst.Resources); err != nil {
			// Capacity shrank across a restart. The containers already
			// run; record the overcommit rather than killing them.
			l.mu.Lock()
			l.committed[inst.ID] = inst.Resources
			l.usedCPU += inst.Resources.CPUCores
			l.usedMem += inst.Resources.MemoryBytes
			l.usedGPU += inst.Resources.GPUs
			l.mu.Unlock()
			l.logger.Warn("rebuilt commitment exceeds capacity", "instance_id", inst.ID, "error", err)
		}
	}
}

// Committed returns the currently committed totals.
func (l *Ledger) Committed() (cpu float64, mem uint64, gpus int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usedCPU, l.usedMem, l.usedGPU
}
