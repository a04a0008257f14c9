package model

import "time"

// Pipeline is a parsed, validated pipeline definition stored in casni.
// It is immutable after registration: runs reference it by ID and every
// piece of stage configuration a run needs is copied onto its instances
// at instantiation time.
type Pipeline struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"` // SHA-256 of RawYAML for deduplication
	RawYAML     string      `json:"-"`                      // Original definition document
	Stages      []StageSpec `json:"stages"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Stage returns the StageSpec with the given ID, or nil.
func (p *Pipeline) Stage(id string) *StageSpec {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// StageSpec is the template for one containerized processing step.
type StageSpec struct {
	ID        string   `json:"id"`
	Image     string   `json:"image"`
	Command   []string `json:"command"`
	DependsOn []string `json:"depends_on,omitempty"` // producer stage IDs (the edge set)
	Inputs    []string `json:"inputs,omitempty"`     // consumed artifact names
	Outputs   []string `json:"outputs,omitempty"`    // produced artifact names

	// PerUnit expands the stage into one instance per dataset unit
	// (subject/session). Stages without it get exactly one instance per run.
	PerUnit bool `json:"per_unit,omitempty"`

	// Required stages fail the run when they exhaust retries. Optional
	// stages do not, but their downstream dependents are still cancelled.
	Required bool `json:"required"`

	Resources ResourceRequest `json:"resources"`
	Retry     RetryPolicy     `json:"retry"`
	Timeout   time.Duration   `json:"timeout,omitempty"`
}

// ResourceRequest declares the compute a stage commits while running.
type ResourceRequest struct {
	CPUCores    float64 `json:"cpu_cores,omitempty"`
	MemoryBytes uint64  `json:"memory_bytes,omitempty"`
	GPUs        int     `json:"gpus,omitempty"`
}

// IsZero returns true if no resource dimension is requested.
func (r ResourceRequest) IsZero() bool {
	return r.CPUCores == 0 && r.MemoryBytes == 0 && r.GPUs == 0
}

// RetryPolicy controls how failed attempts are retried.
// MaxAttempts is the total number of attempts allowed; zero or one means
// no retries. Backoff grows exponentially from BackoffBase, capped at
// BackoffMax.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BackoffBase time.Duration `json:"backoff_base,omitempty"`
	BackoffMax  time.Duration `json:"backoff_max,omitempty"`
}

// Delay returns the backoff delay to apply after the given failed attempt
// (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}
