// Package pipeline parses, validates, and instantiates pipeline
// definitions. Parsing and validation happen once at registration;
// instantiation expands stage specs into concrete stage instances for a
// dataset.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/casni/casni/pkg/model"
)

// Parser converts raw pipeline YAML into the typed domain model.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "parser")}
}

// rawPipeline mirrors the YAML schema before type conversion.
type rawPipeline struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Stages      []rawStage `yaml:"stages"`
}

type rawStage struct {
	ID        string       `yaml:"id"`
	Image     string       `yaml:"image"`
	Command   []string     `yaml:"command"`
	DependsOn []string     `yaml:"depends_on"`
	Inputs    []string     `yaml:"inputs"`
	Outputs   []string     `yaml:"outputs"`
	PerUnit   bool         `yaml:"per_unit"`
	Optional  bool         `yaml:"optional"`
	Resources rawResources `yaml:"resources"`
	Retry     rawRetry     `yaml:"retry"`
	Timeout   string       `yaml:"timeout"`
}

type rawResources struct {
	CPUs   float64 `yaml:"cpus"`
	Memory string  `yaml:"memory"` // humanized, e.g. "4 GiB"
	GPUs   int     `yaml:"gpus"`
}

type rawRetry struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffMax  string `yaml:"backoff_max"`
}

// Parse converts a pipeline definition document into a model.Pipeline.
// The returned pipeline is not yet validated; call Validate before
// registering it.
func (p *Parser) Parse(data []byte) (*model.Pipeline, error) {
	var raw rawPipeline
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	if len(raw.Stages) == 0 {
		return nil, fmt.Errorf("pipeline %q has no stages", raw.Name)
	}

	hash := sha256.Sum256(data)

	pl := &model.Pipeline{
		ID:          "pl_" + uuid.New().String(),
		Name:        raw.Name,
		Description: raw.Description,
		ContentHash: hex.EncodeToString(hash[:]),
		RawYAML:     string(data),
		CreatedAt:   time.Now().UTC(),
	}

	for _, rs := range raw.Stages {
		spec, err := convertStage(rs)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", rs.ID, err)
		}
		pl.Stages = append(pl.Stages, spec)
	}

	p.logger.Debug("pipeline parsed", "name", pl.Name, "stages", len(pl.Stages))
	return pl, nil
}

func convertStage(rs rawStage) (model.StageSpec, error) {
	spec := model.StageSpec{
		ID:        rs.ID,
		Image:     rs.Image,
		Command:   rs.Command,
		DependsOn: rs.DependsOn,
		Inputs:    rs.Inputs,
		Outputs:   rs.Outputs,
		PerUnit:   rs.PerUnit,
		Required:  !rs.Optional,
		Resources: model.ResourceRequest{
			CPUCores: rs.Resources.CPUs,
			GPUs:     rs.Resources.GPUs,
		},
		Retry: model.RetryPolicy{MaxAttempts: rs.Retry.MaxAttempts},
	}

	if rs.Resources.Memory != "" {
		mem, err := humanize.ParseBytes(rs.Resources.Memory)
		if err != nil {
			return spec, fmt.Errorf("parse memory %q: %w", rs.Resources.Memory, err)
		}
		spec.Resources.MemoryBytes = mem
	}

	var err error
	if spec.Retry.BackoffBase, err = parseDuration(rs.Retry.BackoffBase); err != nil {
		return spec, fmt.Errorf("parse backoff_base: %w", err)
	}
	if spec.Retry.BackoffMax, err = parseDuration(rs.Retry.BackoffMax); err != nil {
		return spec, fmt.Errorf("parse backoff_max: %w", err)
	}
	if spec.Timeout, err = parseDuration(rs.Timeout); err != nil {
		return spec, fmt.Errorf("parse timeout: %w", err)
	}

	return spec, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ParseDataset converts a dataset descriptor document.
func (p *Parser) ParseDataset(data []byte) (*model.DatasetDescriptor, error) {
	var ds model.DatasetDescriptor
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	if ds.Root == "" {
		return nil, fmt.Errorf("dataset root is required")
	}
	for i, u := range ds.Units {
		if u.Subject == "" {
			return nil, fmt.Errorf("dataset unit %d: subject is required", i)
		}
	}
	return &ds, nil
}
