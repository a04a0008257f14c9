// Package storage resolves artifact names to concrete filesystem paths
// within a study project. Resolution is a pure function of the project
// root, the producing stage, and the dataset unit, which is what makes
// re-instantiating a run reproducible.
package storage

import (
	"path"

	"github.com/casni/casni/pkg/model"
)

// Resolver maps artifact names to paths for a dataset unit.
type Resolver interface {
	// Raw resolves a source-data artifact. unit may be nil for
	// cohort-level artifacts.
	Raw(artifact string, unit *model.DatasetUnit) string

	// Derived resolves an artifact produced by a stage. unit may be nil
	// for cohort-level stages.
	Derived(stage, artifact string, unit *model.DatasetUnit) string
}

// ProjectLayout is the standard study layout: raw acquisitions under
// data/<subject>/<session>, stage outputs under proc/<stage>/<subject>/<session>.
type ProjectLayout struct {
	Root string
}

// NewProjectLayout creates a resolver rooted at the study directory.
func NewProjectLayout(root string) *ProjectLayout {
	return &ProjectLayout{Root: root}
}

func (l *ProjectLayout) Raw(artifact string, unit *model.DatasetUnit) string {
	return path.Join(append([]string{l.Root, "data"}, unitSegments(unit, artifact)...)...)
}

func (l *ProjectLayout) Derived(stage, artifact string, unit *model.DatasetUnit) string {
	return path.Join(append([]string{l.Root, "proc", stage}, unitSegments(unit, artifact)...)...)
}

func unitSegments(unit *model.DatasetUnit, artifact string) []string {
	if unit == nil {
		return []string{artifact}
	}
	if unit.Session == "" {
		return []string{unit.Subject, artifact}
	}
	return []string{unit.Subject, unit.Session, artifact}
}
