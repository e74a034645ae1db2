// Package definition resolves workflow definitions: the ordered stage list and
// progress method for a given platform and workflow type. Definitions are
// immutable once cached; the cache is invalidated explicitly, never by TTL.
package definition

import (
	"errors"
	"fmt"
	"time"
)

// Resolution and lookup errors.
var (
	// ErrNotFound is returned by repositories when no definition row
	// matches a platform and workflow type.
	ErrNotFound = errors.New("definition not found")

	// ErrUnknownStage is returned when a stage name is absent from a
	// definition's stage list. This is a hard error: a missing stage must
	// never silently compute a bogus transition.
	ErrUnknownStage = errors.New("stage not present in definition")
)

// ProgressMethod selects how stage completion maps to a progress percentage.
type ProgressMethod string

const (
	// ProgressWeighted uses cumulative per-stage weights.
	ProgressWeighted ProgressMethod = "weighted"
	// ProgressLinear spreads progress evenly across stages.
	ProgressLinear ProgressMethod = "linear"
	// ProgressExponential front-loads progress with a power curve.
	ProgressExponential ProgressMethod = "exponential"
)

// IsValid returns true if the progress method is recognized.
func (m ProgressMethod) IsValid() bool {
	switch m {
	case ProgressWeighted, ProgressLinear, ProgressExponential:
		return true
	default:
		return false
	}
}

// Stage describes one named unit of work in a definition.
type Stage struct {
	Name      string        `json:"name" yaml:"name"`
	AgentType string        `json:"agent_type" yaml:"agent_type"`
	Weight    int           `json:"weight" yaml:"weight"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	Required  bool          `json:"required" yaml:"required"`
}

// Definition is the ordered stage list for a (platform, workflow type) pair.
type Definition struct {
	PlatformID     string         `json:"platform_id,omitempty" yaml:"platform_id"`
	WorkflowType   string         `json:"workflow_type" yaml:"workflow_type"`
	ProgressMethod ProgressMethod `json:"progress_method" yaml:"progress_method"`
	Stages         []Stage        `json:"stages" yaml:"stages"`

	// IsFallback marks definitions produced by the built-in legacy
	// fallback rather than loaded from the repository.
	IsFallback bool `json:"is_fallback,omitempty" yaml:"-"`
}

// Validate checks structural invariants: at least one stage, unique stage
// names, a known progress method, and weights summing to 100.
func (d *Definition) Validate() error {
	if d.WorkflowType == "" {
		return fmt.Errorf("definition missing workflow_type")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("definition %s has no stages", d.WorkflowType)
	}
	if !d.ProgressMethod.IsValid() {
		return fmt.Errorf("definition %s has unknown progress_method %q", d.WorkflowType, d.ProgressMethod)
	}

	seen := make(map[string]struct{}, len(d.Stages))
	total := 0
	for i, stage := range d.Stages {
		if stage.Name == "" {
			return fmt.Errorf("definition %s: stage %d has no name", d.WorkflowType, i)
		}
		if stage.AgentType == "" {
			return fmt.Errorf("definition %s: stage %q has no agent_type", d.WorkflowType, stage.Name)
		}
		if _, dup := seen[stage.Name]; dup {
			return fmt.Errorf("definition %s: duplicate stage name %q", d.WorkflowType, stage.Name)
		}
		seen[stage.Name] = struct{}{}
		if stage.Weight < 0 || stage.Weight > 100 {
			return fmt.Errorf("definition %s: stage %q weight %d out of range", d.WorkflowType, stage.Name, stage.Weight)
		}
		total += stage.Weight
	}
	if total != 100 {
		return fmt.Errorf("definition %s: stage weights sum to %d, want 100", d.WorkflowType, total)
	}
	return nil
}

// StageByName returns the stage descriptor for an exact name match.
func (d *Definition) StageByName(name string) (Stage, int, error) {
	for i, stage := range d.Stages {
		if stage.Name == name {
			return stage, i, nil
		}
	}
	return Stage{}, 0, fmt.Errorf("%w: %q (type %s)", ErrUnknownStage, name, d.WorkflowType)
}

// First returns the entry stage of the definition.
func (d *Definition) First() Stage {
	return d.Stages[0]
}

// Next describes the stage following a completed stage.
type Next struct {
	// Stage is the next stage name. Empty when Terminal.
	Stage string
	// Index is the next stage index. len(Stages) when Terminal.
	Index int
	// Terminal is true when the completed stage was the last one.
	Terminal bool
}

// NextStage computes the stage following currentStage. The current stage is
// looked up by exact name; an unknown name is a hard error, never index 0.
func NextStage(d *Definition, currentStage string) (Next, error) {
	_, idx, err := d.StageByName(currentStage)
	if err != nil {
		return Next{}, err
	}
	if idx == len(d.Stages)-1 {
		return Next{Index: len(d.Stages), Terminal: true}, nil
	}
	return Next{Stage: d.Stages[idx+1].Name, Index: idx + 1}, nil
}
