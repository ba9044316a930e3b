// Package pipeline runs the ordered phases that turn one inbound message
// into a validated, actionable context.
package pipeline

import (
	"context"

	"github.com/yoman-app/yoman/internal/model"
)

// Phase is one stage of the pipeline.
type Phase interface {
	Name() string
	// Priority orders phases ascending. Equal priorities keep registration
	// order.
	Priority() int
	// Required phases abort the run when they fail.
	Required() bool
	// ShouldRun must not mutate pc.
	ShouldRun(pc *model.Context) bool
	Execute(ctx context.Context, pc *model.Context) Result
}

// Result is the outcome of one Execute call: a success carrying an
// optional note and warnings, or a failure carrying Err.
type Result struct {
	Note     string
	Warnings []string
	Err      error
}

// Success builds a successful result.
func Success(note string, warnings ...string) Result {
	return Result{Note: note, Warnings: warnings}
}

// Failure builds a failed result.
func Failure(err error) Result {
	return Result{Err: err}
}

// Failed reports whether the phase failed.
func (r Result) Failed() bool { return r.Err != nil }

// Phase names and priorities.
const (
	PhaseNormalize    = "normalize"
	PhaseClassify     = "classify"
	PhaseSplit        = "split"
	PhaseExtract      = "extract"
	PhaseDisambiguate = "disambiguate"
	PhaseValidate     = "validate"

	PriorityNormalize    = 5
	PriorityClassify     = 10
	PrioritySplit        = 20
	PriorityExtract      = 30
	PriorityDisambiguate = 40
	PriorityValidate     = 100
)
