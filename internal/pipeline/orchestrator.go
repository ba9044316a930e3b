package pipeline

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/yoman-app/yoman/internal/metrics"
	"github.com/yoman-app/yoman/internal/model"
)

// Orchestrator runs phases against one context, strictly in order.
type Orchestrator struct {
	phases  []Phase
	metrics *metrics.Metrics
}

// NewOrchestrator orders phases by priority, keeping registration order
// for ties. m may be nil.
func NewOrchestrator(m *metrics.Metrics, phases ...Phase) *Orchestrator {
	sorted := make([]Phase, len(phases))
	copy(sorted, phases)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Orchestrator{phases: sorted, metrics: m}
}

// Phases returns the phases in execution order.
func (o *Orchestrator) Phases() []Phase {
	out := make([]Phase, len(o.phases))
	copy(out, o.phases)
	return out
}

// Execute runs every phase. A required phase failure stops the run and is
// returned as a *PipelineError.
func (o *Orchestrator) Execute(ctx context.Context, pc *model.Context) error {
	return o.ExecuteAfter(ctx, pc, math.MinInt)
}

// ExecuteAfter runs only the phases whose priority is above after. It is
// used to resume a context once a clarification is answered.
func (o *Orchestrator) ExecuteAfter(ctx context.Context, pc *model.Context, after int) error {
	log := zap.L().With(zap.String("user_id", pc.UserID))

	for _, p := range o.phases {
		if p.Priority() <= after {
			continue
		}
		name := p.Name()
		if !p.ShouldRun(pc) {
			o.report(pc, name, model.PhaseStatusSkipped, 0, nil)
			log.Debug("pipeline: phase skipped", zap.String("phase", name))
			continue
		}

		start := time.Now()
		res := p.Execute(ctx, pc)
		elapsed := time.Since(start)

		if res.Failed() {
			o.report(pc, name, model.PhaseStatusFailed, elapsed, res.Err)
			if p.Required() {
				log.Error("pipeline: required phase failed",
					zap.String("phase", name),
					zap.Int64("duration_ms", elapsed.Milliseconds()),
					zap.Error(res.Err),
				)
				return &PipelineError{Phase: name, Err: res.Err}
			}
			log.Warn("pipeline: phase failed, continuing",
				zap.String("phase", name),
				zap.Int64("duration_ms", elapsed.Milliseconds()),
				zap.Error(res.Err),
			)
			continue
		}

		for _, w := range res.Warnings {
			pc.AddWarning(w)
		}
		o.report(pc, name, model.PhaseStatusSuccess, elapsed, nil)
		log.Debug("pipeline: phase complete",
			zap.String("phase", name),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.String("note", res.Note),
		)
	}
	return nil
}

func (o *Orchestrator) report(pc *model.Context, name, status string, d time.Duration, err error) {
	r := model.PhaseReport{Name: name, Status: status, DurationMs: d.Milliseconds()}
	if err != nil {
		r.Error = err.Error()
	}
	pc.Metadata.PhaseReports = append(pc.Metadata.PhaseReports, r)
	if status != model.PhaseStatusSkipped {
		o.metrics.ObservePhase(name, status, d)
	}
}
