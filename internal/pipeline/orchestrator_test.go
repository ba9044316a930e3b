package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoman-app/yoman/internal/metrics"
	"github.com/yoman-app/yoman/internal/model"
)

func TestOrchestrator_OrdersByPriorityStable(t *testing.T) {
	var calls []string
	o := NewOrchestrator(nil,
		stubPhase{name: "c", priority: 30, calls: &calls},
		stubPhase{name: "a1", priority: 10, calls: &calls},
		stubPhase{name: "b", priority: 20, calls: &calls},
		stubPhase{name: "a2", priority: 10, calls: &calls},
	)

	require.NoError(t, o.Execute(context.Background(), newTestContext("x")))
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, calls)

	var names []string
	for _, p := range o.Phases() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, names)
}

func TestOrchestrator_SkippedPhaseNotExecuted(t *testing.T) {
	var calls []string
	o := NewOrchestrator(nil,
		stubPhase{name: "skip", priority: 1, skip: true, calls: &calls},
		stubPhase{name: "run", priority: 2, calls: &calls},
	)
	pc := newTestContext("x")

	require.NoError(t, o.Execute(context.Background(), pc))
	assert.Equal(t, []string{"run"}, calls)
	require.Len(t, pc.Metadata.PhaseReports, 2)
	assert.Equal(t, model.PhaseStatusSkipped, pc.Metadata.PhaseReports[0].Status)
	assert.Equal(t, model.PhaseStatusSuccess, pc.Metadata.PhaseReports[1].Status)
}

func TestOrchestrator_RequiredFailureAborts(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	o := NewOrchestrator(nil,
		stubPhase{name: "gate", priority: 1, required: true, result: Failure(boom), calls: &calls},
		stubPhase{name: "after", priority: 2, calls: &calls},
	)
	pc := newTestContext("x")

	err := o.Execute(context.Background(), pc)
	require.Error(t, err)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "gate", pe.Phase)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"gate"}, calls)
	require.Len(t, pc.Metadata.PhaseReports, 1)
	assert.Equal(t, "boom", pc.Metadata.PhaseReports[0].Error)
}

func TestOrchestrator_OptionalFailureContinues(t *testing.T) {
	var calls []string
	o := NewOrchestrator(nil,
		stubPhase{name: "optional", priority: 1, result: Failure(errors.New("meh")), calls: &calls},
		stubPhase{name: "next", priority: 2, result: Success("ok", "heads up"), calls: &calls},
	)
	pc := newTestContext("x")

	require.NoError(t, o.Execute(context.Background(), pc))
	assert.Equal(t, []string{"optional", "next"}, calls)
	assert.Equal(t, []string{"heads up"}, pc.Warnings)
	assert.Equal(t, model.PhaseStatusFailed, pc.Metadata.PhaseReports[0].Status)
}

func TestOrchestrator_ExecuteAfter(t *testing.T) {
	var calls []string
	o := NewOrchestrator(nil,
		stubPhase{name: "early", priority: 10, calls: &calls},
		stubPhase{name: "mid", priority: 40, calls: &calls},
		stubPhase{name: "late", priority: 100, calls: &calls},
	)

	require.NoError(t, o.ExecuteAfter(context.Background(), newTestContext("x"), 40))
	assert.Equal(t, []string{"late"}, calls)
}

func TestOrchestrator_ObservesPhaseMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	o := NewOrchestrator(m,
		stubPhase{name: "one", priority: 1},
		stubPhase{name: "two", priority: 2, skip: true},
	)

	require.NoError(t, o.Execute(context.Background(), newTestContext("x")))

	n, err := testutil.GatherAndCount(reg, "yoman_pipeline_phase_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
