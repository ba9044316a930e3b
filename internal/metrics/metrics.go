// Package metrics holds the Prometheus collectors for the pipeline, the
// classification guard and the delivery worker.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "yoman"

// Guard decision labels.
const (
	GuardCacheHit = "cache_hit"
	GuardAllowed  = "allowed"
	GuardRejected = "rejected"
	GuardFailOpen = "fail_open"
)

// Delivery outcome labels.
const (
	DeliveryDelivered    = "delivered"
	DeliveryRetried      = "retried"
	DeliveryDeadLettered = "dead_lettered"
	DeliverySkipped      = "skipped"
)

// Vote outcome labels.
const (
	VoteOK        = "ok"
	VoteError     = "error"
	VoteMalformed = "malformed"
	VoteAbstain   = "abstain"
)

// Metrics wraps the collectors. A nil *Metrics records nothing.
type Metrics struct {
	phaseDuration  *prometheus.HistogramVec
	votes          *prometheus.CounterVec
	guardDecisions *prometheus.CounterVec
	deliveryJobs   *prometheus.CounterVec
}

// MustNewMetrics creates the collectors and registers them with reg,
// reusing collectors already registered under the same names. Any other
// registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each pipeline phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase", "status"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "votes_total",
			Help:      "Classifier votes by voter and outcome.",
		}, []string{"voter", "outcome"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Classification guard decisions.",
		}, []string{"decision"}),
		deliveryJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "jobs_total",
			Help:      "Reminder delivery jobs by outcome.",
		}, []string{"outcome"}),
	}

	m.phaseDuration = register(reg, m.phaseDuration)
	m.votes = register(reg, m.votes)
	m.guardDecisions = register(reg, m.guardDecisions)
	m.deliveryJobs = register(reg, m.deliveryJobs)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObservePhase records one phase run.
func (m *Metrics) ObservePhase(phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
}

// IncVote counts one voter result.
func (m *Metrics) IncVote(voter, outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(voter, outcome).Inc()
}

// IncGuard counts one guard decision.
func (m *Metrics) IncGuard(decision string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(decision).Inc()
}

// IncDelivery counts one delivery outcome.
func (m *Metrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveryJobs.WithLabelValues(outcome).Inc()
}
