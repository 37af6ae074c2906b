// Package metrics instruments the Coordinator's observation API with a
// scrape-able surface, using prometheus/client_golang (the teacher's
// direct dependency).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sharewatch/sharewatchd/pkg/share"
)

// Registry bundles the metrics sharewatchd exposes. It is safe to
// construct more than one for tests against a private
// prometheus.Registerer.
type Registry struct {
	ShareState       *prometheus.GaugeVec
	MountEpisodes    *prometheus.CounterVec
	MountDuration    *prometheus.HistogramVec
	RetryFailures    *prometheus.GaugeVec
	CircuitBreakers  prometheus.Counter
}

// New builds a Registry and registers its collectors against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ShareState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharewatchd",
			Name:      "share_state",
			Help:      "1 for the share's current lifecycle status, 0 otherwise; one series per (share_id, status).",
		}, []string{"share_id", "status"}),
		MountEpisodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sharewatchd",
			Name:      "mount_episodes_total",
			Help:      "Count of completed mount episodes by outcome.",
		}, []string{"share_id", "outcome"}),
		MountDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sharewatchd",
			Name:      "mount_episode_duration_seconds",
			Help:      "Wall-clock duration of a mount episode from Mounting to its terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"share_id", "outcome"}),
		RetryFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sharewatchd",
			Name:      "retry_consecutive_failures",
			Help:      "Current consecutive-failure count per share, as tracked by the Retry Governor.",
		}, []string{"share_id"}),
		CircuitBreakers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sharewatchd",
			Name:      "circuit_breaker_trips_total",
			Help:      "Count of times any share's circuit breaker opened.",
		}),
	}
	reg.MustRegister(r.ShareState, r.MountEpisodes, r.MountDuration, r.RetryFailures, r.CircuitBreakers)
	return r
}

// allStatuses enumerates every §4.7 status so ObserveState can zero out
// the statuses a share is not currently in (a GaugeVec otherwise leaves
// stale "1" values set for a status a share has left).
var allStatuses = []share.Status{
	share.StatusUnmounted, share.StatusMounting, share.StatusMounted,
	share.StatusUnmounting, share.StatusError, share.StatusDisabled,
}

// ObserveState updates the share_state gauge series for shareID to
// reflect the current status, zeroing all others.
func (r *Registry) ObserveState(shareID string, status share.Status) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		r.ShareState.WithLabelValues(shareID, string(s)).Set(v)
	}
}

// ObserveEpisode records a completed mount episode's outcome and
// duration in seconds.
func (r *Registry) ObserveEpisode(shareID, outcome string, durationSeconds float64) {
	r.MountEpisodes.WithLabelValues(shareID, outcome).Inc()
	r.MountDuration.WithLabelValues(shareID, outcome).Observe(durationSeconds)
}

// ObserveRetryFailures publishes the Governor's current consecutive
// failure count for shareID.
func (r *Registry) ObserveRetryFailures(shareID string, failures int) {
	r.RetryFailures.WithLabelValues(shareID).Set(float64(failures))
}

// ObserveCircuitBreakerTrip increments the circuit-breaker trip counter.
func (r *Registry) ObserveCircuitBreakerTrip() {
	r.CircuitBreakers.Inc()
}
