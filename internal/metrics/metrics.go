// Package metrics holds the engine's internal Prometheus collectors. The
// module itself never exposes an HTTP endpoint; a host process that wants
// these scraped registers them against its own registry via Register.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PersistenceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecliptix_persistence_events_total",
			Help: "Total number of state persistence events emitted by the engine.",
		},
		[]string{"critical"},
	)

	ReplayRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecliptix_replay_rejections_total",
			Help: "Total number of inbound envelopes rejected as replayed or out of window.",
		},
		[]string{"reason"},
	)

	DHRatchetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecliptix_dh_ratchets_total",
			Help: "Total number of DH ratchet rotations performed.",
		},
		[]string{"direction"},
	)

	TamperTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecliptix_tamper_trips_total",
			Help: "Total number of times a connection was faulted by the tamper counter.",
		},
	)

	RestorationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecliptix_restoration_attempts_total",
			Help: "Total number of state restoration attempts by strategy and outcome.",
		},
		[]string{"strategy", "result"},
	)
)

// Register adds every collector to reg. A collector that reg already holds
// is skipped (its AlreadyRegisteredError is not returned), so a second call
// against the same registry returns nil.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		PersistenceEventsTotal,
		ReplayRejectionsTotal,
		DHRatchetsTotal,
		TamperTripsTotal,
		RestorationAttemptsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
