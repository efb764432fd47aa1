// Package metrics exposes Prometheus instrumentation for the rotation
// engine and the fleet scheduler, plus the optional metrics HTTP server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fleetQueuedTotal   prometheus.Counter
	timeoutsTotal      prometheus.Counter
	transitionsTotal   *prometheus.CounterVec
	notifySignalsTotal *prometheus.CounterVec
	devicesByState     *prometheus.GaugeVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// Init initializes all Prometheus metrics. Call once at startup when
// the metrics endpoint is enabled; recorders are no-ops otherwise.
func Init() {
	metricsOnce.Do(func() {
		fleetQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fleetkey_fleet_rotation_queued_total",
			Help: "Total number of devices moved to QUEUED by fleet rotation triggers",
		})

		timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fleetkey_rotation_timeouts_total",
			Help: "Total number of devices moved to TIMEOUT by the sweep",
		})

		transitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetkey_device_transitions_total",
				Help: "Total number of single-device rotation state transitions",
			},
			[]string{"to_state"},
		)

		notifySignalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetkey_notify_signals_total",
				Help: "Total number of rotation-changed bridge signals by delivery result",
			},
			[]string{"result"},
		)

		devicesByState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetkey_devices",
				Help: "Current number of devices per rotation state",
			},
			[]string{"state"},
		)

		metricsRegistered = true
	})
}

// RecordFleetQueued records devices queued by a fleet trigger.
func RecordFleetQueued(count int64) {
	if !metricsRegistered || fleetQueuedTotal == nil {
		return
	}
	fleetQueuedTotal.Add(float64(count))
}

// RecordTimeouts records devices parked by a timeout sweep.
func RecordTimeouts(count int64) {
	if !metricsRegistered || timeoutsTotal == nil {
		return
	}
	timeoutsTotal.Add(float64(count))
}

// RecordTransition records a single-device transition to the given state.
func RecordTransition(toState string) {
	if !metricsRegistered || transitionsTotal == nil {
		return
	}
	transitionsTotal.WithLabelValues(toState).Inc()
}

// RecordNotifySignal records a bridge delivery attempt outcome
// ("delivered" or "dropped").
func RecordNotifySignal(result string) {
	if !metricsRegistered || notifySignalsTotal == nil {
		return
	}
	notifySignalsTotal.WithLabelValues(result).Inc()
}

// SetDevicesByState updates the per-state fleet gauge.
func SetDevicesByState(counts map[string]int) {
	if !metricsRegistered || devicesByState == nil {
		return
	}
	for state, count := range counts {
		devicesByState.WithLabelValues(state).Set(float64(count))
	}
}
