package telemetry

import "github.com/prometheus/client_golang/prometheus"

// QueueDepth tracks the number of visible (unprocessed) messages per queue.
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gpuctl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of visible messages currently queued.",
	},
	[]string{"queue"},
)

// QueueInFlightWorkers tracks the number of active per-message workers.
var QueueInFlightWorkers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gpuctl",
		Subsystem: "queue",
		Name:      "in_flight_workers",
		Help:      "Number of workers currently processing a message.",
	},
)

// QueueMessagesArchivedTotal counts dead-lettered messages by queue.
var QueueMessagesArchivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "queue",
		Name:      "archived_total",
		Help:      "Total number of messages archived to dead-letter.",
	},
	[]string{"queue"},
)

// ReservationTransitionsTotal counts state machine transitions by target status.
var ReservationTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "reservation",
		Name:      "transitions_total",
		Help:      "Total number of reservation state transitions by target status.",
	},
	[]string{"status"},
)

// AvailableGPUs reports the last-written available_gpus per GPU type.
var AvailableGPUs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gpuctl",
		Subsystem: "availability",
		Name:      "available_gpus",
		Help:      "Available GPUs by type as of the last availability pass.",
	},
	[]string{"gpu_type"},
)

// MaxReservable reports the last-written max_reservable per GPU type.
var MaxReservable = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gpuctl",
		Subsystem: "availability",
		Name:      "max_reservable",
		Help:      "Max single reservation size currently admissible, by GPU type.",
	},
	[]string{"gpu_type"},
)

// ExpiryWarningsTotal counts graduated expiry warnings sent by tier.
var ExpiryWarningsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "expiry",
		Name:      "warnings_total",
		Help:      "Total number of expiry warnings sent by minute tier.",
	},
	[]string{"tier"},
)

// ReconcileConflictsTotal counts disk reconciliation conflicts by resolution.
var ReconcileConflictsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "disk",
		Name:      "reconcile_conflicts_total",
		Help:      "Total number of duplicate-volume conflicts by resolution outcome.",
	},
	[]string{"outcome"},
)

// SnapshotsCreatedTotal counts snapshots created by kind.
var SnapshotsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "snapshot",
		Name:      "created_total",
		Help:      "Total number of snapshots created by kind.",
	},
	[]string{"kind"},
)

// All returns every control-plane-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		QueueDepth,
		QueueInFlightWorkers,
		QueueMessagesArchivedTotal,
		ReservationTransitionsTotal,
		AvailableGPUs,
		MaxReservable,
		ExpiryWarningsTotal,
		ReconcileConflictsTotal,
		SnapshotsCreatedTotal,
	}
}
