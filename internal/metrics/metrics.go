// Package metrics exposes Prometheus collectors for routing, admission, the
// message bus and worker resource pressure.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Routing ────────────────────────────────────────────────────────────────

// Decisions counts routing decisions by complexity, worker and model tier.
var Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "decisions_total",
	Help:      "Total routing decisions.",
}, []string{"complexity", "worker", "model"})

var DecisionConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "dispatch",
	Name:      "decision_confidence",
	Help:      "Confidence of routing decisions.",
	Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
})

// ─── Admission ──────────────────────────────────────────────────────────────

var Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "admissions_total",
	Help:      "Tasks admitted per worker.",
}, []string{"worker"})

// Rejections counts admission rejections by worker and reason.
var Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "rejections_total",
	Help:      "Admission rejections.",
}, []string{"worker", "reason"})

// TasksFailed counts tasks that no worker could admit.
var TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "tasks_failed_total",
	Help:      "Tasks rejected by every candidate worker.",
})

// ─── Outcomes ───────────────────────────────────────────────────────────────

var Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "outcomes_total",
	Help:      "Execution outcomes per worker.",
}, []string{"worker", "result"})

var ExecutionTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "dispatch",
	Name:      "execution_time_seconds",
	Help:      "Reported task execution time in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
}, []string{"worker"})

// ─── Bus ────────────────────────────────────────────────────────────────────

var BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "bus_messages_total",
	Help:      "Messages published on the bus.",
}, []string{"type", "priority"})

var BusPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dispatch",
	Name:      "bus_pending_messages",
	Help:      "Undelivered messages per participant inbox.",
}, []string{"participant"})

// JournalDropped counts bus messages the journal could not queue for writing.
var JournalDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "journal_dropped_total",
	Help:      "Bus messages dropped because the journal queue was full.",
})

// ─── Resources ──────────────────────────────────────────────────────────────

var WorkerLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dispatch",
	Name:      "worker_load",
	Help:      "Overall load per worker (0..1).",
}, []string{"worker"})

// WorkerStatus is the resource band per worker (0=healthy .. 3=exhausted).
var WorkerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dispatch",
	Name:      "worker_status",
	Help:      "Resource band per worker (0=healthy, 1=warning, 2=critical, 3=exhausted).",
}, []string{"worker"})

var WorkerQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dispatch",
	Name:      "worker_queued_tasks",
	Help:      "Queued allocations per worker.",
}, []string{"worker"})

var WorkerActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "dispatch",
	Name:      "worker_active_tasks",
	Help:      "Active allocations per worker.",
}, []string{"worker"})

// ─── Maintenance ────────────────────────────────────────────────────────────

var MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dispatch",
	Name:      "maintenance_runs_total",
	Help:      "Maintenance job runs by job and status.",
}, []string{"job", "status"})
