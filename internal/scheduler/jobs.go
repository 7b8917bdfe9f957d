package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/dispatch/internal/agent"
	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/metrics"
	"github.com/mtzanidakis/dispatch/internal/resource"
	"github.com/mtzanidakis/dispatch/internal/store"
)

const (
	JobAllocationCleanup = "allocation-cleanup"
	JobBusEvict          = "bus-evict"
	JobRecordPurge       = "record-purge"
	JobJournalPurge      = "journal-purge"
	JobGauges            = "gauges"
)

// Retention returns the current retention window; it is read on every run
// so reloads take effect without re-registering jobs.
type Retention func() time.Duration

func AllocationCleanup(rm *resource.Manager, retention Retention) Job {
	return Job{Name: JobAllocationCleanup, Run: func(context.Context) (string, error) {
		n := rm.Cleanup(retention())
		return fmt.Sprintf("removed %d allocations", n), nil
	}}
}

func BusEvict(b *bus.Bus) Job {
	return Job{Name: JobBusEvict, Run: func(context.Context) (string, error) {
		n := b.Evict(time.Now())
		return fmt.Sprintf("evicted %d messages", n), nil
	}}
}

func RecordPurge(o *agent.Orchestrator, retention Retention) Job {
	return Job{Name: JobRecordPurge, Run: func(context.Context) (string, error) {
		n := o.Purge(retention())
		return fmt.Sprintf("purged %d task records", n), nil
	}}
}

func JournalPurge(s *store.Store, retention Retention) Job {
	return Job{Name: JobJournalPurge, Run: func(context.Context) (string, error) {
		r, err := s.PurgeBefore(time.Now().Add(-retention()))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("purged %d decisions, %d outcomes, %d messages", r.Decisions, r.Outcomes, r.Messages), nil
	}}
}

// Gauges refreshes the per-worker and per-inbox Prometheus gauges.
func Gauges(rm *resource.Manager, b *bus.Bus) Job {
	return Job{Name: JobGauges, Run: func(context.Context) (string, error) {
		for _, ws := range rm.Snapshot() {
			metrics.WorkerLoad.WithLabelValues(ws.Worker).Set(ws.Load)
			metrics.WorkerStatus.WithLabelValues(ws.Worker).Set(float64(ws.Status))
			metrics.WorkerQueued.WithLabelValues(ws.Worker).Set(float64(ws.Queued))
			metrics.WorkerActive.WithLabelValues(ws.Worker).Set(float64(ws.Active))
		}
		st := b.Stats()
		for id, n := range st.Pending {
			metrics.BusPending.WithLabelValues(id).Set(float64(n))
		}
		return fmt.Sprintf("%d workers, %d inboxes", len(rm.Workers()), len(st.Pending)), nil
	}}
}
