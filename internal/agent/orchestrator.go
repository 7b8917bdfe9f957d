package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/metrics"
	"github.com/mtzanidakis/dispatch/internal/resource"
	"github.com/mtzanidakis/dispatch/internal/router"
	"github.com/mtzanidakis/dispatch/internal/task"
)

// Source is the bus participant id the orchestrator publishes as.
const Source = "orchestrator"

var (
	ErrUnknownTask     = errors.New("unknown task")
	ErrAdmissionFailed = errors.New("no worker admitted the task")
	ErrInvalidTask     = errors.New("invalid task")
	ErrReservedWorker  = errors.New("worker id is reserved")
)

type TaskState string

const (
	StateSubmitted  TaskState = "submitted"
	StateRouted     TaskState = "routed"
	StateAdmitted   TaskState = "admitted"
	StateDispatched TaskState = "dispatched"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
)

func (s TaskState) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Record is the orchestrator's view of one task.
type Record struct {
	Task        task.Task              `json:"task"`
	State       TaskState              `json:"state"`
	Decision    *task.RoutingDecision  `json:"decision,omitempty"`
	Outcome     *task.ExecutionOutcome `json:"outcome,omitempty"`
	Tried       []string               `json:"tried,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Assignment is the DECISION payload a worker receives.
type Assignment struct {
	Task     task.Task            `json:"task"`
	Decision task.RoutingDecision `json:"decision"`
}

const (
	AlertAdmissionFailed = "admission_failed"
	AlertWorkerPressure  = "worker_pressure"
)

// Alert is the ALERT payload.
type Alert struct {
	Kind     string                 `json:"kind"`
	TaskID   string                 `json:"task_id,omitempty"`
	Worker   string                 `json:"worker,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Tried    []string               `json:"tried,omitempty"`
	Task     *task.Task             `json:"task,omitempty"`
	Decision *task.RoutingDecision  `json:"decision,omitempty"`
	Status   *resource.StatusChange `json:"status,omitempty"`
}

type Stats struct {
	Submitted  int64             `json:"submitted"`
	Dispatched int64             `json:"dispatched"`
	Completed  int64             `json:"completed"`
	Failed     int64             `json:"failed"`
	InFlight   int               `json:"in_flight"`
	Resources  resource.Counters `json:"resources"`
	Bus        bus.Stats         `json:"bus"`
}

// Orchestrator drives each task through routing, admission and dispatch,
// and feeds outcomes back into the router and resource manager.
type Orchestrator struct {
	router    *router.Router
	resources *resource.Manager
	bus       *bus.Bus

	mu      sync.Mutex
	records map[string]*Record
	counts  struct{ submitted, dispatched, completed, failed int64 }

	now func() time.Time
}

func NewOrchestrator(r *router.Router, rm *resource.Manager, b *bus.Bus) (*Orchestrator, error) {
	if slices.Contains(r.Workers(), Source) {
		return nil, fmt.Errorf("%w: %q is the orchestrator's own participant id", ErrReservedWorker, Source)
	}
	o := &Orchestrator{
		router:    r,
		resources: rm,
		bus:       b,
		records:   make(map[string]*Record),
		now:       time.Now,
	}
	if err := b.Register(Source); err != nil {
		return nil, fmt.Errorf("register orchestrator: %w", err)
	}
	for _, w := range r.Workers() {
		if err := b.Register(w); err != nil {
			return nil, fmt.Errorf("register worker %s: %w", w, err)
		}
	}
	rm.OnStatusChange(o.onStatusChange)
	b.Listen(countMessage)
	return o, nil
}

func countMessage(msg bus.Message) {
	metrics.BusMessages.WithLabelValues(msg.Type.String(), msg.Priority.String()).Inc()
}

// ProcessTask routes t, admits it on the chosen worker or an alternate,
// and publishes the decision to that worker. Submitting an id that is still
// in flight returns the existing decision.
func (o *Orchestrator) ProcessTask(ctx context.Context, t task.Task) (task.RoutingDecision, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if !t.Priority.Valid() {
		return task.RoutingDecision{}, fmt.Errorf("%w: priority %d", ErrInvalidTask, t.Priority)
	}

	now := o.now()
	o.mu.Lock()
	if rec, ok := o.records[t.ID]; ok && !rec.State.terminal() {
		o.mu.Unlock()
		if rec.Decision != nil {
			slog.Debug("task already in flight", "task", t.ID, "state", rec.State)
			return *rec.Decision, nil
		}
		return task.RoutingDecision{}, fmt.Errorf("%w: %s is still being routed", ErrInvalidTask, t.ID)
	}
	rec := &Record{Task: t, State: StateSubmitted, SubmittedAt: now, UpdatedAt: now}
	o.records[t.ID] = rec
	o.counts.submitted++
	o.mu.Unlock()

	d := o.router.Route(ctx, t)
	o.transition(t.ID, StateRouted, func(r *Record) { r.Decision = &d })
	metrics.Decisions.WithLabelValues(d.Complexity.String(), d.Worker, d.Model.String()).Inc()
	metrics.DecisionConfidence.Observe(d.Confidence)

	chosen, tried, lastReason := o.admit(t, d.Worker)
	if chosen == "" {
		o.router.RecordDecision(d)
		return d, o.fail(t, d, tried, lastReason)
	}

	if chosen != d.Worker {
		slog.Info("task rerouted", "task", t.ID, "from", d.Worker, "to", chosen, "reason", lastReason)
		d.Rationale += fmt.Sprintf("; rerouted from %s (%s)", d.Worker, lastReason)
		d.Worker = chosen
	}
	base := d.EstimatedTimeoutMs
	if t.TimeoutMs > 0 {
		base = t.TimeoutMs
	}
	d.EstimatedTimeoutMs = o.resources.AdjustTimeout(base, chosen)
	o.router.RecordDecision(d)
	o.transition(t.ID, StateAdmitted, func(r *Record) {
		r.Decision = &d
		r.Tried = tried
	})

	msg, err := bus.NewMessage(bus.Decision, Source, chosen, t.Priority, Assignment{Task: t, Decision: d})
	if err != nil {
		return d, err
	}
	msg.ConversationID = t.ID
	if _, err := o.bus.Publish(msg); err != nil {
		return d, fmt.Errorf("publish decision: %w", err)
	}

	o.transition(t.ID, StateDispatched, nil)
	o.mu.Lock()
	o.counts.dispatched++
	o.mu.Unlock()

	slog.Info("task dispatched", "task", t.ID, "worker", chosen, "complexity", d.Complexity,
		"model", d.Model, "confidence", d.Confidence, "timeout_ms", d.EstimatedTimeoutMs)
	return d, nil
}

// admit tries the preferred worker, then the remaining supported workers in
// configured order. MaxRetries > 0 caps the number of alternates.
func (o *Orchestrator) admit(t task.Task, preferred string) (string, []string, resource.RejectReason) {
	candidates := []string{preferred}
	for _, w := range o.router.Workers() {
		if w != preferred {
			candidates = append(candidates, w)
		}
	}
	if t.MaxRetries > 0 && len(candidates) > t.MaxRetries+1 {
		candidates = candidates[:t.MaxRetries+1]
	}

	var tried []string
	var last resource.RejectReason
	for _, w := range candidates {
		tried = append(tried, w)
		adm := o.resources.Admit(t.ID, w, t.Priority)
		if adm.Accepted {
			metrics.Admissions.WithLabelValues(w).Inc()
			return w, tried, last
		}
		last = adm.Reason
		metrics.Rejections.WithLabelValues(w, adm.Reason.String()).Inc()
		slog.Debug("admission rejected, trying next worker", "task", t.ID, "worker", w, "reason", adm.Reason)
	}
	return "", tried, last
}

func (o *Orchestrator) fail(t task.Task, d task.RoutingDecision, tried []string, reason resource.RejectReason) error {
	o.transition(t.ID, StateFailed, func(r *Record) {
		r.Tried = tried
		r.Reason = reason.String()
	})
	o.mu.Lock()
	o.counts.failed++
	o.mu.Unlock()
	metrics.TasksFailed.Inc()

	slog.Warn("task failed admission", "task", t.ID, "tried", tried, "reason", reason)

	alert := Alert{
		Kind:     AlertAdmissionFailed,
		TaskID:   t.ID,
		Worker:   d.Worker,
		Reason:   reason.String(),
		Tried:    tried,
		Task:     &t,
		Decision: &d,
	}
	if msg, err := bus.NewMessage(bus.Alert, Source, bus.Broadcast, task.Urgent, alert); err == nil {
		msg.ConversationID = t.ID
		if _, err := o.bus.Publish(msg); err != nil {
			slog.Error("publish alert failed", "task", t.ID, "error", err)
		}
	}

	last := &resource.RejectionError{TaskID: t.ID, Worker: tried[len(tried)-1], Reason: reason}
	return fmt.Errorf("%w: %w", ErrAdmissionFailed, last)
}

// HandleExecutionStarted marks a dispatched task as running on its worker.
func (o *Orchestrator) HandleExecutionStarted(taskID string) error {
	o.mu.Lock()
	rec, ok := o.records[taskID]
	if !ok || rec.State != StateDispatched {
		o.mu.Unlock()
		slog.Warn("start for unknown task ignored", "task", taskID)
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	o.mu.Unlock()

	if _, err := o.resources.Start(taskID); err != nil {
		return fmt.Errorf("start %s: %w", taskID, err)
	}
	return nil
}

// HandleExecutionOutcome completes the task's allocation, records the
// outcome with the router and broadcasts it. Outcomes for tasks that are not
// in flight are logged and ignored.
func (o *Orchestrator) HandleExecutionOutcome(ctx context.Context, out task.ExecutionOutcome) error {
	o.mu.Lock()
	rec, ok := o.records[out.TaskID]
	if !ok || rec.State != StateDispatched || rec.Outcome != nil {
		o.mu.Unlock()
		slog.Warn("outcome for unknown task ignored", "task", out.TaskID, "worker", out.Worker)
		return fmt.Errorf("%w: %s", ErrUnknownTask, out.TaskID)
	}
	d := *rec.Decision
	prio := rec.Task.Priority
	if out.Worker == "" {
		out.Worker = d.Worker
	}
	if out.Decision.TaskID == "" {
		out.Decision = d
	}
	// Claimed: a second outcome for the same task stops at the check above.
	rec.Outcome = &out
	o.mu.Unlock()

	if elapsed, err := o.resources.Complete(out.TaskID); err != nil {
		slog.Warn("complete allocation failed", "task", out.TaskID, "error", err)
	} else {
		slog.Debug("allocation completed", "task", out.TaskID, "held", elapsed)
	}
	if err := o.router.RecordOutcome(out); err != nil {
		slog.Warn("record outcome failed", "task", out.TaskID, "worker", out.Worker, "error", err)
	}

	state := StateCompleted
	result := "success"
	if !out.Success {
		state = StateFailed
		result = "failure"
	}
	o.transition(out.TaskID, state, func(r *Record) {
		r.Outcome = &out
		r.Reason = out.Error
	})
	o.mu.Lock()
	if out.Success {
		o.counts.completed++
	} else {
		o.counts.failed++
	}
	o.mu.Unlock()

	metrics.Outcomes.WithLabelValues(out.Worker, result).Inc()
	metrics.ExecutionTime.WithLabelValues(out.Worker).Observe(out.ExecutionTimeMs / 1000)

	msg, err := bus.NewMessage(bus.Outcome, Source, bus.Broadcast, prio, out)
	if err != nil {
		return err
	}
	msg.ConversationID = out.TaskID
	if _, err := o.bus.Publish(msg); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}

	slog.Info("task finished", "task", out.TaskID, "worker", out.Worker, "success", out.Success,
		"quality", out.Quality, "execution_ms", out.ExecutionTimeMs)
	return nil
}

func (o *Orchestrator) transition(taskID string, state TaskState, update func(*Record)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[taskID]
	if !ok {
		return
	}
	rec.State = state
	rec.UpdatedAt = o.now()
	if update != nil {
		update(rec)
	}
}

// onStatusChange broadcasts every band change as STATUS and raises an ALERT
// when a worker becomes critical or exhausted.
func (o *Orchestrator) onStatusChange(c resource.StatusChange) {
	metrics.WorkerStatus.WithLabelValues(c.Worker).Set(float64(c.To))

	if msg, err := bus.NewMessage(bus.Status, Source, bus.Broadcast, task.Normal, c); err == nil {
		if _, err := o.bus.Publish(msg); err != nil {
			slog.Error("publish status failed", "worker", c.Worker, "error", err)
		}
	}
	if c.To < resource.Critical || c.To <= c.From {
		return
	}
	alert := Alert{Kind: AlertWorkerPressure, Worker: c.Worker, Reason: c.To.String(), Status: &c}
	if msg, err := bus.NewMessage(bus.Alert, Source, bus.Broadcast, task.Urgent, alert); err == nil {
		if _, err := o.bus.Publish(msg); err != nil {
			slog.Error("publish alert failed", "worker", c.Worker, "error", err)
		}
	}
}

// Status returns a copy of the task's record.
func (o *Orchestrator) Status(taskID string) (Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[taskID]
	if !ok {
		return Record{}, false
	}
	r := *rec
	r.Tried = slices.Clone(rec.Tried)
	return r, true
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	st := Stats{
		Submitted:  o.counts.submitted,
		Dispatched: o.counts.dispatched,
		Completed:  o.counts.completed,
		Failed:     o.counts.failed,
	}
	for _, rec := range o.records {
		if !rec.State.terminal() {
			st.InFlight++
		}
	}
	o.mu.Unlock()

	st.Resources = o.resources.Counters()
	st.Bus = o.bus.Stats()
	return st
}

// Purge drops finished records last updated before now-olderThan.
func (o *Orchestrator) Purge(olderThan time.Duration) int {
	cutoff := o.now().Add(-olderThan)
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, rec := range o.records {
		if rec.State.terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(o.records, id)
			n++
		}
	}
	return n
}

func (o *Orchestrator) Router() *router.Router {
	return o.router
}

func (o *Orchestrator) Resources() *resource.Manager {
	return o.resources
}

func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}
