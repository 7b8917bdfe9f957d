package resource

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/dispatch/internal/task"
)

const DefaultMaxQueuePerWorker = 100

type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// Allocation tracks one admitted task. It moves queued → active → completed
// and never backwards.
type Allocation struct {
	TaskID      string        `json:"task_id"`
	Worker      string        `json:"worker"`
	Priority    task.Priority `json:"priority"`
	QueuedAt    time.Time     `json:"queued_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

func (a Allocation) State() State {
	switch {
	case a.CompletedAt != nil:
		return StateCompleted
	case a.StartedAt != nil:
		return StateActive
	default:
		return StateQueued
	}
}

type Admission struct {
	Accepted   bool         `json:"accepted"`
	Reason     RejectReason `json:"reason,omitempty"`
	Allocation *Allocation  `json:"allocation,omitempty"`
}

// Err returns nil for an accepted admission and a *RejectionError otherwise.
func (a Admission) Err(taskID, worker string) error {
	if a.Accepted {
		return nil
	}
	return &RejectionError{TaskID: taskID, Worker: worker, Reason: a.Reason}
}

type StatusChange struct {
	Worker string  `json:"worker"`
	From   Status  `json:"from"`
	To     Status  `json:"to"`
	Load   float64 `json:"load"`
}

type WorkerState struct {
	Worker   string     `json:"worker"`
	Metrics  Metrics    `json:"metrics"`
	Load     float64    `json:"load"`
	Status   Status     `json:"status"`
	Queued   int        `json:"queued"`
	Active   int        `json:"active"`
	LastUsed *time.Time `json:"last_used,omitempty"`
}

type Counters struct {
	Admitted  int64            `json:"admitted"`
	Rejected  map[string]int64 `json:"rejected"`
	Completed int64            `json:"completed"`
}

type Config struct {
	Workers           []string
	MaxQueuePerWorker int
}

// Manager tracks per-worker load and admits, queues and completes tasks.
type Manager struct {
	mu        sync.Mutex
	workers   []string
	metrics   map[string]Metrics
	queues    map[string]*TaskQueue
	allocs    map[string]*Allocation
	usage     *UsageTracker
	maxQueue  int
	listeners []func(StatusChange)

	admitted  int64
	rejected  map[RejectReason]int64
	completed int64

	now func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxQueuePerWorker <= 0 {
		cfg.MaxQueuePerWorker = DefaultMaxQueuePerWorker
	}
	m := &Manager{
		metrics:  make(map[string]Metrics),
		queues:   make(map[string]*TaskQueue),
		allocs:   make(map[string]*Allocation),
		usage:    NewUsageTracker(),
		maxQueue: cfg.MaxQueuePerWorker,
		rejected: make(map[RejectReason]int64),
		now:      time.Now,
	}
	for _, w := range cfg.Workers {
		m.addWorkerLocked(w)
	}
	return m
}

func (m *Manager) addWorkerLocked(worker string) {
	if _, ok := m.queues[worker]; ok {
		return
	}
	m.workers = append(m.workers, worker)
	m.queues[worker] = NewTaskQueue(worker)
}

// AddWorker makes a worker known to the manager. Existing workers are untouched.
func (m *Manager) AddWorker(worker string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addWorkerLocked(worker)
}

func (m *Manager) Workers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.workers)
}

func (m *Manager) SetMaxQueuePerWorker(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxQueue = n
}

// OnStatusChange registers a listener fired when a worker's status band
// changes on UpdateMetrics.
func (m *Manager) OnStatusChange(fn func(StatusChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// UpdateMetrics replaces the worker's snapshot wholesale.
func (m *Manager) UpdateMetrics(metrics Metrics) error {
	if err := metrics.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.queues[metrics.Worker]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, metrics.Worker)
	}
	if metrics.UpdatedAt.IsZero() {
		metrics.UpdatedAt = m.now()
	}
	prev := m.metrics[metrics.Worker].Status()
	m.metrics[metrics.Worker] = metrics
	next := metrics.Status()
	listeners := m.listeners
	m.mu.Unlock()

	if prev != next {
		change := StatusChange{Worker: metrics.Worker, From: prev, To: next, Load: metrics.OverallLoad()}
		slog.Info("worker status changed", "worker", metrics.Worker, "from", prev, "to", next, "load", change.Load)
		for _, fn := range listeners {
			fn(change)
		}
	}
	return nil
}

func (m *Manager) Metrics(worker string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.metrics[worker]
	return metrics, ok
}

// Status reports the worker's current band. Workers with no metrics yet are healthy.
func (m *Manager) Status(worker string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[worker]; !ok {
		return Healthy, fmt.Errorf("%w: %s", ErrUnknownWorker, worker)
	}
	return m.metrics[worker].Status(), nil
}

// Admit decides whether taskID may be queued on worker. Checks run in
// order: unknown worker, exhausted, critical and not urgent, queue full.
// Admitting an id that already has a live allocation returns it unchanged.
func (m *Manager) Admit(taskID, worker string, prio task.Priority) Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.allocs[taskID]; ok && existing.State() != StateCompleted {
		a := *existing
		return Admission{Accepted: true, Allocation: &a}
	}

	reason := m.checkLocked(worker, prio)
	if reason != RejectNone {
		m.rejected[reason]++
		slog.Debug("admission rejected", "task", taskID, "worker", worker, "priority", prio, "reason", reason)
		return Admission{Reason: reason}
	}

	now := m.now()
	alloc := &Allocation{
		TaskID:   taskID,
		Worker:   worker,
		Priority: prio,
		QueuedAt: now,
	}
	m.allocs[taskID] = alloc
	m.queues[worker].Enqueue(taskID, prio)
	m.usage.Touch(worker, now)
	m.admitted++

	a := *alloc
	return Admission{Accepted: true, Allocation: &a}
}

func (m *Manager) checkLocked(worker string, prio task.Priority) RejectReason {
	q, ok := m.queues[worker]
	if !ok {
		return RejectUnknownWorker
	}
	switch m.metrics[worker].Status() {
	case Exhausted:
		return RejectExhausted
	case Critical:
		if prio != task.Urgent {
			return RejectPriorityTooLow
		}
	}
	if q.Len() >= m.maxQueue {
		return RejectQueueFull
	}
	return RejectNone
}

// Start moves a queued task to active.
func (m *Manager) Start(taskID string) (Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocs[taskID]
	if !ok {
		return Allocation{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if alloc.State() != StateQueued {
		return *alloc, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, alloc.State())
	}
	m.queues[alloc.Worker].Remove(taskID)
	now := m.now()
	alloc.StartedAt = &now
	return *alloc, nil
}

// Complete finishes a queued or active task and returns how long it ran.
// A task completed straight from the queue gets a zero run time.
func (m *Manager) Complete(taskID string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocs[taskID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	switch alloc.State() {
	case StateCompleted:
		return 0, fmt.Errorf("%w: %s already completed", ErrInvalidTransition, taskID)
	case StateQueued:
		m.queues[alloc.Worker].Remove(taskID)
	}

	now := m.now()
	if alloc.StartedAt == nil {
		alloc.StartedAt = &now
	}
	alloc.CompletedAt = &now
	m.completed++
	return now.Sub(*alloc.StartedAt), nil
}

// DequeueNext pops the worker's next task by priority then arrival and
// marks it active.
func (m *Manager) DequeueNext(worker string) (Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[worker]
	if !ok {
		return Allocation{}, false
	}
	id, ok := q.Dequeue()
	if !ok {
		return Allocation{}, false
	}
	alloc := m.allocs[id]
	now := m.now()
	alloc.StartedAt = &now
	return *alloc, true
}

// Allocation returns a copy of the task's allocation.
func (m *Manager) Allocation(taskID string) (Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.allocs[taskID]
	if !ok {
		return Allocation{}, false
	}
	return *alloc, true
}

// Queued lists queued allocations in dequeue order. An empty worker lists
// every worker in configured order.
func (m *Manager) Queued(worker string) []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Allocation
	for _, w := range m.workers {
		if worker != "" && w != worker {
			continue
		}
		for _, id := range m.queues[w].IDs() {
			out = append(out, *m.allocs[id])
		}
	}
	return out
}

// Active lists running allocations, oldest start first.
func (m *Manager) Active(worker string) []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Allocation
	for _, a := range m.allocs {
		if a.State() == StateActive && (worker == "" || a.Worker == worker) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(*out[j].StartedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartedAt.Before(*out[j].StartedAt)
	})
	return out
}

// Cleanup removes completed allocations that finished more than olderThan ago.
func (m *Manager) Cleanup(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	removed := 0
	for id, a := range m.allocs {
		if a.CompletedAt != nil && a.CompletedAt.Before(cutoff) {
			delete(m.allocs, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("cleaned up allocations", "removed", removed)
	}
	return removed
}

// SelectBestWorker picks among candidates (all workers when none given):
// best status band first, then least recently used, then lowest load, then
// configured order. Exhausted and unknown workers are never chosen. The
// returned score is the chosen worker's load.
func (m *Manager) SelectBestWorker(candidates ...string) (string, float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(candidates) == 0 {
		candidates = m.workers
	}

	type option struct {
		worker   string
		load     float64
		status   Status
		lastUsed time.Time
		rank     int
	}
	var opts []option
	for _, w := range candidates {
		if _, ok := m.queues[w]; !ok {
			continue
		}
		load := m.metrics[w].OverallLoad()
		st := StatusFor(load)
		if st == Exhausted {
			continue
		}
		last, _ := m.usage.LastUsed(w)
		opts = append(opts, option{worker: w, load: load, status: st, lastUsed: last, rank: slices.Index(m.workers, w)})
	}
	if len(opts) == 0 {
		return "", 0, false
	}

	sort.SliceStable(opts, func(i, j int) bool {
		a, b := opts[i], opts[j]
		if a.status != b.status {
			return a.status < b.status
		}
		if !a.lastUsed.Equal(b.lastUsed) {
			return a.lastUsed.Before(b.lastUsed)
		}
		if a.load != b.load {
			return a.load < b.load
		}
		return a.rank < b.rank
	})
	return opts[0].worker, opts[0].load, true
}

// AdjustTimeout scales baseMs by the worker's status. Exhausted and unknown
// workers get the base unchanged.
func (m *Manager) AdjustTimeout(baseMs int64, worker string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[worker]; !ok {
		return baseMs
	}
	return int64(float64(baseMs) * m.metrics[worker].Status().TimeoutFactor())
}

func (m *Manager) Snapshot() []WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[string]int)
	for _, a := range m.allocs {
		if a.State() == StateActive {
			active[a.Worker]++
		}
	}

	out := make([]WorkerState, 0, len(m.workers))
	for _, w := range m.workers {
		metrics := m.metrics[w]
		ws := WorkerState{
			Worker:  w,
			Metrics: metrics,
			Load:    metrics.OverallLoad(),
			Status:  metrics.Status(),
			Queued:  m.queues[w].Len(),
			Active:  active[w],
		}
		ws.Metrics.Worker = w
		if at, ok := m.usage.LastUsed(w); ok {
			ws.LastUsed = &at
		}
		out = append(out, ws)
	}
	return out
}

func (m *Manager) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Counters{
		Admitted:  m.admitted,
		Completed: m.completed,
		Rejected:  make(map[string]int64, len(m.rejected)),
	}
	for r, n := range m.rejected {
		c.Rejected[r.String()] = n
	}
	return c
}
