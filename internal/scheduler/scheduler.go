package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/dispatch/internal/config"
	"github.com/mtzanidakis/dispatch/internal/metrics"
	"github.com/mtzanidakis/dispatch/internal/natsbus"
	"github.com/mtzanidakis/dispatch/internal/schedule"
	"github.com/mtzanidakis/dispatch/internal/store"
)

// Job is one maintenance task. Run returns a short human-readable result.
type Job struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Scheduler runs maintenance jobs on a shared schedule. Job definitions and
// run history live in the store so they survive restarts and can be
// inspected.
type Scheduler struct {
	store      *store.Store
	natsClient *natsbus.Client
	jobs       map[string]Job
	names      []string
	reloadCh   chan struct{}
	now        func() time.Time

	mu           sync.Mutex
	schedule     string
	pollInterval time.Duration
}

func New(s *store.Store, client *natsbus.Client, cfg config.MaintenanceConfig, jobs ...Job) (*Scheduler, error) {
	normalized, err := schedule.NormalizeSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}
	sched := &Scheduler{
		store:        s,
		natsClient:   client,
		jobs:         make(map[string]Job, len(jobs)),
		reloadCh:     make(chan struct{}, 1),
		now:          time.Now,
		schedule:     normalized,
		pollInterval: cfg.PollInterval,
	}
	for _, j := range jobs {
		sched.jobs[j.Name] = j
		sched.names = append(sched.names, j.Name)
	}
	return sched, nil
}

// UpdateConfig swaps the schedule and poll interval, reschedules every job
// and signals the run loop to reset its ticker.
func (s *Scheduler) UpdateConfig(cfg config.MaintenanceConfig) error {
	normalized, err := schedule.NormalizeSchedule(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	s.mu.Lock()
	s.schedule = normalized
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()

	if err := s.Sync(); err != nil {
		return err
	}
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

// Sync writes every job with its next run to the store and removes jobs no
// longer registered.
func (s *Scheduler) Sync() error {
	s.mu.Lock()
	sched := s.schedule
	s.mu.Unlock()

	for _, name := range s.names {
		job := &store.MaintenanceJob{
			ID:        name,
			Schedule:  sched,
			NextRunAt: schedule.NextRun(sched, s.now()),
		}
		if err := s.store.SaveJob(job); err != nil {
			return fmt.Errorf("save job %s: %w", name, err)
		}
	}
	if err := s.store.DeleteJobsNotIn(s.names); err != nil {
		return fmt.Errorf("delete stale jobs: %w", err)
	}
	return nil
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		s.pollInterval = 10 * time.Second
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	if err := s.Sync(); err != nil {
		slog.Error("scheduler sync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	s.mu.Lock()
	sched := s.schedule
	s.mu.Unlock()
	slog.Info("scheduler started", "poll_interval", s.interval(), "schedule", schedule.FormatSchedule(sched), "jobs", s.names)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs every job that is due.
func (s *Scheduler) Poll(ctx context.Context) {
	due, err := s.store.GetDueJobs(s.now())
	if err != nil {
		slog.Error("failed to get due jobs", "error", err)
		return
	}

	for _, j := range due {
		s.execute(ctx, j)
	}
}

// RunNow runs one job immediately regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	j, err := s.store.GetJob(name)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("unknown job: %s", name)
	}
	s.execute(ctx, *j)
	return nil
}

func (s *Scheduler) execute(ctx context.Context, row store.MaintenanceJob) {
	job, ok := s.jobs[row.ID]
	if !ok {
		slog.Warn("no handler for maintenance job", "id", row.ID)
		return
	}

	result, err := job.Run(ctx)

	lastStatus, lastError := "success", ""
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("maintenance job failed", "id", row.ID, "error", err)
	} else {
		slog.Debug("maintenance job ran", "id", row.ID, "result", result)
	}
	metrics.MaintenanceRuns.WithLabelValues(row.ID, lastStatus).Inc()

	s.mu.Lock()
	sched := s.schedule
	s.mu.Unlock()
	nextRun := schedule.NextRun(sched, s.now())

	if err := s.store.UpdateJobRun(row.ID, lastStatus, lastError, result, nextRun); err != nil {
		slog.Error("failed to update job run", "id", row.ID, "error", err)
	}

	s.publishJobEvent(row.ID, lastStatus, result)

	if nextRun == nil {
		slog.Info("no next run, marking maintenance job as completed", "id", row.ID)
		if err := s.store.UpdateJobStatus(row.ID, "completed"); err != nil {
			slog.Error("failed to complete job", "id", row.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishJobEvent(id, status, result string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "maintenance_executed",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     id,
			"status": status,
			"result": result,
		},
	}

	_ = s.natsClient.PublishJSON(natsbus.TopicEventsMaintenance, event)
}
