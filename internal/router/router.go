package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/dispatch/internal/task"
)

const (
	DefaultRecentDecisions = 50

	emaAlpha = 0.2
)

var (
	ErrNoWorkers         = errors.New("no supported workers")
	ErrInvalidThresholds = errors.New("invalid thresholds")
	ErrUnknownWorker     = errors.New("unknown worker")
)

// Thresholds are the upper bounds of the SIMPLE, MODERATE and COMPLEX bands.
// Anything at or above Complex is EDGE_CASE.
type Thresholds struct {
	Simple   float64 `json:"simple"`
	Moderate float64 `json:"moderate"`
	Complex  float64 `json:"complex"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Simple: 0.3, Moderate: 0.6, Complex: 0.85}
}

func (th Thresholds) Validate() error {
	if !(0 < th.Simple && th.Simple < th.Moderate && th.Moderate < th.Complex && th.Complex < 1) {
		return fmt.Errorf("%w: need 0 < %v < %v < %v < 1", ErrInvalidThresholds, th.Simple, th.Moderate, th.Complex)
	}
	return nil
}

// Band maps a score to its complexity band and the band's bounds.
func (th Thresholds) Band(score float64) (c task.Complexity, lo, hi float64) {
	switch {
	case score < th.Simple:
		return task.Simple, 0, th.Simple
	case score < th.Moderate:
		return task.Moderate, th.Simple, th.Moderate
	case score < th.Complex:
		return task.Complex, th.Moderate, th.Complex
	default:
		return task.EdgeCase, th.Complex, 1
	}
}

// AgentScore is one worker's scoreboard.
type AgentScore struct {
	Worker             string  `json:"worker"`
	Total              int     `json:"total"`
	Successful         int     `json:"successful"`
	Failed             int     `json:"failed"`
	AvgExecutionTimeMs float64 `json:"avg_execution_time_ms"`
	AvgQuality         float64 `json:"avg_quality"`
	SuccessRate        float64 `json:"success_rate"`
	Reliability        float64 `json:"reliability"`
}

func newAgentScore(worker string) *AgentScore {
	s := &AgentScore{Worker: worker, AvgQuality: 0.5}
	s.recompute()
	return s
}

func (s *AgentScore) record(o task.ExecutionOutcome) {
	quality := max(0, min(o.Quality, 1))
	if s.Total == 0 {
		s.AvgQuality = quality
	} else {
		s.AvgQuality = emaAlpha*quality + (1-emaAlpha)*s.AvgQuality
	}
	s.AvgExecutionTimeMs = emaAlpha*max(o.ExecutionTimeMs, 0) + (1-emaAlpha)*s.AvgExecutionTimeMs

	s.Total++
	if o.Success {
		s.Successful++
	} else {
		s.Failed++
	}
	s.recompute()
}

func (s *AgentScore) recompute() {
	if s.Total == 0 {
		s.SuccessRate = 0.5
	} else {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
	}
	s.Reliability = 0.6*s.SuccessRate + 0.4*s.AvgQuality
}

type Statistics struct {
	Workers         []AgentScore                `json:"workers"`
	TotalDecisions  int64                       `json:"total_decisions"`
	TotalOutcomes   int64                       `json:"total_outcomes"`
	SuccessRate     float64                     `json:"success_rate"`
	ByComplexity    map[string]int64            `json:"by_complexity"`
	Observed        map[string]map[string]int64 `json:"observed"` // predicted → observed
	RecentDecisions []task.RoutingDecision      `json:"recent_decisions"`
	Thresholds      Thresholds                  `json:"thresholds"`
}

type Config struct {
	Workers         []string
	Thresholds      Thresholds
	RecentDecisions int
}

// Router classifies tasks, picks a worker and model, and learns from outcomes.
type Router struct {
	scorer  Scorer
	workers []string

	mu           sync.Mutex
	thresholds   Thresholds
	scores       map[string]*AgentScore
	recent       []task.RoutingDecision
	recentCap    int
	decisions    int64
	outcomes     int64
	successes    int64
	byComplexity map[task.Complexity]int64
	observed     map[task.Complexity]map[task.Complexity]int64

	now func() time.Time
}

// New builds a router for the given workers. A nil scorer classifies every
// task as UNKNOWN.
func New(cfg Config, scorer Scorer) (*Router, error) {
	if len(cfg.Workers) == 0 {
		return nil, ErrNoWorkers
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.RecentDecisions <= 0 {
		cfg.RecentDecisions = DefaultRecentDecisions
	}

	r := &Router{
		scorer:       scorer,
		workers:      slices.Clone(cfg.Workers),
		thresholds:   cfg.Thresholds,
		scores:       make(map[string]*AgentScore, len(cfg.Workers)),
		recentCap:    cfg.RecentDecisions,
		byComplexity: make(map[task.Complexity]int64),
		observed:     make(map[task.Complexity]map[task.Complexity]int64),
		now:          time.Now,
	}
	for _, w := range r.workers {
		r.scores[w] = newAgentScore(w)
	}
	return r, nil
}

func (r *Router) Workers() []string {
	return slices.Clone(r.workers)
}

func (r *Router) Supports(worker string) bool {
	return slices.Contains(r.workers, worker)
}

func (r *Router) Thresholds() Thresholds {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thresholds
}

func (r *Router) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = th
	return nil
}

// Classify buckets the scorer's rating. Scorer failures and out-of-range
// scores yield UNKNOWN.
func (r *Router) Classify(ctx context.Context, t task.Task) task.Complexity {
	c, _ := r.classify(ctx, t)
	return c
}

func (r *Router) classify(ctx context.Context, t task.Task) (task.Complexity, float64) {
	if r.scorer == nil {
		return task.Unknown, 0
	}
	score, err := r.scorer.Score(ctx, t)
	if err != nil {
		slog.Debug("scorer failed, classifying as unknown", "task", t.ID, "error", err)
		return task.Unknown, 0
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		slog.Debug("scorer out of range, classifying as unknown", "task", t.ID, "score", score)
		return task.Unknown, 0
	}
	c, _, _ := r.Thresholds().Band(score)
	return c, score
}

// SelectWorker honours a supported hint; otherwise it picks the most
// reliable worker, then the fastest, then the first configured.
func (r *Router) SelectWorker(t task.Task) string {
	if t.WorkerHint != "" && r.Supports(t.WorkerHint) {
		return t.WorkerHint
	}
	if t.WorkerHint != "" {
		slog.Debug("ignoring unsupported worker hint", "task", t.ID, "hint", t.WorkerHint)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	best := r.workers[0]
	for _, w := range r.workers[1:] {
		cand, cur := r.scores[w], r.scores[best]
		switch {
		case cand.Reliability > cur.Reliability:
			best = w
		case cand.Reliability == cur.Reliability && cand.AvgExecutionTimeMs < cur.AvgExecutionTimeMs:
			best = w
		}
	}
	return best
}

// SelectModel never picks ULTRA_DEEP; callers request it explicitly.
func (r *Router) SelectModel(c task.Complexity) task.Model {
	switch c {
	case task.Simple, task.Moderate:
		return task.Fast
	default:
		return task.Deep
	}
}

var (
	baseTimeout = map[task.Complexity]time.Duration{
		task.Simple:   30 * time.Second,
		task.Moderate: 30 * time.Second,
		task.Complex:  120 * time.Second,
		task.EdgeCase: 120 * time.Second,
	}
	deepFactor = map[task.Complexity]float64{
		task.Simple:   1.0,
		task.Moderate: 1.0,
		task.Complex:  1.5,
		task.EdgeCase: 2.0,
	}
)

const ultraDeepBase = 300 * time.Second

// EstimateTimeout returns the expected run time in milliseconds. UNKNOWN is
// treated as EDGE_CASE.
func (r *Router) EstimateTimeout(c task.Complexity, m task.Model) int64 {
	if c == task.Unknown || !c.Valid() {
		c = task.EdgeCase
	}
	base := baseTimeout[c]
	factor := 1.0
	switch m {
	case task.Fast:
		if c == task.Simple {
			factor = 0.5
		}
	case task.UltraDeep:
		base = ultraDeepBase
		factor = deepFactor[c]
	default:
		factor = deepFactor[c]
	}
	return int64(float64(base.Milliseconds()) * factor)
}

// Route composes classification, worker and model selection into a decision.
func (r *Router) Route(ctx context.Context, t task.Task) task.RoutingDecision {
	complexity, score := r.classify(ctx, t)
	worker := r.SelectWorker(t)

	model := r.SelectModel(complexity)
	if t.RequestedModel != task.ModelDefault && t.RequestedModel.Valid() {
		model = t.RequestedModel
	}

	r.mu.Lock()
	reliability := r.scores[worker].Reliability
	certainty := r.certaintyLocked(complexity, score)
	r.mu.Unlock()

	confidence := max(0, min(0.6*certainty+0.4*reliability, 1))

	via := fmt.Sprintf("reliability %.2f", reliability)
	if t.WorkerHint == worker {
		via = "hint"
	}
	d := task.RoutingDecision{
		TaskID:             t.ID,
		Complexity:         complexity,
		Worker:             worker,
		Model:              model,
		Confidence:         confidence,
		Rationale:          fmt.Sprintf("%s (score %.2f) → %s via %s, model %s", complexity, score, worker, via, model),
		EstimatedTimeoutMs: r.EstimateTimeout(complexity, model),
		Priority:           t.Priority,
		CreatedAt:          r.now(),
	}

	r.mu.Lock()
	r.decisions++
	r.byComplexity[complexity]++
	r.mu.Unlock()

	return d
}

// RecordDecision appends the decision as finally dispatched (or rejected) to
// the recent history reported by Statistics. Callers that reroute or adjust
// a decision after Route pass the final copy.
func (r *Router) RecordDecision(d task.RoutingDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, d)
	if over := len(r.recent) - r.recentCap; over > 0 {
		r.recent = slices.Delete(r.recent, 0, over)
	}
}

// certaintyLocked is how far the score sits from its nearest band edge,
// scaled so the band midpoint is 1.
func (r *Router) certaintyLocked(c task.Complexity, score float64) float64 {
	if c == task.Unknown {
		return 0
	}
	_, lo, hi := r.thresholds.Band(score)
	half := (hi - lo) / 2
	if half <= 0 {
		return 0
	}
	return max(0, min(math.Min(score-lo, hi-score)/half, 1))
}

// RecordOutcome updates the worker's scoreboard.
func (r *Router) RecordOutcome(o task.ExecutionOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scores[o.Worker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, o.Worker)
	}
	s.record(o)

	r.outcomes++
	if o.Success {
		r.successes++
	}
	if o.ObservedComplexity != nil {
		predicted := o.Decision.Complexity
		tally, ok := r.observed[predicted]
		if !ok {
			tally = make(map[task.Complexity]int64)
			r.observed[predicted] = tally
		}
		tally[*o.ObservedComplexity]++
	}
	return nil
}

func (r *Router) Score(worker string) (AgentScore, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scores[worker]
	if !ok {
		return AgentScore{}, false
	}
	return *s, true
}

func (r *Router) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Statistics{
		TotalDecisions:  r.decisions,
		TotalOutcomes:   r.outcomes,
		ByComplexity:    make(map[string]int64, len(r.byComplexity)),
		Observed:        make(map[string]map[string]int64, len(r.observed)),
		RecentDecisions: slices.Clone(r.recent),
		Thresholds:      r.thresholds,
	}
	if r.outcomes > 0 {
		st.SuccessRate = float64(r.successes) / float64(r.outcomes)
	}
	for _, w := range r.workers {
		st.Workers = append(st.Workers, *r.scores[w])
	}
	for c, n := range r.byComplexity {
		st.ByComplexity[c.String()] = n
	}
	for predicted, tally := range r.observed {
		m := make(map[string]int64, len(tally))
		for observed, n := range tally {
			m[observed.String()] = n
		}
		st.Observed[predicted.String()] = m
	}
	slices.Reverse(st.RecentDecisions)
	return st
}

// Reset zeroes the given scoreboards, or all of them when none are named.
func (r *Router) Reset(workers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(workers) == 0 {
		workers = r.workers
	}
	for _, w := range workers {
		if _, ok := r.scores[w]; ok {
			r.scores[w] = newAgentScore(w)
			slog.Info("scoreboard reset", "worker", w)
		}
	}
}
