package router

import (
	"context"
	"errors"
	"strings"

	"github.com/mtzanidakis/dispatch/internal/task"
)

// Scorer rates how hard a task is, in [0,1].
type Scorer interface {
	Score(ctx context.Context, t task.Task) (float64, error)
}

type ScorerFunc func(ctx context.Context, t task.Task) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, t task.Task) (float64, error) {
	return f(ctx, t)
}

var ErrEmptyDescription = errors.New("empty task description")

// keyword weights for the heuristic scorer
var difficultyTerms = map[string]float64{
	"concurrent":    0.15,
	"concurrency":   0.15,
	"distributed":   0.2,
	"race":          0.15,
	"deadlock":      0.2,
	"lock-free":     0.25,
	"optimize":      0.1,
	"performance":   0.1,
	"refactor":      0.1,
	"migrate":       0.1,
	"security":      0.15,
	"crypto":        0.2,
	"parser":        0.15,
	"compiler":      0.25,
	"algorithm":     0.1,
	"recursive":     0.05,
	"edge":          0.1,
	"unicode":       0.1,
	"protocol":      0.15,
	"consensus":     0.25,
	"transaction":   0.1,
	"benchmark":     0.05,
	"hello":         -0.1,
	"print":         -0.05,
	"rename":        -0.05,
	"typo":          -0.1,
	"simple":        -0.1,
	"trivial":       -0.15,
	"boilerplate":   -0.1,
	"one-liner":     -0.15,
	"format":        -0.05,
	"documentation": -0.05,
}

// HeuristicScorer scores a description by its length and the presence of
// known difficulty terms.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(_ context.Context, t task.Task) (float64, error) {
	words := strings.Fields(strings.ToLower(t.Description))
	if len(words) == 0 {
		return 0, ErrEmptyDescription
	}

	score := min(float64(len(words))/150, 0.4)
	seen := make(map[string]bool)
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'`")
		if seen[w] {
			continue
		}
		seen[w] = true
		score += difficultyTerms[w]
	}
	return max(0, min(score, 1)), nil
}
