package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/dispatch/internal/natsbus"
	"github.com/mtzanidakis/dispatch/internal/router"
	"github.com/mtzanidakis/dispatch/internal/task"
)

// ScoreReply is what an external scorer answers on dispatch.scorer.
type ScoreReply struct {
	Score float64 `json:"score"`
	Error string  `json:"error,omitempty"`
}

// NATSScorer asks an external service to score tasks. When the request fails
// and a fallback is set, the fallback's score is used instead.
type NATSScorer struct {
	client   *natsbus.Client
	timeout  time.Duration
	fallback router.Scorer
}

func NewNATSScorer(client *natsbus.Client, timeout time.Duration, fallback router.Scorer) *NATSScorer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSScorer{client: client, timeout: timeout, fallback: fallback}
}

func (s *NATSScorer) Score(ctx context.Context, t task.Task) (float64, error) {
	score, err := s.request(ctx, t)
	if err == nil {
		return score, nil
	}
	if s.fallback == nil {
		return 0, err
	}
	slog.Warn("remote scorer failed, using fallback", "task", t.ID, "error", err)
	return s.fallback.Score(ctx, t)
}

func (s *NATSScorer) request(ctx context.Context, t task.Task) (float64, error) {
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	var reply ScoreReply
	if err := s.client.RequestJSON(natsbus.TopicScorer, t, &reply, timeout); err != nil {
		return 0, err
	}
	if reply.Error != "" {
		return 0, errors.New(reply.Error)
	}
	if reply.Score < 0 || reply.Score > 1 {
		return 0, fmt.Errorf("score %v out of range", reply.Score)
	}
	return reply.Score, nil
}
