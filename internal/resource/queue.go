package resource

import (
	"sync"

	"github.com/mtzanidakis/dispatch/internal/task"
)

// TaskQueue is a per-worker FIFO per priority tier.
type TaskQueue struct {
	worker string
	tiers  [3][]string
	mu     sync.Mutex
}

func NewTaskQueue(worker string) *TaskQueue {
	return &TaskQueue{worker: worker}
}

func (q *TaskQueue) Enqueue(taskID string, prio task.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tiers[prio] = append(q.tiers[prio], taskID)
}

// Dequeue pops the oldest task of the highest non-empty tier.
func (q *TaskQueue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range task.Priorities {
		if len(q.tiers[p]) == 0 {
			continue
		}
		id := q.tiers[p][0]
		q.tiers[p] = q.tiers[p][1:]
		return id, true
	}
	return "", false
}

// Remove drops a specific task wherever it sits.
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p, ids := range q.tiers {
		for i, id := range ids {
			if id == taskID {
				q.tiers[p] = append(ids[:i:i], ids[i+1:]...)
				return true
			}
		}
	}
	return false
}

// IDs lists queued tasks in dequeue order.
func (q *TaskQueue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	for _, p := range task.Priorities {
		out = append(out, q.tiers[p]...)
	}
	return out
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tiers[0]) + len(q.tiers[1]) + len(q.tiers[2])
}
