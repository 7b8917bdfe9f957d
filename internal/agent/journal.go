package agent

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/metrics"
	"github.com/mtzanidakis/dispatch/internal/store"
	"github.com/mtzanidakis/dispatch/internal/task"
)

// DefaultJournalBuffer is how many published messages may wait for the
// journal writer before new ones are dropped.
const DefaultJournalBuffer = 4096

// Journal mirrors bus traffic into the store: every message is kept for
// audit, and DECISION, OUTCOME and admission ALERT messages also update the
// decisions and outcomes tables. Publishers only queue; Run does the writes.
type Journal struct {
	store *store.Store
	queue chan bus.Message
	done  chan struct{}
}

func NewJournal(s *store.Store) *Journal {
	return &Journal{
		store: s,
		queue: make(chan bus.Message, DefaultJournalBuffer),
		done:  make(chan struct{}),
	}
}

// Attach queues every message published on b for Run.
func (j *Journal) Attach(b *bus.Bus) {
	b.Listen(j.enqueue)
}

func (j *Journal) enqueue(msg bus.Message) {
	select {
	case j.queue <- msg:
	default:
		metrics.JournalDropped.Inc()
		slog.Warn("journal queue full, dropping message", "id", msg.ID, "type", msg.Type)
	}
}

// Run writes queued messages until ctx ends, then writes whatever is still
// queued and closes Done.
func (j *Journal) Run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case msg := <-j.queue:
					j.Record(msg)
				default:
					return
				}
			}
		case msg := <-j.queue:
			j.Record(msg)
		}
	}
}

// Done is closed once Run has returned.
func (j *Journal) Done() <-chan struct{} {
	return j.done
}

func (j *Journal) Record(msg bus.Message) {
	row := &store.BusMessage{
		ID:             msg.ID,
		Type:           msg.Type.String(),
		Source:         msg.Source,
		Target:         msg.Target,
		Priority:       msg.Priority.String(),
		Content:        msg.Content,
		ConversationID: msg.ConversationID,
		ReplyTo:        msg.ReplyTo,
		TTLSeconds:     msg.TTLSeconds,
		CreatedAt:      msg.CreatedAt,
	}
	if err := j.store.SaveMessage(row); err != nil {
		slog.Error("journal message failed", "id", msg.ID, "error", err)
	}

	if msg.Source != Source {
		return
	}
	switch msg.Type {
	case bus.Decision:
		var a Assignment
		if err := msg.Decode(&a); err != nil {
			slog.Warn("journal: bad decision payload", "id", msg.ID, "error", err)
			return
		}
		j.saveDecision(a.Task, a.Decision, store.DecisionDispatched, "")
	case bus.Outcome:
		var out task.ExecutionOutcome
		if err := msg.Decode(&out); err != nil {
			slog.Warn("journal: bad outcome payload", "id", msg.ID, "error", err)
			return
		}
		j.saveOutcome(out)
	case bus.Alert:
		var alert Alert
		if err := msg.Decode(&alert); err != nil || alert.Kind != AlertAdmissionFailed || alert.Task == nil || alert.Decision == nil {
			return
		}
		j.saveDecision(*alert.Task, *alert.Decision, store.DecisionRejected, alert.Reason)
	}
}

func (j *Journal) saveDecision(t task.Task, d task.RoutingDecision, status, reason string) {
	row := &store.Decision{
		TaskID:             d.TaskID,
		Description:        t.Description,
		Worker:             d.Worker,
		Complexity:         d.Complexity.String(),
		Model:              d.Model.String(),
		Priority:           d.Priority.String(),
		Confidence:         d.Confidence,
		Rationale:          d.Rationale,
		EstimatedTimeoutMs: d.EstimatedTimeoutMs,
		Status:             status,
		Reason:             reason,
		CreatedAt:          d.CreatedAt,
	}
	if err := j.store.SaveDecision(row); err != nil {
		slog.Error("journal decision failed", "task", d.TaskID, "error", err)
	}
}

func (j *Journal) saveOutcome(out task.ExecutionOutcome) {
	row := &store.Outcome{
		TaskID:          out.TaskID,
		Worker:          out.Worker,
		Success:         out.Success,
		Quality:         out.Quality,
		ExecutionTimeMs: out.ExecutionTimeMs,
		Error:           out.Error,
	}
	if out.ObservedComplexity != nil {
		row.ObservedComplexity = out.ObservedComplexity.String()
	}
	if err := j.store.SaveOutcome(row); err != nil {
		slog.Error("journal outcome failed", "task", out.TaskID, "error", err)
	}

	status := store.DecisionCompleted
	if !out.Success {
		status = store.DecisionFailed
	}
	if err := j.store.UpdateDecisionStatus(out.TaskID, status, out.Error); err != nil {
		slog.Warn("journal decision status failed", "task", out.TaskID, "error", err)
	}
}
