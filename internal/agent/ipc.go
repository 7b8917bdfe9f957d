package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/metrics"
	"github.com/mtzanidakis/dispatch/internal/natsbus"
	"github.com/mtzanidakis/dispatch/internal/resource"
	"github.com/mtzanidakis/dispatch/internal/task"
	"github.com/nats-io/nats.go"
)

// IngestTTL is applied to messages published through IPC without a TTL.
const IngestTTL = 10 * time.Minute

// ErrUnknownTarget is returned for IPC publishes addressed to a participant
// nobody consumes.
var ErrUnknownTarget = errors.New("unknown target")

type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubmitRequest is the submit payload. Enum fields are names ("URGENT",
// "DEEP"); empty priority means NORMAL.
type SubmitRequest struct {
	ID             string `json:"id,omitempty"`
	Description    string `json:"description"`
	WorkerHint     string `json:"worker_hint,omitempty"`
	Priority       string `json:"priority,omitempty"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	RequestedModel string `json:"requested_model,omitempty"`
}

func (r SubmitRequest) Task() (task.Task, error) {
	prio, err := task.ParsePriority(r.Priority)
	if err != nil {
		return task.Task{}, err
	}
	var model task.Model
	if r.RequestedModel != "" {
		if model, err = task.ParseModel(r.RequestedModel); err != nil {
			return task.Task{}, err
		}
	}
	return task.Task{
		ID:             r.ID,
		Description:    r.Description,
		WorkerHint:     r.WorkerHint,
		Priority:       prio,
		TimeoutMs:      r.TimeoutMs,
		MaxRetries:     r.MaxRetries,
		RequestedModel: model,
	}, nil
}

// LogRequest filters the bus audit log.
type LogRequest struct {
	Component string `json:"component,omitempty"`
	Type      string `json:"type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Reply is the envelope of every IPC response.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Gateway connects the in-process bus to NATS: it answers IPC commands,
// ingests metric pushes, pumps worker inboxes to their NATS subjects and
// mirrors bus traffic as events.
type Gateway struct {
	orch   *Orchestrator
	client *natsbus.Client

	mu     sync.Mutex
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	closed bool
}

func NewGateway(o *Orchestrator, client *natsbus.Client) *Gateway {
	return &Gateway{orch: o, client: client}
}

// Start subscribes to the IPC and metrics subjects and starts one inbox
// pump per worker. Pumps stop when ctx ends.
func (g *Gateway) Start(ctx context.Context) error {
	ipcSub, err := g.client.Subscribe(natsbus.TopicIPC, g.handleIPC)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	metricsSub, err := g.client.Subscribe(natsbus.TopicMetricsAll, g.handleMetrics)
	if err != nil {
		_ = ipcSub.Unsubscribe()
		return fmt.Errorf("subscribe metrics: %w", err)
	}
	g.mu.Lock()
	g.subs = append(g.subs, ipcSub, metricsSub)
	g.mu.Unlock()

	g.orch.Bus().Listen(g.mirror)

	for _, w := range g.orch.Router().Workers() {
		g.wg.Add(1)
		go g.pump(ctx, w)
	}
	g.wg.Add(1)
	go g.consume(ctx)
	slog.Info("nats gateway started", "workers", g.orch.Router().Workers())
	return g.client.Flush()
}

// Stop unsubscribes and waits for the pumps. ctx passed to Start must be
// cancelled first.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.closed = true
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	g.wg.Wait()
}

func (g *Gateway) pump(ctx context.Context, worker string) {
	defer g.wg.Done()
	subject := natsbus.TopicWorkerInbox(worker)
	for {
		msg, ok := g.orch.Bus().Next(ctx, worker, 0)
		if !ok {
			return
		}
		if err := g.client.PublishJSON(subject, msg); err != nil {
			slog.Error("deliver to worker failed", "worker", worker, "id", msg.ID, "error", err)
		}
	}
}

// consume drains the orchestrator's own inbox. Worker broadcasts and
// messages addressed to the orchestrator stay in the audit log and the
// event stream; here they are only logged.
func (g *Gateway) consume(ctx context.Context) {
	defer g.wg.Done()
	for {
		msg, ok := g.orch.Bus().Next(ctx, Source, 0)
		if !ok {
			return
		}
		if msg.Type == bus.Alert {
			slog.Warn("alert from participant", "source", msg.Source, "id", msg.ID, "content", string(msg.Content))
			continue
		}
		slog.Debug("orchestrator message", "type", msg.Type, "source", msg.Source, "id", msg.ID)
	}
}

func (g *Gateway) mirror(msg bus.Message) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}
	if err := g.client.PublishJSON(natsbus.TopicEventsBus(msg.Type.String()), msg); err != nil {
		slog.Debug("mirror bus message failed", "id", msg.ID, "error", err)
	}
}

func (g *Gateway) handleMetrics(msg *nats.Msg) {
	worker, ok := natsbus.WorkerFromMetricsTopic(msg.Subject)
	if !ok {
		return
	}
	var m resource.Metrics
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		slog.Warn("invalid metrics push", "worker", worker, "error", err)
		return
	}
	m.Worker = worker
	if err := g.updateMetrics(m); err != nil {
		slog.Warn("metrics push rejected", "worker", worker, "error", err)
	}
}

func (g *Gateway) updateMetrics(m resource.Metrics) error {
	if err := g.orch.Resources().UpdateMetrics(m); err != nil {
		return err
	}
	metrics.WorkerLoad.WithLabelValues(m.Worker).Set(m.OverallLoad())
	return nil
}

func (g *Gateway) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		g.respondIPC(msg, Reply{Error: "invalid command"})
		return
	}

	slog.Debug("IPC command received", "type", cmd.Type)

	data, err := g.dispatch(cmd)
	if err != nil {
		g.respondIPC(msg, Reply{Error: err.Error(), Data: data})
		return
	}
	g.respondIPC(msg, Reply{OK: true, Data: data})
}

// dispatch runs one IPC command. Data may be non-nil alongside an error.
func (g *Gateway) dispatch(cmd IPCCommand) (any, error) {
	ctx := context.Background()
	switch cmd.Type {
	case "submit":
		var req SubmitRequest
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		t, err := req.Task()
		if err != nil {
			return nil, err
		}
		d, err := g.orch.ProcessTask(ctx, t)
		return d, err

	case "outcome":
		var out task.ExecutionOutcome
		if err := json.Unmarshal(cmd.Payload, &out); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		return nil, g.orch.HandleExecutionOutcome(ctx, out)

	case "started":
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.TaskID == "" {
			return nil, fmt.Errorf("task_id is required")
		}
		return nil, g.orch.HandleExecutionStarted(req.TaskID)

	case "status":
		var req struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.TaskID == "" {
			return nil, fmt.Errorf("task_id is required")
		}
		rec, ok := g.orch.Status(req.TaskID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTask, req.TaskID)
		}
		return rec, nil

	case "metrics":
		var m resource.Metrics
		if err := json.Unmarshal(cmd.Payload, &m); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		return nil, g.updateMetrics(m)

	case "publish":
		var m bus.Message
		if err := json.Unmarshal(cmd.Payload, &m); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		if !g.consumed(m.Target) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, m.Target)
		}
		if m.TTLSeconds == 0 {
			m.TTLSeconds = int(IngestTTL / time.Second)
		}
		var id string
		var err error
		if m.ReplyTo != "" {
			id, err = g.orch.Bus().Respond(m)
		} else {
			id, err = g.orch.Bus().Publish(m)
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil

	case "stats":
		return g.orch.Stats(), nil

	case "statistics":
		return g.orch.Router().Statistics(), nil

	case "resources":
		return g.orch.Resources().Snapshot(), nil

	case "log":
		var req LogRequest
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &req); err != nil {
				return nil, fmt.Errorf("invalid payload: %w", err)
			}
		}
		f := bus.Filter{Component: req.Component, Limit: req.Limit}
		if req.Type != "" {
			typ, err := bus.ParseMessageType(req.Type)
			if err != nil {
				return nil, err
			}
			f.Type = typ
		}
		return g.orch.Bus().Log(f), nil

	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		return nil, fmt.Errorf("unknown command: %s", cmd.Type)
	}
}

// consumed reports whether messages to target are drained by a pump.
func (g *Gateway) consumed(target string) bool {
	return target == bus.Broadcast || target == Source || slices.Contains(g.orch.Router().Workers(), target)
}

func (g *Gateway) respondIPC(msg *nats.Msg, data any) {
	if msg.Reply == "" {
		return
	}
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
