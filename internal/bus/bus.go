package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/dispatch/internal/task"
)

const (
	DefaultMaxLogSize       = 10000
	DefaultRequestRetention = time.Hour
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownRequest = errors.New("reply_to does not reference a published request")
)

type Config struct {
	MaxLogSize int
	// DefaultTTL is applied to messages published without one. Zero keeps them forever.
	DefaultTTL time.Duration
	// RequestRetention bounds how long a REQUEST id stays answerable.
	RequestRetention time.Duration
}

type Filter struct {
	Component string
	Type      MessageType
	Limit     int
}

type Stats struct {
	Participants    int            `json:"participants"`
	Published       int64          `json:"published"`
	LogSize         int            `json:"log_size"`
	ByType          map[string]int `json:"by_type"`
	Pending         map[string]int `json:"pending"`
	PendingRequests int            `json:"pending_requests"`
	Expired         int64          `json:"expired"`
	Subscriptions   int            `json:"subscriptions"`
}

// Bus routes priority-tagged messages between participants. All methods are
// safe for concurrent use.
type Bus struct {
	cfg Config

	mu        sync.Mutex
	inboxes   map[string]*inbox
	order     []string
	subs      map[string]map[MessageType]bool
	log       []Message
	byType    map[MessageType]int
	published int64
	requests  map[string]time.Time    // published REQUEST ids
	pending   map[string]chan Message // request id → reply slot
	listeners []func(Message)

	expired int64
}

func New(cfg Config) *Bus {
	if cfg.MaxLogSize <= 0 {
		cfg.MaxLogSize = DefaultMaxLogSize
	}
	if cfg.RequestRetention <= 0 {
		cfg.RequestRetention = DefaultRequestRetention
	}
	return &Bus{
		cfg:      cfg,
		inboxes:  make(map[string]*inbox),
		subs:     make(map[string]map[MessageType]bool),
		byType:   make(map[MessageType]int),
		requests: make(map[string]time.Time),
		pending:  make(map[string]chan Message),
	}
}

// Register creates the participant's inbox. Registering twice returns the
// same inbox.
func (b *Bus) Register(id string) error {
	if id == "" || id == Broadcast {
		return fmt.Errorf("%w: participant id %q", ErrInvalidMessage, id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerLocked(id)
	return nil
}

func (b *Bus) registerLocked(id string) *inbox {
	ib, ok := b.inboxes[id]
	if !ok {
		ib = newInbox()
		b.inboxes[id] = ib
		b.order = append(b.order, id)
	}
	return ib
}

func (b *Bus) Participants() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Subscribe records interest in a message type. Delivery still follows the
// explicit target or broadcast.
func (b *Bus) Subscribe(id string, typ MessageType) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: type %d", ErrInvalidMessage, int(typ))
	}
	if err := b.Register(id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[id]
	if !ok {
		set = make(map[MessageType]bool)
		b.subs[id] = set
	}
	set[typ] = true
	return nil
}

func (b *Bus) Subscriptions(id string) []MessageType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []MessageType
	for _, t := range MessageTypes {
		if b.subs[id][t] {
			out = append(out, t)
		}
	}
	return out
}

// Listen registers an observer called after every successful publish.
// Observers run on the publisher's goroutine and must not block.
func (b *Bus) Listen(fn func(Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// Publish appends the message to the audit log and enqueues it into the
// target inbox, or every inbox except the source's on broadcast. It never
// blocks.
func (b *Bus) Publish(msg Message) (string, error) {
	msg, err := b.publish(msg)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (b *Bus) publish(msg Message) (Message, error) {
	msg, err := b.prepare(msg)
	if err != nil {
		return Message{}, err
	}

	b.mu.Lock()
	if msg.ReplyTo != "" {
		if _, ok := b.requests[msg.ReplyTo]; !ok {
			b.mu.Unlock()
			return Message{}, fmt.Errorf("%w: %s", ErrUnknownRequest, msg.ReplyTo)
		}
	}
	if msg.Type == Request {
		b.requests[msg.ID] = msg.CreatedAt
	}

	b.log = append(b.log, msg)
	if over := len(b.log) - b.cfg.MaxLogSize; over > 0 {
		b.log = b.log[over:]
	}
	b.byType[msg.Type]++
	b.published++

	var targets []*inbox
	if msg.IsBroadcast() {
		for _, id := range b.order {
			if id != msg.Source {
				targets = append(targets, b.inboxes[id])
			}
		}
	} else {
		targets = append(targets, b.registerLocked(msg.Target))
	}
	listeners := b.listeners
	b.mu.Unlock()

	for _, ib := range targets {
		ib.push(msg)
	}
	for _, fn := range listeners {
		fn(msg)
	}
	return msg, nil
}

// PublishBroadcast publishes msg to every participant except its source.
func (b *Bus) PublishBroadcast(msg Message) (string, error) {
	msg.Target = Broadcast
	return b.Publish(msg)
}

func (b *Bus) prepare(msg Message) (Message, error) {
	if !msg.Type.Valid() {
		return msg, fmt.Errorf("%w: type %d", ErrInvalidMessage, int(msg.Type))
	}
	if !msg.Priority.Valid() {
		return msg, fmt.Errorf("%w: priority %d", ErrInvalidMessage, int(msg.Priority))
	}
	if msg.Target == "" {
		return msg, fmt.Errorf("%w: empty target", ErrInvalidMessage)
	}
	if msg.TTLSeconds < 0 {
		return msg, fmt.Errorf("%w: negative ttl", ErrInvalidMessage)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.TTLSeconds == 0 && b.cfg.DefaultTTL > 0 {
		msg.TTLSeconds = int(b.cfg.DefaultTTL / time.Second)
	}
	return msg, nil
}

// Next pops the highest-priority message for the participant, waiting until
// one arrives, the timeout elapses, or ctx is done. A zero timeout waits on
// ctx alone.
func (b *Bus) Next(ctx context.Context, id string, timeout time.Duration) (Message, bool) {
	b.mu.Lock()
	ib := b.registerLocked(id)
	b.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		msg, ok, dropped := ib.pop(time.Now())
		if dropped > 0 {
			b.countExpired(dropped)
		}
		if ok {
			return msg, true
		}
		select {
		case <-ib.signal:
		case <-deadline:
			return Message{}, false
		case <-ctx.Done():
			return Message{}, false
		}
	}
}

// Request publishes msg as a REQUEST and waits for the matching Respond.
// ok is false when no response arrived within timeout or ctx ended first.
func (b *Bus) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, bool, error) {
	msg.Type = Request
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	slot := make(chan Message, 1)
	b.mu.Lock()
	b.pending[msg.ID] = slot
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if _, err := b.Publish(msg); err != nil {
		return Message{}, false, err
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case resp := <-slot:
		return resp, true, nil
	case <-deadline:
		slog.Debug("request timed out", "id", msg.ID, "target", msg.Target, "timeout", timeout)
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, nil
	}
}

// Respond publishes a RESPONSE and resolves the waiting Request, if any.
func (b *Bus) Respond(msg Message) (string, error) {
	if msg.Type == 0 {
		msg.Type = Response
	}
	if msg.ReplyTo == "" {
		return "", fmt.Errorf("%w: response without reply_to", ErrInvalidMessage)
	}
	msg, err := b.publish(msg)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	slot, ok := b.pending[msg.ReplyTo]
	if ok {
		delete(b.pending, msg.ReplyTo)
	}
	b.mu.Unlock()

	if ok {
		slot <- msg
	}
	return msg.ID, nil
}

// Log returns matching audit entries, most recent first.
func (b *Bus) Log(f Filter) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for i := len(b.log) - 1; i >= 0; i-- {
		m := b.log[i]
		if f.Type != 0 && m.Type != f.Type {
			continue
		}
		if f.Component != "" && m.Source != f.Component && m.Target != f.Component {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Participants:    len(b.inboxes),
		Published:       b.published,
		LogSize:         len(b.log),
		ByType:          make(map[string]int, len(b.byType)),
		Pending:         make(map[string]int, len(b.inboxes)),
		PendingRequests: len(b.pending),
		Expired:         b.expired,
	}
	for t, n := range b.byType {
		s.ByType[t.String()] = n
	}
	for id, ib := range b.inboxes {
		s.Pending[id] = ib.depth()
	}
	for _, set := range b.subs {
		s.Subscriptions += len(set)
	}
	return s
}

// Evict drops expired messages from every inbox and forgets REQUEST ids
// older than the retention window. Returns the number of messages dropped.
func (b *Bus) Evict(now time.Time) int {
	b.mu.Lock()
	inboxes := make([]*inbox, 0, len(b.inboxes))
	for _, ib := range b.inboxes {
		inboxes = append(inboxes, ib)
	}
	for id, at := range b.requests {
		if now.Sub(at) > b.cfg.RequestRetention {
			if _, waiting := b.pending[id]; !waiting {
				delete(b.requests, id)
			}
		}
	}
	b.mu.Unlock()

	total := 0
	for _, ib := range inboxes {
		total += ib.evict(now)
	}
	if total > 0 {
		b.countExpired(total)
		slog.Info("evicted expired bus messages", "count", total)
	}
	return total
}

func (b *Bus) countExpired(n int) {
	b.mu.Lock()
	b.expired += int64(n)
	b.mu.Unlock()
}

// inbox holds one FIFO per priority tier. signal carries at most one pending
// wakeup.
type inbox struct {
	mu     sync.Mutex
	tiers  [3][]Message
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (ib *inbox) push(msg Message) {
	ib.mu.Lock()
	ib.tiers[msg.Priority] = append(ib.tiers[msg.Priority], msg)
	ib.mu.Unlock()
	ib.notify()
}

func (ib *inbox) notify() {
	select {
	case ib.signal <- struct{}{}:
	default:
	}
}

// pop returns the head of the highest non-empty tier, discarding expired
// messages on the way.
func (ib *inbox) pop(now time.Time) (Message, bool, int) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	dropped := 0
	for _, p := range task.Priorities {
		q := ib.tiers[p]
		for len(q) > 0 {
			msg := q[0]
			q[0] = Message{}
			q = q[1:]
			if msg.Expired(now) {
				dropped++
				continue
			}
			ib.tiers[p] = q
			if ib.depthLocked() > 0 {
				ib.notify()
			}
			return msg, true, dropped
		}
		ib.tiers[p] = q
	}
	return Message{}, false, dropped
}

func (ib *inbox) evict(now time.Time) int {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	dropped := 0
	for p, q := range ib.tiers {
		kept := q[:0]
		for _, msg := range q {
			if msg.Expired(now) {
				dropped++
				continue
			}
			kept = append(kept, msg)
		}
		for i := len(kept); i < len(q); i++ {
			q[i] = Message{}
		}
		ib.tiers[p] = kept
	}
	return dropped
}

func (ib *inbox) depth() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return ib.depthLocked()
}

func (ib *inbox) depthLocked() int {
	return len(ib.tiers[0]) + len(ib.tiers[1]) + len(ib.tiers[2])
}
