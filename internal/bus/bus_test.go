package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/dispatch/internal/task"
)

func msg(typ MessageType, src, dst string, prio task.Priority) Message {
	return Message{Type: typ, Source: src, Target: dst, Priority: prio}
}

func TestRegisterIdempotent(t *testing.T) {
	b := New(Config{})
	if err := b.Register("router"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := b.Publish(msg(Status, "x", "router", task.Normal)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Register("router"); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if got := len(b.Participants()); got != 1 {
		t.Errorf("expected 1 participant, got %d", got)
	}
	if got := b.Stats().Pending["router"]; got != 1 {
		t.Errorf("re-register must keep the queued message, pending=%d", got)
	}
	if err := b.Register(Broadcast); err == nil {
		t.Error("expected error registering the broadcast id")
	}
}

func TestPublishAssignsIDAndTimestamp(t *testing.T) {
	b := New(Config{})
	id, err := b.Publish(msg(Decision, "orchestrator", "python", task.Normal))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	entries := b.Log(Filter{})
	if len(entries) != 1 || entries[0].ID != id || entries[0].CreatedAt.IsZero() {
		t.Errorf("unexpected log: %+v", entries)
	}
}

func TestPublishValidates(t *testing.T) {
	b := New(Config{})
	tests := []struct {
		name string
		m    Message
	}{
		{"no type", Message{Source: "a", Target: "b"}},
		{"bad priority", Message{Type: Status, Source: "a", Target: "b", Priority: 7}},
		{"no target", Message{Type: Status, Source: "a"}},
		{"negative ttl", Message{Type: Status, Source: "a", Target: "b", TTLSeconds: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Publish(tt.m); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
	if n := b.Stats().LogSize; n != 0 {
		t.Errorf("rejected messages must not be logged, log size %d", n)
	}
}

func TestReplyToMustReferenceRequest(t *testing.T) {
	b := New(Config{})
	m := msg(Response, "worker", "orchestrator", task.Normal)
	m.ReplyTo = "nope"
	if _, err := b.Publish(m); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}

	// A non-request id is not answerable either.
	statusID, _ := b.Publish(msg(Status, "a", "b", task.Normal))
	m.ReplyTo = statusID
	if _, err := b.Publish(m); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest for status id, got %v", err)
	}

	reqID, err := b.Publish(msg(Request, "orchestrator", "worker", task.Normal))
	if err != nil {
		t.Fatalf("publish request: %v", err)
	}
	m.ReplyTo = reqID
	if _, err := b.Publish(m); err != nil {
		t.Errorf("reply to published request: %v", err)
	}
}

func TestNextStrictPriorityFIFO(t *testing.T) {
	b := New(Config{})
	order := []struct {
		id   string
		prio task.Priority
	}{
		{"bg-0", task.Background},
		{"n-0", task.Normal},
		{"u-0", task.Urgent},
		{"n-1", task.Normal},
		{"bg-1", task.Background},
		{"u-1", task.Urgent},
	}
	for _, o := range order {
		m := msg(Decision, "src", "dst", o.prio)
		m.ID = o.id
		if _, err := b.Publish(m); err != nil {
			t.Fatalf("publish %s: %v", o.id, err)
		}
	}

	want := []string{"u-0", "u-1", "n-0", "n-1", "bg-0", "bg-1"}
	ctx := context.Background()
	for _, w := range want {
		got, ok := b.Next(ctx, "dst", 10*time.Millisecond)
		if !ok {
			t.Fatalf("expected %s, got nothing", w)
		}
		if got.ID != w {
			t.Errorf("expected %s, got %s", w, got.ID)
		}
	}
	if _, ok := b.Next(ctx, "dst", 10*time.Millisecond); ok {
		t.Error("expected empty inbox")
	}
}

func TestNextWakesOnArrival(t *testing.T) {
	b := New(Config{})
	_ = b.Register("dst")

	done := make(chan Message, 1)
	go func() {
		m, ok := b.Next(context.Background(), "dst", 2*time.Second)
		if ok {
			done <- m
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	id, _ := b.Publish(msg(Alert, "src", "dst", task.Background))

	select {
	case m, ok := <-done:
		if !ok || m.ID != id {
			t.Fatalf("expected message %s, got %+v", id, m)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestNextHonoursContext(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, ok := b.Next(ctx, "idle", 0); ok {
		t.Fatal("expected no message")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("Next returned before context deadline")
	}
}

func TestBroadcastSkipsSourceAndLogsOnce(t *testing.T) {
	b := New(Config{})
	for _, id := range []string{"orchestrator", "python", "go", "rust"} {
		_ = b.Register(id)
	}
	before := b.Stats().LogSize

	if _, err := b.Publish(msg(Status, "orchestrator", Broadcast, task.Normal)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := b.Stats().LogSize - before; got != 1 {
		t.Errorf("expected log to grow by 1, grew by %d", got)
	}
	ctx := context.Background()
	for _, id := range []string{"python", "go", "rust"} {
		if _, ok := b.Next(ctx, id, 10*time.Millisecond); !ok {
			t.Errorf("%s did not receive broadcast", id)
		}
	}
	if _, ok := b.Next(ctx, "orchestrator", 10*time.Millisecond); ok {
		t.Error("source must not receive its own broadcast")
	}
}

func TestPublishBroadcastHelper(t *testing.T) {
	b := New(Config{})
	_ = b.Register("a")
	_ = b.Register("b")
	if _, err := b.PublishBroadcast(msg(Outcome, "a", "", task.Normal)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := b.Stats().Pending; got["a"] != 0 || got["b"] != 1 {
		t.Errorf("unexpected pending: %v", got)
	}
}

func TestPublishRegistersUnknownTarget(t *testing.T) {
	b := New(Config{})
	if _, err := b.Publish(msg(Decision, "orchestrator", "late-worker", task.Normal)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := b.Next(context.Background(), "late-worker", 10*time.Millisecond); !ok {
		t.Error("message to unregistered target was dropped")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	b := New(Config{})
	_ = b.Register("worker")

	go func() {
		req, ok := b.Next(context.Background(), "worker", time.Second)
		if !ok {
			return
		}
		resp := msg(Response, "worker", req.Source, task.Normal)
		resp.ReplyTo = req.ID
		resp.ConversationID = "conv-1"
		_, _ = b.Respond(resp)
	}()

	got, ok, err := b.Request(context.Background(), msg(0, "orchestrator", "worker", task.Urgent), time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !ok {
		t.Fatal("expected response")
	}
	if got.Type != Response || got.ConversationID != "conv-1" || got.ID == "" {
		t.Errorf("unexpected response: %+v", got)
	}
	reqs := b.Log(Filter{Type: Request})
	if len(reqs) != 1 || got.ReplyTo != reqs[0].ID {
		t.Errorf("reply_to %q does not match request", got.ReplyTo)
	}
	if n := b.Stats().PendingRequests; n != 0 {
		t.Errorf("expected no pending requests, got %d", n)
	}
}

func TestRequestTimesOutNotBefore(t *testing.T) {
	b := New(Config{})
	timeout := 500 * time.Millisecond

	start := time.Now()
	_, ok, err := b.Request(context.Background(), msg(Request, "orchestrator", "silent", task.Normal), timeout)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ok {
		t.Fatal("expected no result")
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
}

func TestRespondAlsoDelivers(t *testing.T) {
	b := New(Config{})
	reqID, _ := b.Publish(msg(Request, "orchestrator", "worker", task.Normal))

	resp := msg(0, "worker", "orchestrator", task.Normal)
	resp.ReplyTo = reqID
	if _, err := b.Respond(resp); err != nil {
		t.Fatalf("respond: %v", err)
	}
	got, ok := b.Next(context.Background(), "orchestrator", 10*time.Millisecond)
	if !ok || got.Type != Response {
		t.Errorf("expected delivered RESPONSE, got %+v ok=%v", got, ok)
	}

	if _, err := b.Respond(msg(Response, "worker", "orchestrator", task.Normal)); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage without reply_to, got %v", err)
	}
}

func TestLogFilterAndOrder(t *testing.T) {
	b := New(Config{})
	_, _ = b.Publish(msg(Decision, "orchestrator", "python", task.Normal))
	_, _ = b.Publish(msg(Status, "resource", "orchestrator", task.Normal))
	last, _ := b.Publish(msg(Decision, "orchestrator", "go", task.Normal))

	all := b.Log(Filter{})
	if len(all) != 3 || all[0].ID != last {
		t.Fatalf("expected most recent first, got %+v", all)
	}
	if got := b.Log(Filter{Type: Decision}); len(got) != 2 {
		t.Errorf("expected 2 decisions, got %d", len(got))
	}
	if got := b.Log(Filter{Component: "python"}); len(got) != 1 {
		t.Errorf("expected 1 entry for python, got %d", len(got))
	}
	if got := b.Log(Filter{Component: "orchestrator"}); len(got) != 3 {
		t.Errorf("component matches source or target, got %d", len(got))
	}
	if got := b.Log(Filter{Limit: 1}); len(got) != 1 || got[0].ID != last {
		t.Errorf("limit not applied: %+v", got)
	}
}

func TestLogIsBounded(t *testing.T) {
	b := New(Config{MaxLogSize: 5})
	var last string
	for range 12 {
		last, _ = b.Publish(msg(Ack, "a", "b", task.Background))
	}
	s := b.Stats()
	if s.LogSize != 5 {
		t.Errorf("expected log size 5, got %d", s.LogSize)
	}
	if s.Published != 12 {
		t.Errorf("expected 12 published, got %d", s.Published)
	}
	if got := b.Log(Filter{Limit: 1}); got[0].ID != last {
		t.Error("newest entry must survive trimming")
	}
}

func TestTTLExpiry(t *testing.T) {
	b := New(Config{})
	old := msg(Status, "a", "b", task.Urgent)
	old.TTLSeconds = 1
	old.CreatedAt = time.Now().Add(-2 * time.Second)
	_, _ = b.Publish(old)
	keep, _ := b.Publish(msg(Status, "a", "b", task.Background))

	got, ok := b.Next(context.Background(), "b", 10*time.Millisecond)
	if !ok || got.ID != keep {
		t.Fatalf("expected expired message skipped, got %+v", got)
	}
	if s := b.Stats(); s.Expired != 1 || s.LogSize != 2 {
		t.Errorf("expired stays in log and is counted: %+v", s)
	}
}

func TestEvict(t *testing.T) {
	b := New(Config{})
	for range 3 {
		m := msg(Alert, "a", "b", task.Normal)
		m.TTLSeconds = 1
		_, _ = b.Publish(m)
	}
	_, _ = b.Publish(msg(Alert, "a", "b", task.Normal))

	if n := b.Evict(time.Now()); n != 0 {
		t.Errorf("fresh messages evicted: %d", n)
	}
	if n := b.Evict(time.Now().Add(2 * time.Second)); n != 3 {
		t.Errorf("expected 3 evicted, got %d", n)
	}
	if got := b.Stats().Pending["b"]; got != 1 {
		t.Errorf("expected 1 message left, got %d", got)
	}
}

func TestDefaultTTLApplied(t *testing.T) {
	b := New(Config{DefaultTTL: 30 * time.Second})
	_, _ = b.Publish(msg(Status, "a", "b", task.Normal))
	if got := b.Log(Filter{})[0].TTLSeconds; got != 30 {
		t.Errorf("expected ttl 30, got %d", got)
	}
}

func TestSubscribeIsIntrospectionOnly(t *testing.T) {
	b := New(Config{})
	if err := b.Subscribe("watcher", Outcome); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, _ = b.Publish(msg(Outcome, "orchestrator", "python", task.Normal))

	if got := b.Subscriptions("watcher"); len(got) != 1 || got[0] != Outcome {
		t.Errorf("unexpected subscriptions: %v", got)
	}
	if got := b.Stats().Pending["watcher"]; got != 0 {
		t.Errorf("subscription must not cause delivery, pending=%d", got)
	}
	if err := b.Subscribe("watcher", 0); err == nil {
		t.Error("expected error for invalid type")
	}
}

func TestListenObservesPublishes(t *testing.T) {
	b := New(Config{})
	var mu sync.Mutex
	var seen []MessageType
	b.Listen(func(m Message) {
		mu.Lock()
		seen = append(seen, m.Type)
		mu.Unlock()
	})
	_, _ = b.Publish(msg(Decision, "a", "b", task.Normal))
	_, _ = b.Publish(Message{})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != Decision {
		t.Errorf("unexpected observations: %v", seen)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	b := New(Config{})
	_ = b.Register("sink")

	const producers, each = 4, 50
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range each {
				prio := task.Priorities[(p+i)%3]
				_, _ = b.Publish(msg(Decision, "src", "sink", prio))
			}
		}()
	}

	received := make(chan int, 2)
	for range 2 {
		go func() {
			n := 0
			for {
				if _, ok := b.Next(context.Background(), "sink", 200*time.Millisecond); !ok {
					received <- n
					return
				}
				n++
			}
		}()
	}
	wg.Wait()

	total := <-received + <-received
	if total != producers*each {
		t.Errorf("expected %d delivered, got %d", producers*each, total)
	}
}
