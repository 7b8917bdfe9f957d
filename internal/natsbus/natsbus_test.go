package natsbus

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mtzanidakis/dispatch/internal/config"
	"github.com/nats-io/nats.go"
)

func newTestServer(t *testing.T, cfg config.NATSConfig) *Server {
	t.Helper()
	cfg.Host = "127.0.0.1"
	cfg.Port = -1
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to start nats: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestServerStartStop(t *testing.T) {
	srv := newTestServer(t, config.NATSConfig{})

	if srv.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	host, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("bad addr %q: %v", srv.Addr(), err)
	}
	if host != "127.0.0.1" || port == "0" {
		t.Errorf("expected a resolved loopback address, got %s", srv.Addr())
	}
}

func TestServerMaxPayload(t *testing.T) {
	srv := newTestServer(t, config.NATSConfig{MaxPayload: 1024})
	client, err := NewClient(srv)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Publish("test.topic", make([]byte, 512)); err != nil {
		t.Errorf("small payload rejected: %v", err)
	}
	if err := client.Publish("test.topic", make([]byte, 4096)); !errors.Is(err, nats.ErrMaxPayload) {
		t.Errorf("expected ErrMaxPayload, got %v", err)
	}
}

func TestPubSub(t *testing.T) {
	srv := newTestServer(t, config.NATSConfig{})

	client, err := NewClient(srv)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSON(t *testing.T) {
	srv := newTestServer(t, config.NATSConfig{})

	client, err := NewClient(srv)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := map[string]string{"key": "value"}
	if err := client.PublishJSON("test.json", payload); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRequestJSON(t *testing.T) {
	srv := newTestServer(t, config.NATSConfig{})

	client, err := NewClient(srv)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	_, err = client.Subscribe(TopicIPC, func(msg *nats.Msg) {
		_ = msg.Respond([]byte(`{"ok":true}`))
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	client.Flush()

	var resp struct {
		OK bool `json:"ok"`
	}
	if err := client.RequestJSON(TopicIPC, map[string]string{"type": "stats"}, &resp, 2*time.Second); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !resp.OK {
		t.Error("expected ok reply")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicWorkerInbox("python"); got != "dispatch.worker.python.inbox" {
		t.Errorf("expected dispatch.worker.python.inbox, got %s", got)
	}
	if got := TopicMetrics("go"); got != "dispatch.metrics.go" {
		t.Errorf("expected dispatch.metrics.go, got %s", got)
	}
	if got := TopicEventsBus("DECISION"); got != "dispatch.events.bus.decision" {
		t.Errorf("expected dispatch.events.bus.decision, got %s", got)
	}
}

func TestWorkerFromMetricsTopic(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"dispatch.metrics.rust", "rust", true},
		{"dispatch.metrics.", "", false},
		{"dispatch.metrics.a.b", "", false},
		{"dispatch.ipc", "", false},
	}
	for _, tt := range tests {
		got, ok := WorkerFromMetricsTopic(tt.subject)
		if got != tt.want || ok != tt.ok {
			t.Errorf("WorkerFromMetricsTopic(%q) = %q, %v", tt.subject, got, ok)
		}
	}
}
