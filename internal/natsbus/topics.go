package natsbus

import (
	"fmt"
	"strings"
)

// Subject names for NATS pub/sub communication.

const (
	// TopicIPC carries request/reply commands for the daemon.
	TopicIPC = "dispatch.ipc"
	// TopicScorer is answered by an external complexity scorer.
	TopicScorer = "dispatch.scorer"

	TopicMetricsAll        = "dispatch.metrics.*"
	TopicEventsPrefix      = "dispatch.events."
	TopicEventsAll         = TopicEventsPrefix + ">"
	TopicEventsMaintenance = TopicEventsPrefix + "maintenance"
)

func TopicWorkerInbox(workerID string) string {
	return fmt.Sprintf("dispatch.worker.%s.inbox", workerID)
}

func TopicMetrics(workerID string) string {
	return fmt.Sprintf("dispatch.metrics.%s", workerID)
}

// TopicEventsBus mirrors bus traffic of one message type.
func TopicEventsBus(msgType string) string {
	return fmt.Sprintf("dispatch.events.bus.%s", strings.ToLower(msgType))
}

// WorkerFromMetricsTopic extracts the worker id from a metrics subject.
func WorkerFromMetricsTopic(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, "dispatch.metrics.")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return "", false
	}
	return rest, true
}
