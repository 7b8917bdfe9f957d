package store

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// ExportRecord is one line of a journal export.
type ExportRecord struct {
	Kind     string      `json:"kind"`
	Decision *Decision   `json:"decision,omitempty"`
	Outcome  *Outcome    `json:"outcome,omitempty"`
	Message  *BusMessage `json:"message,omitempty"`
	Worker   *Worker     `json:"worker,omitempty"`
}

type ExportCounts struct {
	Workers   int `json:"workers"`
	Decisions int `json:"decisions"`
	Outcomes  int `json:"outcomes"`
	Messages  int `json:"messages"`
}

// Export writes the whole journal to w as JSON lines.
func (s *Store) Export(w io.Writer) (ExportCounts, error) {
	var counts ExportCounts
	enc := json.NewEncoder(w)

	workers, err := s.ListWorkers()
	if err != nil {
		return counts, err
	}
	for i := range workers {
		if err := enc.Encode(ExportRecord{Kind: "worker", Worker: &workers[i]}); err != nil {
			return counts, fmt.Errorf("encode worker: %w", err)
		}
		counts.Workers++
	}

	decisions, err := s.ListDecisions("", math.MaxInt32)
	if err != nil {
		return counts, err
	}
	for i := range decisions {
		if err := enc.Encode(ExportRecord{Kind: "decision", Decision: &decisions[i]}); err != nil {
			return counts, fmt.Errorf("encode decision: %w", err)
		}
		counts.Decisions++
	}

	outcomes, err := s.ListOutcomes("", math.MaxInt32)
	if err != nil {
		return counts, err
	}
	for i := range outcomes {
		if err := enc.Encode(ExportRecord{Kind: "outcome", Outcome: &outcomes[i]}); err != nil {
			return counts, fmt.Errorf("encode outcome: %w", err)
		}
		counts.Outcomes++
	}

	messages, err := s.GetRecentMessages("", math.MaxInt32)
	if err != nil {
		return counts, err
	}
	for i := range messages {
		if err := enc.Encode(ExportRecord{Kind: "message", Message: &messages[i]}); err != nil {
			return counts, fmt.Errorf("encode message: %w", err)
		}
		counts.Messages++
	}

	return counts, nil
}
