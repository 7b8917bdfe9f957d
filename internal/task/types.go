package task

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders both bus delivery and admission queues. Lower values are
// served first.
type Priority int

const (
	Urgent Priority = iota
	Normal
	Background
)

// Priorities lists every tier from highest to lowest.
var Priorities = []Priority{Urgent, Normal, Background}

func (p Priority) String() string {
	switch p {
	case Urgent:
		return "URGENT"
	case Normal:
		return "NORMAL"
	case Background:
		return "BACKGROUND"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	return p >= Urgent && p <= Background
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "URGENT":
		return Urgent, nil
	case "NORMAL", "":
		return Normal, nil
	case "BACKGROUND":
		return Background, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}

// Complexity is the difficulty band a task is classified into.
type Complexity int

const (
	Simple Complexity = iota
	Moderate
	Complex
	EdgeCase
	Unknown
)

var Complexities = []Complexity{Simple, Moderate, Complex, EdgeCase, Unknown}

func (c Complexity) String() string {
	switch c {
	case Simple:
		return "SIMPLE"
	case Moderate:
		return "MODERATE"
	case Complex:
		return "COMPLEX"
	case EdgeCase:
		return "EDGE_CASE"
	case Unknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("Complexity(%d)", int(c))
	}
}

func (c Complexity) Valid() bool {
	return c >= Simple && c <= Unknown
}

func (c Complexity) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid complexity %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Complexity) UnmarshalText(b []byte) error {
	v, err := ParseComplexity(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseComplexity(s string) (Complexity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SIMPLE":
		return Simple, nil
	case "MODERATE":
		return Moderate, nil
	case "COMPLEX":
		return Complex, nil
	case "EDGE_CASE":
		return EdgeCase, nil
	case "UNKNOWN", "":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("unknown complexity %q", s)
	}
}

// Model is the inference tier a decision selects. The core never invokes it.
type Model int

const (
	// ModelDefault means "let the router decide" on a Task.
	ModelDefault Model = iota
	Fast
	Deep
	UltraDeep
)

func (m Model) String() string {
	switch m {
	case ModelDefault:
		return ""
	case Fast:
		return "FAST"
	case Deep:
		return "DEEP"
	case UltraDeep:
		return "ULTRA_DEEP"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

func (m Model) Valid() bool {
	return m >= ModelDefault && m <= UltraDeep
}

func (m Model) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid model %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Model) UnmarshalText(b []byte) error {
	v, err := ParseModel(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func ParseModel(s string) (Model, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return ModelDefault, nil
	case "FAST":
		return Fast, nil
	case "DEEP":
		return Deep, nil
	case "ULTRA_DEEP":
		return UltraDeep, nil
	default:
		return ModelDefault, fmt.Errorf("unknown model %q", s)
	}
}

// Task is created by the caller and consumed once by the orchestrator.
type Task struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	WorkerHint     string   `json:"worker_hint,omitempty"`
	Priority       Priority `json:"priority"`
	TimeoutMs      int64    `json:"timeout_ms,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	RequestedModel Model    `json:"requested_model,omitempty"`
}

type RoutingDecision struct {
	TaskID             string     `json:"task_id"`
	Complexity         Complexity `json:"complexity"`
	Worker             string     `json:"chosen_worker"`
	Model              Model      `json:"chosen_model"`
	Confidence         float64    `json:"confidence"`
	Rationale          string     `json:"rationale"`
	EstimatedTimeoutMs int64      `json:"estimated_timeout_ms"`
	Priority           Priority   `json:"priority"`
	CreatedAt          time.Time  `json:"created_at"`
}

// ExecutionOutcome is reported by a worker once a dispatched task finishes.
type ExecutionOutcome struct {
	TaskID             string          `json:"task_id"`
	Worker             string          `json:"worker"`
	Decision           RoutingDecision `json:"routing_decision"`
	ObservedComplexity *Complexity     `json:"observed_complexity,omitempty"`
	ExecutionTimeMs    float64         `json:"execution_time_ms"`
	Success            bool            `json:"success"`
	Quality            float64         `json:"quality"`
	Error              string          `json:"error,omitempty"`
}
