package resource

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Status int

const (
	Healthy Status = iota
	Warning
	Critical
	Exhausted
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s < Healthy || s > Exhausted {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "HEALTHY":
		*s = Healthy
	case "WARNING":
		*s = Warning
	case "CRITICAL":
		*s = Critical
	case "EXHAUSTED":
		*s = Exhausted
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// TimeoutFactor scales a base timeout for a worker in this status.
func (s Status) TimeoutFactor() float64 {
	switch s {
	case Warning:
		return 1.25
	case Critical:
		return 1.5
	default:
		return 1.0
	}
}

const (
	warningLoad   = 0.30
	criticalLoad  = 0.70
	exhaustedLoad = 0.95

	// active task count at which the task share of the load saturates
	activeSaturation = 5
)

// StatusFor bands an overall load value.
func StatusFor(load float64) Status {
	switch {
	case load >= exhaustedLoad:
		return Exhausted
	case load >= criticalLoad:
		return Critical
	case load >= warningLoad:
		return Warning
	default:
		return Healthy
	}
}

// Metrics is a point-in-time resource snapshot pushed for one worker.
type Metrics struct {
	Worker      string    `json:"worker"`
	CPUPct      float64   `json:"cpu_pct"`
	MemPct      float64   `json:"mem_pct"`
	MemMB       float64   `json:"mem_mb"`
	GPUPct      float64   `json:"gpu_pct"`
	ActiveTasks int       `json:"active_tasks"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

func (m Metrics) Validate() error {
	for name, v := range map[string]float64{"cpu_pct": m.CPUPct, "mem_pct": m.MemPct, "mem_mb": m.MemMB, "gpu_pct": m.GPUPct} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is %v", ErrInvalidMetrics, name, v)
		}
	}
	if m.ActiveTasks < 0 {
		return fmt.Errorf("%w: negative active_tasks", ErrInvalidMetrics)
	}
	return nil
}

// OverallLoad weighs cpu, memory, gpu and active tasks into [0,1].
// Percentages are clamped to [0,100] first.
func (m Metrics) OverallLoad() float64 {
	cpu := clamp(m.CPUPct, 0, 100) / 100
	mem := clamp(m.MemPct, 0, 100) / 100
	gpu := clamp(m.GPUPct, 0, 100) / 100
	active := math.Min(float64(max(m.ActiveTasks, 0))/activeSaturation, 1)
	return clamp(0.2*cpu+0.3*mem+0.3*gpu+0.2*active, 0, 1)
}

func (m Metrics) Status() Status {
	return StatusFor(m.OverallLoad())
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
