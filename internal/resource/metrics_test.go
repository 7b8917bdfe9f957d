package resource

import (
	"math"
	"testing"
)

func TestOverallLoadAndStatus(t *testing.T) {
	tests := []struct {
		name   string
		m      Metrics
		load   float64
		status Status
	}{
		{"idle", Metrics{}, 0, Healthy},
		{"light", Metrics{CPUPct: 10, MemPct: 20, GPUPct: 0, ActiveTasks: 1}, 0.02 + 0.06 + 0.04, Healthy},
		{"warning edge", Metrics{CPUPct: 30, MemPct: 30, GPUPct: 30, ActiveTasks: 0}, 0.24, Healthy},
		{"warning", Metrics{CPUPct: 50, MemPct: 50, GPUPct: 50, ActiveTasks: 0}, 0.40, Warning},
		{"critical", Metrics{CPUPct: 80, MemPct: 80, GPUPct: 80, ActiveTasks: 3}, 0.76, Critical},
		{"saturated", Metrics{CPUPct: 100, MemPct: 100, GPUPct: 100, ActiveTasks: 5}, 1, Exhausted},
		{"clamped", Metrics{CPUPct: 400, MemPct: 250, GPUPct: 180, ActiveTasks: 90}, 1, Exhausted},
		{"negative", Metrics{CPUPct: -50}, 0, Healthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.OverallLoad(); math.Abs(got-tt.load) > 1e-9 {
				t.Errorf("load = %v, want %v", got, tt.load)
			}
			if got := tt.m.Status(); got != tt.status {
				t.Errorf("status = %s, want %s", got, tt.status)
			}
		})
	}
}

func TestStatusBoundaries(t *testing.T) {
	tests := []struct {
		load float64
		want Status
	}{
		{0.2999, Healthy},
		{0.30, Warning},
		{0.6999, Warning},
		{0.70, Critical},
		{0.9499, Critical},
		{0.95, Exhausted},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.load); got != tt.want {
			t.Errorf("StatusFor(%v) = %s, want %s", tt.load, got, tt.want)
		}
	}
}

func TestValidateRejectsNaN(t *testing.T) {
	if err := (Metrics{Worker: "go", CPUPct: math.NaN()}).Validate(); err == nil {
		t.Error("expected NaN rejected")
	}
	if err := (Metrics{Worker: "go", GPUPct: math.Inf(1)}).Validate(); err == nil {
		t.Error("expected Inf rejected")
	}
}
