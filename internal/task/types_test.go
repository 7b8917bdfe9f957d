package task

import (
	"encoding/json"
	"testing"
)

func TestPriorityOrdering(t *testing.T) {
	if !(Urgent < Normal && Normal < Background) {
		t.Fatal("expected URGENT < NORMAL < BACKGROUND")
	}
	if len(Priorities) != 3 || Priorities[0] != Urgent {
		t.Errorf("unexpected priorities order: %v", Priorities)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"URGENT", Urgent, false},
		{"normal", Normal, false},
		{"", Normal, false},
		{" background ", Background, false},
		{"critical", Normal, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePriority(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTaskJSONUsesNames(t *testing.T) {
	tk := Task{ID: "t1", Description: "sort a list", Priority: Urgent, RequestedModel: UltraDeep}
	data, err := json.Marshal(tk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"t1","description":"sort a list","priority":"URGENT","requested_model":"ULTRA_DEEP"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	var back Task
	if err := json.Unmarshal([]byte(`{"id":"t2","priority":"BACKGROUND"}`), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Priority != Background {
		t.Errorf("expected BACKGROUND, got %v", back.Priority)
	}
	if back.RequestedModel != ModelDefault {
		t.Errorf("expected default model, got %v", back.RequestedModel)
	}
}

func TestUnmarshalRejectsUnknownComplexity(t *testing.T) {
	var c Complexity
	if err := json.Unmarshal([]byte(`"IMPOSSIBLE"`), &c); err == nil {
		t.Error("expected error for unknown complexity")
	}
	if err := json.Unmarshal([]byte(`"EDGE_CASE"`), &c); err != nil || c != EdgeCase {
		t.Errorf("expected EDGE_CASE, got %v (err %v)", c, err)
	}
}
