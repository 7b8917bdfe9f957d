package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/dispatch/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkerCRUD(t *testing.T) {
	s := newTestStore(t)

	for i, id := range []string{"rust", "python", "go"} {
		if err := s.SaveWorker(&Worker{ID: id, Description: id + " worker", Position: i}); err != nil {
			t.Fatalf("save worker: %v", err)
		}
	}

	got, err := s.GetWorker("python")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if got == nil || got.Description != "python worker" {
		t.Fatalf("unexpected worker: %+v", got)
	}

	workers, err := s.ListWorkers()
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 3 || workers[0].ID != "rust" || workers[2].ID != "go" {
		t.Errorf("expected workers in position order, got %+v", workers)
	}

	if err := s.DeleteWorkersNotIn([]string{"go"}); err != nil {
		t.Fatalf("delete workers: %v", err)
	}
	workers, _ = s.ListWorkers()
	if len(workers) != 1 || workers[0].ID != "go" {
		t.Errorf("expected only go left, got %+v", workers)
	}

	missing, err := s.GetWorker("cobol")
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing worker, got %+v, %v", missing, err)
	}
}

func TestDecisionLifecycle(t *testing.T) {
	s := newTestStore(t)

	d := &Decision{
		TaskID:             "t1",
		Description:        "sort a list",
		Worker:             "python",
		Complexity:         "SIMPLE",
		Model:              "FAST",
		Priority:           "NORMAL",
		Confidence:         0.8,
		EstimatedTimeoutMs: 15000,
		Status:             DecisionDispatched,
	}
	if err := s.SaveDecision(d); err != nil {
		t.Fatalf("save decision: %v", err)
	}
	if err := s.UpdateDecisionStatus("t1", DecisionCompleted, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := s.UpdateDecisionStatus("ghost", DecisionCompleted, ""); err == nil {
		t.Error("expected error updating a missing decision")
	}

	got, err := s.GetDecision("t1")
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if got.Status != DecisionCompleted || got.Description != "sort a list" || got.Confidence != 0.8 {
		t.Errorf("unexpected decision: %+v", got)
	}

	_ = s.SaveDecision(&Decision{TaskID: "t2", Worker: "go", Complexity: "UNKNOWN", Model: "DEEP",
		Priority: "URGENT", Status: DecisionRejected, Reason: "resource exhausted"})

	rejected, err := s.ListDecisions(DecisionRejected, 10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Reason != "resource exhausted" {
		t.Errorf("unexpected rejected decisions: %+v", rejected)
	}

	counts, err := s.DecisionCounts()
	if err != nil {
		t.Fatalf("decision counts: %v", err)
	}
	if counts[DecisionCompleted] != 1 || counts[DecisionRejected] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestOutcomes(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, ok := range []bool{true, false, true} {
		o := &Outcome{TaskID: "t1", Worker: "go", Success: ok, Quality: 0.5, ExecutionTimeMs: 100,
			CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.SaveOutcome(o); err != nil {
			t.Fatalf("save outcome: %v", err)
		}
		if o.ID == 0 {
			t.Error("expected outcome id assigned")
		}
	}
	_ = s.SaveOutcome(&Outcome{TaskID: "t2", Worker: "go", ObservedComplexity: "COMPLEX", Error: "boom"})

	got, err := s.ListOutcomes("t1", 10)
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(got) != 3 || !got[0].Success || got[1].Success {
		t.Errorf("expected newest first, got %+v", got)
	}

	other, _ := s.ListOutcomes("t2", 10)
	if len(other) != 1 || other[0].ObservedComplexity != "COMPLEX" || other[0].Error != "boom" {
		t.Errorf("unexpected outcome: %+v", other)
	}
}

func TestMessageJournal(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()
	for i, typ := range []string{"DECISION", "OUTCOME", "DECISION"} {
		m := &BusMessage{
			ID:        "m" + string(rune('0'+i)),
			Type:      typ,
			Source:    "orchestrator",
			Target:    "python",
			Priority:  "NORMAL",
			Content:   json.RawMessage(`{"task_id":"t1"}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveMessage(m); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}
	// Duplicates are ignored.
	_ = s.SaveMessage(&BusMessage{ID: "m0", Type: "ACK", Source: "a", Target: "b", Priority: "NORMAL", CreatedAt: base})

	msgs, err := s.GetRecentMessages("", 2)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m2" {
		t.Errorf("expected newest first, got %+v", msgs)
	}
	if string(msgs[0].Content) != `{"task_id":"t1"}` {
		t.Errorf("unexpected content %s", msgs[0].Content)
	}

	decisions, _ := s.GetRecentMessages("DECISION", 10)
	if len(decisions) != 2 {
		t.Errorf("expected 2 decisions, got %d", len(decisions))
	}

	stats, err := s.GetMessageStats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats["DECISION"] != 2 || stats["OUTCOME"] != 1 || stats["ACK"] != 0 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestMaintenanceJobs(t *testing.T) {
	s := newTestStore(t)

	nextRun := time.Now().Add(-time.Minute)
	if err := s.SaveJob(&MaintenanceJob{ID: "bus-evict", Schedule: `{"kind":"interval","interval_ms":60000}`, NextRunAt: &nextRun}); err != nil {
		t.Fatalf("save job: %v", err)
	}
	later := time.Now().Add(time.Hour)
	_ = s.SaveJob(&MaintenanceJob{ID: "journal-purge", Schedule: `{"kind":"interval","interval_ms":3600000}`, NextRunAt: &later})

	due, err := s.GetDueJobs(time.Now())
	if err != nil {
		t.Fatalf("get due jobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != "bus-evict" {
		t.Fatalf("expected bus-evict due, got %+v", due)
	}

	if err := s.UpdateJobRun("bus-evict", "success", "", "evicted 3", &later); err != nil {
		t.Fatalf("update job run: %v", err)
	}
	got, _ := s.GetJob("bus-evict")
	if got.LastStatus != "success" || got.LastResult != "evicted 3" || got.LastRunAt == nil {
		t.Errorf("unexpected job: %+v", got)
	}
	due, _ = s.GetDueJobs(time.Now())
	if len(due) != 0 {
		t.Errorf("expected no due jobs, got %d", len(due))
	}

	_ = s.UpdateJobStatus("journal-purge", "paused")
	due, _ = s.GetDueJobs(time.Now().Add(2 * time.Hour))
	if len(due) != 1 || due[0].ID != "bus-evict" {
		t.Errorf("paused job must not be due, got %+v", due)
	}

	if err := s.DeleteJobsNotIn([]string{"bus-evict"}); err != nil {
		t.Fatalf("delete jobs: %v", err)
	}
	jobs, _ := s.ListJobs()
	if len(jobs) != 1 {
		t.Errorf("expected 1 job left, got %d", len(jobs))
	}
}

func TestPurgeBefore(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)

	_ = s.SaveDecision(&Decision{TaskID: "done", Worker: "go", Complexity: "SIMPLE", Model: "FAST",
		Priority: "NORMAL", Status: DecisionCompleted})
	_ = s.SaveDecision(&Decision{TaskID: "inflight", Worker: "go", Complexity: "SIMPLE", Model: "FAST",
		Priority: "NORMAL", Status: DecisionDispatched})
	_ = s.SaveOutcome(&Outcome{TaskID: "done", Worker: "go", CreatedAt: old})
	_ = s.SaveOutcome(&Outcome{TaskID: "new", Worker: "go"})
	_ = s.SaveMessage(&BusMessage{ID: "old", Type: "ACK", Source: "a", Target: "b", Priority: "NORMAL", CreatedAt: old})

	r, err := s.PurgeBefore(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if r.Decisions != 1 || r.Messages != 1 || r.Outcomes != 2 {
		t.Errorf("unexpected purge result: %+v", r)
	}
	if d, _ := s.GetDecision("inflight"); d == nil {
		t.Error("in-flight decision must survive purge")
	}

	r, _ = s.PurgeBefore(time.Now().Add(-time.Hour))
	if r.Total() != 0 {
		t.Errorf("expected nothing left to purge, got %+v", r)
	}
}

func TestExport(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveWorker(&Worker{ID: "go"})
	_ = s.SaveDecision(&Decision{TaskID: "t1", Worker: "go", Complexity: "SIMPLE", Model: "FAST",
		Priority: "NORMAL", Status: DecisionCompleted})
	_ = s.SaveOutcome(&Outcome{TaskID: "t1", Worker: "go", Success: true})
	_ = s.SaveMessage(&BusMessage{ID: "m1", Type: "OUTCOME", Source: "orchestrator", Target: "broadcast",
		Priority: "NORMAL", CreatedAt: time.Now()})

	var buf bytes.Buffer
	counts, err := s.Export(&buf)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if counts != (ExportCounts{Workers: 1, Decisions: 1, Outcomes: 1, Messages: 1}) {
		t.Errorf("unexpected counts: %+v", counts)
	}

	kinds := map[string]int{}
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec ExportRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		kinds[rec.Kind]++
	}
	if len(kinds) != 4 {
		t.Errorf("expected 4 record kinds, got %v", kinds)
	}
}
