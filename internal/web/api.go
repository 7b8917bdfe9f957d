package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Live state
	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("GET /api/stats", s.getStats)
	mux.HandleFunc("GET /api/statistics", s.getStatistics)
	mux.HandleFunc("GET /api/resources", s.getResources)
	mux.HandleFunc("GET /api/workers", s.listWorkers)
	mux.HandleFunc("GET /api/log", s.getLog)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)

	// Journal
	mux.HandleFunc("GET /api/decisions", s.listDecisions)
	mux.HandleFunc("GET /api/messages", s.listMessages)
	mux.HandleFunc("GET /api/jobs", s.listJobs)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.orch.Stats()
	status := map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"workers":    len(s.orch.Router().Workers()),
		"in_flight":  stats.InFlight,
		"submitted":  stats.Submitted,
		"ws_clients": s.hub.Clients(),
		"journal":    s.store != nil,
		"nats":       s.nats != nil,
		"timestamp":  time.Now().UTC(),
	}
	jsonResponse(w, status)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.Stats())
}

func (s *Server) getStatistics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.Router().Statistics())
}

func (s *Server) getResources(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.Resources().Snapshot())
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.orch.Resources().Snapshot()
	descriptions := s.registry.Descriptions()

	out := make([]map[string]any, 0, len(snapshot))
	for _, ws := range snapshot {
		entry := map[string]any{
			"name":        ws.Worker,
			"description": descriptions[ws.Worker],
			"status":      ws.Status.String(),
			"load":        ws.Load,
			"queued":      ws.Queued,
			"active":      ws.Active,
		}
		if score, ok := s.orch.Router().Score(ws.Worker); ok {
			entry["reliability"] = score.Reliability
			entry["success_rate"] = score.SuccessRate
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), 100)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := bus.Filter{Component: q.Get("component"), Limit: limit}
	if typ := q.Get("type"); typ != "" {
		mt, err := bus.ParseMessageType(typ)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Type = mt
	}
	jsonResponse(w, s.orch.Bus().Log(f))
}

// getTask answers from live orchestrator state first, then from the journal
// for tasks already purged from memory.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if rec, ok := s.orch.Status(id); ok {
		jsonResponse(w, map[string]any{"source": "live", "record": rec})
		return
	}
	if s.store == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}

	d, err := s.store.GetDecision(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if d == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	outcomes, err := s.store.ListOutcomes(id, 10)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if outcomes == nil {
		outcomes = []store.Outcome{}
	}
	jsonResponse(w, map[string]any{"source": "journal", "decision": d, "outcomes": outcomes})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit, err := queryInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	decisions, err := s.store.ListDecisions(r.URL.Query().Get("status"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, _ := s.store.DecisionCounts()
	if decisions == nil {
		decisions = []store.Decision{}
	}
	jsonResponse(w, map[string]any{"decisions": decisions, "counts": counts})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit, err := queryInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	messages, err := s.store.GetRecentMessages(r.URL.Query().Get("type"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []store.BusMessage{}
	}
	jsonResponse(w, messages)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	jobs, err := s.store.ListJobs()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []store.MaintenanceJob{}
	}
	jsonResponse(w, jobs)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		jsonError(w, "journal disabled", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit: %s", raw)
	}
	return n, nil
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
