package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/orchestrator"
	"github.com/teranos/RONIN/pace"
	"github.com/teranos/RONIN/version"
)

// listLimit bounds job listings returned by the API
const listLimit = 200

// QuotaStatus reports the day's application budget
type QuotaStatus struct {
	DailyLimit int        `json:"daily_limit"` // 0 = unlimited
	UsedToday  int        `json:"used_today"`
	Remaining  int        `json:"remaining"`
	ResetsAt   *time.Time `json:"resets_at,omitempty"`
}

// StatusSnapshot is the full operator-facing status payload, served on
// GET /api/status and pushed over the WebSocket feed when it changes.
type StatusSnapshot struct {
	Version       string                    `json:"version"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Stages        map[job.Stage]int         `json:"stages"`
	Quota         QuotaStatus               `json:"quota"`
	Pace          pace.Stats                `json:"pace"`
	Runner        *orchestrator.RunnerStats `json:"runner,omitempty"`
	System        SystemMetrics             `json:"system"`
}

// statusSnapshot assembles the current status from the store and the
// daemon's live components
func (s *AgentServer) statusSnapshot() (*StatusSnapshot, error) {
	counts, err := s.store.CountByStage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by stage")
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	reset := midnight.Add(24 * time.Hour)

	quota := QuotaStatus{DailyLimit: s.cfg.Agent.DailyApplyQuota}
	if quota.DailyLimit > 0 {
		used, err := s.store.CountEventsSince(job.StageApplied, job.OutcomeSuccess, midnight)
		if err != nil {
			return nil, errors.Wrap(err, "failed to count today's applications")
		}
		quota.UsedToday = used
		quota.Remaining = quota.DailyLimit - used
		if quota.Remaining < 0 {
			quota.Remaining = 0
		}
		quota.ResetsAt = &reset
	}

	snap := &StatusSnapshot{
		Version:       version.Get().Version,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		Stages:        counts,
		Quota:         quota,
		Pace:          s.pacer.Stats(),
		System:        GetSystemMetrics(),
	}
	if s.runner != nil {
		stats := s.runner.Stats()
		snap.Runner = &stats
	}
	return snap, nil
}

// HandleStatus serves GET /api/status
func (s *AgentServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.statusSnapshot()
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.serveJSON(w, snap)
}

// HandleJobs serves GET /api/jobs with an optional ?stage= filter
func (s *AgentServer) HandleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := listLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	var jobs []*job.Job
	var err error
	if stage := r.URL.Query().Get("stage"); stage != "" {
		if !job.IsValidStage(stage) {
			http.Error(w, fmt.Sprintf("unknown stage %q", stage), http.StatusBadRequest)
			return
		}
		jobs, err = s.store.ListByStage(job.Stage(stage), limit)
	} else {
		jobs, err = s.store.ListJobs(limit)
	}
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.serveJSON(w, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleJob serves GET /api/jobs/{id}
func (s *AgentServer) HandleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	j, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.serveJSON(w, j)
}

// HandleJobEvents serves GET /api/jobs/{id}/events — the audit trail
func (s *AgentServer) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := r.PathValue("id")
	if _, err := s.store.GetJob(jobID); err != nil {
		s.serveError(w, err)
		return
	}
	events, err := s.store.ListEvents(jobID, 0)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.serveJSON(w, map[string]interface{}{
		"job_id": jobID,
		"events": events,
		"count":  len(events),
	})
}

// signalRequest is the POST /api/signals body
type signalRequest struct {
	JobID   string          `json:"job_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleSignals serves POST /api/signals — manual inbound signal injection.
// The same validation applies as to marketplace-sourced signals: an unknown
// job or a signal meaningless at the job's stage is a client error, not a
// server fault.
func (s *AgentServer) HandleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.JobID == "" || req.Kind == "" {
		http.Error(w, "job_id and kind are required", http.StatusBadRequest)
		return
	}
	if !job.IsValidSignal(req.Kind) {
		http.Error(w, fmt.Sprintf("unknown signal kind %q", req.Kind), http.StatusBadRequest)
		return
	}

	err := s.orch.RecordInboundSignal(r.Context(), req.JobID, job.SignalKind(req.Kind), req.Payload)
	if err != nil {
		s.serveError(w, err)
		return
	}

	s.logger.Infow("Operator signal applied",
		"job_id", req.JobID,
		"kind", req.Kind,
		"remote", r.RemoteAddr)

	j, err := s.store.GetJob(req.JobID)
	if err != nil {
		s.serveError(w, err)
		return
	}
	s.serveJSON(w, j)
}

// HandleHealth serves GET /health
func (s *AgentServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.serveJSON(w, map[string]string{
		"status":  "ok",
		"version": version.Get().Version,
	})
}

// HandleWebSocket upgrades GET /ws to the live status feed
func (s *AgentServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("WebSocket upgrade failed",
			"remote", r.RemoteAddr,
			"error", err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan interface{}, clientSendBuffer),
		id:     fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
	}

	s.register <- client

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

func (s *AgentServer) serveJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debugw("Failed to write response", "error", err)
	}
}

// serveError maps the error taxonomy onto HTTP status codes
func (s *AgentServer) serveError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFoundError(err), errors.IsUnknownJob(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.IsInvalidTransition(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Errorw("Request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
