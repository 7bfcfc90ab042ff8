package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/scheduler"
)

// scheduleRequest is the JSON body of POST /api/v1/schedule. Exactly one
// timing mode applies: cron beats scheduleAt beats delayMs beats
// immediate.
type scheduleRequest struct {
	To             string `json:"to"`
	Message        string `json:"message,omitempty"`
	LeadID         string `json:"leadId,omitempty"`
	Priority       string `json:"priority,omitempty"`
	SpeakFirst     bool   `json:"speakFirst,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
	JobID          string `json:"jobId,omitempty"`
	DelayMs        int64  `json:"delayMs,omitempty"`
	ScheduleAt     string `json:"scheduleAt,omitempty"`
	Cron           string `json:"cron,omitempty"`
}

func (req *scheduleRequest) callRequest() scheduler.CallRequest {
	return scheduler.CallRequest{
		To:             req.To,
		Message:        req.Message,
		LeadID:         req.LeadID,
		Priority:       req.Priority,
		SpeakFirst:     req.SpeakFirst,
		InitialMessage: req.InitialMessage,
		JobID:          req.JobID,
	}
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var (
		id  string
		err error
	)
	switch {
	case req.Cron != "":
		id, err = s.deps.Scheduler.ScheduleRecurring(r.Context(), req.callRequest(), req.Cron)
	case req.ScheduleAt != "":
		var at time.Time
		at, err = time.Parse(time.RFC3339, req.ScheduleAt)
		if err != nil {
			respondError(w, http.StatusBadRequest, "scheduleAt must be RFC3339")
			return
		}
		id, err = s.deps.Scheduler.ScheduleDelayed(r.Context(), req.callRequest(), at, 0)
	case req.DelayMs > 0:
		id, err = s.deps.Scheduler.ScheduleDelayed(r.Context(), req.callRequest(), time.Time{}, req.DelayMs)
	default:
		id, err = s.deps.Scheduler.ScheduleImmediate(r.Context(), req.callRequest())
	}
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"jobId": id})
}

func (s *Server) handleScheduleBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Calls []scheduleRequest `json:"calls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	reqs := make([]scheduler.CallRequest, 0, len(body.Calls))
	for _, c := range body.Calls {
		reqs = append(reqs, c.callRequest())
	}

	ids, err := s.deps.Scheduler.ScheduleBulk(r.Context(), reqs)
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"jobIds": ids, "count": len(ids)})
}

func (s *Server) handleRefill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message   string `json:"message,omitempty"`
		Priority  string `json:"priority,omitempty"`
		LeadLimit int    `json:"leadLimit,omitempty"`
		Cron      string `json:"cron,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req := scheduler.RefillRequest{
		Message:   body.Message,
		Priority:  body.Priority,
		LeadLimit: body.LeadLimit,
	}

	if body.Cron != "" {
		id, err := s.deps.Scheduler.ScheduleRefill(r.Context(), req, body.Cron)
		if err != nil {
			respondSchedulerError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, map[string]string{"scheduleId": id})
		return
	}

	res, err := s.deps.Scheduler.RunRefillNow(r.Context(), req)
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRefills(w http.ResponseWriter, r *http.Request) {
	reps, err := s.deps.Scheduler.ListSchedules(r.Context())
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"schedules": reps})
}

func (s *Server) handleStopRefill(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.StopSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = string(queue.StateWaiting)
	}
	offset, _ := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	jobs, err := s.deps.Scheduler.ListByState(r.Context(), state, offset, limit)
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleCleanJobs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State      string `json:"state"`
		GraceHours int    `json:"graceHours,omitempty"`
		Limit      int64  `json:"limit,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Limit <= 0 {
		body.Limit = 1000
	}

	removed, err := s.deps.Scheduler.Clean(r.Context(),
		time.Duration(body.GraceHours)*time.Hour, body.Limit, body.State)
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Scheduler.Stats(r.Context())
	if err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Pause(r.Context()); err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Resume(r.Context()); err != nil {
		respondSchedulerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	ev, err := s.deps.Calls.CallEvent(r.Context(), sid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if ev == nil {
		respondError(w, http.StatusNotFound, "unknown call")
		return
	}
	entries, err := s.deps.Calls.Transcripts(r.Context(), sid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"call": ev, "transcripts": entries})
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		respondError(w, http.StatusNotFound, "monitoring disabled")
		return
	}
	lookback := s.deps.Config.LookbackHours
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := s.deps.Collector.Collect(r.Context(), lookback)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "collect failed")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// respondSchedulerError maps control-plane failures to status codes:
// caller mistakes are 400, unknown ids 404, the rest 500.
func respondSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "job not found")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
