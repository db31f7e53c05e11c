package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"adblast/internal/model"
	"adblast/internal/schedule"
	"adblast/internal/store"
	"adblast/pkg/logx"
)

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name       string     `json:"name"`
		TemplateID string     `json:"template_id"`
		Audience   string     `json:"audience"`
		Schedule   *time.Time `json:"schedule,omitempty"`
		Recurrence string     `json:"recurrence,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if payload.TemplateID == "" || payload.Audience == "" {
		writeErr(w, http.StatusBadRequest, errors.New("template_id and audience are required"))
		return
	}

	job := &model.Job{
		ID:         uuid.NewString(),
		Name:       payload.Name,
		TemplateID: payload.TemplateID,
		Audience:   payload.Audience,
		Status:     model.StatusPending,
		Schedule:   payload.Schedule,
		Recurrence: payload.Recurrence,
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if payload.Schedule != nil {
		// Arm immediately so the job fires without a restart or a separate
		// schedule call. A past-due time dispatches before the response.
		ctx := context.WithoutCancel(r.Context())
		if err := s.sched.Schedule(ctx, job.ID, *payload.Schedule); err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		if fresh, err := s.store.JobByID(ctx, job.ID); err == nil {
			job = fresh
		}
	}
	s.log.Info("job created", logx.String("job", job.ID), logx.String("audience", job.Audience))
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.JobByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// scheduleJob arms the job. An omitted or past target time means immediate
// execution: the dispatch runs before the response is written.
func (s *Server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var payload struct {
		At *time.Time `json:"at,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
	}
	at := time.Now()
	if payload.At != nil {
		at = *payload.At
	}

	// Detached from the request context: a past-due target runs the whole
	// dispatch synchronously, and a client disconnect must not abort it.
	ctx := context.WithoutCancel(r.Context())
	if err := s.sched.Schedule(ctx, id, at); err != nil {
		switch {
		case errors.Is(err, schedule.ErrJobNotFound):
			writeErr(w, http.StatusNotFound, err)
		default:
			writeErr(w, http.StatusInternalServerError, err)
		}
		return
	}

	job, err := s.store.JobByID(ctx, id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed := s.sched.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "removed": removed})
}

func (s *Server) listSchedules(w http.ResponseWriter, _ *http.Request) {
	entries := s.sched.List()
	if entries == nil {
		entries = []schedule.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	resp := map[string]any{
		"recipient": key,
		"remaining": s.limiter.Remaining(key),
	}
	if d, ok := s.limiter.CooldownRemaining(key); ok {
		resp["cooldown_remaining"] = d.String()
	}
	writeJSON(w, http.StatusOK, resp)
}
