// Package httpapi is thin glue over the dispatch engine: job CRUD, schedule
// control, and a websocket feed of engine events. No business logic lives
// here.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"adblast/internal/eventbus"
	"adblast/internal/ratelimit"
	"adblast/internal/schedule"
	"adblast/internal/store"
	"adblast/pkg/logx"
)

type Config struct {
	Addr string
}

type Server struct {
	cfg     Config
	store   store.Store
	sched   *schedule.Scheduler
	limiter *ratelimit.Limiter
	bus     eventbus.Bus
	log     logx.Logger

	srv *http.Server
}

func New(cfg Config, st store.Store, sched *schedule.Scheduler, limiter *ratelimit.Limiter, bus eventbus.Bus, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, store: st, sched: sched, limiter: limiter, bus: bus, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.createJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/schedule", s.scheduleJob)
		r.Delete("/jobs/{id}/schedule", s.cancelSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/ratelimit/{key}", s.rateLimitStatus)
	})
	r.Get("/ws", s.serveWS)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
