// Package api is the HTTP surface over the job engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/domain"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/metrics"
	"github.com/SirClappington/imagejobs/internal/pipelines"
)

type Server struct {
	reg        *engine.Registry
	jobs       *engine.Jobs
	store      engine.Store
	identities pipelines.IdentityStore
	log        *zap.Logger
}

func New(reg *engine.Registry, jobs *engine.Jobs, store engine.Store, identities pipelines.IdentityStore, log *zap.Logger) *Server {
	return &Server{reg: reg, jobs: jobs, store: store, identities: identities, log: log.Named("api")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/items", s.listItems)
			r.Get("/identities", s.listIdentities)
			r.Post("/resume", s.resumeJob)
			r.Post("/requeue", s.requeueJob)
			r.Post("/restart", s.restartJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/cancel", s.cancelJob)
		})
	})
	return r
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	job, err := s.reg.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobId": job.ID, "job": job})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.JobFilter{Type: domain.Type(q.Get("type"))}
	for _, st := range q["status"] {
		status := domain.Status(st)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+st)
			return
		}
		f.Statuses = append(f.Statuses, status)
	}
	limit, ok := intParam(w, q.Get("limit"), 100)
	if !ok {
		return
	}
	f.Limit = limit
	jobs, err := s.jobs.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	limit, ok := intParam(w, r.URL.Query().Get("limit"), 0)
	if !ok {
		return
	}
	items, err := s.store.ListItems(r.Context(), id, domain.ItemStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	idents, err := s.identities.ListIdentities(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if idents == nil {
		idents = []domain.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": idents})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.reg.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "job": job})
}

func (s *Server) requeueJob(w http.ResponseWriter, r *http.Request) {
	n, job, err := s.reg.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "requeued": n, "job": job})
}

func (s *Server) restartJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.reg.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "job": job})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// fail maps engine errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrResumeTargetMissing):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrCapability),
		errors.Is(err, domain.ErrStatusConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidContext):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func intParam(w http.ResponseWriter, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid limit "+raw)
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
