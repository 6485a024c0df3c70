// Package gateway exposes the HTTP surface: the public search read
// path, removal intake and review, run control, and operational status.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inkdex/inkdex/internal/config"
	"github.com/inkdex/inkdex/internal/denylist"
	"github.com/inkdex/inkdex/internal/metrics"
	"github.com/inkdex/inkdex/internal/pipeline"
)

// RunStarter launches a workflow run and returns its id immediately;
// the run itself proceeds in the background.
type RunStarter interface {
	StartRun(ctx context.Context) (string, error)
}

// Server wires HTTP handlers to the read path, the removal service,
// and the run orchestrator.
type Server struct {
	router      chi.Router
	reader      *Reader
	removals    *denylist.Service
	runs        pipeline.RunStore
	starter     RunStarter
	queue       pipeline.Queue
	checkpoints pipeline.CheckpointStore
	shard       string
	clock       pipeline.Clock
	cfg         config.Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	reader *Reader,
	removals *denylist.Service,
	runs pipeline.RunStore,
	starter RunStarter,
	queue pipeline.Queue,
	checkpoints pipeline.CheckpointStore,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		reader:      reader,
		removals:    removals,
		runs:        runs,
		starter:     starter,
		queue:       queue,
		checkpoints: checkpoints,
		shard:       cfg.Sync.Shard,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.search)
		r.Get("/status", s.status)
		r.Get("/deadletters", s.deadLetters)
		r.Route("/removals", func(r chi.Router) {
			r.Post("/", s.submitRemoval)
			r.Post("/{entry_id}/approve", s.approveRemoval)
			r.Post("/{entry_id}/reject", s.rejectRemoval)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.startRun)
			r.Get("/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.queue.Stats(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pipeline.QueryRequest{
		Text: q.Get("q"),
		City: q.Get("city"),
	}
	if raw := q.Get("styles"); raw != "" {
		for _, style := range strings.Split(raw, ",") {
			if style = strings.TrimSpace(style); style != "" {
				req.Styles = append(req.Styles, style)
			}
		}
	}
	var err error
	if req.Page, err = intParam(q.Get("page")); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "page must be an integer")
		return
	}
	if req.PageSize, err = intParam(q.Get("page_size")); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "page_size must be an integer")
		return
	}

	result, err := s.reader.Query(r.Context(), req)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		writeProblem(w, r, http.StatusServiceUnavailable, "Search Unavailable",
			"neither the index nor the primary store could answer")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type removalRequest struct {
	ArtistID string `json:"artist_id"`
	Reason   string `json:"reason"`
	Contact  string `json:"contact"`
}

func (s *Server) submitRemoval(w http.ResponseWriter, r *http.Request) {
	var req removalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if req.ArtistID == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "artist_id is required")
		return
	}
	entry, err := s.removals.SubmitRemoval(r.Context(), req.ArtistID, req.Reason, req.Contact)
	if err != nil {
		s.logger.Error("removal intake failed", zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "could not record removal request")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"entry_id": entry.ID,
		"status":   entry.Status,
	})
}

func (s *Server) approveRemoval(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entry_id")
	if err := s.removals.Approve(r.Context(), entryID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "Not Found", "removal entry not found")
			return
		}
		s.logger.Error("removal approval failed",
			zap.String("entry_id", entryID), zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "approval failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": entryID,
		"status":   pipeline.DenylistApproved,
	})
}

func (s *Server) rejectRemoval(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entry_id")
	if err := s.removals.Reject(r.Context(), entryID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "Not Found", "removal entry not found")
			return
		}
		s.logger.Error("removal rejection failed",
			zap.String("entry_id", entryID), zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "rejection failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id": entryID,
		"status":   pipeline.DenylistRejected,
	})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.starter.StartRun(r.Context())
	if err != nil {
		s.logger.Error("run start failed", zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "could not start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeProblem(w, r, http.StatusNotFound, "Not Found", "run not found")
			return
		}
		s.logger.Error("run lookup failed", zap.String("run_id", runID), zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "run lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "Status Unavailable", "queue stats unavailable")
		return
	}

	var syncLagSeconds float64
	cp, err := s.checkpoints.GetCheckpoint(r.Context(), s.shard)
	if err == nil {
		syncLagSeconds = s.clock.Now().Sub(cp.AppliedAt).Seconds()
	} else if !errors.Is(err, pipeline.ErrNotFound) {
		s.logger.Warn("checkpoint lookup failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue":            stats,
		"breaker_state":    s.reader.BreakerState().String(),
		"sync_lag_seconds": syncLagSeconds,
	})
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	dl, ok := s.queue.(pipeline.DeadLetters)
	if !ok {
		writeProblem(w, r, http.StatusNotImplemented, "Not Supported", "queue does not expose dead letters")
		return
	}
	jobs, err := dl.ListDead(r.Context())
	if err != nil {
		s.logger.Error("dead letter listing failed", zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "dead letter listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// problem is an RFC 7807 problem details body.
type problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("write problem failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
