package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"generation-executor/internal/models"
	"generation-executor/internal/queue"
	"generation-executor/internal/ratelimit"
	"generation-executor/internal/telemetry"
)

// maxVariations caps one submission.
const maxVariations = 100

// JobStore is the persistence the API reads and writes.
type JobStore interface {
	CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error)
	GetJob(ctx context.Context, id string) (models.GenerationJob, error)
	ListUnits(ctx context.Context, jobID string) ([]models.GeneratedUnit, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
}

// Trigger hands job ids to the worker fleet.
type Trigger interface {
	Enqueue(ctx context.Context, jobID string, lane queue.Lane) error
	Cancel(ctx context.Context, jobID string) error
}

// Limiter throttles re-trigger calls per client.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for job submission and status.
type Server struct {
	store   JobStore
	trigger Trigger
	limiter Limiter
	logger  zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(st JobStore, trigger Trigger, limiter Limiter, logger zerolog.Logger) *Server {
	return &Server{
		store:   st,
		trigger: trigger,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Get("/units", s.handleListUnits)
		r.Post("/process", s.handleProcess)
		r.Post("/cancel", s.handleCancel)
	})
	return r
}

type createRequest struct {
	ProductID       string  `json:"product_id"`
	JobType         string  `json:"job_type"`
	ReferenceSetID  *string `json:"reference_set_id"`
	SceneID         *string `json:"scene_id"`
	FinalPrompt     string  `json:"final_prompt"`
	VariationCount  int     `json:"variation_count"`
	Resolution      string  `json:"resolution"`
	AspectRatio     string  `json:"aspect_ratio"`
	GenerationModel string  `json:"generation_model"`
}

func (req createRequest) job() (models.GenerationJob, error) {
	if req.ProductID == "" {
		return models.GenerationJob{}, errors.New("product_id is required")
	}
	jobType := models.JobType(strings.ToLower(req.JobType))
	if jobType == "" {
		jobType = models.JobTypeImage
	}
	job := models.GenerationJob{
		ProductID:       req.ProductID,
		JobType:         jobType,
		ReferenceSetID:  req.ReferenceSetID,
		SceneID:         req.SceneID,
		FinalPrompt:     req.FinalPrompt,
		VariationCount:  req.VariationCount,
		Resolution:      req.Resolution,
		AspectRatio:     req.AspectRatio,
		GenerationModel: req.GenerationModel,
	}
	switch jobType {
	case models.JobTypeImage:
		if job.FinalPrompt == "" {
			return job, errors.New("final_prompt is required for image jobs")
		}
		if job.VariationCount < 1 || job.VariationCount > maxVariations {
			return job, fmt.Errorf("variation_count must be between 1 and %d", maxVariations)
		}
	case models.JobTypeVideo:
		job.VariationCount = 1
	default:
		return job, fmt.Errorf("unknown job_type %q", req.JobType)
	}
	// Missing reference set or scene is accepted here; the executor fails the
	// job with a readable message.
	return job, nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := req.job()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err = s.store.CreateJob(r.Context(), job)
	if err != nil {
		s.logger.Error().Err(err).Msg("create job failed")
		http.Error(w, "failed to create job", http.StatusInternalServerError)
		return
	}
	if err := s.trigger.Enqueue(r.Context(), job.ID, queue.LaneNew); err != nil {
		// The row stays pending; a later POST /jobs/{id}/process picks it up.
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.TriggerCounter.Inc()
	s.logger.Info().Str("job_id", job.ID).Str("job_type", string(job.JobType)).Int("variations", job.VariationCount).Msg("job submitted")

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	units, err := s.store.ListUnits(r.Context(), job.ID)
	if err != nil {
		http.Error(w, "failed to list units", http.StatusInternalServerError)
		return
	}
	if units == nil {
		units = []models.GeneratedUnit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "units": units})
}

// handleProcess re-triggers an invocation, e.g. after a worker restart.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), "rl:api:"+clientFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.WithLabelValues("api").Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(job.Status)})
		return
	}
	if err := s.trigger.Enqueue(r.Context(), job.ID, queue.LaneResume); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.TriggerCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flipped, err := s.store.MarkCancelled(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	if !flipped {
		job, ok := s.loadJob(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(job.Status)})
		return
	}
	if err := s.trigger.Cancel(r.Context(), id); err != nil {
		// The row is already cancelled; a stray trigger turns into a no-op.
		s.logger.Warn().Err(err).Str("job_id", id).Msg("queue cancel failed")
	}
	s.logger.Info().Str("job_id", id).Msg("job cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusCancelled)})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.GenerationJob, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return job, false
	}
	if err != nil {
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return job, false
	}
	return job, true
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
