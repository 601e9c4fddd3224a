// Package api exposes the daemon's HTTP surface: pipeline registration and
// control, the blocking ending-reason wait, session token minting and a
// daemon status snapshot.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/pipewatch/pkg/auth"
	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/manager"
	"github.com/psantana5/pipewatch/pkg/models"
	"github.com/psantana5/pipewatch/pkg/store"
	"github.com/psantana5/pipewatch/pkg/tracing"
)

// defaultReasonWait bounds GET /api/pipelines/{id}/reason when the caller
// does not pass an explicit timeout. maxReasonWait caps any requested
// wait so a reason request always answers inside the server's write
// timeout; longer waits are made of repeated requests.
const (
	defaultReasonWait = 60 * time.Second
	maxReasonWait     = 90 * time.Second
)

// Handler handles daemon API requests
type Handler struct {
	manager *manager.Manager
	store   store.Store
	tokens  *auth.TokenManager
	tracer  *tracing.Provider
	log     *logging.Logger
	version string
	started time.Time
}

// NewHandler creates a new API handler
func NewHandler(m *manager.Manager, s store.Store, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	tracer, _ := tracing.InitTracer(tracing.Config{ServiceName: "pipewatchd"}, log)
	return &Handler{
		manager: m,
		store:   s,
		tokens:  auth.NewTokenManager(),
		tracer:  tracer,
		log:     log,
		version: "dev",
		started: time.Now(),
	}
}

// SetVersion sets the version reported by /api/status
func (h *Handler) SetVersion(version string) {
	h.version = version
}

// SetTracer sets the trace provider used for spans around manager calls
func (h *Handler) SetTracer(tracer *tracing.Provider) {
	if tracer != nil {
		h.tracer = tracer
	}
}

// Tokens exposes the session token manager, so the daemon can sweep
// expired tokens periodically.
func (h *Handler) Tokens() *auth.TokenManager {
	return h.tokens
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Pipeline routes (specific routes before parameterized routes)
	r.HandleFunc("/api/pipelines", h.CreatePipeline).Methods("POST")
	r.HandleFunc("/api/pipelines", h.ListPipelines).Methods("GET")
	r.HandleFunc("/api/pipelines/{id}", h.GetPipeline).Methods("GET")
	r.HandleFunc("/api/pipelines/{id}", h.DeletePipeline).Methods("DELETE")
	r.HandleFunc("/api/pipelines/{id}/start", h.StartPipeline).Methods("POST")
	r.HandleFunc("/api/pipelines/{id}/kill", h.KillPipeline).Methods("POST")
	r.HandleFunc("/api/pipelines/{id}/pause", h.PausePipeline).Methods("POST")
	r.HandleFunc("/api/pipelines/{id}/resume", h.ResumePipeline).Methods("POST")
	r.HandleFunc("/api/pipelines/{id}/reason", h.GetReason).Methods("GET")
	r.HandleFunc("/api/pipelines/{id}/events", h.GetEvents).Methods("GET")

	// Auth routes
	r.HandleFunc("/api/auth/tokens", h.CreateToken).Methods("POST")

	// Other routes
	r.HandleFunc("/api/status", h.Status).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// createPipelineRequest mirrors the definition file schema, so a pipeline
// can be posted verbatim from a YAML definition.
type createPipelineRequest struct {
	Name       string   `json:"name"`
	Engine     string   `json:"engine"`
	Args       []string `json:"args"`
	Binary     string   `json:"binary"`
	AllowBlock bool     `json:"allow_block"`
	Autostart  bool     `json:"autostart"`
}

// CreatePipeline registers a new pipeline with the manager
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req createPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "Pipeline name is required", http.StatusBadRequest)
		return
	}

	def := models.Definition{
		Engine: req.Engine,
		Args:   req.Args,
		Binary: req.Binary,
	}
	if err := def.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "manager.create",
		attribute.String("pipeline.name", req.Name),
		attribute.String("pipeline.engine", req.Engine),
	)
	defer span.End()

	p, err := h.manager.Create(req.Name, def, req.AllowBlock)
	if err != nil {
		tracing.SetError(ctx, err)
		h.respondError(w, err, "create pipeline")
		return
	}

	if req.Autostart {
		if err := h.manager.Start(p.ID); err != nil {
			tracing.SetError(ctx, err)
			h.log.Error("Autostart failed", map[string]interface{}{
				"pipeline_id": p.ID,
				"error":       err.Error(),
			})
		} else if updated, err := h.store.GetPipeline(p.ID); err == nil {
			p = updated
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// ListPipelines returns all pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.manager.List()
	if err != nil {
		h.respondError(w, err, "list pipelines")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pipelines": pipelines,
		"count":     len(pipelines),
	})
}

// GetPipeline returns the combined stored and live view of one pipeline
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	status, err := h.manager.Get(vars["id"])
	if err != nil {
		h.respondError(w, err, "get pipeline")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// StartPipeline launches the subprocess of a registered pipeline
func (h *Handler) StartPipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	ctx, span := h.tracer.StartSpan(r.Context(), "manager.start",
		attribute.String("pipeline.id", id),
	)
	defer span.End()

	if err := h.manager.Start(id); err != nil {
		tracing.SetError(ctx, err)
		h.respondError(w, err, "start pipeline")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "started",
		"pipeline_id": id,
	})
}

type killRequest struct {
	Reason string `json:"reason"`
}

// KillPipeline tears down a pipeline, recording the caller's reason
func (h *Handler) KillPipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	// The body is optional; an empty reason gets the manager's default.
	var req killRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "manager.kill",
		attribute.String("pipeline.id", id),
	)
	defer span.End()
	tracing.AddEvent(ctx, "pipeline.kill", attribute.String("reason", req.Reason))

	if err := h.manager.Kill(id, req.Reason); err != nil {
		tracing.SetError(ctx, err)
		h.respondError(w, err, "kill pipeline")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "killed",
		"pipeline_id": id,
	})
}

// PausePipeline suspends the subprocess of a running pipeline
func (h *Handler) PausePipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.manager.Pause(id); err != nil {
		if errors.Is(err, store.ErrPipelineNotFound) || errors.Is(err, manager.ErrNotSupervised) {
			h.respondError(w, err, "pause pipeline")
			return
		}
		http.Error(w, fmt.Sprintf("Failed to pause pipeline: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "paused",
		"pipeline_id": id,
	})
}

// ResumePipeline resumes a paused pipeline
func (h *Handler) ResumePipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.manager.Resume(id); err != nil {
		if errors.Is(err, store.ErrPipelineNotFound) || errors.Is(err, manager.ErrNotSupervised) {
			h.respondError(w, err, "resume pipeline")
			return
		}
		http.Error(w, fmt.Sprintf("Failed to resume pipeline: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "resumed",
		"pipeline_id": id,
	})
}

// GetReason blocks until the pipeline's ending reason is known, bounded by
// the timeout query parameter
func (h *Handler) GetReason(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	timeout := defaultReasonWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid timeout value", http.StatusBadRequest)
			return
		}
		timeout = parsed
	}
	if timeout > maxReasonWait {
		timeout = maxReasonWait
	}

	reason, err := h.manager.WaitForReason(id, timeout)
	if err != nil {
		if errors.Is(err, manager.ErrWaitTimeout) {
			http.Error(w, "Timed out waiting for the ending reason", http.StatusGatewayTimeout)
			return
		}
		h.respondError(w, err, "wait for reason")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"pipeline_id": id,
		"reason":      reason,
	})
}

// GetEvents returns the audit trail of a pipeline
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid limit value", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.manager.Events(id, limit)
	if err != nil {
		h.respondError(w, err, "get events")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"pipeline_id": id,
		"events":      events,
		"count":       len(events),
	})
}

// DeletePipeline removes a finished pipeline from the registry
func (h *Handler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	if err := h.manager.Remove(id); err != nil {
		if errors.Is(err, manager.ErrStillActive) {
			http.Error(w, "Cannot remove a pipeline while it is active; kill it first", http.StatusBadRequest)
			return
		}
		h.respondError(w, err, "remove pipeline")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":      "removed",
		"pipeline_id": id,
	})
}

type createTokenRequest struct {
	Client   string `json:"client"`
	Duration string `json:"duration"`
}

// CreateToken mints a session token for a named client
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Client == "" {
		http.Error(w, "Client name is required", http.StatusBadRequest)
		return
	}

	duration := 24 * time.Hour
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid duration value", http.StatusBadRequest)
			return
		}
		duration = parsed
	}

	token, err := h.tokens.GenerateToken(req.Client, duration)
	if err != nil {
		h.log.Error("Failed to generate session token", map[string]interface{}{
			"client": req.Client,
			"error":  err.Error(),
		})
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.log.Info("Session token issued", map[string]interface{}{
		"client":   req.Client,
		"duration": duration.String(),
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"client":     req.Client,
		"token":      token,
		"expires_at": time.Now().Add(duration).Format(time.RFC3339),
	})
}

// Health returns the health status of the daemon
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// respondError maps manager and store errors onto HTTP status codes.
func (h *Handler) respondError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, store.ErrPipelineNotFound):
		http.Error(w, "Pipeline not found", http.StatusNotFound)
	case errors.Is(err, manager.ErrNotSupervised):
		http.Error(w, "Pipeline is not under supervision", http.StatusConflict)
	case errors.Is(err, manager.ErrShuttingDown):
		http.Error(w, "Daemon is shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, manager.ErrStillActive):
		http.Error(w, "Pipeline is still active", http.StatusBadRequest)
	default:
		h.log.Error("Request failed", map[string]interface{}{
			"action": action,
			"error":  err.Error(),
		})
		http.Error(w, fmt.Sprintf("Failed to %s: %v", action, err), http.StatusInternalServerError)
	}
}
