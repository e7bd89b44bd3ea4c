package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mlxd/pkg/types"
)

// Service defines the methods the HTTP layer needs from the model manager.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error
	Retry(ctx context.Context, w io.Writer, flush func()) error
	Cancel() bool
	Load(ctx context.Context, req types.LoadRequest, w io.Writer, flush func()) error
	Unload(ctx context.Context) (bool, error)
	EmergencyCleanup(ctx context.Context, reason string) error
	RecentRuns(limit int) ([]types.HistoryEntry, error)
}

type server struct {
	svc Service
}

// NewMux builds the daemon's HTTP handler.
func NewMux(svc Service) http.Handler {
	s := &server{svc: svc}
	r := chi.NewRouter()
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, req)
		})
	})
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)

	r.Post("/v1/generate", s.handleGenerate)
	r.Post("/v1/retry", s.handleRetry)
	r.Post("/v1/cancel", s.handleCancel)
	r.Post("/v1/load", s.handleLoad)
	r.Post("/v1/unload", s.handleUnload)
	r.Post("/v1/cleanup", s.handleCleanup)
	r.Get("/v1/models", s.handleModels)
	r.Get("/v1/history", s.handleHistory)
	r.Get("/status", s.handleStatus)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

// decodeBody reads an optional JSON body into v. A missing or empty body
// leaves v zeroed. On failure the error response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json", "")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body", "")
		return false
	}
	return true
}

// handleGenerate godoc
// @Summary  Run one generation, streaming NDJSON commits and a final done line
// @Tags     generate
// @Accept   json
// @Produce  json
// @Param    request body types.GenerateRequest true "generation request"
// @Success  200 {object} types.GenerateDone
// @Failure  400 {object} types.ErrorResponse
// @Failure  429 {object} types.ErrorResponse "a generation is already in flight"
// @Router   /v1/generate [post]
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required", "invalid")
		return
	}
	s.stream(w, r, "generate", req.Model, streamTimeout(), func(ctx context.Context, out io.Writer, flush func()) error {
		return s.svc.Generate(ctx, req, out, flush)
	})
}

// handleRetry godoc
// @Summary  Replay the last generation request unchanged
// @Tags     generate
// @Produce  json
// @Success  200 {object} types.GenerateDone
// @Failure  409 {object} types.ErrorResponse "nothing to retry"
// @Router   /v1/retry [post]
func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "retry", "", streamTimeout(), func(ctx context.Context, out io.Writer, flush func()) error {
		return s.svc.Retry(ctx, out, flush)
	})
}

// handleCancel godoc
// @Summary  Cancel the generation in flight, if any
// @Tags     generate
// @Produce  json
// @Success  200 {object} types.CancelResponse
// @Router   /v1/cancel [post]
func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.CancelResponse{Canceled: s.svc.Cancel()})
}

// handleLoad godoc
// @Summary  Load a model, streaming NDJSON progress
// @Tags     models
// @Accept   json
// @Produce  json
// @Param    request body types.LoadRequest false "model to load; empty loads the default"
// @Success  200 {object} types.LoadDone
// @Failure  404 {object} types.ErrorResponse
// @Failure  502 {object} types.ErrorResponse "download failed"
// @Router   /v1/load [post]
//
// Loads are never bounded by the generation timeout; a cold download can
// legitimately take minutes.
func (s *server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req types.LoadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.stream(w, r, "load", req.Model, 0, func(ctx context.Context, out io.Writer, flush func()) error {
		return s.svc.Load(ctx, req, out, flush)
	})
}

// handleUnload godoc
// @Summary  Release the loaded model
// @Tags     models
// @Produce  json
// @Success  200 {object} types.UnloadResponse
// @Router   /v1/unload [post]
func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	unloaded, err := s.svc.Unload(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.UnloadResponse{Unloaded: unloaded})
}

// handleCleanup godoc
// @Summary  Run emergency memory cleanup
// @Tags     models
// @Accept   json
// @Produce  json
// @Success  200 {object} types.CleanupResponse
// @Router   /v1/cleanup [post]
func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if err := s.svc.EmergencyCleanup(ctx, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CleanupResponse{OK: true})
}

// handleModels godoc
// @Summary  List locally available models
// @Tags     models
// @Produce  json
// @Success  200 {object} types.ModelsResponse
// @Router   /v1/models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.svc.ListModels()})
}

// handleHistory godoc
// @Summary  List recent generations, newest first
// @Tags     history
// @Produce  json
// @Param    limit query int false "maximum rows to return"
// @Success  200 {object} types.HistoryResponse
// @Router   /v1/history [get]
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer", "")
			return
		}
		limit = n
	}
	runs, err := s.svc.RecentRuns(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []types.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, types.HistoryResponse{Runs: runs})
}

// handleStatus godoc
// @Summary  Full daemon snapshot: state, model, tier budget, last run
// @Tags     status
// @Produce  json
// @Success  200 {object} types.StatusResponse
// @Router   /status [get]
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}
