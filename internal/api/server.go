package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mstat/domain/mstat"
	"mstat/internal"
	"mstat/internal/config"
	"mstat/internal/errors"
	"mstat/internal/meta"
	"mstat/internal/pipeline"
)

// Server exposes the pipeline over HTTP
type Server struct {
	router   *chi.Mux
	logger   *internal.Logger
	defaults config.PipelineConfig
}

// AnalyzeRequest is the POST /v1/analyze payload. Estimator, alpha and
// convergence policy fall back to the server's configured defaults when
// omitted.
type AnalyzeRequest struct {
	Observations      []mstat.Observation `json:"observations"`
	Estimator         string              `json:"estimator,omitempty"`
	Alpha             float64             `json:"alpha,omitempty"`
	ConvergencePolicy string              `json:"convergence_policy,omitempty"`
}

// errorResponse is the JSON error envelope
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServer creates the HTTP server with its routes mounted
func NewServer(defaults config.PipelineConfig, logger *internal.Logger) *Server {
	if logger == nil {
		logger = internal.DefaultLogger
	}
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		defaults: defaults,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Post("/v1/analyze", s.handleAnalyze)
	return s
}

// Router returns the chi mux for mounting or serving
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Code:    errors.CodeInvalidInput,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	opts := pipeline.Options{
		Estimator:   meta.Estimator(stringOr(req.Estimator, s.defaults.Estimator)),
		Alpha:       floatOr(req.Alpha, s.defaults.Alpha),
		REMLTol:     s.defaults.REMLTol,
		REMLMaxIter: s.defaults.REMLMaxIter,
		Policy:      pipeline.ConvergencePolicy(stringOr(req.ConvergencePolicy, s.defaults.ConvergencePolicy)),
		Workers:     s.defaults.Workers,
	}

	p, err := pipeline.New(opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := p.Run(r.Context(), req.Observations)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeError maps the pipeline error taxonomy onto HTTP statuses: input and
// configuration failures are the caller's fault (400), convergence failures
// and numerical anomalies are valid requests the data cannot satisfy (422).
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.CodeInvalidInput, errors.CodeConfigInvalid:
		status = http.StatusBadRequest
	case errors.CodeConvergenceFailure, errors.CodeNumericalAnomaly:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("analyze failed: %v", err)
	} else {
		s.logger.Warn("analyze rejected (%s): %v", code, err)
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func stringOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func floatOr(v, fallback float64) float64 {
	if v != 0 {
		return v
	}
	return fallback
}
