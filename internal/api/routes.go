// Package api provides the HTTP API server for the screentest service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/screentest-io/screentest/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	contentTypeProblemJSON = "application/problem+json"
	serviceVersion         = "v0.1.0"

	// artifactURLPrefix is where canonical run outputs are mounted. The
	// portion after the prefix is the store's output_canon_uri, so URLs can
	// be built by simple concatenation.
	artifactURLPrefix = "/artifacts/"
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health endpoints
	mux.HandleFunc("GET /ping", s.handlePing)     // K8s liveness probe
	mux.HandleFunc("GET /health", s.handleHealth) // Store-backed readiness check

	// Experiment read surface
	mux.HandleFunc("GET /experiments/{id}", s.handleGetExperiment)
	mux.HandleFunc("GET /experiments/{id}/summary", s.handleGetSummary)
	mux.HandleFunc("GET /experiments/{id}/export", s.handleExportExperiment)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)

	// Rating workflow
	mux.HandleFunc("POST /experiments/{id}/tasks", s.handleCreateTasks)
	mux.HandleFunc("GET /experiments/{id}/tasks/next", s.handleNextTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /ratings", s.handleCreateRating)

	// Canonical run outputs for rater playback
	mux.HandleFunc("GET /artifacts/runs/{run_id}/output_canon.mp4", s.handleGetArtifact)

	// Catch-all handler for 404 responses
	mux.HandleFunc("/", s.handleNotFound)
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Screentest-Version", serviceVersion)
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("pong"))
	if err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth verifies the experiment store is reachable and reports
// {"status":"ok"} when it is.
//
// Response codes:
//   - 200 OK: the store answered the health check
//   - 503 Service Unavailable: the store is unhealthy or unreachable
//
// K8s readiness probes use this endpoint to decide whether the pod should
// receive traffic.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	// Create context with 2-second timeout for storage health check
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Experiment store is unavailable"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals payload and writes it with the given status code.
// Marshal failures turn into a 500 problem response before any header is
// written.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	// Only write headers after successful marshaling
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		// At this point headers already sent, log only
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
