package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/screentest-io/screentest/internal/experiment"
)

// handleGetSummary handles GET /experiments/{id}/summary requests.
// Folds the experiment's ratings into per-run win rates and a recommended
// pick over a point-in-time snapshot of done tasks.
func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	if experimentID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Experiment ID is required"))

		return
	}

	ctx := r.Context()

	if _, err := s.store.GetExperiment(ctx, experimentID); err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Experiment not found"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to load experiment",
			slog.String("experiment_id", experimentID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load experiment"))

		return
	}

	summary, err := experiment.BuildSummary(ctx, s.store, experimentID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Summary assembly failed",
			slog.String("experiment_id", experimentID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Summary assembly failed"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, summaryView(summary))
}
