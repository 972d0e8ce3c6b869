package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/screentest-io/screentest/internal/experiment"
	"github.com/screentest-io/screentest/internal/metrics"
)

// handleGetRun handles GET /runs/{id} requests.
// Returns the run's identifying fields plus, when the baseline bundle has
// been computed, the bundle JSON and a status badge with the reasons that
// fired.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Run ID is required"))

		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Run not found"))

			return
		}

		s.logger.ErrorContext(r.Context(), "Failed to load run",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load run"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, s.runDetail(r.Context(), run))
}

// runDetail maps a domain run to its wire shape and attaches the baseline
// metric bundle when one has been computed. The badge and reasons are
// re-derived from the stored bundle rather than read back, so serving always
// reflects the current thresholds.
func (s *Server) runDetail(ctx context.Context, run *experiment.Run) RunDetail {
	detail := RunDetail{
		RunID:          run.ID,
		ExperimentID:   run.ExperimentID,
		ItemID:         run.ItemID,
		VariantKey:     run.VariantKey,
		SpecHash:       run.SpecHash,
		Status:         string(run.Status),
		OutputCanonURI: run.OutputCanonURI,
		OutputSHA256:   run.OutputSHA256,
		Reasons:        []string{},
	}

	result, err := s.store.GetMetricResult(ctx, run.ID, metrics.BundleName, metrics.BundleVersion)
	if err != nil {
		// Runs without a computed bundle are normal; anything else is worth
		// a warning but never fails the read.
		if !errors.Is(err, experiment.ErrNotFound) {
			s.logger.WarnContext(ctx, "Metric result lookup failed",
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}

		return detail
	}

	if result.Status != experiment.MetricResultStatusComputed {
		return detail
	}

	var bundle metrics.BundleV1
	if err := json.Unmarshal([]byte(result.Value), &bundle); err != nil {
		s.logger.WarnContext(ctx, "Stored metric bundle is not valid JSON",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)

		return detail
	}

	badge, reasons := metrics.DeriveStatus(&bundle)
	badgeValue := string(badge)

	detail.Metrics = json.RawMessage(result.Value)
	detail.StatusBadge = &badgeValue
	detail.Reasons = reasons

	return detail
}
