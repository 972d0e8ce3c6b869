package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/screentest-io/screentest/internal/experiment"
)

// handleGetExperiment handles GET /experiments/{id} requests.
// Assembles the experiment, its generation spec, the dataset item inferred
// from the first run's item, every run with metrics attached, and the current
// human preference summary.
func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	if experimentID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Experiment ID is required"))

		return
	}

	ctx := r.Context()

	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
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

	spec, err := s.store.GetGenerationSpec(ctx, exp.GenerationSpecID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Generation spec not found"))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to load generation spec",
			slog.String("experiment_id", experimentID),
			slog.String("generation_spec_id", exp.GenerationSpecID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load generation spec"))

		return
	}

	runs, err := s.store.ListRuns(ctx, experimentID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list runs",
			slog.String("experiment_id", experimentID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list runs"))

		return
	}

	item, problem := s.loadDatasetItem(r, runs)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	runDetails := make([]RunDetail, 0, len(runs))
	for _, run := range runs {
		runDetails = append(runDetails, s.runDetail(ctx, run))
	}

	overview := ExperimentOverview{
		ExperimentID:   exp.ID,
		Status:         string(exp.Status),
		GenerationSpec: specDetail(spec),
		DatasetItem:    itemDetail(item),
		Runs:           runDetails,
		HumanSummary:   s.humanSummary(r, experimentID),
	}

	s.writeJSON(w, r, http.StatusOK, overview)
}

// loadDatasetItem resolves the dataset item from the earliest created run.
// Experiments without runs yet have no item to show and yield nil without a
// problem.
func (s *Server) loadDatasetItem(r *http.Request, runs []*experiment.Run) (*experiment.DatasetItem, *ProblemDetail) {
	if len(runs) == 0 {
		return nil, nil
	}

	first := runs[0]
	for _, run := range runs[1:] {
		if run.CreatedAt.Before(first.CreatedAt) {
			first = run
		}
	}

	item, err := s.store.GetDatasetItem(r.Context(), first.ItemID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			return nil, NotFound("Dataset item not found")
		}

		s.logger.ErrorContext(r.Context(), "Failed to load dataset item",
			slog.String("item_id", first.ItemID),
			slog.String("error", err.Error()),
		)

		return nil, InternalServerError("Failed to load dataset item")
	}

	return item, nil
}

// humanSummary folds the experiment's ratings into a summary view. Summary
// assembly failures degrade to null rather than failing the whole read.
func (s *Server) humanSummary(r *http.Request, experimentID string) *HumanSummary {
	summary, err := experiment.BuildSummary(r.Context(), s.store, experimentID)
	if err != nil {
		s.logger.WarnContext(r.Context(), "Summary assembly failed",
			slog.String("experiment_id", experimentID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return summaryView(summary)
}

// specDetail maps a domain generation spec to its wire shape. Params are
// stored as canonical JSON text and embedded verbatim.
func specDetail(spec *experiment.GenerationSpec) GenerationSpecDetail {
	detail := GenerationSpecDetail{
		GenerationSpecID: spec.ID,
		Provider:         spec.Provider,
		Model:            spec.Model,
		ModelVersion:     spec.ModelVersion,
		PromptTemplate:   spec.PromptTemplate,
	}

	if spec.ParamsJSON != "" {
		detail.Params = json.RawMessage(spec.ParamsJSON)
	}

	return detail
}

// itemDetail maps a dataset item to its wire shape. A nil item maps to the
// zero value, matching experiments whose runs have not been enqueued yet.
func itemDetail(item *experiment.DatasetItem) DatasetItemDetail {
	if item == nil {
		return DatasetItemDetail{}
	}

	return DatasetItemDetail{
		ItemID:         item.ID,
		SubjectID:      item.SubjectID,
		SourceVideoURI: item.SourceVideoURI,
		AudioURI:       item.AudioURI,
		RefImageURI:    item.RefImageURI,
	}
}

// summaryView maps a domain summary to its wire shape.
func summaryView(summary *experiment.Summary) *HumanSummary {
	if summary == nil {
		return nil
	}

	return &HumanSummary{
		WinRates:         summary.WinRates,
		RecommendedPick:  summary.RecommendedPick,
		TotalComparisons: summary.TotalComparisons,
	}
}
