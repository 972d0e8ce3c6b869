package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/screentest-io/screentest/internal/experiment"
)

// exportVersion is the version stamp of the export payload shape. Bump it
// when the document layout changes so offline analysis can dispatch on it.
const exportVersion = "1.0"

// handleExportExperiment handles GET /experiments/{id}/export requests.
// Produces a single downloadable JSON document with the experiment, runs,
// metrics, tasks, ratings, and summary, everything needed to reproduce the
// analysis offline.
func (s *Server) handleExportExperiment(w http.ResponseWriter, r *http.Request) {
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

	tasks, problem := s.listAllTasks(r, experimentID)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	ratings, err := s.store.ListRatings(ctx, experimentID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list ratings",
			slog.String("experiment_id", experimentID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list ratings"))

		return
	}

	exportedRuns := make([]ExportedRun, 0, len(runs))
	for _, run := range runs {
		exportedRuns = append(exportedRuns, exportedRun(s.runDetail(ctx, run)))
	}

	taskDetails := make([]TaskDetail, 0, len(tasks))
	for _, task := range tasks {
		taskDetails = append(taskDetails, s.taskDetail(ctx, task))
	}

	ratingViews := make([]RatingView, 0, len(ratings))
	for _, rating := range ratings {
		ratingViews = append(ratingViews, ratingView(rating))
	}

	export := ExportedExperiment{
		ExperimentID:   exp.ID,
		Status:         string(exp.Status),
		GenerationSpec: specDetail(spec),
		DatasetItem:    itemDetail(item),
		Runs:           exportedRuns,
		Tasks:          taskDetails,
		Ratings:        ratingViews,
		HumanSummary:   s.humanSummary(r, experimentID),
		ExportVersion:  exportVersion,
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", experimentID+"_export.json"))
	s.writeJSON(w, r, http.StatusOK, export)
}

// listAllTasks loads the experiment's tasks across every status, ordered by
// task ID for a deterministic export.
func (s *Server) listAllTasks(r *http.Request, experimentID string) ([]*experiment.Task, *ProblemDetail) {
	statuses := []experiment.TaskStatus{
		experiment.TaskStatusOpen,
		experiment.TaskStatusAssigned,
		experiment.TaskStatusDone,
		experiment.TaskStatusVoid,
	}

	var tasks []*experiment.Task

	for _, status := range statuses {
		batch, err := s.store.ListTasksByStatus(r.Context(), experimentID, status)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "Failed to list tasks",
				slog.String("experiment_id", experimentID),
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)

			return nil, InternalServerError("Failed to list tasks")
		}

		tasks = append(tasks, batch...)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks, nil
}

// exportedRun strips the item-level fields from a run detail; the export
// carries the dataset item once at the top level.
func exportedRun(detail RunDetail) ExportedRun {
	return ExportedRun{
		RunID:        detail.RunID,
		VariantKey:   detail.VariantKey,
		Status:       detail.Status,
		OutputSHA256: detail.OutputSHA256,
		Metrics:      detail.Metrics,
		StatusBadge:  detail.StatusBadge,
		Reasons:      detail.Reasons,
	}
}

// ratingView maps a stored rating to its export shape.
func ratingView(rating *experiment.Rating) RatingView {
	view := RatingView{
		RatingID:      rating.ID,
		TaskID:        rating.TaskID,
		RaterID:       rating.RaterID,
		ChoiceRealism: string(rating.ChoiceRealism),
		ChoiceLipsync: string(rating.ChoiceLipsync),
		Notes:         rating.Notes,
		CreatedAt:     rating.CreatedAt,
	}

	if rating.ChoiceTargetMatch != nil {
		choice := string(*rating.ChoiceTargetMatch)
		view.ChoiceTargetMatch = &choice
	}

	return view
}
