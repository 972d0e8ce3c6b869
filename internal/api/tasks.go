package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/screentest-io/screentest/internal/experiment"
)

// handleCreateTasks handles POST /experiments/{id}/tasks requests.
// Generates pairwise comparison tasks over the experiment's succeeded runs.
// Generation is idempotent: pairs that already exist are skipped, so the
// endpoint can be called again after more runs finish.
func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
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

	result, err := experiment.GeneratePairs(ctx, s.store, experimentID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Task generation failed",
			slog.String("experiment_id", experimentID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Task generation failed"))

		return
	}

	s.logger.InfoContext(ctx, "Comparison tasks created",
		slog.String("experiment_id", experimentID),
		slog.Int("tasks_created", result.CreatedCount),
	)

	s.writeJSON(w, r, http.StatusCreated, TasksCreatedResponse{
		TasksCreated: result.CreatedCount,
		ExperimentID: experimentID,
	})
}

// handleGetTask handles GET /tasks/{id} requests.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Task ID is required"))

		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Task not found"))

			return
		}

		s.logger.ErrorContext(r.Context(), "Failed to load task",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load task"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, s.taskDetail(r.Context(), task))
}

// handleNextTask handles GET /experiments/{id}/tasks/next requests.
// Hands the oldest open task to a rater. An experiment with nothing left to
// rate is a 404, which rater tooling treats as the stop signal.
func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	experimentID := r.PathValue("id")
	if experimentID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("Experiment ID is required"))

		return
	}

	task, err := s.store.NextOpenTask(r.Context(), experimentID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No open tasks available"))

			return
		}

		s.logger.ErrorContext(r.Context(), "Failed to fetch next open task",
			slog.String("experiment_id", experimentID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to fetch next open task"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, s.taskDetail(r.Context(), task))
}

// taskDetail maps a domain task to its wire shape. The presented run ids
// already carry the blinding flip; the artifact URLs resolve each presented
// side to its canonical output so raters can play both videos directly.
func (s *Server) taskDetail(ctx context.Context, task *experiment.Task) TaskDetail {
	return TaskDetail{
		TaskID:                    task.ID,
		ExperimentID:              task.ExperimentID,
		LeftRunID:                 task.LeftRunID,
		RightRunID:                task.RightRunID,
		PresentedLeftRunID:        task.PresentedLeftRunID,
		PresentedRightRunID:       task.PresentedRightRunID,
		Flip:                      task.Flip,
		Status:                    string(task.Status),
		PresentedLeftArtifactURL:  s.artifactURL(ctx, task.PresentedLeftRunID),
		PresentedRightArtifactURL: s.artifactURL(ctx, task.PresentedRightRunID),
	}
}

// artifactURL resolves a run's canonical artifact URL, or nil while the run
// has no output. Lookup failures also yield nil; the task itself is still
// servable.
func (s *Server) artifactURL(ctx context.Context, runID string) *string {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if !errors.Is(err, experiment.ErrNotFound) {
			s.logger.WarnContext(ctx, "Run lookup for artifact URL failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	if run.OutputCanonURI == nil {
		return nil
	}

	url := artifactURLPrefix + *run.OutputCanonURI

	return &url
}
