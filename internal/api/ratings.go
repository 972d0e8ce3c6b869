package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/screentest-io/screentest/internal/experiment"
	"github.com/screentest-io/screentest/internal/storage"
)

// handleCreateRating handles POST /ratings requests.
// Appends a rating to a task and marks the task done in the same store
// operation, so a task never ends up rated but still open.
//
// Response codes:
//   - 201 Created: rating stored
//   - 400 Bad Request: malformed JSON or invalid choices
//   - 404 Not Found: task does not exist
//   - 409 Conflict: task is already done or voided
//   - 413 Payload Too Large: request exceeds MaxRequestSize
//   - 415 Unsupported Media Type: Content-Type is not application/json
func (s *Server) handleCreateRating(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	contentType := r.Header.Get("Content-Type")
	if !hasJSONContentType(contentType) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	if r.ContentLength > s.config.MaxRequestSize {
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge("Request body exceeds maximum allowed size"))

		return
	}

	if r.ContentLength == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("Request body cannot be empty"))

		return
	}

	var submission RatingSubmission

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&submission); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return
	}

	rating := mapSubmissionToRating(&submission)

	// Domain validation is the single source of truth for choice values.
	if err := rating.Validate(); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if err := s.store.CreateRating(ctx, rating); err != nil {
		switch {
		case errors.Is(err, experiment.ErrNotFound):
			WriteErrorResponse(w, r, s.logger, NotFound("Task not found"))
		case errors.Is(err, experiment.ErrInvalidStatusTransition):
			WriteErrorResponse(w, r, s.logger, Conflict("Task is not open for rating"))
		case errors.Is(err, storage.ErrInvalidArgument):
			WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
		default:
			s.logger.ErrorContext(ctx, "Failed to store rating",
				slog.String("task_id", rating.TaskID),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store rating"))
		}

		return
	}

	s.logger.InfoContext(ctx, "Rating recorded",
		slog.String("rating_id", rating.ID),
		slog.String("task_id", rating.TaskID),
		slog.String("rater_id", rating.RaterID),
	)

	s.writeJSON(w, r, http.StatusCreated, RatingCreatedResponse{
		RatingID: rating.ID,
		TaskID:   rating.TaskID,
	})
}

// mapSubmissionToRating converts the API submission to the domain rating.
func mapSubmissionToRating(submission *RatingSubmission) *experiment.Rating {
	rating := &experiment.Rating{
		TaskID:        submission.TaskID,
		RaterID:       submission.RaterID,
		ChoiceRealism: experiment.Choice(submission.ChoiceRealism),
		ChoiceLipsync: experiment.Choice(submission.ChoiceLipsync),
		Notes:         submission.Notes,
	}

	if submission.ChoiceTargetMatch != nil {
		choice := experiment.Choice(*submission.ChoiceTargetMatch)
		rating.ChoiceTargetMatch = &choice
	}

	return rating
}
