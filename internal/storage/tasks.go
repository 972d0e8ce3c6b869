package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/screentest-io/screentest/internal/experiment"
)

// taskColumns is the canonical column list for human_tasks queries, matched
// by scanTask.
const taskColumns = `task_id, experiment_id, task_type, left_run_id, right_run_id,
	presented_left_run_id, presented_right_run_id, flip, status, created_at`

// ratingColumns is the canonical column list for human_ratings queries,
// matched by scanRating.
const ratingColumns = `rating_id, task_id, rater_id, choice_realism, choice_lipsync,
	choice_targetmatch, notes, created_at`

// ExistingPairs returns the canonical pairs already covered by tasks in the
// experiment, regardless of task status. Task planning diffs its candidate
// pairs against this set so re-planning never duplicates work.
func (s *ExperimentStore) ExistingPairs(ctx context.Context, experimentID string) (map[experiment.Pair]struct{}, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT left_run_id, right_run_id FROM human_tasks WHERE experiment_id = $1`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query existing pairs: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	pairs := make(map[experiment.Pair]struct{})

	for rows.Next() {
		var left, right string
		if err := rows.Scan(&left, &right); err != nil {
			return nil, fmt.Errorf("%w: scan pair: %w", ErrStoreFailed, err)
		}

		pairs[experiment.NewPair(left, right)] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate pairs: %w", ErrStoreFailed, err)
	}

	return pairs, nil
}

// InsertTask inserts a comparison task with status open.
//
// The unordered pair (left, right) is unique per experiment via a
// LEAST/GREATEST index, so the same two runs are never compared twice no
// matter which orientation a racing planner derived. Duplicates fail with
// experiment.ErrDuplicateTask.
func (s *ExperimentStore) InsertTask(ctx context.Context, task *experiment.Task) error {
	if task == nil {
		return fmt.Errorf("%w: task is nil", ErrInvalidArgument)
	}

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if task.TaskType == "" {
		task.TaskType = experiment.TaskTypePairwise
	}

	query := `
		INSERT INTO human_tasks (
			task_id,
			experiment_id,
			task_type,
			left_run_id,
			right_run_id,
			presented_left_run_id,
			presented_right_run_id,
			flip,
			status,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', NOW(), NOW())
		RETURNING created_at
	`

	err := s.conn.QueryRowContext(ctx, query,
		task.ID,
		task.ExperimentID,
		task.TaskType,
		task.LeftRunID,
		task.RightRunID,
		task.PresentedLeftRunID,
		task.PresentedRightRunID,
		task.Flip,
	).Scan(&task.CreatedAt)
	if err != nil {
		// Task IDs are content-addressed from the pair, so a primary key
		// violation and a pair violation both mean the same duplicate.
		if name := uniqueConstraintName(err); name == constraintTaskPair || name == "human_tasks_pkey" {
			return fmt.Errorf("%w: experiment %s pair (%s, %s)",
				experiment.ErrDuplicateTask, task.ExperimentID, task.LeftRunID, task.RightRunID)
		}

		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: experiment %s or one of runs (%s, %s)",
				experiment.ErrNotFound, task.ExperimentID, task.LeftRunID, task.RightRunID)
		}

		s.logger.Error("Failed to insert task", "task_id", task.ID, "error", err)

		return fmt.Errorf("%w: insert task: %w", ErrStoreFailed, err)
	}

	task.Status = experiment.TaskStatusOpen

	s.logger.Info("Comparison task created",
		"task_id", task.ID,
		"experiment_id", task.ExperimentID,
		"left_run_id", task.LeftRunID,
		"right_run_id", task.RightRunID,
		"flip", task.Flip,
	)

	return nil
}

// GetTask returns the task or experiment.ErrNotFound.
func (s *ExperimentStore) GetTask(ctx context.Context, taskID string) (*experiment.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM human_tasks WHERE task_id = $1`

	task, err := scanTask(s.conn.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", experiment.ErrNotFound, taskID)
		}

		return nil, fmt.Errorf("%w: get task: %w", ErrStoreFailed, err)
	}

	return task, nil
}

// NextOpenTask returns an open task of the experiment, or
// experiment.ErrNotFound when none remain. No ordering or fairness is
// guaranteed; raters drain the pool in whatever order the store yields.
func (s *ExperimentStore) NextOpenTask(ctx context.Context, experimentID string) (*experiment.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM human_tasks
		WHERE experiment_id = $1 AND status = 'open'
		LIMIT 1`

	task, err := scanTask(s.conn.QueryRowContext(ctx, query, experimentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no open tasks in experiment %s", experiment.ErrNotFound, experimentID)
		}

		return nil, fmt.Errorf("%w: next open task: %w", ErrStoreFailed, err)
	}

	return task, nil
}

// ListTasksByStatus returns the experiment's tasks in the given status,
// ordered by task ID.
func (s *ExperimentStore) ListTasksByStatus(
	ctx context.Context,
	experimentID string,
	status experiment.TaskStatus,
) ([]*experiment.Task, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: task status %q", ErrInvalidArgument, status)
	}

	query := `SELECT ` + taskColumns + `
		FROM human_tasks
		WHERE experiment_id = $1 AND status = $2
		ORDER BY task_id`

	rows, err := s.conn.QueryContext(ctx, query, experimentID, string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: query tasks: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	tasks := make([]*experiment.Task, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan task: %w", ErrStoreFailed, err)
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate tasks: %w", ErrStoreFailed, err)
	}

	return tasks, nil
}

// MarkTaskDone moves a task to done. Marking an already-done task is an
// idempotent no-op; a void task fails with
// experiment.ErrInvalidStatusTransition.
func (s *ExperimentStore) MarkTaskDone(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task_id is empty", ErrInvalidArgument)
	}

	result, err := s.conn.ExecContext(ctx, `
		UPDATE human_tasks
		SET status = 'done', updated_at = NOW()
		WHERE task_id = $1 AND status <> 'void'`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark task done: %w", ErrStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: mark task done: %w", ErrStoreFailed, err)
	}

	if affected == 0 {
		return s.explainTaskTransitionFailure(ctx, taskID)
	}

	return nil
}

// CreateRating appends a rating to its task and marks the task done, both in
// one transaction. Ratings are append-only; a second rating on a done task
// is recorded alongside the first. A missing task fails with
// experiment.ErrNotFound and a void task with
// experiment.ErrInvalidStatusTransition.
func (s *ExperimentStore) CreateRating(ctx context.Context, rating *experiment.Rating) error {
	if rating == nil {
		return fmt.Errorf("%w: rating is nil", ErrInvalidArgument)
	}

	if err := rating.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if rating.ID == "" {
		rating.ID = uuid.NewString()
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	var targetMatch sql.NullString
	if rating.ChoiceTargetMatch != nil {
		targetMatch = sql.NullString{String: rating.ChoiceTargetMatch.String(), Valid: true}
	}

	insertQuery := `
		INSERT INTO human_ratings (
			rating_id,
			task_id,
			rater_id,
			choice_realism,
			choice_lipsync,
			choice_targetmatch,
			notes,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`

	err = tx.QueryRowContext(ctx, insertQuery,
		rating.ID,
		rating.TaskID,
		rating.RaterID,
		rating.ChoiceRealism.String(),
		rating.ChoiceLipsync.String(),
		targetMatch,
		nullableString(rating.Notes),
	).Scan(&rating.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: task %s", experiment.ErrNotFound, rating.TaskID)
		}

		s.logger.Error("Failed to create rating", "task_id", rating.TaskID, "error", err)

		return fmt.Errorf("%w: create rating: %w", ErrStoreFailed, err)
	}

	// The FK above guarantees the task exists, so zero rows here can only
	// mean the task is void.
	result, err := tx.ExecContext(ctx, `
		UPDATE human_tasks
		SET status = 'done', updated_at = NOW()
		WHERE task_id = $1 AND status <> 'void'`,
		rating.TaskID,
	)
	if err != nil {
		return fmt.Errorf("%w: mark rated task done: %w", ErrStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: mark rated task done: %w", ErrStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: cannot rate void task %s",
			experiment.ErrInvalidStatusTransition, rating.TaskID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Rating recorded",
		"rating_id", rating.ID,
		"task_id", rating.TaskID,
		"rater_id", rating.RaterID,
	)

	return nil
}

// ListRatings returns every rating attached to the experiment's tasks,
// oldest first.
func (s *ExperimentStore) ListRatings(ctx context.Context, experimentID string) ([]*experiment.Rating, error) {
	query := `SELECT r.rating_id, r.task_id, r.rater_id, r.choice_realism, r.choice_lipsync,
			r.choice_targetmatch, r.notes, r.created_at
		FROM human_ratings r
		JOIN human_tasks t ON t.task_id = r.task_id
		WHERE t.experiment_id = $1
		ORDER BY r.created_at, r.rating_id`

	rows, err := s.conn.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("%w: query ratings: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	ratings := make([]*experiment.Rating, 0)

	for rows.Next() {
		rating, err := scanRating(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan rating: %w", ErrStoreFailed, err)
		}

		ratings = append(ratings, rating)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate ratings: %w", ErrStoreFailed, err)
	}

	return ratings, nil
}

// explainTaskTransitionFailure distinguishes a missing task from a void one
// after a guarded update matched no rows.
func (s *ExperimentStore) explainTaskTransitionFailure(ctx context.Context, taskID string) error {
	var current experiment.TaskStatus

	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM human_tasks WHERE task_id = $1`, taskID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: task %s", experiment.ErrNotFound, taskID)
		}

		return fmt.Errorf("%w: fetch task status: %w", ErrStoreFailed, err)
	}

	return fmt.Errorf("%w: cannot transition task %s from %s to %s",
		experiment.ErrInvalidStatusTransition, taskID, current, experiment.TaskStatusDone)
}

// scanTask scans one human_tasks row in taskColumns order.
func scanTask(sc rowScanner) (*experiment.Task, error) {
	var task experiment.Task

	err := sc.Scan(
		&task.ID,
		&task.ExperimentID,
		&task.TaskType,
		&task.LeftRunID,
		&task.RightRunID,
		&task.PresentedLeftRunID,
		&task.PresentedRightRunID,
		&task.Flip,
		&task.Status,
		&task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &task, nil
}

// scanRating scans one human_ratings row in ratingColumns order.
func scanRating(sc rowScanner) (*experiment.Rating, error) {
	var (
		rating      experiment.Rating
		targetMatch sql.NullString
		notes       sql.NullString
	)

	err := sc.Scan(
		&rating.ID,
		&rating.TaskID,
		&rating.RaterID,
		&rating.ChoiceRealism,
		&rating.ChoiceLipsync,
		&targetMatch,
		&notes,
		&rating.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if targetMatch.Valid {
		choice := experiment.Choice(targetMatch.String)
		rating.ChoiceTargetMatch = &choice
	}

	rating.Notes = stringPtr(notes)

	return &rating, nil
}
