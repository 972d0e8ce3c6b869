package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/screentest-io/screentest/internal/experiment"
)

// runColumns is the canonical column list for runs queries. Every run scan
// goes through scanRun, which must match this order.
const runColumns = `run_id, experiment_id, item_id, variant_key, spec_hash, status,
	output_canon_uri, output_sha256, worker_id, started_at, ended_at,
	error_code, error_detail, attempt, created_at`

// EnqueueRun inserts the run with status queued.
//
// The slot (experiment_id, item_id, variant_key) is unique. When the slot is
// already held by the SAME run ID, the existing run is returned with
// created=false and no error: planning is idempotent, so re-planning an
// experiment re-derives identical run IDs. A slot held by a DIFFERENT run ID
// means the generation spec changed under the experiment, which fails with
// experiment.ErrDuplicateRun.
//
// Races between concurrent planners are resolved by the slot constraint, not
// by locks: the loser of parallel inserts re-reads the winner and applies
// the same identity check.
func (s *ExperimentStore) EnqueueRun(ctx context.Context, run *experiment.Run) (*experiment.Run, bool, error) {
	if run == nil {
		return nil, false, fmt.Errorf("%w: run is nil", ErrInvalidArgument)
	}

	if err := run.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	startTime := time.Now()

	// Fast path: the slot is usually empty or holds this exact run.
	existing, err := s.runBySlot(ctx, run.ExperimentID, run.ItemID, run.VariantKey)
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		return s.resolveSlotConflict(run, existing)
	}

	query := `
		INSERT INTO runs (
			run_id,
			experiment_id,
			item_id,
			variant_key,
			spec_hash,
			status,
			attempt,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, 'queued', 0, NOW(), NOW())
		RETURNING created_at
	`

	err = s.conn.QueryRowContext(ctx, query,
		run.ID,
		run.ExperimentID,
		run.ItemID,
		run.VariantKey,
		run.SpecHash,
	).Scan(&run.CreatedAt)
	if err != nil {
		// Lost an insert race. Run IDs are content-addressed from their
		// slot, so a primary key violation implies the same slot conflict;
		// either way the winner is committed by the time the violation
		// surfaces, so re-read and apply the identity check.
		if name := uniqueConstraintName(err); name == constraintRunSlot || name == "runs_pkey" {
			winner, selErr := s.runBySlot(ctx, run.ExperimentID, run.ItemID, run.VariantKey)
			if selErr != nil {
				return nil, false, selErr
			}

			if winner == nil {
				return nil, false, fmt.Errorf("%w: enqueue run %s: %w", ErrStoreFailed, run.ID, err)
			}

			return s.resolveSlotConflict(run, winner)
		}

		if isForeignKeyViolation(err) {
			return nil, false, fmt.Errorf("%w: experiment %s or item %s",
				experiment.ErrNotFound, run.ExperimentID, run.ItemID)
		}

		s.logger.Error("Failed to enqueue run", "run_id", run.ID, "error", err)

		return nil, false, fmt.Errorf("%w: enqueue run %s: %w", ErrStoreFailed, run.ID, err)
	}

	run.Status = experiment.RunStatusQueued
	run.Attempt = 0

	s.logger.Info("Run enqueued",
		"run_id", run.ID,
		"experiment_id", run.ExperimentID,
		"item_id", run.ItemID,
		"variant_key", run.VariantKey,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	return run, true, nil
}

// resolveSlotConflict applies the slot identity check: the same run ID is an
// idempotent re-enqueue, a different one is spec drift.
func (s *ExperimentStore) resolveSlotConflict(
	run *experiment.Run,
	existing *experiment.Run,
) (*experiment.Run, bool, error) {
	if existing.ID == run.ID {
		return existing, false, nil
	}

	s.logger.Warn("Run slot held by different identity",
		"experiment_id", run.ExperimentID,
		"item_id", run.ItemID,
		"variant_key", run.VariantKey,
		"existing_run_id", existing.ID,
		"attempted_run_id", run.ID,
	)

	return nil, false, fmt.Errorf(
		"%w: slot (%s, %s, %s) held by run %s, attempted %s",
		experiment.ErrDuplicateRun,
		run.ExperimentID, run.ItemID, run.VariantKey,
		existing.ID, run.ID,
	)
}

// runBySlot returns the run occupying a slot, or nil when the slot is empty.
func (s *ExperimentStore) runBySlot(
	ctx context.Context,
	experimentID, itemID, variantKey string,
) (*experiment.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE experiment_id = $1 AND item_id = $2 AND variant_key = $3`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, experimentID, itemID, variantKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: fetch run by slot: %w", ErrStoreFailed, err)
	}

	return run, nil
}

// GetRun returns the run or experiment.ErrNotFound.
func (s *ExperimentStore) GetRun(ctx context.Context, runID string) (*experiment.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`

	run, err := scanRun(s.conn.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s", experiment.ErrNotFound, runID)
		}

		return nil, fmt.Errorf("%w: get run: %w", ErrStoreFailed, err)
	}

	return run, nil
}

// ListRuns returns every run of the experiment ordered by run ID.
func (s *ExperimentStore) ListRuns(ctx context.Context, experimentID string) ([]*experiment.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE experiment_id = $1
		ORDER BY run_id`

	return s.queryRuns(ctx, query, experimentID)
}

// ListRunsByStatus returns the experiment's runs in the given status,
// ordered by run ID.
func (s *ExperimentStore) ListRunsByStatus(
	ctx context.Context,
	experimentID string,
	status experiment.RunStatus,
) ([]*experiment.Run, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: run status %q", ErrInvalidArgument, status)
	}

	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE experiment_id = $1 AND status = $2
		ORDER BY run_id`

	return s.queryRuns(ctx, query, experimentID, string(status))
}

// CountRunsByStatus returns the number of runs in each lifecycle state
// across all experiments. Statuses with no runs are absent from the map.
func (s *ExperimentStore) CountRunsByStatus(ctx context.Context) (map[experiment.RunStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM runs GROUP BY status`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: count runs: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[experiment.RunStatus]int)

	for rows.Next() {
		var (
			status experiment.RunStatus
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: scan run count: %w", ErrStoreFailed, err)
		}

		counts[status] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate run counts: %w", ErrStoreFailed, err)
	}

	return counts, nil
}

// ClaimQueuedRuns atomically transitions up to limit queued runs to running,
// stamping worker_id, started_at, and the attempt counter.
//
// FOR UPDATE SKIP LOCKED makes concurrent claims disjoint: each worker locks
// the queued rows it selects and every other worker skips past them, so a
// run is claimed exactly once without any coordination outside the store.
// Oldest runs are claimed first. A non-positive limit claims nothing.
func (s *ExperimentStore) ClaimQueuedRuns(
	ctx context.Context,
	limit int,
	workerID string,
) ([]*experiment.Run, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker_id is empty", ErrInvalidArgument)
	}

	if limit <= 0 {
		return []*experiment.Run{}, nil
	}

	startTime := time.Now()

	query := `
		UPDATE runs
		SET status = 'running',
			worker_id = $1,
			started_at = NOW(),
			attempt = attempt + 1,
			updated_at = NOW()
		WHERE run_id IN (
			SELECT run_id
			FROM runs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + runColumns

	runs, err := s.queryRuns(ctx, query, workerID, limit)
	if err != nil {
		return nil, err
	}

	if len(runs) > 0 {
		s.logger.Info("Claimed queued runs",
			"worker_id", workerID,
			"claimed", len(runs),
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
	} else {
		s.logger.Debug("No queued runs to claim", "worker_id", workerID)
	}

	return runs, nil
}

// FinishRun moves a running run to its terminal state and stamps ended_at.
//
// The guard lives in the WHERE clause: only status=running rows move, so a
// run that already reached a terminal state is left untouched and the call
// fails with experiment.ErrInvalidStatusTransition. The run status machine
// is monotonic; there is no path out of succeeded or failed here.
func (s *ExperimentStore) FinishRun(ctx context.Context, runID string, outcome experiment.RunOutcome) error {
	if runID == "" {
		return fmt.Errorf("%w: run_id is empty", ErrInvalidArgument)
	}

	var (
		result sql.Result
		err    error
		target experiment.RunStatus
	)

	switch o := outcome.(type) {
	case experiment.Succeeded:
		if o.CanonURI == "" || o.CanonSHA256 == "" {
			return fmt.Errorf("%w: succeeded outcome requires canonical artifact URI and digest",
				ErrInvalidArgument)
		}

		target = experiment.RunStatusSucceeded
		result, err = s.conn.ExecContext(ctx, `
			UPDATE runs
			SET status = 'succeeded',
				output_canon_uri = $2,
				output_sha256 = $3,
				ended_at = NOW(),
				updated_at = NOW()
			WHERE run_id = $1 AND status = 'running'`,
			runID, o.CanonURI, o.CanonSHA256,
		)

	case experiment.Failed:
		if !experiment.ValidErrorCode(o.ErrorCode) {
			return fmt.Errorf("%w: unknown error code %q", ErrInvalidArgument, o.ErrorCode)
		}

		target = experiment.RunStatusFailed
		result, err = s.conn.ExecContext(ctx, `
			UPDATE runs
			SET status = 'failed',
				error_code = $2,
				error_detail = $3,
				ended_at = NOW(),
				updated_at = NOW()
			WHERE run_id = $1 AND status = 'running'`,
			runID, o.ErrorCode, o.ErrorDetail,
		)

	case nil:
		return fmt.Errorf("%w: outcome is nil", ErrInvalidArgument)

	default:
		return fmt.Errorf("%w: unknown outcome type %T", ErrInvalidArgument, outcome)
	}

	if err != nil {
		s.logger.Error("Failed to finish run", "run_id", runID, "error", err)

		return fmt.Errorf("%w: finish run %s: %w", ErrStoreFailed, runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: finish run %s: %w", ErrStoreFailed, runID, err)
	}

	if affected == 0 {
		return s.explainRunTransitionFailure(ctx, runID, target)
	}

	s.logger.Info("Run finished", "run_id", runID, "status", target.String())

	return nil
}

// RequeueFailedRun is the explicit admin operation moving a failed run back
// to queued for another attempt. Error fields and worker bookkeeping are
// cleared; the attempt counter is kept so total claims stay visible. Any
// current status other than failed fails with
// experiment.ErrInvalidStatusTransition.
func (s *ExperimentStore) RequeueFailedRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: run_id is empty", ErrInvalidArgument)
	}

	result, err := s.conn.ExecContext(ctx, `
		UPDATE runs
		SET status = 'queued',
			error_code = NULL,
			error_detail = NULL,
			worker_id = NULL,
			started_at = NULL,
			ended_at = NULL,
			updated_at = NOW()
		WHERE run_id = $1 AND status = 'failed'`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("%w: requeue run %s: %w", ErrStoreFailed, runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: requeue run %s: %w", ErrStoreFailed, runID, err)
	}

	if affected == 0 {
		return s.explainRunTransitionFailure(ctx, runID, experiment.RunStatusQueued)
	}

	s.logger.Info("Run re-enqueued", "run_id", runID)

	return nil
}

// explainRunTransitionFailure distinguishes a missing run from an illegal
// status transition after a guarded update matched no rows.
func (s *ExperimentStore) explainRunTransitionFailure(
	ctx context.Context,
	runID string,
	target experiment.RunStatus,
) error {
	var current experiment.RunStatus

	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE run_id = $1`, runID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: run %s", experiment.ErrNotFound, runID)
		}

		return fmt.Errorf("%w: fetch run status: %w", ErrStoreFailed, err)
	}

	return fmt.Errorf("%w: cannot transition run %s from %s to %s",
		experiment.ErrInvalidStatusTransition, runID, current, target)
}

// queryRuns executes a query returning run rows and scans them all.
func (s *ExperimentStore) queryRuns(
	ctx context.Context,
	query string,
	args ...interface{},
) ([]*experiment.Run, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query runs: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	runs := make([]*experiment.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan run: %w", ErrStoreFailed, err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %w", ErrStoreFailed, err)
	}

	return runs, nil
}

// scanRun scans one runs row in runColumns order.
func scanRun(sc rowScanner) (*experiment.Run, error) {
	var (
		run         experiment.Run
		outputURI   sql.NullString
		outputSHA   sql.NullString
		workerID    sql.NullString
		startedAt   sql.NullTime
		endedAt     sql.NullTime
		errorCode   sql.NullString
		errorDetail sql.NullString
	)

	err := sc.Scan(
		&run.ID,
		&run.ExperimentID,
		&run.ItemID,
		&run.VariantKey,
		&run.SpecHash,
		&run.Status,
		&outputURI,
		&outputSHA,
		&workerID,
		&startedAt,
		&endedAt,
		&errorCode,
		&errorDetail,
		&run.Attempt,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.OutputCanonURI = stringPtr(outputURI)
	run.OutputSHA256 = stringPtr(outputSHA)
	run.WorkerID = stringPtr(workerID)
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	run.ErrorCode = stringPtr(errorCode)
	run.ErrorDetail = stringPtr(errorDetail)

	return &run, nil
}
