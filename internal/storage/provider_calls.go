package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/screentest-io/screentest/internal/experiment"
	"github.com/screentest-io/screentest/internal/identity"
)

// providerCallColumns is the canonical column list for provider_calls
// queries, matched by scanProviderCall.
const providerCallColumns = `call_id, run_id, provider, provider_idempotency_key, attempt, status,
	provider_job_id, raw_artifact_uri, raw_artifact_sha256, cost, latency_ms, error_detail, created_at`

// UpsertProviderCallStarted resolves the cost gate for one idempotency key
// before the provider is invoked.
//
// Returns (call, reused, error) where:
//   - reused=true: a completed call already holds the key; the caller reuses
//     its artifact and the provider is NOT invoked again.
//   - reused=false with a created call: either a fresh row was inserted or a
//     crashed attempt left a created row behind, which is returned for retry
//     with its attempt counter bumped.
//   - a failed call keeps holding the key and blocks with
//     experiment.ErrIdempotencyKeyHeld; charging again requires an explicit
//     admin void, never a silent retry.
//
// The (provider, idempotency_key) unique constraint arbitrates concurrent
// insert races; the loser resolves against the committed winner under a row
// lock, so at most one completed call can ever exist per key.
func (s *ExperimentStore) UpsertProviderCallStarted(
	ctx context.Context,
	runID, provider, idempotencyKey string,
) (*experiment.ProviderCall, bool, error) {
	if runID == "" {
		return nil, false, fmt.Errorf("%w: run_id is empty", ErrInvalidArgument)
	}

	if provider == "" {
		return nil, false, fmt.Errorf("%w: provider is empty", ErrInvalidArgument)
	}

	if !identity.IsDigest(idempotencyKey) {
		return nil, false, fmt.Errorf("%w: idempotency key %q is not a 64-char hex digest",
			ErrInvalidArgument, idempotencyKey)
	}

	startTime := time.Now()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin transaction: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	call := &experiment.ProviderCall{
		ID:             uuid.NewString(),
		RunID:          runID,
		Provider:       provider,
		IdempotencyKey: idempotencyKey,
		Attempt:        1,
		Status:         experiment.ProviderCallStatusCreated,
	}

	insertQuery := `
		INSERT INTO provider_calls (
			call_id,
			run_id,
			provider,
			provider_idempotency_key,
			attempt,
			status,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, 1, 'created', NOW(), NOW())
		ON CONFLICT ON CONSTRAINT ` + constraintIdempotencyKey + ` DO NOTHING
		RETURNING created_at
	`

	err = tx.QueryRowContext(ctx, insertQuery,
		call.ID, runID, provider, idempotencyKey,
	).Scan(&call.CreatedAt)

	switch {
	case err == nil:
		// Fresh key: this call owns it.
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("%w: commit transaction: %w", ErrStoreFailed, err)
		}

		s.logger.Info("Provider call created",
			"call_id", call.ID,
			"run_id", runID,
			"provider", provider,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)

		return call, false, nil

	case errors.Is(err, sql.ErrNoRows):
		// Key already held: fall through and resolve against the holder.

	case isForeignKeyViolation(err):
		return nil, false, fmt.Errorf("%w: run %s", experiment.ErrNotFound, runID)

	default:
		s.logger.Error("Failed to insert provider call", "run_id", runID, "error", err)

		return nil, false, fmt.Errorf("%w: insert provider call: %w", ErrStoreFailed, err)
	}

	holder, err := s.lockProviderCall(ctx, tx, provider, idempotencyKey)
	if err != nil {
		return nil, false, err
	}

	switch holder.Status {
	case experiment.ProviderCallStatusCompleted:
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("%w: commit transaction: %w", ErrStoreFailed, err)
		}

		s.logger.Info("Provider call reused",
			"call_id", holder.ID,
			"run_id", runID,
			"original_run_id", holder.RunID,
			"provider", provider,
		)

		return holder, true, nil

	case experiment.ProviderCallStatusCreated:
		err = tx.QueryRowContext(ctx,
			`UPDATE provider_calls
			SET attempt = attempt + 1, updated_at = NOW()
			WHERE call_id = $1
			RETURNING attempt`,
			holder.ID,
		).Scan(&holder.Attempt)
		if err != nil {
			return nil, false, fmt.Errorf("%w: bump provider call attempt: %w", ErrStoreFailed, err)
		}

		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("%w: commit transaction: %w", ErrStoreFailed, err)
		}

		s.logger.Info("Provider call retried",
			"call_id", holder.ID,
			"run_id", runID,
			"attempt", holder.Attempt,
			"provider", provider,
		)

		return holder, false, nil

	case experiment.ProviderCallStatusFailed:
		return nil, false, fmt.Errorf("%w: provider %s key %s held by failed call %s",
			experiment.ErrIdempotencyKeyHeld, provider, idempotencyKey, holder.ID)

	default:
		return nil, false, fmt.Errorf("%w: provider call %s has unknown status %q",
			ErrStoreFailed, holder.ID, holder.Status)
	}
}

// lockProviderCall fetches the call holding an idempotency key with a row
// lock, serializing concurrent resolutions of the same key.
func (s *ExperimentStore) lockProviderCall(
	ctx context.Context,
	tx *sql.Tx,
	provider, idempotencyKey string,
) (*experiment.ProviderCall, error) {
	query := `SELECT ` + providerCallColumns + `
		FROM provider_calls
		WHERE provider = $1 AND provider_idempotency_key = $2
		FOR UPDATE`

	call, err := scanProviderCall(tx.QueryRowContext(ctx, query, provider, idempotencyKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The conflicting insert waits for the winner to commit, so the
			// holder must be visible here. Reaching this means the row was
			// deleted out from under us.
			return nil, fmt.Errorf("%w: idempotency key holder vanished for provider %s",
				ErrStoreFailed, provider)
		}

		return nil, fmt.Errorf("%w: lock provider call: %w", ErrStoreFailed, err)
	}

	return call, nil
}

// CompleteProviderCall transitions a created call to completed with the
// artifact location and digest. Requires current status created; anything
// else fails with experiment.ErrInvalidStatusTransition. Completed calls are
// immutable, which is what makes reusing their artifacts safe.
func (s *ExperimentStore) CompleteProviderCall(
	ctx context.Context,
	providerCallID string,
	result experiment.ProviderCallResult,
) error {
	if providerCallID == "" {
		return fmt.Errorf("%w: provider_call_id is empty", ErrInvalidArgument)
	}

	if result.RawArtifactURI == "" || result.RawArtifactSHA256 == "" {
		return fmt.Errorf("%w: completed call requires raw artifact URI and digest", ErrInvalidArgument)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE provider_calls
		SET status = 'completed',
			raw_artifact_uri = $2,
			raw_artifact_sha256 = $3,
			provider_job_id = $4,
			cost = $5,
			latency_ms = $6,
			updated_at = NOW()
		WHERE call_id = $1 AND status = 'created'`,
		providerCallID,
		result.RawArtifactURI,
		result.RawArtifactSHA256,
		nullableString(result.ProviderJobID),
		nullableFloat(result.Cost),
		nullableInt64(result.LatencyMs),
	)
	if err != nil {
		return fmt.Errorf("%w: complete provider call %s: %w", ErrStoreFailed, providerCallID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: complete provider call %s: %w", ErrStoreFailed, providerCallID, err)
	}

	if affected == 0 {
		return s.explainCallTransitionFailure(ctx, providerCallID, experiment.ProviderCallStatusCompleted)
	}

	s.logger.Info("Provider call completed",
		"call_id", providerCallID,
		"raw_artifact_uri", result.RawArtifactURI,
	)

	return nil
}

// FailProviderCall transitions a created call to failed, recording the
// provider error. The row keeps holding the idempotency key.
func (s *ExperimentStore) FailProviderCall(ctx context.Context, providerCallID, detail string) error {
	if providerCallID == "" {
		return fmt.Errorf("%w: provider_call_id is empty", ErrInvalidArgument)
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE provider_calls
		SET status = 'failed',
			error_detail = $2,
			updated_at = NOW()
		WHERE call_id = $1 AND status = 'created'`,
		providerCallID, detail,
	)
	if err != nil {
		return fmt.Errorf("%w: fail provider call %s: %w", ErrStoreFailed, providerCallID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: fail provider call %s: %w", ErrStoreFailed, providerCallID, err)
	}

	if affected == 0 {
		return s.explainCallTransitionFailure(ctx, providerCallID, experiment.ProviderCallStatusFailed)
	}

	s.logger.Warn("Provider call failed",
		"call_id", providerCallID,
		"error_detail", detail,
	)

	return nil
}

// ListProviderCalls returns the calls recorded for a run, oldest first.
func (s *ExperimentStore) ListProviderCalls(ctx context.Context, runID string) ([]*experiment.ProviderCall, error) {
	query := `SELECT ` + providerCallColumns + `
		FROM provider_calls
		WHERE run_id = $1
		ORDER BY created_at, call_id`

	rows, err := s.conn.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: query provider calls: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	calls := make([]*experiment.ProviderCall, 0)

	for rows.Next() {
		call, err := scanProviderCall(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan provider call: %w", ErrStoreFailed, err)
		}

		calls = append(calls, call)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate provider calls: %w", ErrStoreFailed, err)
	}

	return calls, nil
}

// explainCallTransitionFailure distinguishes a missing call from an illegal
// status transition after a guarded update matched no rows.
func (s *ExperimentStore) explainCallTransitionFailure(
	ctx context.Context,
	providerCallID string,
	target experiment.ProviderCallStatus,
) error {
	var current experiment.ProviderCallStatus

	err := s.conn.QueryRowContext(ctx,
		`SELECT status FROM provider_calls WHERE call_id = $1`, providerCallID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: provider call %s", experiment.ErrNotFound, providerCallID)
		}

		return fmt.Errorf("%w: fetch provider call status: %w", ErrStoreFailed, err)
	}

	return fmt.Errorf("%w: cannot transition provider call %s from %s to %s",
		experiment.ErrInvalidStatusTransition, providerCallID, current, target)
}

// scanProviderCall scans one provider_calls row in providerCallColumns order.
func scanProviderCall(sc rowScanner) (*experiment.ProviderCall, error) {
	var (
		call        experiment.ProviderCall
		jobID       sql.NullString
		rawURI      sql.NullString
		rawSHA      sql.NullString
		cost        sql.NullFloat64
		latencyMs   sql.NullInt64
		errorDetail sql.NullString
	)

	err := sc.Scan(
		&call.ID,
		&call.RunID,
		&call.Provider,
		&call.IdempotencyKey,
		&call.Attempt,
		&call.Status,
		&jobID,
		&rawURI,
		&rawSHA,
		&cost,
		&latencyMs,
		&errorDetail,
		&call.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	call.ProviderJobID = stringPtr(jobID)
	call.RawArtifactURI = stringPtr(rawURI)
	call.RawArtifactSHA256 = stringPtr(rawSHA)
	call.Cost = floatPtr(cost)
	call.LatencyMs = int64Ptr(latencyMs)
	call.ErrorDetail = stringPtr(errorDetail)

	return &call, nil
}
