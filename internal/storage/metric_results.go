package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/screentest-io/screentest/internal/experiment"
)

// metricResultColumns is the canonical column list for metric_results
// queries, matched by scanMetricResult.
const metricResultColumns = `result_id, run_id, metric_name, metric_version, value, status, error_detail, created_at`

// WriteMetricResult inserts one metric result.
//
// (run_id, metric_name, metric_version) is unique: different bundle versions
// coexist for the same run, but the same version is written exactly once and
// a duplicate fails with experiment.ErrDuplicateMetricResult. Results are
// never updated in place; recomputation means a new metric_version.
//
// The bundle document is stored as JSONB. Failed computations carry no
// bundle (empty Value maps to NULL) and record the engine error instead.
func (s *ExperimentStore) WriteMetricResult(ctx context.Context, result *experiment.MetricResult) error {
	if err := validateMetricResult(result); err != nil {
		return err
	}

	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	query := `
		INSERT INTO metric_results (
			result_id,
			run_id,
			metric_name,
			metric_version,
			value,
			status,
			error_detail,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`

	var value sql.NullString
	if result.Value != "" {
		value = sql.NullString{String: result.Value, Valid: true}
	}

	err := s.conn.QueryRowContext(ctx, query,
		result.ID,
		result.RunID,
		result.MetricName,
		result.MetricVersion,
		value,
		string(result.Status),
		nullableString(result.ErrorDetail),
	).Scan(&result.CreatedAt)
	if err != nil {
		if uniqueConstraintName(err) == constraintMetricResult {
			return fmt.Errorf("%w: run %s metric %s version %s",
				experiment.ErrDuplicateMetricResult, result.RunID, result.MetricName, result.MetricVersion)
		}

		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: run %s", experiment.ErrNotFound, result.RunID)
		}

		s.logger.Error("Failed to write metric result",
			"run_id", result.RunID,
			"metric_name", result.MetricName,
			"error", err,
		)

		return fmt.Errorf("%w: write metric result: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Metric result written",
		"result_id", result.ID,
		"run_id", result.RunID,
		"metric_name", result.MetricName,
		"metric_version", result.MetricVersion,
		"status", string(result.Status),
	)

	return nil
}

// GetMetricResult returns the result for (run, metric, version) or
// experiment.ErrNotFound.
func (s *ExperimentStore) GetMetricResult(
	ctx context.Context,
	runID, metricName, metricVersion string,
) (*experiment.MetricResult, error) {
	query := `SELECT ` + metricResultColumns + `
		FROM metric_results
		WHERE run_id = $1 AND metric_name = $2 AND metric_version = $3`

	result, err := scanMetricResult(s.conn.QueryRowContext(ctx, query, runID, metricName, metricVersion))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: metric result for run %s metric %s version %s",
				experiment.ErrNotFound, runID, metricName, metricVersion)
		}

		return nil, fmt.Errorf("%w: get metric result: %w", ErrStoreFailed, err)
	}

	return result, nil
}

// validateMetricResult performs defensive validation before storage.
// Computed results must carry a JSON bundle; failed results must not.
func validateMetricResult(result *experiment.MetricResult) error {
	if result == nil {
		return fmt.Errorf("%w: metric result is nil", ErrInvalidArgument)
	}

	if result.RunID == "" {
		return fmt.Errorf("%w: run_id is empty", ErrInvalidArgument)
	}

	if result.MetricName == "" {
		return fmt.Errorf("%w: metric_name is empty", ErrInvalidArgument)
	}

	if result.MetricVersion == "" {
		return fmt.Errorf("%w: metric_version is empty", ErrInvalidArgument)
	}

	switch result.Status {
	case experiment.MetricResultStatusComputed:
		if result.Value == "" {
			return fmt.Errorf("%w: computed result requires a bundle value", ErrInvalidArgument)
		}

		if !json.Valid([]byte(result.Value)) {
			return fmt.Errorf("%w: bundle value is not valid JSON", ErrInvalidArgument)
		}
	case experiment.MetricResultStatusFailed:
		if result.Value != "" {
			return fmt.Errorf("%w: failed result cannot carry a bundle value", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: metric result status %q", ErrInvalidArgument, result.Status)
	}

	return nil
}

// scanMetricResult scans one metric_results row in metricResultColumns order.
func scanMetricResult(sc rowScanner) (*experiment.MetricResult, error) {
	var (
		result      experiment.MetricResult
		value       sql.NullString
		errorDetail sql.NullString
	)

	err := sc.Scan(
		&result.ID,
		&result.RunID,
		&result.MetricName,
		&result.MetricVersion,
		&value,
		&result.Status,
		&errorDetail,
		&result.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if value.Valid {
		result.Value = value.String
	}

	result.ErrorDetail = stringPtr(errorDetail)

	return &result, nil
}
