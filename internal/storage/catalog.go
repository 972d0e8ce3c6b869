package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/screentest-io/screentest/internal/experiment"
)

// CreateDatasetItem inserts a dataset item. A duplicate item ID fails with
// experiment.ErrAlreadyExists; items are immutable once registered.
func (s *ExperimentStore) CreateDatasetItem(ctx context.Context, item *experiment.DatasetItem) error {
	if err := validateDatasetItem(item); err != nil {
		return err
	}

	query := `
		INSERT INTO dataset_items (
			item_id,
			subject_id,
			source_video_uri,
			audio_uri,
			ref_image_uri,
			created_at
		) VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`

	err := s.conn.QueryRowContext(ctx, query,
		item.ID,
		item.SubjectID,
		item.SourceVideoURI,
		item.AudioURI,
		nullableString(item.RefImageURI),
	).Scan(&item.CreatedAt)
	if err != nil {
		if uniqueConstraintName(err) != "" {
			return fmt.Errorf("%w: dataset item %s", experiment.ErrAlreadyExists, item.ID)
		}

		s.logger.Error("Failed to create dataset item", "item_id", item.ID, "error", err)

		return fmt.Errorf("%w: create dataset item: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Dataset item created", "item_id", item.ID, "subject_id", item.SubjectID)

	return nil
}

// GetDatasetItem returns the item or experiment.ErrNotFound.
func (s *ExperimentStore) GetDatasetItem(ctx context.Context, itemID string) (*experiment.DatasetItem, error) {
	query := `
		SELECT item_id, subject_id, source_video_uri, audio_uri, ref_image_uri, created_at
		FROM dataset_items
		WHERE item_id = $1
	`

	var (
		item     experiment.DatasetItem
		refImage sql.NullString
	)

	err := s.conn.QueryRowContext(ctx, query, itemID).Scan(
		&item.ID,
		&item.SubjectID,
		&item.SourceVideoURI,
		&item.AudioURI,
		&refImage,
		&item.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: dataset item %s", experiment.ErrNotFound, itemID)
		}

		return nil, fmt.Errorf("%w: get dataset item: %w", ErrStoreFailed, err)
	}

	item.RefImageURI = stringPtr(refImage)

	return &item, nil
}

// CreateGenerationSpec inserts a generation spec.
//
// The params document is stored as the raw text the caller supplied, not as
// parsed JSONB, so it reads back byte-for-byte and spec hashing stays stable
// across round trips.
func (s *ExperimentStore) CreateGenerationSpec(ctx context.Context, spec *experiment.GenerationSpec) error {
	if err := validateGenerationSpec(spec); err != nil {
		return err
	}

	query := `
		INSERT INTO generation_specs (
			spec_id,
			provider,
			model,
			model_version,
			prompt_template,
			params_json,
			seeds,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`

	err := s.conn.QueryRowContext(ctx, query,
		spec.ID,
		spec.Provider,
		spec.Model,
		nullableString(spec.ModelVersion),
		spec.PromptTemplate,
		spec.ParamsJSON,
		pq.Array(spec.Seeds),
	).Scan(&spec.CreatedAt)
	if err != nil {
		if uniqueConstraintName(err) != "" {
			return fmt.Errorf("%w: generation spec %s", experiment.ErrAlreadyExists, spec.ID)
		}

		s.logger.Error("Failed to create generation spec", "spec_id", spec.ID, "error", err)

		return fmt.Errorf("%w: create generation spec: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Generation spec created",
		"spec_id", spec.ID,
		"provider", spec.Provider,
		"model", spec.Model,
		"seeds", len(spec.Seeds),
	)

	return nil
}

// GetGenerationSpec returns the spec or experiment.ErrNotFound.
func (s *ExperimentStore) GetGenerationSpec(ctx context.Context, specID string) (*experiment.GenerationSpec, error) {
	query := `
		SELECT spec_id, provider, model, model_version, prompt_template, params_json, seeds, created_at
		FROM generation_specs
		WHERE spec_id = $1
	`

	var (
		spec         experiment.GenerationSpec
		modelVersion sql.NullString
		seeds        pq.Int64Array
	)

	err := s.conn.QueryRowContext(ctx, query, specID).Scan(
		&spec.ID,
		&spec.Provider,
		&spec.Model,
		&modelVersion,
		&spec.PromptTemplate,
		&spec.ParamsJSON,
		&seeds,
		&spec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: generation spec %s", experiment.ErrNotFound, specID)
		}

		return nil, fmt.Errorf("%w: get generation spec: %w", ErrStoreFailed, err)
	}

	spec.ModelVersion = stringPtr(modelVersion)
	spec.Seeds = []int64(seeds)

	return &spec, nil
}

// CreateExperiment inserts an experiment. An empty status defaults to draft.
// A missing generation spec fails with experiment.ErrNotFound.
func (s *ExperimentStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := validateExperiment(exp); err != nil {
		return err
	}

	if exp.Status == "" {
		exp.Status = experiment.ExperimentStatusDraft
	}

	query := `
		INSERT INTO experiments (
			experiment_id,
			name,
			generation_spec_id,
			status,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING created_at
	`

	err := s.conn.QueryRowContext(ctx, query,
		exp.ID,
		exp.Name,
		exp.GenerationSpecID,
		string(exp.Status),
	).Scan(&exp.CreatedAt)
	if err != nil {
		if uniqueConstraintName(err) != "" {
			return fmt.Errorf("%w: experiment %s", experiment.ErrAlreadyExists, exp.ID)
		}

		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: generation spec %s", experiment.ErrNotFound, exp.GenerationSpecID)
		}

		s.logger.Error("Failed to create experiment", "experiment_id", exp.ID, "error", err)

		return fmt.Errorf("%w: create experiment: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Experiment created",
		"experiment_id", exp.ID,
		"name", exp.Name,
		"generation_spec_id", exp.GenerationSpecID,
	)

	return nil
}

// GetExperiment returns the experiment or experiment.ErrNotFound.
func (s *ExperimentStore) GetExperiment(ctx context.Context, experimentID string) (*experiment.Experiment, error) {
	query := `
		SELECT experiment_id, name, generation_spec_id, status, created_at
		FROM experiments
		WHERE experiment_id = $1
	`

	var exp experiment.Experiment

	err := s.conn.QueryRowContext(ctx, query, experimentID).Scan(
		&exp.ID,
		&exp.Name,
		&exp.GenerationSpecID,
		&exp.Status,
		&exp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: experiment %s", experiment.ErrNotFound, experimentID)
		}

		return nil, fmt.Errorf("%w: get experiment: %w", ErrStoreFailed, err)
	}

	return &exp, nil
}

// UpdateExperimentStatus moves the experiment lifecycle state. Transitions
// are monotonic (draft -> running -> complete); identity transitions are
// idempotent no-ops. Anything else fails with
// experiment.ErrInvalidStatusTransition.
func (s *ExperimentStore) UpdateExperimentStatus(
	ctx context.Context,
	experimentID string,
	status experiment.ExperimentStatus,
) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: experiment status %q", ErrInvalidArgument, status)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	// Row lock so concurrent status updates serialize and each one validates
	// against the state it actually replaces.
	var current experiment.ExperimentStatus

	err = tx.QueryRowContext(ctx,
		`SELECT status FROM experiments WHERE experiment_id = $1 FOR UPDATE`,
		experimentID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: experiment %s", experiment.ErrNotFound, experimentID)
		}

		return fmt.Errorf("%w: fetch experiment status: %w", ErrStoreFailed, err)
	}

	if !current.CanTransitionTo(status) {
		return fmt.Errorf("%w: cannot transition experiment from %s to %s",
			experiment.ErrInvalidStatusTransition, current, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE experiments SET status = $2, updated_at = NOW() WHERE experiment_id = $1`,
		experimentID, string(status),
	)
	if err != nil {
		return fmt.Errorf("%w: update experiment status: %w", ErrStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %w", ErrStoreFailed, err)
	}

	s.logger.Info("Experiment status updated",
		"experiment_id", experimentID,
		"from", current.String(),
		"to", status.String(),
	)

	return nil
}

// validateDatasetItem performs defensive validation before storage. The
// audio URI is required because generation and lip-sync scoring both consume
// it; the reference image is the only optional input.
func validateDatasetItem(item *experiment.DatasetItem) error {
	if item == nil {
		return fmt.Errorf("%w: dataset item is nil", ErrInvalidArgument)
	}

	if item.ID == "" {
		return fmt.Errorf("%w: item_id is empty", ErrInvalidArgument)
	}

	if item.SubjectID == "" {
		return fmt.Errorf("%w: subject_id is empty", ErrInvalidArgument)
	}

	if item.SourceVideoURI == "" {
		return fmt.Errorf("%w: source_video_uri is empty", ErrInvalidArgument)
	}

	if item.AudioURI == "" {
		return fmt.Errorf("%w: audio_uri is empty", ErrInvalidArgument)
	}

	return nil
}

// validateGenerationSpec performs defensive validation before storage.
// The params document must be valid JSON because spec hashing canonicalizes
// it; rejecting malformed params here keeps every downstream hash total.
func validateGenerationSpec(spec *experiment.GenerationSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: generation spec is nil", ErrInvalidArgument)
	}

	if spec.ID == "" {
		return fmt.Errorf("%w: spec_id is empty", ErrInvalidArgument)
	}

	if spec.Provider == "" {
		return fmt.Errorf("%w: provider is empty", ErrInvalidArgument)
	}

	if spec.Model == "" {
		return fmt.Errorf("%w: model is empty", ErrInvalidArgument)
	}

	if !json.Valid([]byte(spec.ParamsJSON)) {
		return fmt.Errorf("%w: params_json is not valid JSON", ErrInvalidArgument)
	}

	if len(spec.Seeds) == 0 {
		return fmt.Errorf("%w: seeds is empty", ErrInvalidArgument)
	}

	return nil
}

// validateExperiment performs defensive validation before storage.
func validateExperiment(exp *experiment.Experiment) error {
	if exp == nil {
		return fmt.Errorf("%w: experiment is nil", ErrInvalidArgument)
	}

	if exp.ID == "" {
		return fmt.Errorf("%w: experiment_id is empty", ErrInvalidArgument)
	}

	if exp.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidArgument)
	}

	if exp.GenerationSpecID == "" {
		return fmt.Errorf("%w: generation_spec_id is empty", ErrInvalidArgument)
	}

	if exp.Status != "" && !exp.Status.IsValid() {
		return fmt.Errorf("%w: experiment status %q", ErrInvalidArgument, exp.Status)
	}

	return nil
}
