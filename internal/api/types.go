// Package api provides the HTTP API server for the screentest service.
package api

import (
	"encoding/json"
	"time"
)

type (
	// HealthResponse represents the response for GET /health.
	HealthResponse struct {
		Status string `json:"status"`
	}

	// ExperimentOverview represents the response for GET /experiments/{id}.
	// It bundles the generation spec, the dataset item under test, every run
	// with its quality metrics, and the human preference summary when ratings
	// exist.
	ExperimentOverview struct {
		ExperimentID   string               `json:"experiment_id"`  //nolint:tagliatelle
		Status         string               `json:"status"`
		GenerationSpec GenerationSpecDetail `json:"generation_spec"` //nolint:tagliatelle
		DatasetItem    DatasetItemDetail    `json:"dataset_item"`    //nolint:tagliatelle
		Runs           []RunDetail          `json:"runs"`
		HumanSummary   *HumanSummary        `json:"human_summary"` //nolint:tagliatelle
	}

	// GenerationSpecDetail describes the provider recipe an experiment runs.
	GenerationSpecDetail struct {
		GenerationSpecID string          `json:"generation_spec_id"` //nolint:tagliatelle
		Provider         string          `json:"provider"`
		Model            string          `json:"model"`
		ModelVersion     *string         `json:"model_version"` //nolint:tagliatelle
		PromptTemplate   string          `json:"prompt_template"` //nolint:tagliatelle
		Params           json.RawMessage `json:"params"`
	}

	// DatasetItemDetail describes the source material a run was generated from.
	DatasetItemDetail struct {
		ItemID         string  `json:"item_id"` //nolint:tagliatelle
		SubjectID      string  `json:"subject_id"` //nolint:tagliatelle
		SourceVideoURI string  `json:"source_video_uri"` //nolint:tagliatelle
		AudioURI       string  `json:"audio_uri"` //nolint:tagliatelle
		RefImageURI    *string `json:"ref_image_uri"` //nolint:tagliatelle
	}

	// RunDetail represents the response for GET /runs/{id}.
	// Metrics is null until the baseline bundle has been computed. StatusBadge
	// and Reasons are derived from the bundle at read time, so threshold
	// changes take effect without recomputing stored bundles.
	RunDetail struct {
		RunID          string          `json:"run_id"` //nolint:tagliatelle
		ExperimentID   string          `json:"experiment_id"` //nolint:tagliatelle
		ItemID         string          `json:"item_id"` //nolint:tagliatelle
		VariantKey     string          `json:"variant_key"` //nolint:tagliatelle
		SpecHash       string          `json:"spec_hash"` //nolint:tagliatelle
		Status         string          `json:"status"`
		OutputCanonURI *string         `json:"output_canon_uri"` //nolint:tagliatelle
		OutputSHA256   *string         `json:"output_sha256"` //nolint:tagliatelle
		Metrics        json.RawMessage `json:"metrics"`
		StatusBadge    *string         `json:"status_badge"` //nolint:tagliatelle
		Reasons        []string        `json:"reasons"`
	}

	// HumanSummary represents the aggregated pairwise preference results.
	// WinRates is keyed by run ID.
	HumanSummary struct {
		WinRates         map[string]float64 `json:"win_rates"` //nolint:tagliatelle
		RecommendedPick  *string            `json:"recommended_pick"` //nolint:tagliatelle
		TotalComparisons int                `json:"total_comparisons"` //nolint:tagliatelle
	}

	// TasksCreatedResponse represents the response for POST /experiments/{id}/tasks.
	TasksCreatedResponse struct {
		TasksCreated int    `json:"tasks_created"` //nolint:tagliatelle
		ExperimentID string `json:"experiment_id"` //nolint:tagliatelle
	}

	// TaskDetail represents a pairwise comparison task as presented to a
	// rater. The presented ids already have the blinding flip applied; the
	// artifact URLs point at the canonical outputs to show on each side and
	// are null while a side has not produced output yet.
	TaskDetail struct {
		TaskID                   string  `json:"task_id"` //nolint:tagliatelle
		ExperimentID             string  `json:"experiment_id"` //nolint:tagliatelle
		LeftRunID                string  `json:"left_run_id"` //nolint:tagliatelle
		RightRunID               string  `json:"right_run_id"` //nolint:tagliatelle
		PresentedLeftRunID       string  `json:"presented_left_run_id"` //nolint:tagliatelle
		PresentedRightRunID      string  `json:"presented_right_run_id"` //nolint:tagliatelle
		Flip                     bool    `json:"flip"`
		Status                   string  `json:"status"`
		PresentedLeftArtifactURL *string `json:"presented_left_artifact_url"` //nolint:tagliatelle
		PresentedRightArtifactURL *string `json:"presented_right_artifact_url"` //nolint:tagliatelle
	}

	// RatingSubmission represents the request body for POST /ratings.
	RatingSubmission struct {
		TaskID            string  `json:"task_id"` //nolint:tagliatelle
		RaterID           string  `json:"rater_id"` //nolint:tagliatelle
		ChoiceRealism     string  `json:"choice_realism"` //nolint:tagliatelle
		ChoiceLipsync     string  `json:"choice_lipsync"` //nolint:tagliatelle
		ChoiceTargetMatch *string `json:"choice_targetmatch"` //nolint:tagliatelle
		Notes             *string `json:"notes"`
	}

	// RatingCreatedResponse represents the response for POST /ratings.
	RatingCreatedResponse struct {
		RatingID string `json:"rating_id"` //nolint:tagliatelle
		TaskID   string `json:"task_id"` //nolint:tagliatelle
	}

	// RatingView represents a stored rating in the export payload.
	RatingView struct {
		RatingID          string    `json:"rating_id"` //nolint:tagliatelle
		TaskID            string    `json:"task_id"` //nolint:tagliatelle
		RaterID           string    `json:"rater_id"` //nolint:tagliatelle
		ChoiceRealism     string    `json:"choice_realism"` //nolint:tagliatelle
		ChoiceLipsync     string    `json:"choice_lipsync"` //nolint:tagliatelle
		ChoiceTargetMatch *string   `json:"choice_targetmatch"` //nolint:tagliatelle
		Notes             *string   `json:"notes"`
		CreatedAt         time.Time `json:"created_at"` //nolint:tagliatelle
	}

	// ExportedRun is the run shape inside an export payload. Item level
	// fields are dropped because the export carries the dataset item once at
	// the top level.
	ExportedRun struct {
		RunID        string          `json:"run_id"` //nolint:tagliatelle
		VariantKey   string          `json:"variant_key"` //nolint:tagliatelle
		Status       string          `json:"status"`
		OutputSHA256 *string         `json:"output_sha256"` //nolint:tagliatelle
		Metrics      json.RawMessage `json:"metrics"`
		StatusBadge  *string         `json:"status_badge"` //nolint:tagliatelle
		Reasons      []string        `json:"reasons"`
	}

	// ExportedExperiment represents the response for GET /experiments/{id}/export.
	// A single versioned JSON document holding everything needed to reproduce
	// the analysis offline.
	ExportedExperiment struct {
		ExperimentID   string               `json:"experiment_id"` //nolint:tagliatelle
		Status         string               `json:"status"`
		GenerationSpec GenerationSpecDetail `json:"generation_spec"` //nolint:tagliatelle
		DatasetItem    DatasetItemDetail    `json:"dataset_item"` //nolint:tagliatelle
		Runs           []ExportedRun        `json:"runs"`
		Tasks          []TaskDetail         `json:"tasks"`
		Ratings        []RatingView         `json:"ratings"`
		HumanSummary   *HumanSummary        `json:"human_summary"` //nolint:tagliatelle
		ExportVersion  string               `json:"export_version"` //nolint:tagliatelle
	}
)
