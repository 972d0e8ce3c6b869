// Package experiment provides the domain model for talking-head generation
// experiments: dataset items, generation specs, runs, provider calls, metric
// results, pairwise comparison tasks, and human ratings.
package experiment

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// DatasetItem represents one evaluation input: a source video of a subject,
	// the driving audio, and an optional reference image - Domain Model.
	//
	// This is a pure domain model without JSON tags. The API layer defines its
	// own response types and maps from this one.
	DatasetItem struct {
		// ID uniquely identifies the item within the dataset.
		ID string

		// SubjectID groups items that feature the same person.
		SubjectID string

		// SourceVideoURI points at the original footage of the subject.
		SourceVideoURI string

		// AudioURI points at the driving audio used for generation and
		// lip-sync scoring. Required.
		AudioURI string

		// RefImageURI points at an optional reference image handed to
		// providers that support identity conditioning.
		RefImageURI *string

		// CreatedAt is when the item was registered.
		CreatedAt time.Time
	}

	// GenerationSpec describes how to invoke a provider: which model, which
	// prompt template, which opaque parameter block, and which seeds - Domain Model.
	//
	// The spec is immutable once an experiment references it; reproducibility
	// depends on it never changing under a running experiment.
	GenerationSpec struct {
		// ID uniquely identifies the spec.
		ID string

		// Provider names the generation backend (e.g. "mock").
		Provider string

		// Model is the provider-side model identifier.
		Model string

		// ModelVersion pins an exact model revision when the provider
		// exposes one. Nil means "provider default".
		ModelVersion *string

		// PromptTemplate is rendered once per run. Rendering is currently
		// the identity function; the field exists so prompt variation can
		// become a variant axis without a schema change.
		PromptTemplate string

		// ParamsJSON is the opaque provider parameter block, stored as the
		// raw JSON document. It participates in spec hashing byte-for-byte
		// after canonicalization, so callers must treat it as immutable.
		ParamsJSON string

		// Seeds is the seed policy: one run per seed per item, with
		// variant keys of the form "seed=<n>".
		Seeds []int64

		// CreatedAt is when the spec was registered.
		CreatedAt time.Time
	}

	// Experiment binds a generation spec to a set of dataset items and owns
	// the resulting runs, tasks, and ratings - Domain Model.
	Experiment struct {
		// ID uniquely identifies the experiment.
		ID string

		// Name is a short human-readable label.
		Name string

		// GenerationSpecID references the immutable spec this experiment
		// executes.
		GenerationSpecID string

		// Status is the experiment lifecycle state: draft, running, or
		// complete.
		Status ExperimentStatus

		// CreatedAt is when the experiment was created.
		CreatedAt time.Time
	}

	// ExperimentStatus represents experiment lifecycle states.
	ExperimentStatus string

	// Run represents one execution slot: (experiment, item, variant) - Domain Model.
	//
	// The run ID is content-addressed from the slot plus the spec hash, and
	// the slot itself is unique in storage, so a logical slot can never
	// execute twice under two different identities.
	Run struct {
		// ID is the content-addressed run identifier (64-char hex).
		ID string

		// ExperimentID references the owning experiment.
		ExperimentID string

		// ItemID references the dataset item driving this run.
		ItemID string

		// VariantKey distinguishes runs within one experiment/item,
		// e.g. "seed=42".
		VariantKey string

		// SpecHash is the content address of the fully-instantiated
		// generation request (provider, model, prompt, params, seed,
		// input digests).
		SpecHash string

		// Status is the run lifecycle state. Transitions are monotonic:
		// queued -> running -> succeeded|failed.
		Status RunStatus

		// OutputCanonURI is the store-relative path of the canonical MP4,
		// set when the run succeeds.
		OutputCanonURI *string

		// OutputSHA256 is the digest of the canonical MP4 bytes, set when
		// the run succeeds.
		OutputSHA256 *string

		// WorkerID records which worker claimed the run.
		WorkerID *string

		// StartedAt is stamped when a worker claims the run.
		StartedAt *time.Time

		// EndedAt is stamped on the terminal transition.
		EndedAt *time.Time

		// ErrorCode classifies a failed run (InputMissing, Provider,
		// Normalize, Metrics).
		ErrorCode *string

		// ErrorDetail carries the failure message for a failed run.
		ErrorDetail *string

		// Attempt counts claims of this run, starting at 1 on the first
		// claim. Re-enqueueing a failed run increments it.
		Attempt int

		// CreatedAt is when the run was enqueued.
		CreatedAt time.Time
	}

	// RunStatus represents run lifecycle states.
	RunStatus string

	// ProviderCall records a single attempt to charge a provider for one
	// spec hash - Domain Model.
	//
	// The (provider, idempotency_key) pair is unique in storage, which is
	// the cluster-wide cost gate: the same generation request is paid for
	// at most once no matter how many runs reference it.
	ProviderCall struct {
		// ID uniquely identifies the call row.
		ID string

		// RunID references the run that first initiated this call.
		// Reusing runs may differ from this value.
		RunID string

		// Provider names the backend that was charged.
		Provider string

		// IdempotencyKey is H(provider|spec_hash), the cost gate key.
		IdempotencyKey string

		// Attempt counts invocations under this key, starting at 1.
		Attempt int

		// Status is the call state: created, completed, or failed.
		Status ProviderCallStatus

		// ProviderJobID is the backend's opaque job handle, when reported.
		ProviderJobID *string

		// RawArtifactURI is the store-relative path of the raw provider
		// output. Persisted so completed calls can be reused by runs with
		// different run IDs.
		RawArtifactURI *string

		// RawArtifactSHA256 is the digest of the raw output bytes,
		// computed by the orchestrator after the call returns.
		RawArtifactSHA256 *string

		// Cost is the provider-reported charge, when reported.
		Cost *float64

		// LatencyMs is the provider-reported wall time, when reported.
		LatencyMs *int64

		// ErrorDetail carries the provider failure message for failed calls.
		// Kept so operators can see why an idempotency key is held.
		ErrorDetail *string

		// CreatedAt is when the call row was inserted.
		CreatedAt time.Time
	}

	// ProviderCallStatus represents provider call states.
	ProviderCallStatus string

	// MetricResult stores one versioned metric computation for a run - Domain Model.
	//
	// (run_id, metric_name, metric_version) is unique in storage: different
	// versions coexist, the same version is written exactly once.
	MetricResult struct {
		// ID uniquely identifies the result row.
		ID string

		// RunID references the measured run.
		RunID string

		// MetricName names the bundle, e.g. "MetricBundleV1".
		MetricName string

		// MetricVersion is the bundle schema version, e.g. "1".
		MetricVersion string

		// Value is the raw JSON bundle document.
		Value string

		// Status records whether computation succeeded.
		Status MetricResultStatus

		// ErrorDetail carries the engine failure message for failed rows.
		ErrorDetail *string

		// CreatedAt is when the result was written.
		CreatedAt time.Time
	}

	// MetricResultStatus represents metric computation outcomes.
	MetricResultStatus string

	// Task represents one pairwise human comparison between two runs - Domain Model.
	//
	// Storage keeps the canonical (left, right) order; raters only ever see
	// the presented order, which is flipped by a coin toss at creation time
	// to cancel position bias.
	Task struct {
		// ID is the content-addressed task identifier (64-char hex).
		ID string

		// ExperimentID references the owning experiment.
		ExperimentID string

		// TaskType is the comparison protocol. Only "pairwise" exists today.
		TaskType string

		// LeftRunID is the canonical left run.
		LeftRunID string

		// RightRunID is the canonical right run.
		RightRunID string

		// PresentedLeftRunID is the run shown on the left to raters.
		PresentedLeftRunID string

		// PresentedRightRunID is the run shown on the right to raters.
		PresentedRightRunID string

		// Flip records whether presentation swapped the canonical order.
		Flip bool

		// Status is the task state: open, assigned, done, or void.
		Status TaskStatus

		// CreatedAt is when the task was generated.
		CreatedAt time.Time
	}

	// TaskStatus represents comparison task states.
	TaskStatus string

	// Rating is one rater's judgement of a task, append-only - Domain Model.
	Rating struct {
		// ID uniquely identifies the rating.
		ID string

		// TaskID references the judged task.
		TaskID string

		// RaterID identifies the human rater.
		RaterID string

		// ChoiceRealism is the realism judgement over the presented pair.
		ChoiceRealism Choice

		// ChoiceLipsync is the lip-sync judgement over the presented pair.
		ChoiceLipsync Choice

		// ChoiceTargetMatch is the optional identity-match judgement. It is
		// persisted for later analysis but excluded from win-rate tallies.
		ChoiceTargetMatch *Choice

		// Notes carries free-form rater commentary.
		Notes *string

		// CreatedAt is when the rating was submitted.
		CreatedAt time.Time
	}

	// Choice represents a rater's pick for one judgement dimension.
	// Choices are expressed in PRESENTED orientation; the aggregator maps
	// them back to canonical runs using the task's flip bit.
	Choice string
)

const (
	// ExperimentStatusDraft indicates the experiment is being assembled.
	ExperimentStatusDraft ExperimentStatus = "draft"

	// ExperimentStatusRunning indicates runs are enqueued or executing.
	ExperimentStatusRunning ExperimentStatus = "running"

	// ExperimentStatusComplete indicates all runs reached a terminal state.
	ExperimentStatusComplete ExperimentStatus = "complete"
)

const (
	// RunStatusQueued indicates the run awaits a worker claim.
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning indicates a worker has claimed the run.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the full pipeline completed.
	// Terminal state.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a pipeline step failed.
	// Terminal state.
	RunStatusFailed RunStatus = "failed"
)

const (
	// ProviderCallStatusCreated indicates the call row was inserted before
	// invoking the provider. A crash leaves the row in this state for retry.
	ProviderCallStatusCreated ProviderCallStatus = "created"

	// ProviderCallStatusCompleted indicates the provider returned an
	// artifact. Completed calls are reused, never re-charged.
	ProviderCallStatusCompleted ProviderCallStatus = "completed"

	// ProviderCallStatusFailed indicates the provider raised. The row keeps
	// holding the idempotency key so a second charge needs an explicit void.
	ProviderCallStatusFailed ProviderCallStatus = "failed"
)

const (
	// MetricResultStatusComputed indicates the engine produced a bundle.
	MetricResultStatusComputed MetricResultStatus = "computed"

	// MetricResultStatusFailed indicates the engine raised; ErrorDetail
	// carries the message.
	MetricResultStatusFailed MetricResultStatus = "failed"
)

const (
	// TaskStatusOpen indicates the task awaits a rater.
	TaskStatusOpen TaskStatus = "open"

	// TaskStatusAssigned indicates a rater is working on the task.
	TaskStatusAssigned TaskStatus = "assigned"

	// TaskStatusDone indicates at least one rating was recorded.
	TaskStatusDone TaskStatus = "done"

	// TaskStatusVoid indicates the task was withdrawn from rating.
	TaskStatusVoid TaskStatus = "void"
)

const (
	// ChoiceLeft picks the presented-left run.
	ChoiceLeft Choice = "left"

	// ChoiceRight picks the presented-right run.
	ChoiceRight Choice = "right"

	// ChoiceTie judges the pair equal; both canonical runs earn credit.
	ChoiceTie Choice = "tie"

	// ChoiceSkip abstains; neither run earns credit.
	ChoiceSkip Choice = "skip"
)

// TaskTypePairwise is the only comparison protocol currently generated.
const TaskTypePairwise = "pairwise"

// Run error codes persisted on failed runs.
const (
	// ErrorCodeInputMissing marks a run whose audio or reference image was
	// absent at processing time.
	ErrorCodeInputMissing = "InputMissing"

	// ErrorCodeProvider marks a run whose provider call raised.
	ErrorCodeProvider = "Provider"

	// ErrorCodeNormalize marks a run whose transcode timed out or exited
	// non-zero.
	ErrorCodeNormalize = "Normalize"

	// ErrorCodeMetrics marks a run whose metric computation raised. The
	// canonical artifact is retained for diagnosis.
	ErrorCodeMetrics = "Metrics"
)

// ValidErrorCode reports whether code is one of the persisted run error
// codes. Failure classification depends on this set staying closed.
func ValidErrorCode(code string) bool {
	switch code {
	case ErrorCodeInputMissing, ErrorCodeProvider, ErrorCodeNormalize, ErrorCodeMetrics:
		return true
	default:
		return false
	}
}

// ValidRunStatuses returns all valid run lifecycle states.
func ValidRunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusQueued,
		RunStatusRunning,
		RunStatusSucceeded,
		RunStatusFailed,
	}
}

// IsValid checks if the RunStatus is a known lifecycle state.
func (s RunStatus) IsValid() bool {
	for _, valid := range ValidRunStatuses() {
		if s == valid {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the run status is terminal.
// Terminal states (succeeded, failed) cannot transition to other states.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// CanTransitionTo reports whether moving from s to next respects run status
// monotonicity: queued -> running -> {succeeded, failed}. Re-enqueueing a
// failed run (failed -> queued) is an admin operation and deliberately
// excluded here; the store exposes it separately.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning
	case RunStatusRunning:
		return next == RunStatusSucceeded || next == RunStatusFailed
	default:
		return false
	}
}

// String returns the string representation of RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid checks if the ExperimentStatus is a known lifecycle state.
func (s ExperimentStatus) IsValid() bool {
	switch s {
	case ExperimentStatusDraft, ExperimentStatusRunning, ExperimentStatusComplete:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next respects experiment
// lifecycle monotonicity: draft -> running -> complete. Identity transitions
// are allowed so status updates stay idempotent.
func (s ExperimentStatus) CanTransitionTo(next ExperimentStatus) bool {
	if s == next {
		return true
	}

	switch s {
	case ExperimentStatusDraft:
		return next == ExperimentStatusRunning
	case ExperimentStatusRunning:
		return next == ExperimentStatusComplete
	default:
		return false
	}
}

// String returns the string representation of ExperimentStatus.
func (s ExperimentStatus) String() string {
	return string(s)
}

// IsValid checks if the ProviderCallStatus is a known state.
func (s ProviderCallStatus) IsValid() bool {
	switch s {
	case ProviderCallStatusCreated, ProviderCallStatusCompleted, ProviderCallStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the provider call status is terminal.
func (s ProviderCallStatus) IsTerminal() bool {
	return s == ProviderCallStatusCompleted || s == ProviderCallStatusFailed
}

// String returns the string representation of ProviderCallStatus.
func (s ProviderCallStatus) String() string {
	return string(s)
}

// IsValid checks if the TaskStatus is a known state.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusAssigned, TaskStatusDone, TaskStatusVoid:
		return true
	default:
		return false
	}
}

// String returns the string representation of TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid checks if the Choice is a known judgement value.
func (c Choice) IsValid() bool {
	switch c {
	case ChoiceLeft, ChoiceRight, ChoiceTie, ChoiceSkip:
		return true
	default:
		return false
	}
}

// String returns the string representation of Choice.
func (c Choice) String() string {
	return string(c)
}

// VariantKeys derives the run variant keys for this spec from its seed
// policy, one "seed=<n>" key per configured seed, in configuration order.
func (gs *GenerationSpec) VariantKeys() []string {
	keys := make([]string, 0, len(gs.Seeds))
	for _, seed := range gs.Seeds {
		keys = append(keys, fmt.Sprintf("seed=%d", seed))
	}

	return keys
}

// ============================================================================
// Domain Validation
// ============================================================================

// Domain validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrRunIDEmpty indicates run_id is required.
	ErrRunIDEmpty = errors.New("run_id cannot be empty")

	// ErrExperimentIDEmpty indicates experiment_id is required.
	ErrExperimentIDEmpty = errors.New("experiment_id cannot be empty")

	// ErrItemIDEmpty indicates item_id is required.
	ErrItemIDEmpty = errors.New("item_id cannot be empty")

	// ErrVariantKeyEmpty indicates variant_key is required.
	ErrVariantKeyEmpty = errors.New("variant_key cannot be empty")

	// ErrVariantKeyPipe indicates variant_key contains the '|' delimiter
	// reserved by run ID derivation.
	ErrVariantKeyPipe = errors.New("variant_key cannot contain '|'")

	// ErrSpecHashInvalid indicates spec_hash is not a 64-char lowercase hex
	// digest.
	ErrSpecHashInvalid = errors.New("spec_hash must be a 64-character lowercase hex digest")

	// ErrRunStatusInvalid indicates the run status is not a known state.
	ErrRunStatusInvalid = errors.New("status must be one of: queued, running, succeeded, failed")

	// ErrTaskIDEmpty indicates task_id is required.
	ErrTaskIDEmpty = errors.New("task_id cannot be empty")

	// ErrRaterIDEmpty indicates rater_id is required.
	ErrRaterIDEmpty = errors.New("rater_id cannot be empty")

	// ErrChoiceInvalid indicates a judgement value outside left, right,
	// tie, skip.
	ErrChoiceInvalid = errors.New("choice must be one of: left, right, tie, skip")

	// ErrSelfPair indicates a task pairing a run against itself.
	ErrSelfPair = errors.New("task cannot pair a run with itself")

	// ErrPresentationMismatch indicates the presented pair is not a
	// permutation of the canonical pair consistent with the flip bit.
	ErrPresentationMismatch = errors.New("presented order must match canonical order under flip")
)

// Validate performs domain validation on the Run.
// Storage-level validations (slot uniqueness, FK constraints) are handled by
// the storage layer.
func (r *Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrRunIDEmpty
	}

	if strings.TrimSpace(r.ExperimentID) == "" {
		return ErrExperimentIDEmpty
	}

	if strings.TrimSpace(r.ItemID) == "" {
		return ErrItemIDEmpty
	}

	if strings.TrimSpace(r.VariantKey) == "" {
		return ErrVariantKeyEmpty
	}

	if strings.Contains(r.VariantKey, "|") {
		return fmt.Errorf("%w: got %q", ErrVariantKeyPipe, r.VariantKey)
	}

	if !isDigest(r.SpecHash) {
		return fmt.Errorf("%w: got %q", ErrSpecHashInvalid, r.SpecHash)
	}

	if !r.Status.IsValid() {
		return fmt.Errorf("%w: got %q", ErrRunStatusInvalid, r.Status)
	}

	return nil
}

// Validate performs domain validation on the Task, including the
// presentation invariant: the presented pair must be exactly the canonical
// pair, swapped when flip is set.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrTaskIDEmpty
	}

	if strings.TrimSpace(t.ExperimentID) == "" {
		return ErrExperimentIDEmpty
	}

	if t.LeftRunID == "" || t.RightRunID == "" {
		return ErrRunIDEmpty
	}

	if t.LeftRunID == t.RightRunID {
		return fmt.Errorf("%w: %s", ErrSelfPair, t.LeftRunID)
	}

	wantLeft, wantRight := t.LeftRunID, t.RightRunID
	if t.Flip {
		wantLeft, wantRight = t.RightRunID, t.LeftRunID
	}

	if t.PresentedLeftRunID != wantLeft || t.PresentedRightRunID != wantRight {
		return fmt.Errorf("%w: flip=%t presented=(%s, %s)",
			ErrPresentationMismatch, t.Flip, t.PresentedLeftRunID, t.PresentedRightRunID)
	}

	return nil
}

// Validate performs domain validation on the Rating.
func (r *Rating) Validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return ErrTaskIDEmpty
	}

	if strings.TrimSpace(r.RaterID) == "" {
		return ErrRaterIDEmpty
	}

	if !r.ChoiceRealism.IsValid() {
		return fmt.Errorf("%w: realism got %q", ErrChoiceInvalid, r.ChoiceRealism)
	}

	if !r.ChoiceLipsync.IsValid() {
		return fmt.Errorf("%w: lipsync got %q", ErrChoiceInvalid, r.ChoiceLipsync)
	}

	if r.ChoiceTargetMatch != nil && !r.ChoiceTargetMatch.IsValid() {
		return fmt.Errorf("%w: targetmatch got %q", ErrChoiceInvalid, *r.ChoiceTargetMatch)
	}

	return nil
}

// isDigest reports whether s is a 64-char lowercase hex string.
func isDigest(s string) bool {
	if len(s) != 64 {
		return false
	}

	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
