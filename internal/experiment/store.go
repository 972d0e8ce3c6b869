// This file defines the persistence interfaces the experiment domain needs.
// Concrete implementations (PostgreSQL, in-memory fakes) live in
// internal/storage; keeping the contract here means domain logic never
// depends on infrastructure details.

package experiment

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by store implementations. Callers branch with
// errors.Is(); implementations wrap driver errors into these.
var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when inserting a catalog entity whose ID
	// is already present. Catalog entities are immutable, so re-registering
	// an ID is a client error, not an upsert.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrDuplicateRun is returned when a second run targets an occupied
	// (experiment_id, item_id, variant_key) slot with a different identity.
	ErrDuplicateRun = errors.New("run slot already occupied")

	// ErrDuplicateTask is returned when a task for the same unordered run
	// pair already exists in the experiment.
	ErrDuplicateTask = errors.New("task pair already exists")

	// ErrDuplicateMetricResult is returned when a (run, metric, version)
	// result was already written.
	ErrDuplicateMetricResult = errors.New("metric result already written")

	// ErrInvalidStatusTransition is returned on any attempted non-monotonic
	// status transition. This is an internal bug: workers crash loud on it
	// instead of continuing.
	ErrInvalidStatusTransition = errors.New("invalid status transition")

	// ErrIdempotencyKeyHeld is returned when a failed provider call still
	// holds the idempotency key. A second charge requires an explicit void,
	// never a silent retry.
	ErrIdempotencyKeyHeld = errors.New("idempotency key held by failed provider call")
)

type (
	// RunOutcome is the terminal result of a run pipeline, either Succeeded
	// or Failed. The two implementations are the only ones allowed.
	RunOutcome interface {
		isRunOutcome()
	}

	// Succeeded carries the canonical artifact produced by a successful run.
	Succeeded struct {
		// CanonURI is the store-relative path of the canonical MP4.
		CanonURI string

		// CanonSHA256 is the digest of the canonical MP4 bytes.
		CanonSHA256 string
	}

	// Failed carries the classification and detail of a failed run.
	Failed struct {
		// ErrorCode is one of the run error codes (InputMissing, Provider,
		// Normalize, Metrics).
		ErrorCode string

		// ErrorDetail is the human-readable failure message.
		ErrorDetail string
	}

	// ProviderCallResult carries what a provider reported for a completed
	// call, plus the artifact digest computed by the orchestrator.
	ProviderCallResult struct {
		RawArtifactURI    string
		RawArtifactSHA256 string
		ProviderJobID     *string
		Cost              *float64
		LatencyMs         *int64
	}

	// Pair is an unordered run pair in canonical form: Low sorts before
	// High. Use NewPair to construct one.
	Pair struct {
		Low  string
		High string
	}

	// Summary is the aggregated rating outcome for one experiment.
	Summary struct {
		// WinRates maps every run in the experiment to its win rate in
		// [0, 1]. Runs with no credit map to 0.
		WinRates map[string]float64

		// RecommendedPick is the run with the highest win rate, ties
		// broken by lexicographically smallest run ID. Nil when the
		// experiment has no runs.
		RecommendedPick *string

		// TotalComparisons counts the ratings that contributed.
		TotalComparisons int
	}
)

func (Succeeded) isRunOutcome() {}
func (Failed) isRunOutcome()    {}

// NewPair returns the canonical form of the unordered pair {a, b}.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}

	return Pair{Low: a, High: b}
}

// CatalogStore persists the immutable catalog: dataset items, generation
// specs, and experiments.
type CatalogStore interface {
	// CreateDatasetItem inserts a dataset item.
	CreateDatasetItem(ctx context.Context, item *DatasetItem) error

	// GetDatasetItem returns the item or ErrNotFound.
	GetDatasetItem(ctx context.Context, itemID string) (*DatasetItem, error)

	// CreateGenerationSpec inserts a generation spec.
	CreateGenerationSpec(ctx context.Context, spec *GenerationSpec) error

	// GetGenerationSpec returns the spec or ErrNotFound.
	GetGenerationSpec(ctx context.Context, specID string) (*GenerationSpec, error)

	// CreateExperiment inserts an experiment.
	CreateExperiment(ctx context.Context, exp *Experiment) error

	// GetExperiment returns the experiment or ErrNotFound.
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)

	// UpdateExperimentStatus moves the experiment lifecycle state.
	UpdateExperimentStatus(ctx context.Context, experimentID string, status ExperimentStatus) error
}

// RunStore persists runs, provider calls, and metric results. It owns the
// uniqueness invariants: one run per slot, one completed provider call per
// (provider, idempotency_key), one metric result per (run, metric, version).
// All of them are enforced by storage constraints, not application checks.
type RunStore interface {
	// EnqueueRun inserts the run with status queued. On a slot conflict it
	// returns the existing run with created=false and no error; the caller
	// decides whether identity reuse is acceptable. ErrDuplicateRun is
	// reserved for a conflicting slot holding a DIFFERENT run ID, which
	// indicates spec drift.
	EnqueueRun(ctx context.Context, run *Run) (result *Run, created bool, err error)

	// GetRun returns the run or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns every run of the experiment ordered by run ID.
	ListRuns(ctx context.Context, experimentID string) ([]*Run, error)

	// ListRunsByStatus returns the experiment's runs in the given status,
	// ordered by run ID.
	ListRunsByStatus(ctx context.Context, experimentID string, status RunStatus) ([]*Run, error)

	// CountRunsByStatus returns the number of runs in each lifecycle state
	// across all experiments. Statuses with no runs are absent from the map.
	// Worker telemetry polls this for its status gauge.
	CountRunsByStatus(ctx context.Context) (map[RunStatus]int, error)

	// ClaimQueuedRuns atomically transitions up to limit queued runs to
	// running, stamping started_at and worker_id. Two concurrent workers
	// never claim the same run; an empty slice means nothing was queued.
	ClaimQueuedRuns(ctx context.Context, limit int, workerID string) ([]*Run, error)

	// FinishRun moves a running run to its terminal state and stamps
	// ended_at. Any transition out of a terminal state fails with
	// ErrInvalidStatusTransition and leaves the row untouched.
	FinishRun(ctx context.Context, runID string, outcome RunOutcome) error

	// RequeueFailedRun is the explicit admin operation moving a failed run
	// back to queued for another attempt. It clears the error fields and
	// fails with ErrInvalidStatusTransition for any other current status.
	RequeueFailedRun(ctx context.Context, runID string) error

	// UpsertProviderCallStarted resolves the cost gate for one idempotency
	// key:
	//   - a completed call is returned unchanged with reused=true;
	//   - a created call is returned for retry with its attempt bumped;
	//   - a failed call blocks with ErrIdempotencyKeyHeld;
	//   - otherwise a fresh created row is inserted.
	UpsertProviderCallStarted(
		ctx context.Context,
		runID, provider, idempotencyKey string,
	) (call *ProviderCall, reused bool, err error)

	// CompleteProviderCall transitions a created call to completed with the
	// artifact location and digest. Requires current status created;
	// anything else fails with ErrInvalidStatusTransition.
	CompleteProviderCall(ctx context.Context, providerCallID string, result ProviderCallResult) error

	// FailProviderCall transitions a created call to failed. The row keeps
	// holding the idempotency key.
	FailProviderCall(ctx context.Context, providerCallID string, detail string) error

	// ListProviderCalls returns the calls recorded for a run, oldest first.
	ListProviderCalls(ctx context.Context, runID string) ([]*ProviderCall, error)

	// WriteMetricResult inserts one metric result. A duplicate
	// (run, metric, version) fails with ErrDuplicateMetricResult.
	WriteMetricResult(ctx context.Context, result *MetricResult) error

	// GetMetricResult returns the result for (run, metric, version) or
	// ErrNotFound.
	GetMetricResult(ctx context.Context, runID, metricName, metricVersion string) (*MetricResult, error)
}

// TaskStore persists comparison tasks and their ratings.
type TaskStore interface {
	// ExistingPairs returns the canonical pairs already covered by tasks in
	// the experiment, regardless of task status.
	ExistingPairs(ctx context.Context, experimentID string) (map[Pair]struct{}, error)

	// InsertTask inserts a comparison task with status open. A duplicate
	// unordered pair fails with ErrDuplicateTask.
	InsertTask(ctx context.Context, task *Task) error

	// GetTask returns the task or ErrNotFound.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// NextOpenTask returns an open task of the experiment or ErrNotFound
	// when none remain. No ordering or fairness is guaranteed.
	NextOpenTask(ctx context.Context, experimentID string) (*Task, error)

	// ListTasksByStatus returns the experiment's tasks in the given status,
	// ordered by task ID.
	ListTasksByStatus(ctx context.Context, experimentID string, status TaskStatus) ([]*Task, error)

	// MarkTaskDone moves a task to done. Done is idempotent; void tasks
	// fail with ErrInvalidStatusTransition.
	MarkTaskDone(ctx context.Context, taskID string) error

	// CreateRating appends a rating to its task and marks the task done.
	// A missing task fails with ErrNotFound.
	CreateRating(ctx context.Context, rating *Rating) error

	// ListRatings returns every rating attached to the experiment's tasks,
	// oldest first.
	ListRatings(ctx context.Context, experimentID string) ([]*Rating, error)
}

// Store is the full persistence surface: catalog, runs, and tasks behind a
// single transactional backend.
type Store interface {
	CatalogStore
	RunStore
	TaskStore

	// HealthCheck verifies the backend is reachable and ready.
	HealthCheck(ctx context.Context) error
}
