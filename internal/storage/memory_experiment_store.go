package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/screentest-io/screentest/internal/experiment"
	"github.com/screentest-io/screentest/internal/identity"
)

// Compile-time interface check.
var _ experiment.Store = (*InMemoryExperimentStore)(nil)

// InMemoryExperimentStore implements experiment.Store with process-local
// maps. It mirrors the PostgreSQL store's semantics: the same sentinel
// errors, the same status machine guards, the same uniqueness invariants.
//
// Intended for unit tests and single-process development where a database
// is overkill; nothing survives a restart.
type InMemoryExperimentStore struct {
	mutex sync.RWMutex

	items       map[string]*experiment.DatasetItem
	specs       map[string]*experiment.GenerationSpec
	experiments map[string]*experiment.Experiment

	runs     map[string]*experiment.Run
	runSlots map[runSlot]string // slot -> run ID
	runSeq   map[string]int     // run ID -> insertion order, claim ordering

	calls      map[string]*experiment.ProviderCall
	callByKey  map[providerCallKey]string // cost gate -> call ID
	callSeq    map[string]int
	metrics    map[metricResultKey]*experiment.MetricResult
	tasks      map[string]*experiment.Task
	taskPairs  map[taskPairKey]string // unordered pair -> task ID
	ratings    []*experiment.Rating
	nextInsert int
}

type (
	// runSlot is the unique (experiment, item, variant) run coordinate.
	runSlot struct {
		experimentID string
		itemID       string
		variantKey   string
	}

	// providerCallKey is the cluster-wide cost gate coordinate.
	providerCallKey struct {
		provider       string
		idempotencyKey string
	}

	// metricResultKey is the write-once metric coordinate.
	metricResultKey struct {
		runID         string
		metricName    string
		metricVersion string
	}

	// taskPairKey is the unordered comparison pair coordinate.
	taskPairKey struct {
		experimentID string
		pair         experiment.Pair
	}
)

// NewInMemoryExperimentStore creates an empty in-memory store.
func NewInMemoryExperimentStore() *InMemoryExperimentStore {
	return &InMemoryExperimentStore{
		items:       make(map[string]*experiment.DatasetItem),
		specs:       make(map[string]*experiment.GenerationSpec),
		experiments: make(map[string]*experiment.Experiment),
		runs:        make(map[string]*experiment.Run),
		runSlots:    make(map[runSlot]string),
		runSeq:      make(map[string]int),
		calls:       make(map[string]*experiment.ProviderCall),
		callByKey:   make(map[providerCallKey]string),
		callSeq:     make(map[string]int),
		metrics:     make(map[metricResultKey]*experiment.MetricResult),
		tasks:       make(map[string]*experiment.Task),
		taskPairs:   make(map[taskPairKey]string),
	}
}

// HealthCheck always succeeds; there is no backend to lose.
func (s *InMemoryExperimentStore) HealthCheck(context.Context) error {
	return nil
}

// ============================================================================
// Catalog
// ============================================================================

// CreateDatasetItem inserts a dataset item. A duplicate item ID fails with
// experiment.ErrAlreadyExists.
func (s *InMemoryExperimentStore) CreateDatasetItem(_ context.Context, item *experiment.DatasetItem) error {
	if err := validateDatasetItem(item); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("%w: dataset item %s", experiment.ErrAlreadyExists, item.ID)
	}

	item.CreatedAt = time.Now().UTC()
	itemCopy := *item
	s.items[item.ID] = &itemCopy

	return nil
}

// GetDatasetItem returns the item or experiment.ErrNotFound.
func (s *InMemoryExperimentStore) GetDatasetItem(_ context.Context, itemID string) (*experiment.DatasetItem, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	item, exists := s.items[itemID]
	if !exists {
		return nil, fmt.Errorf("%w: dataset item %s", experiment.ErrNotFound, itemID)
	}

	itemCopy := *item

	return &itemCopy, nil
}

// CreateGenerationSpec inserts a generation spec.
func (s *InMemoryExperimentStore) CreateGenerationSpec(_ context.Context, spec *experiment.GenerationSpec) error {
	if err := validateGenerationSpec(spec); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.specs[spec.ID]; exists {
		return fmt.Errorf("%w: generation spec %s", experiment.ErrAlreadyExists, spec.ID)
	}

	spec.CreatedAt = time.Now().UTC()
	specCopy := *spec
	specCopy.Seeds = append([]int64(nil), spec.Seeds...)
	s.specs[spec.ID] = &specCopy

	return nil
}

// GetGenerationSpec returns the spec or experiment.ErrNotFound.
func (s *InMemoryExperimentStore) GetGenerationSpec(_ context.Context, specID string) (*experiment.GenerationSpec, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	spec, exists := s.specs[specID]
	if !exists {
		return nil, fmt.Errorf("%w: generation spec %s", experiment.ErrNotFound, specID)
	}

	specCopy := *spec
	specCopy.Seeds = append([]int64(nil), spec.Seeds...)

	return &specCopy, nil
}

// CreateExperiment inserts an experiment. An empty status defaults to draft;
// a missing generation spec fails with experiment.ErrNotFound.
func (s *InMemoryExperimentStore) CreateExperiment(_ context.Context, exp *experiment.Experiment) error {
	if err := validateExperiment(exp); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.experiments[exp.ID]; exists {
		return fmt.Errorf("%w: experiment %s", experiment.ErrAlreadyExists, exp.ID)
	}

	if _, exists := s.specs[exp.GenerationSpecID]; !exists {
		return fmt.Errorf("%w: generation spec %s", experiment.ErrNotFound, exp.GenerationSpecID)
	}

	if exp.Status == "" {
		exp.Status = experiment.ExperimentStatusDraft
	}

	exp.CreatedAt = time.Now().UTC()
	expCopy := *exp
	s.experiments[exp.ID] = &expCopy

	return nil
}

// GetExperiment returns the experiment or experiment.ErrNotFound.
func (s *InMemoryExperimentStore) GetExperiment(_ context.Context, experimentID string) (*experiment.Experiment, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	exp, exists := s.experiments[experimentID]
	if !exists {
		return nil, fmt.Errorf("%w: experiment %s", experiment.ErrNotFound, experimentID)
	}

	expCopy := *exp

	return &expCopy, nil
}

// UpdateExperimentStatus moves the experiment lifecycle state under the same
// monotonicity rules as the PostgreSQL store.
func (s *InMemoryExperimentStore) UpdateExperimentStatus(
	_ context.Context,
	experimentID string,
	status experiment.ExperimentStatus,
) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: experiment status %q", ErrInvalidArgument, status)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	exp, exists := s.experiments[experimentID]
	if !exists {
		return fmt.Errorf("%w: experiment %s", experiment.ErrNotFound, experimentID)
	}

	if !exp.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: cannot transition experiment from %s to %s",
			experiment.ErrInvalidStatusTransition, exp.Status, status)
	}

	exp.Status = status

	return nil
}

// ============================================================================
// Runs
// ============================================================================

// EnqueueRun inserts the run with status queued, applying the slot identity
// check on conflicts.
func (s *InMemoryExperimentStore) EnqueueRun(_ context.Context, run *experiment.Run) (*experiment.Run, bool, error) {
	if run == nil {
		return nil, false, fmt.Errorf("%w: run is nil", ErrInvalidArgument)
	}

	if err := run.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	slot := runSlot{run.ExperimentID, run.ItemID, run.VariantKey}

	if holderID, occupied := s.runSlots[slot]; occupied {
		holder := s.runs[holderID]
		if holder.ID == run.ID {
			holderCopy := *holder

			return &holderCopy, false, nil
		}

		return nil, false, fmt.Errorf(
			"%w: slot (%s, %s, %s) held by run %s, attempted %s",
			experiment.ErrDuplicateRun,
			run.ExperimentID, run.ItemID, run.VariantKey,
			holder.ID, run.ID,
		)
	}

	if _, exists := s.experiments[run.ExperimentID]; !exists {
		return nil, false, fmt.Errorf("%w: experiment %s or item %s",
			experiment.ErrNotFound, run.ExperimentID, run.ItemID)
	}

	if _, exists := s.items[run.ItemID]; !exists {
		return nil, false, fmt.Errorf("%w: experiment %s or item %s",
			experiment.ErrNotFound, run.ExperimentID, run.ItemID)
	}

	run.Status = experiment.RunStatusQueued
	run.Attempt = 0
	run.CreatedAt = time.Now().UTC()

	runCopy := *run
	s.runs[run.ID] = &runCopy
	s.runSlots[slot] = run.ID
	s.runSeq[run.ID] = s.nextInsert
	s.nextInsert++

	return run, true, nil
}

// GetRun returns the run or experiment.ErrNotFound.
func (s *InMemoryExperimentStore) GetRun(_ context.Context, runID string) (*experiment.Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("%w: run %s", experiment.ErrNotFound, runID)
	}

	runCopy := *run

	return &runCopy, nil
}

// ListRuns returns every run of the experiment ordered by run ID.
func (s *InMemoryExperimentStore) ListRuns(_ context.Context, experimentID string) ([]*experiment.Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.collectRuns(experimentID, ""), nil
}

// ListRunsByStatus returns the experiment's runs in the given status,
// ordered by run ID.
func (s *InMemoryExperimentStore) ListRunsByStatus(
	_ context.Context,
	experimentID string,
	status experiment.RunStatus,
) ([]*experiment.Run, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: run status %q", ErrInvalidArgument, status)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.collectRuns(experimentID, status), nil
}

// collectRuns gathers copies of the experiment's runs, optionally filtered
// by status, ordered by run ID. Callers hold the mutex.
func (s *InMemoryExperimentStore) collectRuns(experimentID string, status experiment.RunStatus) []*experiment.Run {
	runs := make([]*experiment.Run, 0)

	for _, run := range s.runs {
		if run.ExperimentID != experimentID {
			continue
		}

		if status != "" && run.Status != status {
			continue
		}

		runCopy := *run
		runs = append(runs, &runCopy)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })

	return runs
}

// CountRunsByStatus returns the number of runs in each lifecycle state
// across all experiments.
func (s *InMemoryExperimentStore) CountRunsByStatus(context.Context) (map[experiment.RunStatus]int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	counts := make(map[experiment.RunStatus]int)
	for _, run := range s.runs {
		counts[run.Status]++
	}

	return counts, nil
}

// ClaimQueuedRuns atomically transitions up to limit queued runs to running,
// oldest first.
func (s *InMemoryExperimentStore) ClaimQueuedRuns(
	_ context.Context,
	limit int,
	workerID string,
) ([]*experiment.Run, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker_id is empty", ErrInvalidArgument)
	}

	if limit <= 0 {
		return []*experiment.Run{}, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	queued := make([]*experiment.Run, 0)

	for _, run := range s.runs {
		if run.Status == experiment.RunStatusQueued {
			queued = append(queued, run)
		}
	}

	sort.Slice(queued, func(i, j int) bool { return s.runSeq[queued[i].ID] < s.runSeq[queued[j].ID] })

	if len(queued) > limit {
		queued = queued[:limit]
	}

	now := time.Now().UTC()
	claimed := make([]*experiment.Run, 0, len(queued))

	for _, run := range queued {
		run.Status = experiment.RunStatusRunning
		run.WorkerID = &workerID
		startedAt := now
		run.StartedAt = &startedAt
		run.Attempt++

		runCopy := *run
		claimed = append(claimed, &runCopy)
	}

	return claimed, nil
}

// FinishRun moves a running run to its terminal state and stamps ended_at.
func (s *InMemoryExperimentStore) FinishRun(_ context.Context, runID string, outcome experiment.RunOutcome) error {
	if runID == "" {
		return fmt.Errorf("%w: run_id is empty", ErrInvalidArgument)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return fmt.Errorf("%w: run %s", experiment.ErrNotFound, runID)
	}

	var target experiment.RunStatus

	switch o := outcome.(type) {
	case experiment.Succeeded:
		if o.CanonURI == "" || o.CanonSHA256 == "" {
			return fmt.Errorf("%w: succeeded outcome requires canonical artifact URI and digest",
				ErrInvalidArgument)
		}

		target = experiment.RunStatusSucceeded

	case experiment.Failed:
		if !experiment.ValidErrorCode(o.ErrorCode) {
			return fmt.Errorf("%w: unknown error code %q", ErrInvalidArgument, o.ErrorCode)
		}

		target = experiment.RunStatusFailed

	case nil:
		return fmt.Errorf("%w: outcome is nil", ErrInvalidArgument)

	default:
		return fmt.Errorf("%w: unknown outcome type %T", ErrInvalidArgument, outcome)
	}

	if run.Status != experiment.RunStatusRunning {
		return fmt.Errorf("%w: cannot transition run %s from %s to %s",
			experiment.ErrInvalidStatusTransition, runID, run.Status, target)
	}

	now := time.Now().UTC()
	run.EndedAt = &now
	run.Status = target

	switch o := outcome.(type) {
	case experiment.Succeeded:
		canonURI := o.CanonURI
		canonSHA := o.CanonSHA256
		run.OutputCanonURI = &canonURI
		run.OutputSHA256 = &canonSHA
	case experiment.Failed:
		errorCode := o.ErrorCode
		errorDetail := o.ErrorDetail
		run.ErrorCode = &errorCode
		run.ErrorDetail = &errorDetail
	}

	return nil
}

// RequeueFailedRun moves a failed run back to queued, clearing error fields
// and worker bookkeeping while keeping the attempt counter.
func (s *InMemoryExperimentStore) RequeueFailedRun(_ context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("%w: run_id is empty", ErrInvalidArgument)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return fmt.Errorf("%w: run %s", experiment.ErrNotFound, runID)
	}

	if run.Status != experiment.RunStatusFailed {
		return fmt.Errorf("%w: cannot transition run %s from %s to %s",
			experiment.ErrInvalidStatusTransition, runID, run.Status, experiment.RunStatusQueued)
	}

	run.Status = experiment.RunStatusQueued
	run.ErrorCode = nil
	run.ErrorDetail = nil
	run.WorkerID = nil
	run.StartedAt = nil
	run.EndedAt = nil

	return nil
}

// ============================================================================
// Provider calls and metric results
// ============================================================================

// UpsertProviderCallStarted resolves the cost gate for one idempotency key:
// completed calls are reused, created calls are retried with a bumped
// attempt, failed calls block with experiment.ErrIdempotencyKeyHeld, and a
// fresh key inserts a created row.
func (s *InMemoryExperimentStore) UpsertProviderCallStarted(
	_ context.Context,
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

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if holderID, held := s.callByKey[providerCallKey{provider, idempotencyKey}]; held {
		holder := s.calls[holderID]

		switch holder.Status {
		case experiment.ProviderCallStatusCompleted:
			holderCopy := *holder

			return &holderCopy, true, nil

		case experiment.ProviderCallStatusCreated:
			holder.Attempt++
			holderCopy := *holder

			return &holderCopy, false, nil

		case experiment.ProviderCallStatusFailed:
			return nil, false, fmt.Errorf("%w: provider %s key %s held by failed call %s",
				experiment.ErrIdempotencyKeyHeld, provider, idempotencyKey, holder.ID)

		default:
			return nil, false, fmt.Errorf("%w: provider call %s has unknown status %q",
				ErrStoreFailed, holder.ID, holder.Status)
		}
	}

	if _, exists := s.runs[runID]; !exists {
		return nil, false, fmt.Errorf("%w: run %s", experiment.ErrNotFound, runID)
	}

	call := &experiment.ProviderCall{
		ID:             uuid.NewString(),
		RunID:          runID,
		Provider:       provider,
		IdempotencyKey: idempotencyKey,
		Attempt:        1,
		Status:         experiment.ProviderCallStatusCreated,
		CreatedAt:      time.Now().UTC(),
	}

	callCopy := *call
	s.calls[call.ID] = &callCopy
	s.callByKey[providerCallKey{provider, idempotencyKey}] = call.ID
	s.callSeq[call.ID] = s.nextInsert
	s.nextInsert++

	return call, false, nil
}

// CompleteProviderCall transitions a created call to completed with the
// artifact location and digest.
func (s *InMemoryExperimentStore) CompleteProviderCall(
	_ context.Context,
	providerCallID string,
	result experiment.ProviderCallResult,
) error {
	if providerCallID == "" {
		return fmt.Errorf("%w: provider_call_id is empty", ErrInvalidArgument)
	}

	if result.RawArtifactURI == "" || result.RawArtifactSHA256 == "" {
		return fmt.Errorf("%w: completed call requires raw artifact URI and digest", ErrInvalidArgument)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	call, exists := s.calls[providerCallID]
	if !exists {
		return fmt.Errorf("%w: provider call %s", experiment.ErrNotFound, providerCallID)
	}

	if call.Status != experiment.ProviderCallStatusCreated {
		return fmt.Errorf("%w: cannot transition provider call %s from %s to %s",
			experiment.ErrInvalidStatusTransition, providerCallID, call.Status,
			experiment.ProviderCallStatusCompleted)
	}

	rawURI := result.RawArtifactURI
	rawSHA := result.RawArtifactSHA256
	call.Status = experiment.ProviderCallStatusCompleted
	call.RawArtifactURI = &rawURI
	call.RawArtifactSHA256 = &rawSHA
	call.ProviderJobID = result.ProviderJobID
	call.Cost = result.Cost
	call.LatencyMs = result.LatencyMs

	return nil
}

// FailProviderCall transitions a created call to failed. The row keeps
// holding the idempotency key.
func (s *InMemoryExperimentStore) FailProviderCall(_ context.Context, providerCallID, detail string) error {
	if providerCallID == "" {
		return fmt.Errorf("%w: provider_call_id is empty", ErrInvalidArgument)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	call, exists := s.calls[providerCallID]
	if !exists {
		return fmt.Errorf("%w: provider call %s", experiment.ErrNotFound, providerCallID)
	}

	if call.Status != experiment.ProviderCallStatusCreated {
		return fmt.Errorf("%w: cannot transition provider call %s from %s to %s",
			experiment.ErrInvalidStatusTransition, providerCallID, call.Status,
			experiment.ProviderCallStatusFailed)
	}

	call.Status = experiment.ProviderCallStatusFailed
	call.ErrorDetail = &detail

	return nil
}

// ListProviderCalls returns the calls recorded for a run, oldest first.
func (s *InMemoryExperimentStore) ListProviderCalls(_ context.Context, runID string) ([]*experiment.ProviderCall, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	calls := make([]*experiment.ProviderCall, 0)

	for _, call := range s.calls {
		if call.RunID != runID {
			continue
		}

		callCopy := *call
		calls = append(calls, &callCopy)
	}

	sort.Slice(calls, func(i, j int) bool { return s.callSeq[calls[i].ID] < s.callSeq[calls[j].ID] })

	return calls, nil
}

// WriteMetricResult inserts one metric result under the write-once
// (run, metric, version) constraint.
func (s *InMemoryExperimentStore) WriteMetricResult(_ context.Context, result *experiment.MetricResult) error {
	if err := validateMetricResult(result); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.runs[result.RunID]; !exists {
		return fmt.Errorf("%w: run %s", experiment.ErrNotFound, result.RunID)
	}

	key := metricResultKey{result.RunID, result.MetricName, result.MetricVersion}
	if _, exists := s.metrics[key]; exists {
		return fmt.Errorf("%w: run %s metric %s version %s",
			experiment.ErrDuplicateMetricResult, result.RunID, result.MetricName, result.MetricVersion)
	}

	if result.ID == "" {
		result.ID = uuid.NewString()
	}

	result.CreatedAt = time.Now().UTC()
	resultCopy := *result
	s.metrics[key] = &resultCopy

	return nil
}

// GetMetricResult returns the result for (run, metric, version) or
// experiment.ErrNotFound.
func (s *InMemoryExperimentStore) GetMetricResult(
	_ context.Context,
	runID, metricName, metricVersion string,
) (*experiment.MetricResult, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result, exists := s.metrics[metricResultKey{runID, metricName, metricVersion}]
	if !exists {
		return nil, fmt.Errorf("%w: metric result for run %s metric %s version %s",
			experiment.ErrNotFound, runID, metricName, metricVersion)
	}

	resultCopy := *result

	return &resultCopy, nil
}

// ============================================================================
// Tasks and ratings
// ============================================================================

// ExistingPairs returns the canonical pairs already covered by tasks in the
// experiment, regardless of task status.
func (s *InMemoryExperimentStore) ExistingPairs(_ context.Context, experimentID string) (map[experiment.Pair]struct{}, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	pairs := make(map[experiment.Pair]struct{})

	for _, task := range s.tasks {
		if task.ExperimentID == experimentID {
			pairs[experiment.NewPair(task.LeftRunID, task.RightRunID)] = struct{}{}
		}
	}

	return pairs, nil
}

// InsertTask inserts a comparison task with status open. A duplicate
// unordered pair fails with experiment.ErrDuplicateTask.
func (s *InMemoryExperimentStore) InsertTask(_ context.Context, task *experiment.Task) error {
	if task == nil {
		return fmt.Errorf("%w: task is nil", ErrInvalidArgument)
	}

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if task.TaskType == "" {
		task.TaskType = experiment.TaskTypePairwise
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	pairKey := taskPairKey{task.ExperimentID, experiment.NewPair(task.LeftRunID, task.RightRunID)}

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("%w: experiment %s pair (%s, %s)",
			experiment.ErrDuplicateTask, task.ExperimentID, task.LeftRunID, task.RightRunID)
	}

	if _, exists := s.taskPairs[pairKey]; exists {
		return fmt.Errorf("%w: experiment %s pair (%s, %s)",
			experiment.ErrDuplicateTask, task.ExperimentID, task.LeftRunID, task.RightRunID)
	}

	_, expExists := s.experiments[task.ExperimentID]
	_, leftExists := s.runs[task.LeftRunID]
	_, rightExists := s.runs[task.RightRunID]

	if !expExists || !leftExists || !rightExists {
		return fmt.Errorf("%w: experiment %s or one of runs (%s, %s)",
			experiment.ErrNotFound, task.ExperimentID, task.LeftRunID, task.RightRunID)
	}

	task.Status = experiment.TaskStatusOpen
	task.CreatedAt = time.Now().UTC()

	taskCopy := *task
	s.tasks[task.ID] = &taskCopy
	s.taskPairs[pairKey] = task.ID

	return nil
}

// GetTask returns the task or experiment.ErrNotFound.
func (s *InMemoryExperimentStore) GetTask(_ context.Context, taskID string) (*experiment.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: task %s", experiment.ErrNotFound, taskID)
	}

	taskCopy := *task

	return &taskCopy, nil
}

// NextOpenTask returns an open task of the experiment, or
// experiment.ErrNotFound when none remain. Map iteration keeps the "no
// ordering guaranteed" contract honest.
func (s *InMemoryExperimentStore) NextOpenTask(_ context.Context, experimentID string) (*experiment.Task, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, task := range s.tasks {
		if task.ExperimentID == experimentID && task.Status == experiment.TaskStatusOpen {
			taskCopy := *task

			return &taskCopy, nil
		}
	}

	return nil, fmt.Errorf("%w: no open tasks in experiment %s", experiment.ErrNotFound, experimentID)
}

// ListTasksByStatus returns the experiment's tasks in the given status,
// ordered by task ID.
func (s *InMemoryExperimentStore) ListTasksByStatus(
	_ context.Context,
	experimentID string,
	status experiment.TaskStatus,
) ([]*experiment.Task, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: task status %q", ErrInvalidArgument, status)
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tasks := make([]*experiment.Task, 0)

	for _, task := range s.tasks {
		if task.ExperimentID != experimentID || task.Status != status {
			continue
		}

		taskCopy := *task
		tasks = append(tasks, &taskCopy)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks, nil
}

// MarkTaskDone moves a task to done. Done is idempotent; void tasks fail
// with experiment.ErrInvalidStatusTransition.
func (s *InMemoryExperimentStore) MarkTaskDone(_ context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task_id is empty", ErrInvalidArgument)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	task, exists := s.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: task %s", experiment.ErrNotFound, taskID)
	}

	if task.Status == experiment.TaskStatusVoid {
		return fmt.Errorf("%w: cannot transition task %s from %s to %s",
			experiment.ErrInvalidStatusTransition, taskID, task.Status, experiment.TaskStatusDone)
	}

	task.Status = experiment.TaskStatusDone

	return nil
}

// CreateRating appends a rating to its task and marks the task done.
func (s *InMemoryExperimentStore) CreateRating(_ context.Context, rating *experiment.Rating) error {
	if rating == nil {
		return fmt.Errorf("%w: rating is nil", ErrInvalidArgument)
	}

	if err := rating.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	task, exists := s.tasks[rating.TaskID]
	if !exists {
		return fmt.Errorf("%w: task %s", experiment.ErrNotFound, rating.TaskID)
	}

	if task.Status == experiment.TaskStatusVoid {
		return fmt.Errorf("%w: cannot rate void task %s",
			experiment.ErrInvalidStatusTransition, rating.TaskID)
	}

	if rating.ID == "" {
		rating.ID = uuid.NewString()
	}

	rating.CreatedAt = time.Now().UTC()
	task.Status = experiment.TaskStatusDone

	ratingCopy := *rating
	s.ratings = append(s.ratings, &ratingCopy)

	return nil
}

// ListRatings returns every rating attached to the experiment's tasks,
// oldest first.
func (s *InMemoryExperimentStore) ListRatings(_ context.Context, experimentID string) ([]*experiment.Rating, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	ratings := make([]*experiment.Rating, 0)

	for _, rating := range s.ratings {
		task, exists := s.tasks[rating.TaskID]
		if !exists || task.ExperimentID != experimentID {
			continue
		}

		ratingCopy := *rating
		ratings = append(ratings, &ratingCopy)
	}

	return ratings, nil
}
