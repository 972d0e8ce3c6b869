package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/screentest-io/screentest/internal/experiment"
	"github.com/screentest-io/screentest/internal/identity"
	"github.com/screentest-io/screentest/internal/media"
	"github.com/screentest-io/screentest/internal/metrics"
	"github.com/screentest-io/screentest/internal/provider"
)

type (
	// StepError classifies a pipeline step failure with one of the
	// persisted run error codes.
	StepError struct {
		// Kind is the run error code: InputMissing, Provider, Normalize,
		// or Metrics.
		Kind string

		// Err is the underlying cause.
		Err error
	}

	// RunContext carries everything one run needs through the pipeline,
	// loaded up front so the steps never reach back into the store for
	// catalog data.
	RunContext struct {
		Run  *experiment.Run
		Item *experiment.DatasetItem
		Spec *experiment.GenerationSpec

		// Seed is derived from the run's variant key.
		Seed int64

		// RenderedPrompt is the spec's prompt template after rendering.
		RenderedPrompt string

		// AudioSHA256 and RefImageSHA256 are digests of the dataset
		// inputs, recomputed at processing time.
		AudioSHA256    string
		RefImageSHA256 *string

		// RawDir is where provider output lands. CanonPath and CanonURI
		// locate the canonical artifact on disk and in the store.
		RawDir    string
		CanonPath string
		CanonURI  string
	}
)

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the cause for errors.Is chains.
func (e *StepError) Unwrap() error {
	return e.Err
}

func stepFailed(kind string, err error) *StepError {
	return &StepError{Kind: kind, Err: err}
}

// processRun drives one claimed run through the pipeline and persists the
// terminal outcome. The returned error is non-nil only for status machine
// violations, which the worker treats as fatal; every ordinary failure is
// recorded on the run and the loop moves on.
func (w *Worker) processRun(ctx context.Context, run *experiment.Run) error {
	start := time.Now()

	outcome, serr := w.executeSteps(ctx, run)
	if serr != nil && errors.Is(serr.Err, experiment.ErrInvalidStatusTransition) {
		return fmt.Errorf("run %s: %w", run.ID, serr)
	}

	if err := w.store.FinishRun(ctx, run.ID, outcome); err != nil {
		if errors.Is(err, experiment.ErrInvalidStatusTransition) {
			return fmt.Errorf("finish run %s: %w", run.ID, err)
		}

		// Transient store failure. The run stays running until an operator
		// requeues it; the loop keeps draining other runs.
		w.logger.Error("Failed to finish run",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()))

		return nil
	}

	label := outcomeLabel(outcome)
	w.metrics.RecordRunProcessed(label)

	if serr != nil {
		w.logger.Warn("Run failed",
			slog.String("run_id", run.ID),
			slog.String("error_code", serr.Kind),
			slog.String("error", serr.Err.Error()),
			slog.Duration("duration", time.Since(start)))
	} else {
		w.logger.Info("Run succeeded",
			slog.String("run_id", run.ID),
			slog.Duration("duration", time.Since(start)))
	}

	return nil
}

// executeSteps runs provider, normalize, and metrics for one claimed run.
// The first failing step decides the terminal outcome and later steps are
// skipped. A metrics failure still leaves the canonical artifact and a
// failed metric row behind for diagnosis.
func (w *Worker) executeSteps(ctx context.Context, run *experiment.Run) (experiment.RunOutcome, *StepError) {
	rc, serr := w.buildRunContext(ctx, run)
	if serr != nil {
		return failedOutcome(serr), serr
	}

	stepStart := time.Now()
	rawPath, serr := w.providerStep(ctx, rc)
	w.metrics.ObserveStep(stepProvider, time.Since(stepStart).Seconds())

	if serr != nil {
		return failedOutcome(serr), serr
	}

	stepStart = time.Now()
	canon, serr := w.normalizeStep(ctx, rc, rawPath)
	w.metrics.ObserveStep(stepNormalize, time.Since(stepStart).Seconds())

	if serr != nil {
		return failedOutcome(serr), serr
	}

	stepStart = time.Now()
	serr = w.metricsStep(ctx, rc)
	w.metrics.ObserveStep(stepMetrics, time.Since(stepStart).Seconds())

	if serr != nil {
		return failedOutcome(serr), serr
	}

	return experiment.Succeeded{CanonURI: rc.CanonURI, CanonSHA256: canon.SHA256}, nil
}

// buildRunContext loads the catalog rows behind the run and derives the
// per-run inputs: dataset digests, seed, rendered prompt, artifact paths.
// Anything missing here means the run cannot be attempted at all, so every
// failure classifies as InputMissing.
func (w *Worker) buildRunContext(ctx context.Context, run *experiment.Run) (*RunContext, *StepError) {
	exp, err := w.store.GetExperiment(ctx, run.ExperimentID)
	if err != nil {
		return nil, stepFailed(experiment.ErrorCodeInputMissing,
			fmt.Errorf("experiment %s: %w", run.ExperimentID, err))
	}

	spec, err := w.store.GetGenerationSpec(ctx, exp.GenerationSpecID)
	if err != nil {
		return nil, stepFailed(experiment.ErrorCodeInputMissing,
			fmt.Errorf("generation spec %s: %w", exp.GenerationSpecID, err))
	}

	item, err := w.store.GetDatasetItem(ctx, run.ItemID)
	if err != nil {
		return nil, stepFailed(experiment.ErrorCodeInputMissing,
			fmt.Errorf("dataset item %s: %w", run.ItemID, err))
	}

	audioSHA, err := identity.SHA256File(item.AudioURI)
	if err != nil {
		return nil, stepFailed(experiment.ErrorCodeInputMissing,
			fmt.Errorf("audio %s: %w", item.AudioURI, err))
	}

	var refSHA *string

	if item.RefImageURI != nil {
		sum, err := identity.SHA256File(*item.RefImageURI)
		if err != nil {
			return nil, stepFailed(experiment.ErrorCodeInputMissing,
				fmt.Errorf("ref image %s: %w", *item.RefImageURI, err))
		}

		refSHA = &sum
	}

	return &RunContext{
		Run:            run,
		Item:           item,
		Spec:           spec,
		Seed:           identity.SeedFromVariantKey(run.VariantKey),
		RenderedPrompt: experiment.RenderPrompt(spec),
		AudioSHA256:    audioSHA,
		RefImageSHA256: refSHA,
		RawDir:         identity.RawDir(w.cfg.ArtifactRoot, run.ID),
		CanonPath:      identity.CanonPath(w.cfg.ArtifactRoot, run.ID),
		CanonURI:       identity.CanonURI(run.ID),
	}, nil
}

// providerStep resolves the raw artifact through the provider cost gate.
// A completed call under the run's idempotency key is reused without
// re-charging; otherwise the generator is invoked and the call row is
// completed with the artifact digest. Returns the local raw artifact path.
func (w *Worker) providerStep(ctx context.Context, rc *RunContext) (string, *StepError) {
	key := identity.ProviderIdempotencyKey(rc.Spec.Provider, rc.Run.SpecHash)

	call, reused, err := w.store.UpsertProviderCallStarted(ctx, rc.Run.ID, rc.Spec.Provider, key)
	if err != nil {
		return "", stepFailed(experiment.ErrorCodeProvider, fmt.Errorf("provider call upsert: %w", err))
	}

	if reused {
		if call.RawArtifactURI == nil || call.RawArtifactSHA256 == nil {
			return "", stepFailed(experiment.ErrorCodeProvider,
				fmt.Errorf("completed provider call %s has no artifact", call.ID))
		}

		w.metrics.RecordCallReused()
		w.logger.Info("Reusing completed provider call",
			slog.String("run_id", rc.Run.ID),
			slog.String("provider_call_id", call.ID),
			slog.String("raw_artifact_uri", *call.RawArtifactURI))

		return *call.RawArtifactURI, nil
	}

	artifact, err := w.generator.Generate(ctx, provider.GenerateInput{
		Provider:         rc.Spec.Provider,
		Model:            rc.Spec.Model,
		ModelVersion:     rc.Spec.ModelVersion,
		RenderedPrompt:   rc.RenderedPrompt,
		ParamsJSON:       rc.Spec.ParamsJSON,
		Seed:             rc.Seed,
		InputAudioURI:    rc.Item.AudioURI,
		InputAudioSHA256: rc.AudioSHA256,
		RefImageURI:      rc.Item.RefImageURI,
		RefImageSHA256:   rc.RefImageSHA256,
		RawOutputDir:     rc.RawDir,
	})
	if err != nil {
		return "", w.failProviderCall(ctx, call.ID, err)
	}

	rawSHA, err := identity.SHA256File(artifact.RawVideoURI)
	if err != nil {
		return "", w.failProviderCall(ctx, call.ID, fmt.Errorf("hash raw artifact: %w", err))
	}

	err = w.store.CompleteProviderCall(ctx, call.ID, experiment.ProviderCallResult{
		RawArtifactURI:    artifact.RawVideoURI,
		RawArtifactSHA256: rawSHA,
		ProviderJobID:     artifact.ProviderJobID,
		Cost:              artifact.Cost,
		LatencyMs:         artifact.LatencyMS,
	})
	if err != nil {
		return "", stepFailed(experiment.ErrorCodeProvider, fmt.Errorf("complete provider call: %w", err))
	}

	return artifact.RawVideoURI, nil
}

// failProviderCall marks the call failed so the idempotency key stays held,
// then classifies cause as the step error. A status machine violation while
// marking takes precedence because it signals an internal bug.
func (w *Worker) failProviderCall(ctx context.Context, callID string, cause error) *StepError {
	if err := w.store.FailProviderCall(ctx, callID, cause.Error()); err != nil {
		if errors.Is(err, experiment.ErrInvalidStatusTransition) {
			return stepFailed(experiment.ErrorCodeProvider, err)
		}

		w.logger.Error("Failed to mark provider call failed",
			slog.String("provider_call_id", callID),
			slog.String("error", err.Error()))
	}

	return stepFailed(experiment.ErrorCodeProvider, cause)
}

// normalizeStep transcodes the raw artifact into the canonical rendition at
// the run's deterministic canon path.
func (w *Worker) normalizeStep(ctx context.Context, rc *RunContext, rawPath string) (*media.CanonArtifact, *StepError) {
	artifact, err := w.normalizer.Normalize(ctx, rawPath, rc.Item.AudioURI, rc.CanonPath)
	if err != nil {
		return nil, stepFailed(experiment.ErrorCodeNormalize, err)
	}

	return artifact, nil
}

// metricsStep computes the metric bundle for the canonical artifact and
// persists it. Engine failures write an explicit failed row so the gap is
// visible next to the retained artifact. Results are write-once per bundle
// version; on a replayed run the earlier row wins and the step proceeds.
func (w *Worker) metricsStep(ctx context.Context, rc *RunContext) *StepError {
	bundle, err := w.engine.Compute(ctx, rc.CanonPath, rc.Item.AudioURI)
	if err != nil {
		detail := err.Error()
		failed := &experiment.MetricResult{
			RunID:         rc.Run.ID,
			MetricName:    metrics.BundleName,
			MetricVersion: metrics.BundleVersion,
			Status:        experiment.MetricResultStatusFailed,
			ErrorDetail:   &detail,
		}

		if werr := w.store.WriteMetricResult(ctx, failed); werr != nil &&
			!errors.Is(werr, experiment.ErrDuplicateMetricResult) {
			w.logger.Error("Failed to record metric failure",
				slog.String("run_id", rc.Run.ID),
				slog.String("error", werr.Error()))
		}

		return stepFailed(experiment.ErrorCodeMetrics, err)
	}

	doc, err := json.Marshal(bundle)
	if err != nil {
		return stepFailed(experiment.ErrorCodeMetrics, fmt.Errorf("encode bundle: %w", err))
	}

	result := &experiment.MetricResult{
		RunID:         rc.Run.ID,
		MetricName:    metrics.BundleName,
		MetricVersion: metrics.BundleVersion,
		Value:         string(doc),
		Status:        experiment.MetricResultStatusComputed,
	}

	switch err := w.store.WriteMetricResult(ctx, result); {
	case errors.Is(err, experiment.ErrDuplicateMetricResult):
		w.logger.Warn("Metric result already written",
			slog.String("run_id", rc.Run.ID),
			slog.String("metric_version", metrics.BundleVersion))
	case err != nil:
		return stepFailed(experiment.ErrorCodeMetrics, fmt.Errorf("write metric result: %w", err))
	}

	return nil
}

func failedOutcome(serr *StepError) experiment.RunOutcome {
	return experiment.Failed{ErrorCode: serr.Kind, ErrorDetail: serr.Err.Error()}
}

// outcomeLabel maps a terminal outcome onto its run status name for
// telemetry labels.
func outcomeLabel(outcome experiment.RunOutcome) string {
	if _, ok := outcome.(experiment.Succeeded); ok {
		return experiment.RunStatusSucceeded.String()
	}

	return experiment.RunStatusFailed.String()
}
