package experiment

import (
	"fmt"
	"time"

	"github.com/screentest-io/screentest/internal/identity"
)

// RenderPrompt produces the prompt sent to the provider for one run. The
// template currently renders as-is; per-item substitution would hook in here
// and must stay deterministic, since the rendered prompt participates in
// spec hashing.
func RenderPrompt(spec *GenerationSpec) string {
	return spec.PromptTemplate
}

// NewRun assembles a queued run for one (experiment, item, variant) slot
// with its content-addressed identity fully resolved: seed from the variant
// key, spec hash over the instantiated generation request, and run ID over
// the slot plus spec hash.
//
// The audio digest (and ref image digest when the item carries one) must be
// the digests of the exact files the worker will read; the cost gate keys
// off them.
func NewRun(
	exp *Experiment,
	spec *GenerationSpec,
	item *DatasetItem,
	variantKey string,
	audioSHA256 string,
	refImageSHA256 *string,
) (*Run, error) {
	seed := identity.SeedFromVariantKey(variantKey)

	specHash, err := identity.SpecHash(identity.SpecHashInput{
		Provider:         spec.Provider,
		Model:            spec.Model,
		ModelVersion:     spec.ModelVersion,
		RenderedPrompt:   RenderPrompt(spec),
		ParamsJSON:       spec.ParamsJSON,
		Seed:             seed,
		InputAudioSHA256: audioSHA256,
		RefImageSHA256:   refImageSHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("compute spec hash: %w", err)
	}

	run := &Run{
		ID:           identity.RunID(exp.ID, item.ID, variantKey, specHash),
		ExperimentID: exp.ID,
		ItemID:       item.ID,
		VariantKey:   variantKey,
		SpecHash:     specHash,
		Status:       RunStatusQueued,
		CreatedAt:    time.Now().UTC(),
	}

	if err := run.Validate(); err != nil {
		return nil, err
	}

	return run, nil
}
