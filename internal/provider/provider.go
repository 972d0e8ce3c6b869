// Package provider adapts video generation backends behind a narrow
// interface: fully-instantiated request in, raw artifact out.
//
// Providers never touch the store, compute metrics, or shape responses.
// Recording the call, hashing the artifact, and normalization all happen in
// the worker around the Generate call.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/screentest-io/screentest/internal/media"
)

// ErrGenerateFailed indicates the backend could not produce an artifact.
var ErrGenerateFailed = errors.New("provider generation failed")

// GenerateInput is a fully-instantiated generation request: every template
// is rendered and every input is pinned by digest before it reaches a
// provider. Optional fields are nil when the request does not carry them.
type GenerateInput struct {
	Provider         string
	Model            string
	ModelVersion     *string
	RenderedPrompt   string
	ParamsJSON       string
	Seed             int64
	InputAudioURI    string
	InputAudioSHA256 string
	RefImageURI      *string
	RefImageSHA256   *string

	// RawOutputDir is the run's raw artifact directory. Providers write
	// their output inside it and nowhere else.
	RawOutputDir string
}

// RawArtifact is what a provider hands back: the raw video location plus
// whatever accounting the backend reports.
type RawArtifact struct {
	RawVideoURI   string
	ProviderJobID *string
	Cost          *float64
	LatencyMS     *int64
}

// Generator produces one raw video per call.
type Generator interface {
	Generate(ctx context.Context, input GenerateInput) (*RawArtifact, error)
	Name() string
}

// ByName constructs the named provider. samplePath, ffmpegPath, and runner
// only apply to the mock provider; zero values select its defaults.
func ByName(name, samplePath, ffmpegPath string, runner media.CommandRunner) (Generator, error) {
	switch name {
	case MockName:
		return NewMock(samplePath, ffmpegPath, runner), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
