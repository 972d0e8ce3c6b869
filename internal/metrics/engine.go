package metrics

import (
	"context"
	"fmt"

	"github.com/screentest-io/screentest/internal/media"
)

// Engine computes a complete bundle for a canonical video and its driving
// audio. Implementations are constructed once at worker startup and shared
// across runs; Compute must be safe for sequential reuse.
type Engine interface {
	Compute(ctx context.Context, canonVideoPath, audioPath string) (*BundleV1, error)
}

// BaselineEngine is the reference engine. It measures what ffprobe can see
// (decode health, durations, frame rate, frame count) and fills the
// vision-dependent fields with configured neutral constants, so badge
// derivation exercises the duration and decode rules while face and motion
// analysis remains pluggable behind the Engine interface.
type BaselineEngine struct {
	prober *media.Prober
	cfg    *Config
}

// NewBaselineEngine creates the engine. A nil config selects the defaults;
// a nil prober gets one built from the config's probe timeout.
func NewBaselineEngine(prober *media.Prober, cfg *Config) *BaselineEngine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if prober == nil {
		prober = media.NewProber("", cfg.ProbeTimeout(), nil)
	}
	return &BaselineEngine{prober: prober, cfg: cfg}
}

// Compute implements Engine. An unreadable video scores as decode_ok=false
// with zeroed measures rather than failing the engine; an unreadable audio
// file is an engine error, since without the audio duration no meaningful
// bundle exists.
func (e *BaselineEngine) Compute(ctx context.Context, canonVideoPath, audioPath string) (*BundleV1, error) {
	audioMS, err := e.prober.ProbeAudioDuration(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("audio probe: %w", err)
	}

	bundle := &BundleV1{AudioDurationMS: audioMS}

	if info, err := e.prober.ProbeVideo(ctx, canonVideoPath); err == nil {
		bundle.DecodeOK = true
		bundle.VideoDurationMS = info.DurationMS
		bundle.FPS = info.FPS
		bundle.FrameCount = info.FrameCount
		bundle.FacePresentRatio = e.cfg.NeutralFacePresentRatio
		bundle.BlurScore = e.cfg.NeutralBlurScore
		bundle.FreezeFrameRatio = e.cfg.NeutralFreezeFrameRatio
		bundle.FlickerScore = e.cfg.NeutralFlickerScore
		bundle.MouthAudioCorr = e.cfg.NeutralMouthAudioCorr
	}
	bundle.AVDurationDeltaMS = absInt64(bundle.VideoDurationMS - audioMS)

	bundle.StatusBadge, bundle.Reasons = DeriveStatus(bundle)
	return bundle, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
