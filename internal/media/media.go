// Package media shells out to ffprobe and ffmpeg to inspect inputs and
// produce canonical artifacts.
//
// The canonical format is mp4 with H.264 video and AAC audio at a fixed
// 30 fps, trimmed to the driving audio's duration. Every artifact the rest
// of the system compares, scores, or serves goes through Normalize first so
// that downstream consumers never see provider-specific containers or frame
// rates.
//
// Binary paths are injected from configuration. The package performs no
// PATH discovery or version sniffing; a missing binary surfaces as a probe
// or transcode error on first use.
package media

import (
	"errors"
	"time"
)

// Sentinel errors for callers that care about the failure class. All
// subprocess failures wrap one of these.
var (
	// ErrMissingInput indicates a probe or transcode input path does not exist.
	ErrMissingInput = errors.New("media input missing")

	// ErrProbeFailed indicates ffprobe exited non-zero or produced
	// unusable output.
	ErrProbeFailed = errors.New("media probe failed")

	// ErrTranscodeFailed indicates ffmpeg exited non-zero or the produced
	// artifact could not be finalized.
	ErrTranscodeFailed = errors.New("video transcode failed")
)

// Default binary names, overridable through FFMPEG_PATH / FFPROBE_PATH.
const (
	DefaultFFmpegPath  = "ffmpeg"
	DefaultFFprobePath = "ffprobe"
)

// Subprocess deadlines. Probes are cheap metadata reads; transcodes can
// legitimately take minutes on long clips.
const (
	DefaultProbeTimeout     = 30 * time.Second
	DefaultTranscodeTimeout = 300 * time.Second
)

// Canonical output format settings.
const (
	canonicalFPS         = 30
	canonicalVideoCodec  = "libx264"
	canonicalAudioCodec  = "aac"
	canonicalPixelFormat = "yuv420p"
)
