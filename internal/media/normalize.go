package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/screentest-io/screentest/internal/identity"
)

// CanonArtifact describes a normalized video on disk.
type CanonArtifact struct {
	Path       string
	SHA256     string
	DurationMS int64
}

// Normalizer transcodes raw provider output into the canonical format:
// H.264 + AAC in mp4, 30 fps, trimmed to the driving audio's duration.
type Normalizer struct {
	ffmpegPath string
	timeout    time.Duration
	prober     *Prober
	runner     CommandRunner
}

// NewNormalizer creates a Normalizer. Zero values select the defaults: the
// ffmpeg binary on PATH, a 300 second transcode deadline, a default Prober
// sharing the runner, and host execution.
func NewNormalizer(ffmpegPath string, timeout time.Duration, prober *Prober, runner CommandRunner) *Normalizer {
	if ffmpegPath == "" {
		ffmpegPath = DefaultFFmpegPath
	}
	if timeout <= 0 {
		timeout = DefaultTranscodeTimeout
	}
	if runner == nil {
		runner = OSRunner{}
	}
	if prober == nil {
		prober = NewProber("", 0, runner)
	}
	return &Normalizer{ffmpegPath: ffmpegPath, timeout: timeout, prober: prober, runner: runner}
}

// Normalize transcodes rawVideoPath into the canonical format at outPath,
// muxing audioPath as the sole audio track and trimming the output to the
// audio's duration. It returns the produced artifact's path, SHA-256, and
// measured duration. The output directory is created if needed.
func (n *Normalizer) Normalize(ctx context.Context, rawVideoPath, audioPath, outPath string) (*CanonArtifact, error) {
	if _, err := os.Stat(rawVideoPath); err != nil {
		return nil, fmt.Errorf("%w: raw video %s", ErrMissingInput, rawVideoPath)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("%w: audio %s", ErrMissingInput, audioPath)
	}

	// The audio track bounds the output. A zero-length probe would yield
	// an empty artifact, so it fails here instead of after the transcode.
	audioMS, err := n.prober.ProbeAudioDuration(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	if audioMS <= 0 {
		return nil, fmt.Errorf("%w: audio duration unavailable for %s", ErrTranscodeFailed, audioPath)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create output directory: %v", ErrTranscodeFailed, err)
	}

	transcodeCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	argv := []string{
		n.ffmpegPath,
		"-y",
		"-i", rawVideoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", canonicalVideoCodec,
		"-c:a", canonicalAudioCodec,
		"-r", strconv.Itoa(canonicalFPS),
		"-pix_fmt", canonicalPixelFormat,
		"-t", formatSeconds(audioMS),
		"-movflags", "+faststart",
		outPath,
	}
	if _, err := n.runner.Run(transcodeCtx, argv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}

	digest, err := identity.SHA256File(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: hash output: %v", ErrTranscodeFailed, err)
	}

	info, err := n.prober.ProbeVideo(ctx, outPath)
	if err != nil {
		return nil, err
	}

	return &CanonArtifact{Path: outPath, SHA256: digest, DurationMS: info.DurationMS}, nil
}

// formatSeconds renders a millisecond count as decimal seconds for ffmpeg's
// -t flag, keeping millisecond precision.
func formatSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}
