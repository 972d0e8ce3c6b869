package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/screentest-io/screentest/internal/media"
)

// MockName is the provider name the mock registers under.
const MockName = "mock"

// synthTimeout bounds the ffmpeg test-pattern synthesis.
const synthTimeout = 30 * time.Second

// Mock is a generation backend for demos and pipeline tests. It returns a
// deterministic artifact per request without calling any external API:
// an already-present output is reused, a configured sample clip is copied,
// and otherwise a seed-colored test pattern is synthesized with ffmpeg.
type Mock struct {
	samplePath string
	ffmpegPath string
	runner     media.CommandRunner
}

// NewMock creates the mock provider. samplePath optionally points at a
// pre-rendered demo clip; when empty or missing, outputs are synthesized.
func NewMock(samplePath, ffmpegPath string, runner media.CommandRunner) *Mock {
	if ffmpegPath == "" {
		ffmpegPath = media.DefaultFFmpegPath
	}
	if runner == nil {
		runner = media.OSRunner{}
	}
	return &Mock{samplePath: samplePath, ffmpegPath: ffmpegPath, runner: runner}
}

// Name implements Generator.
func (m *Mock) Name() string { return MockName }

// Generate writes <raw_dir>/<job_id>.mp4 and reports it. The job id is a
// digest of the request, so repeated calls for the same request land on the
// same file and the first artifact wins.
func (m *Mock) Generate(ctx context.Context, input GenerateInput) (*RawArtifact, error) {
	start := time.Now()

	jobID := mockJobID(input)
	if err := os.MkdirAll(input.RawOutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create raw output dir: %v", ErrGenerateFailed, err)
	}
	outPath := filepath.Join(input.RawOutputDir, jobID+".mp4")

	if _, err := os.Stat(outPath); err != nil {
		if err := m.materialize(ctx, outPath, input.Seed); err != nil {
			return nil, err
		}
	}

	latencyMS := time.Since(start).Milliseconds()
	cost := 0.0
	return &RawArtifact{
		RawVideoURI:   outPath,
		ProviderJobID: &jobID,
		Cost:          &cost,
		LatencyMS:     &latencyMS,
	}, nil
}

// materialize produces the artifact at outPath, preferring the configured
// sample clip over synthesis.
func (m *Mock) materialize(ctx context.Context, outPath string, seed int64) error {
	if m.samplePath != "" {
		if _, err := os.Stat(m.samplePath); err == nil {
			if err := copyFile(m.samplePath, outPath); err != nil {
				return fmt.Errorf("%w: copy sample clip: %v", ErrGenerateFailed, err)
			}
			return nil
		}
	}
	return m.synthesize(ctx, outPath, seed)
}

// synthesize renders a 3 second solid-color H.264 clip whose color is
// derived from the seed, so different seeds are visually distinguishable.
func (m *Mock) synthesize(ctx context.Context, outPath string, seed int64) error {
	color := fmt.Sprintf("0x%02x%02x%02x",
		seedChannel(seed, 37),
		seedChannel(seed, 59),
		seedChannel(seed, 97),
	)

	synthCtx, cancel := context.WithTimeout(ctx, synthTimeout)
	defer cancel()

	argv := []string{
		m.ffmpegPath,
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=%s:s=640x480:d=3", color),
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-t", "3",
		outPath,
	}
	if _, err := m.runner.Run(synthCtx, argv); err != nil {
		return fmt.Errorf("%w: %v", ErrGenerateFailed, err)
	}
	return nil
}

// mockJobID derives the deterministic job id: the first 16 hex chars of a
// SHA-256 over the request fields that define the output. Nil optionals
// contribute an empty segment.
func mockJobID(input GenerateInput) string {
	parts := []string{
		input.Provider,
		input.Model,
		stringOrEmpty(input.ModelVersion),
		input.RenderedPrompt,
		strconv.FormatInt(input.Seed, 10),
		input.InputAudioSHA256,
		stringOrEmpty(input.RefImageSHA256),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:16]
}

// seedChannel maps a seed onto one 8-bit color channel. The result is
// non-negative for negative seeds as well.
func seedChannel(seed, multiplier int64) int64 {
	return ((seed*multiplier)%256 + 256) % 256
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func copyFile(src, dst string) error {
	// #nosec G304 -- src is the operator-configured sample path.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	// #nosec G304 -- dst lives under the run's raw output dir.
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
