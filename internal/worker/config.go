package worker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/screentest-io/screentest/internal/config"
	"github.com/screentest-io/screentest/internal/media"
	"github.com/screentest-io/screentest/internal/provider"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultClaimLimit    = 4
	defaultArtifactRoot  = "artifacts"
	defaultGaugeInterval = 15 * time.Second
)

var (
	// ErrPollIntervalInvalid is returned when the poll interval is not positive.
	ErrPollIntervalInvalid = errors.New("poll interval must be positive")

	// ErrClaimLimitInvalid is returned when the claim limit is not positive.
	ErrClaimLimitInvalid = errors.New("claim limit must be positive")

	// ErrWorkerIDEmpty is returned when the worker ID is an empty string.
	ErrWorkerIDEmpty = errors.New("worker ID cannot be empty")

	// ErrArtifactRootEmpty is returned when the artifact root is an empty string.
	ErrArtifactRootEmpty = errors.New("artifact root cannot be empty")
)

// Config holds worker loop and pipeline configuration.
type Config struct {
	// PollInterval is how often the worker polls the store for queued runs.
	PollInterval time.Duration

	// ClaimLimit caps the number of runs claimed per poll.
	ClaimLimit int

	// ArtifactRoot is the local directory run artifacts are written under.
	ArtifactRoot string

	// WorkerID identifies this worker in run claim bookkeeping.
	WorkerID string

	// Provider selects the generation backend by name.
	Provider string

	// SamplePath optionally points the mock provider at a pre-recorded clip
	// to copy instead of synthesizing one.
	SamplePath string

	// FFmpegPath and FFprobePath locate the transcode toolchain binaries.
	FFmpegPath  string
	FFprobePath string

	// NormalizeTimeout bounds a single transcode invocation.
	NormalizeTimeout time.Duration

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the endpoint.
	MetricsAddr string

	// GaugeInterval is how often the run status gauge is refreshed.
	GaugeInterval time.Duration
}

// LoadConfig loads worker configuration from environment variables with
// fallback to defaults. The worker ID defaults to the hostname plus a random
// suffix so parallel workers on one host stay distinguishable in claims.
func LoadConfig() *Config {
	return &Config{
		PollInterval:     config.GetEnvDuration("WORKER_POLL_INTERVAL", defaultPollInterval),
		ClaimLimit:       config.GetEnvInt("WORKER_CLAIM_LIMIT", defaultClaimLimit),
		ArtifactRoot:     config.GetEnvStr("ARTIFACT_ROOT", defaultArtifactRoot),
		WorkerID:         config.GetEnvStr("WORKER_ID", defaultWorkerID()),
		Provider:         config.GetEnvStr("PROVIDER", provider.MockName),
		SamplePath:       config.GetEnvStr("PROVIDER_SAMPLE_PATH", ""),
		FFmpegPath:       config.GetEnvStr("FFMPEG_PATH", media.DefaultFFmpegPath),
		FFprobePath:      config.GetEnvStr("FFPROBE_PATH", media.DefaultFFprobePath),
		NormalizeTimeout: config.GetEnvDuration("WORKER_NORMALIZE_TIMEOUT", media.DefaultTranscodeTimeout),
		MetricsAddr:      config.GetEnvStr("WORKER_METRICS_ADDR", ""),
		GaugeInterval:    config.GetEnvDuration("WORKER_GAUGE_INTERVAL", defaultGaugeInterval),
	}
}

// Validate checks if the worker configuration is usable.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return ErrPollIntervalInvalid
	}

	if c.ClaimLimit <= 0 {
		return ErrClaimLimitInvalid
	}

	if strings.TrimSpace(c.WorkerID) == "" {
		return ErrWorkerIDEmpty
	}

	if strings.TrimSpace(c.ArtifactRoot) == "" {
		return ErrArtifactRootEmpty
	}

	return nil
}

// defaultWorkerID builds a "hostname-suffix" identifier. The suffix comes
// from a random UUID, so two workers on the same host never collide.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}

	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
