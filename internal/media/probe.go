package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// VideoInfo describes the first video stream of a media file.
type VideoInfo struct {
	Width      int
	Height     int
	FPS        float64
	DurationMS int64
	FrameCount int64
}

// Prober extracts stream metadata through ffprobe.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	runner      CommandRunner
}

// NewProber creates a Prober. Zero values select the defaults: the ffprobe
// binary on PATH, a 30 second deadline per probe, and host execution.
func NewProber(ffprobePath string, timeout time.Duration, runner CommandRunner) *Prober {
	if ffprobePath == "" {
		ffprobePath = DefaultFFprobePath
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if runner == nil {
		runner = OSRunner{}
	}
	return &Prober{ffprobePath: ffprobePath, timeout: timeout, runner: runner}
}

// ffprobe -of json output shape. Numeric stream fields other than
// width/height arrive as strings.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	RFrameRate string `json:"r_frame_rate"`
	Duration   string `json:"duration"`
	NBFrames   string `json:"nb_frames"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

// ProbeVideo returns dimensions, frame rate, duration, and frame count of
// the first video stream in path. When the container does not carry
// nb_frames the count is estimated from duration and frame rate.
func (p *Prober) ProbeVideo(ctx context.Context, path string) (*VideoInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, path)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	argv := []string{
		p.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,duration,nb_frames",
		"-of", "json",
		path,
	}
	out, err := p.runner.Run(probeCtx, argv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	var probed ffprobeOutput
	if err := json.Unmarshal([]byte(out), &probed); err != nil {
		return nil, fmt.Errorf("%w: decode ffprobe output: %v", ErrProbeFailed, err)
	}
	if len(probed.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream in %s", ErrProbeFailed, path)
	}
	stream := probed.Streams[0]

	fps := parseFrameRate(stream.RFrameRate)
	durationMS := parseSecondsToMS(stream.Duration)

	var frameCount int64
	if stream.NBFrames != "" {
		frameCount, err = strconv.ParseInt(stream.NBFrames, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: parse nb_frames %q: %v", ErrProbeFailed, stream.NBFrames, err)
		}
	} else if durationMS > 0 {
		frameCount = int64(float64(durationMS) * fps / 1000)
	}

	return &VideoInfo{
		Width:      stream.Width,
		Height:     stream.Height,
		FPS:        fps,
		DurationMS: durationMS,
		FrameCount: frameCount,
	}, nil
}

// ProbeAudioDuration returns the container duration of an audio file in
// milliseconds.
func (p *Prober) ProbeAudioDuration(ctx context.Context, path string) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingInput, path)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	argv := []string{
		p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}
	out, err := p.runner.Run(probeCtx, argv)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}

	var probed ffprobeOutput
	if err := json.Unmarshal([]byte(out), &probed); err != nil {
		return 0, fmt.Errorf("%w: decode ffprobe output: %v", ErrProbeFailed, err)
	}
	return parseSecondsToMS(probed.Format.Duration), nil
}

// parseFrameRate handles ffprobe's rational form ("30/1", "30000/1001") and
// plain decimals. Malformed or zero-denominator input falls back to the
// canonical rate rather than failing the probe.
func parseFrameRate(raw string) float64 {
	if raw == "" {
		return canonicalFPS
	}
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, errN := strconv.ParseFloat(num, 64)
		d, errD := strconv.ParseFloat(den, 64)
		if errN != nil || errD != nil || d == 0 {
			return canonicalFPS
		}
		return n / d
	}
	fps, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return canonicalFPS
	}
	return fps
}

// parseSecondsToMS converts ffprobe's decimal-seconds strings, truncating
// to whole milliseconds. Missing or malformed durations read as zero.
func parseSecondsToMS(raw string) int64 {
	if raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int64(seconds * 1000)
}
