package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts subprocess execution so probes and transcodes can
// be exercised in tests without ffmpeg installed.
type CommandRunner interface {
	Run(ctx context.Context, argv []string) (string, error)
}

// OSRunner executes commands on the host.
type OSRunner struct{}

// Run executes argv with combined stdout/stderr capture.
func (OSRunner) Run(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty argv")
	}
	// #nosec G204 -- argv is assembled from configured binary paths and
	// store-managed file paths, never from request input.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg != "" {
			return out.String(), fmt.Errorf("run %q failed: %w: %s", argv, err, msg)
		}
		return out.String(), fmt.Errorf("run %q failed: %w", argv, err)
	}
	return out.String(), nil
}
