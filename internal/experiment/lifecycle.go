// Run, experiment, provider-call, and task lifecycle state machines.
//
// The storage layer enforces these transitions inside its transactions; the
// functions here give it (and tests) one shared definition of what is legal.
// Every violation wraps ErrInvalidStatusTransition so callers can treat any
// non-monotonic transition as the same internal bug.

package experiment

import (
	"fmt"
)

// ValidateRunTransition validates a run status transition.
//
// Valid transitions:
//   - queued → running
//   - running → {succeeded, failed}
//
// Terminal states (succeeded, failed) never transition; a terminal-to-
// anything attempt is an internal bug, not a recoverable condition.
// Re-enqueueing a failed run is a distinct admin operation and is not
// expressible through this function.
func ValidateRunTransition(from, to RunStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown run status %q", ErrInvalidStatusTransition, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: unknown run status %q", ErrInvalidStatusTransition, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s (terminal states are immutable)", ErrInvalidStatusTransition, from, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidStatusTransition, from, to)
	}

	return nil
}

// ValidateExperimentTransition validates an experiment status transition.
//
// Valid transitions:
//   - draft → running
//   - running → complete
//   - any state → itself (idempotent)
func ValidateExperimentTransition(from, to ExperimentStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown experiment status %q", ErrInvalidStatusTransition, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: unknown experiment status %q", ErrInvalidStatusTransition, to)
	}

	if from == to {
		return nil
	}

	valid := (from == ExperimentStatusDraft && to == ExperimentStatusRunning) ||
		(from == ExperimentStatusRunning && to == ExperimentStatusComplete)
	if !valid {
		return fmt.Errorf("%w: %s → %s", ErrInvalidStatusTransition, from, to)
	}

	return nil
}

// ValidateProviderCallTransition validates a provider call status transition.
//
// Valid transitions:
//   - created → {completed, failed}
//
// Completed and failed are immutable. A failed call keeps holding its
// idempotency key; releasing it is an explicit void in storage, not a
// transition.
func ValidateProviderCallTransition(from, to ProviderCallStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown provider call status %q", ErrInvalidStatusTransition, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: unknown provider call status %q", ErrInvalidStatusTransition, to)
	}

	if from.IsTerminal() {
		return fmt.Errorf("%w: %s → %s (terminal states are immutable)", ErrInvalidStatusTransition, from, to)
	}

	if from == ProviderCallStatusCreated && (to == ProviderCallStatusCompleted || to == ProviderCallStatusFailed) {
		return nil
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidStatusTransition, from, to)
}

// ValidateTaskTransition validates a comparison task status transition.
//
// Valid transitions:
//   - open → {assigned, done, void}
//   - assigned → {done, void}
//   - done → done (idempotent; repeated ratings keep the task done)
//
// Void is immutable.
func ValidateTaskTransition(from, to TaskStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown task status %q", ErrInvalidStatusTransition, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: unknown task status %q", ErrInvalidStatusTransition, to)
	}

	switch from {
	case TaskStatusOpen:
		if to == TaskStatusAssigned || to == TaskStatusDone || to == TaskStatusVoid {
			return nil
		}
	case TaskStatusAssigned:
		if to == TaskStatusDone || to == TaskStatusVoid {
			return nil
		}
	case TaskStatusDone:
		if to == TaskStatusDone {
			return nil
		}
	case TaskStatusVoid:
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidStatusTransition, from, to)
}
