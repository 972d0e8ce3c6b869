package experiment

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/screentest-io/screentest/internal/identity"
)

// PairStore is the slice of the store that pair generation needs.
type PairStore interface {
	ListRunsByStatus(ctx context.Context, experimentID string, status RunStatus) ([]*Run, error)
	ExistingPairs(ctx context.Context, experimentID string) (map[Pair]struct{}, error)
	InsertTask(ctx context.Context, task *Task) error
}

// PairGenerationResult reports what one GeneratePairs invocation created.
type PairGenerationResult struct {
	// CreatedCount is the number of tasks inserted by this invocation.
	CreatedCount int

	// TaskIDs lists the inserted task IDs in creation order.
	TaskIDs []string
}

// GeneratePairs creates one comparison task per uncovered unordered pair of
// succeeded runs in the experiment.
//
// Runs are iterated in ascending run ID order, so the canonical (left, right)
// assignment and the derived task IDs are deterministic for a given set of
// succeeded runs. The presented order is decided per task by a fresh coin
// toss and is deliberately not reproducible.
//
// The function is idempotent: calling it again without new succeeded runs
// creates nothing. Races with a concurrent generator are resolved by the
// storage pair constraint; losing an insert is not an error.
func GeneratePairs(ctx context.Context, store PairStore, experimentID string) (*PairGenerationResult, error) {
	runs, err := store.ListRunsByStatus(ctx, experimentID, RunStatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("list succeeded runs: %w", err)
	}

	result := &PairGenerationResult{TaskIDs: []string{}}

	if len(runs) < 2 {
		return result, nil
	}

	runIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
	}

	sort.Strings(runIDs)

	existing, err := store.ExistingPairs(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list existing pairs: %w", err)
	}

	for i := 0; i < len(runIDs); i++ {
		for j := i + 1; j < len(runIDs); j++ {
			left, right := runIDs[i], runIDs[j]

			if _, covered := existing[NewPair(left, right)]; covered {
				continue
			}

			flip, err := coinToss()
			if err != nil {
				return nil, fmt.Errorf("draw presentation flip: %w", err)
			}

			task := &Task{
				ID:                  identity.PairTaskID(experimentID, left, right),
				ExperimentID:        experimentID,
				TaskType:            TaskTypePairwise,
				LeftRunID:           left,
				RightRunID:          right,
				PresentedLeftRunID:  left,
				PresentedRightRunID: right,
				Flip:                flip,
				Status:              TaskStatusOpen,
				CreatedAt:           time.Now().UTC(),
			}
			if flip {
				task.PresentedLeftRunID = right
				task.PresentedRightRunID = left
			}

			if err := store.InsertTask(ctx, task); err != nil {
				// A concurrent generator covered this pair first.
				if errors.Is(err, ErrDuplicateTask) {
					continue
				}

				return nil, fmt.Errorf("insert task for pair (%s, %s): %w", left, right, err)
			}

			result.CreatedCount++
			result.TaskIDs = append(result.TaskIDs, task.ID)
		}
	}

	return result, nil
}

// coinToss draws one uniform random bit for presentation order.
func coinToss() (bool, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return false, fmt.Errorf("failed to read random byte: %w", err)
	}

	return b[0]&1 == 1, nil
}
