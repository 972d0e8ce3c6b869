package experiment

import (
	"context"
	"fmt"
)

// Rating credit constants. Each rating contributes over two judgement
// dimensions (realism and lipsync), so a clean sweep of both awards 1.0 in
// total and the per-dimension win credit is 0.5.
const (
	winCredit = 0.5
	tieCredit = 0.25
)

// SummaryStore is the slice of the store that summary assembly needs.
type SummaryStore interface {
	ListRuns(ctx context.Context, experimentID string) ([]*Run, error)
	ListTasksByStatus(ctx context.Context, experimentID string, status TaskStatus) ([]*Task, error)
	ListRatings(ctx context.Context, experimentID string) ([]*Rating, error)
}

// BuildSummary loads one experiment's runs, done tasks, and ratings from the
// store and folds them into a Summary.
func BuildSummary(ctx context.Context, store SummaryStore, experimentID string) (*Summary, error) {
	runs, err := store.ListRuns(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	runIDs := make([]string, 0, len(runs))
	for _, run := range runs {
		runIDs = append(runIDs, run.ID)
	}

	tasks, err := store.ListTasksByStatus(ctx, experimentID, TaskStatusDone)
	if err != nil {
		return nil, fmt.Errorf("list done tasks: %w", err)
	}

	ratings, err := store.ListRatings(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}

	return Summarize(runIDs, tasks, ratings), nil
}

// Summarize folds ratings into per-run win rates over a point-in-time
// snapshot of runs, done tasks, and ratings. It is a pure function of its
// arguments.
//
// Every rating contributes its realism and lipsync judgements, mapped from
// presented orientation back to the canonical pair through the task's flip
// bit. A win credits the chosen canonical run 0.5, a tie credits both runs
// 0.25, and a skip credits nothing. The optional targetmatch judgement is
// persisted for analysis but never counted here.
//
// Ratings attached to tasks outside the done snapshot are ignored, as are
// credits for runs outside the run set.
func Summarize(runIDs []string, tasks []*Task, ratings []*Rating) *Summary {
	wins := make(map[string]float64, len(runIDs))
	for _, id := range runIDs {
		wins[id] = 0.0
	}

	doneByID := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		if task.Status == TaskStatusDone {
			doneByID[task.ID] = task
		}
	}

	n := 0

	for _, rating := range ratings {
		task, ok := doneByID[rating.TaskID]
		if !ok {
			continue
		}

		n++

		applyChoice(wins, task, rating.ChoiceRealism)
		applyChoice(wins, task, rating.ChoiceLipsync)
	}

	// Normalize by two dimensions per rating; the guard keeps the zero
	// snapshot well-defined.
	denom := float64(2 * n)
	if n == 0 {
		denom = 1.0
	}

	winRates := make(map[string]float64, len(wins))
	for id, credit := range wins {
		winRates[id] = credit / denom
	}

	return &Summary{
		WinRates:         winRates,
		RecommendedPick:  recommendPick(winRates),
		TotalComparisons: n,
	}
}

// applyChoice credits the canonical runs of a task for one judgement
// dimension. The choice is expressed over the presented pair; the flip bit
// maps it back to canonical left/right.
func applyChoice(wins map[string]float64, task *Task, choice Choice) {
	winner := ""

	switch choice {
	case ChoiceLeft:
		winner = task.LeftRunID
		if task.Flip {
			winner = task.RightRunID
		}
	case ChoiceRight:
		winner = task.RightRunID
		if task.Flip {
			winner = task.LeftRunID
		}
	case ChoiceTie:
		credit(wins, task.LeftRunID, tieCredit)
		credit(wins, task.RightRunID, tieCredit)

		return
	case ChoiceSkip:
		return
	default:
		return
	}

	credit(wins, winner, winCredit)
}

// credit adds amount to a run's tally, ignoring runs outside the snapshot.
func credit(wins map[string]float64, runID string, amount float64) {
	if _, ok := wins[runID]; ok {
		wins[runID] += amount
	}
}

// recommendPick selects the run with the maximal win rate, breaking ties by
// lexicographically smallest run ID. Returns nil for an empty run set.
func recommendPick(winRates map[string]float64) *string {
	best := ""

	for id, rate := range winRates {
		if best == "" {
			best = id

			continue
		}

		if rate > winRates[best] || (rate == winRates[best] && id < best) {
			best = id
		}
	}

	if best == "" {
		return nil
	}

	return &best
}
