package crawl

import (
	"fmt"
	"slices"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

// Run state graph:
//
//	SCHEDULED ──► RUNNING ──► SUCCESS
//	    │            ├──────► PARTIAL
//	    │            └──────► FAILED
//	    └───────────────────► FAILED   (cancelled or shut down before start)
//
// SUCCESS, PARTIAL and FAILED are terminal.
var validTransitions = map[model.RunState][]model.RunState{
	model.RunScheduled: {model.RunRunning, model.RunFailed},
	model.RunRunning:   {model.RunSuccess, model.RunPartial, model.RunFailed},
}

// ParseRunState converts a raw string to a RunState.
func ParseRunState(s string) (model.RunState, error) {
	st := model.RunState(s)
	switch st {
	case model.RunScheduled, model.RunRunning, model.RunSuccess, model.RunPartial, model.RunFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown run state %q", s)
}

// IsTransitionAllowed reports whether a run may move from → to.
func IsTransitionAllowed(from, to model.RunState) bool {
	return slices.Contains(validTransitions[from], to)
}

// stateFor is the terminal state that records outcome o.
func stateFor(o model.Outcome) model.RunState {
	switch o {
	case model.OutcomeSuccess:
		return model.RunSuccess
	case model.OutcomePartial:
		return model.RunPartial
	}
	return model.RunFailed
}

// PortalOutcome derives a portal run's outcome. aborted means a terminal
// navigation, authentication or session failure ended the scrape; stopped
// means the run was cancelled before the listing was exhausted.
func PortalOutcome(c model.RunCounts, aborted, stopped bool) model.Outcome {
	succeeded := c.New + c.Updated + c.Unchanged
	switch {
	case succeeded == 0 && (aborted || stopped || c.Failed > 0):
		return model.OutcomeFailed
	case aborted || stopped || c.Failed > 0:
		return model.OutcomePartial
	}
	return model.OutcomeSuccess
}

// CycleOutcome folds portal outcomes: success only when every portal
// succeeded, failed only when every portal failed.
func CycleOutcome(outcomes []model.Outcome) model.Outcome {
	if len(outcomes) == 0 {
		return model.OutcomeSuccess
	}
	success, failed := 0, 0
	for _, o := range outcomes {
		switch o {
		case model.OutcomeSuccess:
			success++
		case model.OutcomeFailed:
			failed++
		}
	}
	switch {
	case success == len(outcomes):
		return model.OutcomeSuccess
	case failed == len(outcomes):
		return model.OutcomeFailed
	}
	return model.OutcomePartial
}
