package workflow

import (
	"fmt"

	"github.com/kerfworks/kerfgate/internal/model"
)

// transitions is the closed edge set of the session lifecycle. A target
// absent from a state's list is rejected, never coerced. Edges back to
// CONTEXT_READY model design resubmission, which opens a fresh report
// cycle; TOOLPATHS_REQUESTED deliberately has no such edge because a
// generation request must resolve to READY or FAILED first.
var transitions = map[model.SessionState][]model.SessionState{
	model.StateDraft: {
		model.StateContextReady,
		model.StateArchived,
	},
	model.StateContextReady: {
		model.StateFeasibilityRequested,
		model.StateContextReady,
		model.StateArchived,
	},
	model.StateFeasibilityRequested: {
		model.StateFeasibilityReady,
		model.StateArchived,
	},
	model.StateFeasibilityReady: {
		model.StateApproved,
		model.StateRejected,
		model.StateDesignRevisionRequired,
		model.StateContextReady,
		model.StateArchived,
	},
	model.StateApproved: {
		model.StateToolpathsRequested,
		model.StateContextReady,
		model.StateArchived,
	},
	model.StateDesignRevisionRequired: {
		model.StateContextReady,
		model.StateArchived,
	},
	model.StateToolpathsRequested: {
		model.StateToolpathsReady,
		model.StateToolpathsFailed,
		model.StateArchived,
	},
	model.StateToolpathsReady: {
		model.StateContextReady,
		model.StateArchived,
	},
	model.StateToolpathsFailed: {
		model.StateToolpathsRequested,
		model.StateContextReady,
		model.StateArchived,
	},
	model.StateRejected: {},
	model.StateArchived: {},
}

// InvalidTransitionError names the current state and the disallowed
// target so callers can report exactly what was refused.
type InvalidTransitionError struct {
	From model.SessionState
	To   model.SessionState
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("workflow: no transition from %s to %s", e.From, e.To)
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to model.SessionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// checkTransition returns an InvalidTransitionError for a missing edge.
func checkTransition(from, to model.SessionState) error {
	if !CanTransition(from, to) {
		return InvalidTransitionError{From: from, To: to}
	}
	return nil
}
