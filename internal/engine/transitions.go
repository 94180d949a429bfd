package engine

import (
	"strings"

	"github.com/mbarlow/wrangler/internal/errors"
)

// nonTerminalStatuses are every status a task can be blocked from (and
// that blocked can restore to).
var nonTerminalStatuses = []Status{
	StatusRequirements,
	StatusImplementing,
	StatusReviewRequested,
	StatusChangesRequested,
	StatusApproved,
	StatusMerging,
	StatusMergeConflict,
	StatusBuilding,
	StatusDeploying,
}

// taskTransitions is the canonical task state machine. Action methods
// derive their allowed-from sets from this table; the conditional
// UPDATE builder consumes the same sets, so there is exactly one place
// the machine is defined.
var taskTransitions = map[Status][]Status{
	StatusRequirements:     {StatusImplementing},
	StatusImplementing:     {StatusReviewRequested, StatusApproved},
	StatusReviewRequested:  {StatusApproved, StatusChangesRequested},
	StatusChangesRequested: {StatusImplementing, StatusReviewRequested, StatusApproved},
	StatusApproved:         {StatusMerging, StatusBuilding, StatusDeploying, StatusDone},
	StatusMerging:          {StatusMergeConflict, StatusBuilding, StatusDeploying, StatusDone},
	StatusMergeConflict:    {StatusMerging},
	StatusBuilding:         {StatusDeploying, StatusDone},
	StatusDeploying:        {StatusDone},
}

// CanTransition reports whether from → to is a legal task move. Blocked
// and cancelled edges are handled structurally: any non-terminal status
// may block, blocked restores to any non-terminal status, and every
// status may cancel.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from != StatusCancelled
	}
	if to == StatusBlocked {
		return !from.IsTerminal() && from != StatusBlocked
	}
	if from == StatusBlocked {
		for _, s := range nonTerminalStatuses {
			if s == to {
				return true
			}
		}
		return false
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// projectTransitions is the project lifecycle machine.
var projectTransitions = map[ProjectState][]ProjectState{
	ProjectPlanning: {ProjectActive},
	ProjectActive:   {ProjectPaused, ProjectComplete},
	ProjectPaused:   {ProjectActive, ProjectArchived},
	ProjectComplete: {ProjectArchived},
	ProjectArchived: {ProjectActive},
}

// validateProjectTransition errors unless from → to is a legal project
// state change. A no-op (from == to) is allowed.
func validateProjectTransition(from, to ProjectState) error {
	if from == to {
		return nil
	}
	for _, s := range projectTransitions[from] {
		if s == to {
			return nil
		}
	}
	return errors.ProjectTransitionInvalid(string(from), string(to))
}

// statusSet renders a status slice as SQL placeholders plus args, for
// use inside "status IN (…)".
func statusSet(statuses []Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = string(s)
	}
	return strings.Join(marks, ", "), args
}
