package core

import "errors"

var (
	// ErrExhausted means no eligible task exists under the session's
	// current filter. A normal outcome, not a failure: the caller
	// should prompt the user to broaden or clear the filter.
	ErrExhausted = errors.New("no eligible task under the current filter")

	// ErrNoOutstandingAssignment means grading was attempted while the
	// session had nothing pending.
	ErrNoOutstandingAssignment = errors.New("session has no outstanding assignment")
)
