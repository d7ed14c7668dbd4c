package attempt

import "errors"

var (
	// ErrNotFound: unknown attempt id (caller bug or stale id).
	ErrNotFound = errors.New("attempt not found")
	// ErrAttemptClosed: write arrived after the attempt left in_progress.
	// An expected race, not a fault; must stay distinguishable from ErrNotFound.
	ErrAttemptClosed = errors.New("attempt closed")
	// ErrAlreadyActive: a live attempt already exists for (learner, question set).
	ErrAlreadyActive = errors.New("attempt already active for this question set")
)
