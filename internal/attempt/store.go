package attempt

import (
	"context"
	"time"
)

type ListOpts struct {
	QuestionSetID string
	LearnerID     string
	Status        string // optional: in_progress|finished|expired
	Limit         int
	Offset        int
}

// Store is durable keyed storage for attempts and their answer records.
// CompareAndSetStatus is the single concurrency-control point of the engine;
// everything else layers on top of it.
type Store interface {
	// Create persists a new attempt. Returns ErrAlreadyActive when a live
	// attempt already exists for the same (learner, question set) pair; the
	// uniqueness check happens inside the store, not before it.
	Create(ctx context.Context, a Attempt) error

	Get(ctx context.Context, id string) (Attempt, error)

	// FindLive returns the in-progress attempt for (learner, question set),
	// or ErrNotFound when there is none.
	FindLive(ctx context.Context, learnerID, questionSetID string) (Attempt, error)

	// CompareAndSetStatus transitions status only if it still equals expected,
	// stamping finalizedAt in the same write. It returns the attempt as stored
	// after the call and whether this call won the transition. Losers get the
	// winner's terminal state and won=false, never an error.
	CompareAndSetStatus(ctx context.Context, id string, expected, next Status, finalizedAt time.Time) (Attempt, bool, error)

	// UpsertAnswer writes rec keyed by (attempt, question), last write wins by
	// AnsweredAt. The in-progress check runs inside the store's lock or
	// transaction; a concurrent finalize makes this return ErrAttemptClosed.
	UpsertAnswer(ctx context.Context, rec AnswerRecord) error

	ListAnswers(ctx context.Context, attemptID string) ([]AnswerRecord, error)

	// SetScore records the auto-graded score for a finalized attempt.
	SetScore(ctx context.Context, id string, score float64) error

	ListAttempts(ctx context.Context, opts ListOpts) ([]Attempt, error)
}
