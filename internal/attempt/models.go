package attempt

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusExpired
}

// Attempt is one learner's pass at a question set. QuestionOrder is snapshotted
// at start; edits to the set after that never reach an in-progress attempt.
// DeadlineAt is nil for untimed attempts.
type Attempt struct {
	ID            string     `json:"id"`
	LearnerID     string     `json:"learner_id"`
	QuestionSetID string     `json:"question_set_id"`
	QuestionOrder []string   `json:"question_order"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	DeadlineAt    *time.Time `json:"deadline_at,omitempty"`
	FinalizedAt   *time.Time `json:"finalized_at,omitempty"`
	Score         float64    `json:"score"`
}

// AnswerRecord is the latest answer for one question of one attempt.
// Keyed by (AttemptID, QuestionID); resubmission overwrites, never appends.
type AnswerRecord struct {
	AttemptID  string          `json:"attempt_id"`
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
	AnsweredAt time.Time       `json:"answered_at"`
}
