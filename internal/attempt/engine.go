package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// QuestionSet is the immutable snapshot the content gateway hands out at
// start time. TimeLimit == 0 means the attempt is untimed.
type QuestionSet struct {
	ID        string
	Order     []string
	TimeLimit time.Duration
}

// Gateway is the content/grading collaborator. GetQuestionOrder is called once
// per Start; Grade is fire-and-forget, its failures are the gateway's concern.
type Gateway interface {
	GetQuestionOrder(ctx context.Context, questionSetID string) (QuestionSet, error)
	Grade(ctx context.Context, attemptID string, answers []AnswerRecord) error
}

// Deadlines is the engine's view of the expiry scheduler.
type Deadlines interface {
	Register(attemptID string, deadlineAt time.Time)
	Cancel(attemptID string)
}

// EventSink receives lifecycle events for the audit log. Optional.
type EventSink interface {
	Append(ctx context.Context, typ, key, dataJSON string) error
}

// ErrQuestionNotInSet: the submitted question id is not part of the attempt's
// snapshotted order.
var ErrQuestionNotInSet = errors.New("question not in attempt's question set")

const (
	EventAttemptStarted  = "AttemptStarted"
	EventAttemptFinished = "AttemptFinished"
	EventAttemptExpired  = "AttemptExpired"
)

// Engine is the attempt lifecycle controller: the only writer of attempt
// state. Voluntary Finish and scheduler-driven expiry both funnel into the
// store's compare-and-set, so finalize runs exactly once per attempt.
type Engine struct {
	store  Store
	gw     Gateway
	sched  Deadlines
	now    Clock
	events EventSink
}

type Option func(*Engine)

func WithEvents(sink EventSink) Option { return func(e *Engine) { e.events = sink } }

func WithClock(c Clock) Option { return func(e *Engine) { e.now = c } }

func NewEngine(store Store, gw Gateway, sched Deadlines, opts ...Option) *Engine {
	e := &Engine{store: store, gw: gw, sched: sched, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start creates a new attempt for (learner, question set): snapshots the
// question order, computes the deadline from the engine clock and registers it
// with the scheduler. Returns ErrAlreadyActive while a live attempt exists.
func (e *Engine) Start(ctx context.Context, learnerID, questionSetID string) (Attempt, error) {
	qs, err := e.gw.GetQuestionOrder(ctx, questionSetID)
	if err != nil {
		return Attempt{}, fmt.Errorf("fetch question set %s: %w", questionSetID, err)
	}

	now := e.now()
	a := Attempt{
		ID:            uuid.NewString(),
		LearnerID:     learnerID,
		QuestionSetID: questionSetID,
		QuestionOrder: qs.Order,
		Status:        StatusInProgress,
		StartedAt:     now,
	}
	if qs.TimeLimit > 0 {
		d := now.Add(qs.TimeLimit)
		a.DeadlineAt = &d
	}
	if err := e.store.Create(ctx, a); err != nil {
		return Attempt{}, err
	}
	if a.DeadlineAt != nil {
		e.sched.Register(a.ID, *a.DeadlineAt)
	}
	e.record(ctx, EventAttemptStarted, a)
	return a, nil
}

// Answer upserts the learner's answer for one question. Rejected with
// ErrAttemptClosed once the attempt left in_progress; an answer arriving after
// the deadline triggers finalize-as-expired before being rejected.
func (e *Engine) Answer(ctx context.Context, attemptID, questionID string, value json.RawMessage) error {
	a, err := e.store.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status != StatusInProgress {
		return ErrAttemptClosed
	}
	if a.DeadlineAt != nil && !e.now().Before(*a.DeadlineAt) {
		if _, err := e.ExpireAttempt(ctx, attemptID); err != nil {
			return err
		}
		return ErrAttemptClosed
	}
	if !containsQuestion(a.QuestionOrder, questionID) {
		return ErrQuestionNotInSet
	}
	// The store re-checks status inside its own lock/transaction; the
	// deadline check above is only a fast path.
	return e.store.UpsertAnswer(ctx, AnswerRecord{
		AttemptID:  attemptID,
		QuestionID: questionID,
		Value:      value,
		AnsweredAt: e.now(),
	})
}

// ResyncResult carries authoritative remaining time. RemainingSec is nil for
// untimed attempts and 0 once the attempt is terminal.
type ResyncResult struct {
	Status       Status     `json:"status"`
	RemainingSec *int64     `json:"remaining_seconds,omitempty"`
	DeadlineAt   *time.Time `json:"deadline_at,omitempty"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
}

// Resync reports remaining time computed from the engine clock; the client's
// countdown is advisory only. A resync past the deadline finalizes the attempt
// as expired first, so pollers never observe a stale in_progress.
func (e *Engine) Resync(ctx context.Context, attemptID string) (ResyncResult, error) {
	a, err := e.store.Get(ctx, attemptID)
	if err != nil {
		return ResyncResult{}, err
	}
	if a.Status.Terminal() {
		zero := int64(0)
		return ResyncResult{Status: a.Status, RemainingSec: &zero, DeadlineAt: a.DeadlineAt, FinalizedAt: a.FinalizedAt}, nil
	}
	if a.DeadlineAt == nil {
		return ResyncResult{Status: a.Status}, nil
	}
	remaining := a.DeadlineAt.Sub(e.now())
	if remaining <= 0 {
		a, err = e.ExpireAttempt(ctx, attemptID)
		if err != nil {
			return ResyncResult{}, err
		}
		zero := int64(0)
		return ResyncResult{Status: a.Status, RemainingSec: &zero, DeadlineAt: a.DeadlineAt, FinalizedAt: a.FinalizedAt}, nil
	}
	secs := int64(remaining / time.Second)
	return ResyncResult{Status: a.Status, RemainingSec: &secs, DeadlineAt: a.DeadlineAt}, nil
}

// Finish is the voluntary completion path. Idempotent: finishing an attempt
// that is already terminal returns the existing terminal state. Only the call
// that wins the in_progress -> finished compare-and-set cancels the deadline
// and hands answers to the grading gateway.
func (e *Engine) Finish(ctx context.Context, attemptID string) (Attempt, error) {
	a, won, err := e.store.CompareAndSetStatus(ctx, attemptID, StatusInProgress, StatusFinished, e.now())
	if err != nil {
		return Attempt{}, err
	}
	if won {
		e.sched.Cancel(attemptID)
		e.gradeAsync(attemptID)
		e.record(ctx, EventAttemptFinished, a)
	}
	return a, nil
}

// ExpireAttempt is the deadline-driven finalize path, invoked by the scheduler
// or by Resync/Answer observing an elapsed deadline. Safe under at-least-once
// delivery: it no-ops on terminal, untimed, or not-yet-due attempts.
func (e *Engine) ExpireAttempt(ctx context.Context, attemptID string) (Attempt, error) {
	a, err := e.store.Get(ctx, attemptID)
	if err != nil {
		return Attempt{}, err
	}
	if a.Status.Terminal() || a.DeadlineAt == nil {
		return a, nil
	}
	if e.now().Before(*a.DeadlineAt) {
		// Fired early (timer coarseness); put the deadline back.
		e.sched.Register(a.ID, *a.DeadlineAt)
		return a, nil
	}
	a, won, err := e.store.CompareAndSetStatus(ctx, attemptID, StatusInProgress, StatusExpired, e.now())
	if err != nil {
		return Attempt{}, err
	}
	if won {
		e.sched.Cancel(attemptID)
		e.gradeAsync(attemptID)
		e.record(ctx, EventAttemptExpired, a)
	}
	return a, nil
}

// gradeAsync hands the final answer set to the gateway without blocking the
// finalize caller. Partial or empty answer sets are valid.
func (e *Engine) gradeAsync(attemptID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		answers, err := e.store.ListAnswers(ctx, attemptID)
		if err != nil {
			log.Printf("grade %s: load answers: %v", attemptID, err)
			return
		}
		if err := e.gw.Grade(ctx, attemptID, answers); err != nil {
			log.Printf("grade %s: %v", attemptID, err)
		}
	}()
}

func (e *Engine) record(ctx context.Context, typ string, a Attempt) {
	if e.events == nil {
		return
	}
	data, _ := json.Marshal(map[string]interface{}{
		"learner_id":      a.LearnerID,
		"question_set_id": a.QuestionSetID,
		"status":          a.Status,
	})
	if err := e.events.Append(ctx, typ, a.ID, string(data)); err != nil {
		log.Printf("event %s %s: %v", typ, a.ID, err)
	}
}

func containsQuestion(order []string, questionID string) bool {
	for _, q := range order {
		if q == questionID {
			return true
		}
	}
	return false
}
