package attempt_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mind-engage/attempt-engine/internal/attempt"
	"github.com/mind-engage/attempt-engine/internal/db"
)

func newSQLStore(t *testing.T) *attempt.SQLStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbh, err := db.Open(ctx, db.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	return attempt.NewSQLStore(dbh, "sqlite")
}

func seedAttempt(t *testing.T, st *attempt.SQLStore, id, learner string) attempt.Attempt {
	t.Helper()
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	deadline := started.Add(10 * time.Minute)
	a := attempt.Attempt{
		ID:            id,
		LearnerID:     learner,
		QuestionSetID: "set-1",
		QuestionOrder: []string{"q1", "q2"},
		Status:        attempt.StatusInProgress,
		StartedAt:     started,
		DeadlineAt:    &deadline,
	}
	if err := st.Create(context.Background(), a); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return a
}

func TestSQLStore_CreateAndGetRoundTrip(t *testing.T) {
	st := newSQLStore(t)
	want := seedAttempt(t, st, "a1", "alice")

	got, err := st.Get(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LearnerID != "alice" || got.QuestionSetID != "set-1" {
		t.Fatalf("got %+v", got)
	}
	if len(got.QuestionOrder) != 2 || got.QuestionOrder[0] != "q1" {
		t.Fatalf("order = %v", got.QuestionOrder)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.DeadlineAt.Equal(*want.DeadlineAt) {
		t.Fatalf("timestamps drifted: %v / %v", got.StartedAt, got.DeadlineAt)
	}
	if got.FinalizedAt != nil {
		t.Fatalf("finalized_at = %v, want nil", got.FinalizedAt)
	}
}

func TestSQLStore_LiveUniquenessIndex(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	a := seedAttempt(t, st, "a1", "alice")

	dup := a
	dup.ID = "a2"
	if err := st.Create(ctx, dup); !errors.Is(err, attempt.ErrAlreadyActive) {
		t.Fatalf("duplicate live create err = %v, want ErrAlreadyActive", err)
	}

	// After the first attempt goes terminal the pair is free again.
	if _, _, err := st.CompareAndSetStatus(ctx, "a1", attempt.StatusInProgress, attempt.StatusFinished, time.Now()); err != nil {
		t.Fatalf("cas: %v", err)
	}
	if err := st.Create(ctx, dup); err != nil {
		t.Fatalf("create after finalize: %v", err)
	}
}

func TestSQLStore_CompareAndSetSingleWinner(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	seedAttempt(t, st, "a1", "alice")

	finishAt := time.Date(2025, 3, 1, 9, 5, 0, 0, time.UTC)
	a, won, err := st.CompareAndSetStatus(ctx, "a1", attempt.StatusInProgress, attempt.StatusFinished, finishAt)
	if err != nil || !won {
		t.Fatalf("first cas: won=%v err=%v", won, err)
	}
	if a.Status != attempt.StatusFinished || !a.FinalizedAt.Equal(finishAt) {
		t.Fatalf("after cas: %+v", a)
	}

	// The losing transition observes the winner's state, no error.
	a, won, err = st.CompareAndSetStatus(ctx, "a1", attempt.StatusInProgress, attempt.StatusExpired, finishAt.Add(time.Second))
	if err != nil {
		t.Fatalf("second cas: %v", err)
	}
	if won {
		t.Fatalf("second cas won; terminal status must be write-once")
	}
	if a.Status != attempt.StatusFinished || !a.FinalizedAt.Equal(finishAt) {
		t.Fatalf("loser observed %s/%v, want finished/%v", a.Status, a.FinalizedAt, finishAt)
	}

	if _, _, err := st.CompareAndSetStatus(ctx, "ghost", attempt.StatusInProgress, attempt.StatusFinished, finishAt); !errors.Is(err, attempt.ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_UpsertAnswerLastWriteWins(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	seedAttempt(t, st, "a1", "alice")

	base := time.Date(2025, 3, 1, 9, 1, 0, 0, time.UTC)
	write := func(val string, at time.Time) error {
		return st.UpsertAnswer(ctx, attempt.AnswerRecord{
			AttemptID:  "a1",
			QuestionID: "q1",
			Value:      json.RawMessage(`"` + val + `"`),
			AnsweredAt: at,
		})
	}

	if err := write("A", base); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := write("B", base.Add(time.Minute)); err != nil {
		t.Fatalf("newer write: %v", err)
	}
	// An out-of-order retry of the first write must not clobber B.
	if err := write("A", base); err != nil {
		t.Fatalf("stale write: %v", err)
	}

	answers, err := st.ListAnswers(ctx, "a1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(answers) != 1 || string(answers[0].Value) != `"B"` {
		t.Fatalf("answers = %+v, want single \"B\"", answers)
	}
}

func TestSQLStore_UpsertAnswerClosedAndUnknown(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	seedAttempt(t, st, "a1", "alice")

	if _, _, err := st.CompareAndSetStatus(ctx, "a1", attempt.StatusInProgress, attempt.StatusExpired, time.Now()); err != nil {
		t.Fatalf("cas: %v", err)
	}

	rec := attempt.AnswerRecord{AttemptID: "a1", QuestionID: "q1", Value: json.RawMessage(`"A"`), AnsweredAt: time.Now()}
	if err := st.UpsertAnswer(ctx, rec); !errors.Is(err, attempt.ErrAttemptClosed) {
		t.Fatalf("closed attempt err = %v, want ErrAttemptClosed", err)
	}

	rec.AttemptID = "ghost"
	if err := st.UpsertAnswer(ctx, rec); !errors.Is(err, attempt.ErrNotFound) {
		t.Fatalf("unknown attempt err = %v, want ErrNotFound", err)
	}
}

func TestSQLStore_FindLiveAndList(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	seedAttempt(t, st, "a1", "alice")
	seedAttempt(t, st, "b1", "bob")

	live, err := st.FindLive(ctx, "alice", "set-1")
	if err != nil || live.ID != "a1" {
		t.Fatalf("find live = %+v, %v", live, err)
	}
	if _, err := st.FindLive(ctx, "carol", "set-1"); !errors.Is(err, attempt.ErrNotFound) {
		t.Fatalf("no live attempt err = %v, want ErrNotFound", err)
	}

	if _, _, err := st.CompareAndSetStatus(ctx, "b1", attempt.StatusInProgress, attempt.StatusFinished, time.Now()); err != nil {
		t.Fatalf("cas: %v", err)
	}

	inProgress, err := st.ListAttempts(ctx, attempt.ListOpts{Status: "in_progress"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inProgress) != 1 || inProgress[0].ID != "a1" {
		t.Fatalf("in_progress = %+v", inProgress)
	}

	mine, err := st.ListAttempts(ctx, attempt.ListOpts{LearnerID: "bob"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 || mine[0].Status != attempt.StatusFinished {
		t.Fatalf("bob's attempts = %+v", mine)
	}
}

func TestSQLStore_SetScore(t *testing.T) {
	st := newSQLStore(t)
	ctx := context.Background()
	seedAttempt(t, st, "a1", "alice")

	if err := st.SetScore(ctx, "a1", 7.5); err != nil {
		t.Fatalf("set score: %v", err)
	}
	a, err := st.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Score != 7.5 {
		t.Fatalf("score = %v, want 7.5", a.Score)
	}
	if err := st.SetScore(ctx, "ghost", 1); !errors.Is(err, attempt.ErrNotFound) {
		t.Fatalf("unknown id err = %v, want ErrNotFound", err)
	}
}
