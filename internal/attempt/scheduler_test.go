package attempt_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/attempt-engine/internal/attempt"
)

type firedLog struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newFiredLog() *firedLog { return &firedLog{ch: make(chan string, 16)} }

func (f *firedLog) fire(_ context.Context, id string) error {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	f.ch <- id
	return nil
}

func (f *firedLog) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-f.ch:
		if got != want {
			t.Fatalf("fired %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to fire", want)
	}
}

func (f *firedLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func runScheduler(t *testing.T, s *attempt.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScheduler_FiresDueDeadlines(t *testing.T) {
	log := newFiredLog()
	s := attempt.NewScheduler(log.fire)
	runScheduler(t, s)

	s.Register("a1", time.Now().Add(20*time.Millisecond))
	s.Register("a2", time.Now().Add(40*time.Millisecond))

	log.wait(t, "a1")
	log.wait(t, "a2")
}

func TestScheduler_PastDeadlineFiresImmediately(t *testing.T) {
	log := newFiredLog()
	s := attempt.NewScheduler(log.fire)
	runScheduler(t, s)

	s.Register("late", time.Now().Add(-time.Hour))
	log.wait(t, "late")
}

func TestScheduler_CancelPreventsFiring(t *testing.T) {
	log := newFiredLog()
	s := attempt.NewScheduler(log.fire)
	runScheduler(t, s)

	s.Register("a1", time.Now().Add(50*time.Millisecond))
	s.Cancel("a1")

	time.Sleep(150 * time.Millisecond)
	if n := log.count(); n != 0 {
		t.Fatalf("fired %d times after cancel, want 0", n)
	}
}

func TestScheduler_ReregisterReplacesDeadline(t *testing.T) {
	log := newFiredLog()
	s := attempt.NewScheduler(log.fire)
	runScheduler(t, s)

	s.Register("a1", time.Now().Add(time.Hour))
	s.Register("a1", time.Now().Add(20*time.Millisecond))

	log.wait(t, "a1")
	time.Sleep(50 * time.Millisecond)
	if n := log.count(); n != 1 {
		t.Fatalf("fired %d times, want 1 (stale entry must not fire)", n)
	}
}

func TestScheduler_RetriesOnFireError(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	fire := func(_ context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}
	s := attempt.NewScheduler(fire, attempt.WithRetryDelay(20*time.Millisecond))
	runScheduler(t, s)

	s.Register("a1", time.Now().Add(10*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fire was not retried after error")
	}
}

// Restart recovery: a fresh scheduler rebuilds its queue from the store's
// in_progress attempts and fires the ones whose deadline already passed.
func TestScheduler_ResumeRecoversPendingDeadlines(t *testing.T) {
	ctx := context.Background()
	store := attempt.NewInMemoryStore()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	seed := []attempt.Attempt{
		{ID: "overdue", LearnerID: "l1", QuestionSetID: "s1", Status: attempt.StatusInProgress, StartedAt: past, DeadlineAt: &past},
		{ID: "running", LearnerID: "l2", QuestionSetID: "s1", Status: attempt.StatusInProgress, StartedAt: past, DeadlineAt: &future},
		{ID: "untimed", LearnerID: "l3", QuestionSetID: "s1", Status: attempt.StatusInProgress, StartedAt: past},
		{ID: "done", LearnerID: "l4", QuestionSetID: "s1", Status: attempt.StatusFinished, StartedAt: past, DeadlineAt: &past},
	}
	for _, a := range seed {
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("seed %s: %v", a.ID, err)
		}
	}

	log := newFiredLog()
	s := attempt.NewScheduler(log.fire)
	if err := s.Resume(ctx, store); err != nil {
		t.Fatalf("resume: %v", err)
	}
	runScheduler(t, s)

	log.wait(t, "overdue")
	time.Sleep(50 * time.Millisecond)
	if n := log.count(); n != 1 {
		t.Fatalf("fired %d times, want 1 (only the overdue attempt)", n)
	}
}
