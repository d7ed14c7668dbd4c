package attempt

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"time"
)

// FireFunc finalizes one attempt whose deadline elapsed. A non-nil error makes
// the scheduler retry after its retry delay; the downstream finalize is
// idempotent, so duplicate firings are harmless.
type FireFunc func(ctx context.Context, attemptID string) error

// Scheduler tracks the deadline of every live timed attempt and fires exactly
// one finalize per deadline under normal operation, at-least-once overall. A
// single goroutine sleeps until the earliest registered deadline; Register and
// Cancel wake it when the front of the queue changes.
type Scheduler struct {
	now        Clock
	fire       FireFunc
	retryDelay time.Duration

	mu      sync.Mutex
	pending map[string]*deadlineEntry
	queue   deadlineHeap
	wake    chan struct{}
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.now = c }
}

func WithRetryDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.retryDelay = d }
}

func NewScheduler(fire FireFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		now:        time.Now,
		fire:       fire,
		retryDelay: 5 * time.Second,
		pending:    map[string]*deadlineEntry{},
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register schedules a single future firing for attemptID. Registering again
// replaces the previous deadline; a past deadline fires on the next loop turn.
func (s *Scheduler) Register(attemptID string, deadlineAt time.Time) {
	s.mu.Lock()
	if prev, ok := s.pending[attemptID]; ok {
		prev.canceled = true
	}
	e := &deadlineEntry{attemptID: attemptID, at: deadlineAt}
	s.pending[attemptID] = e
	heap.Push(&s.queue, e)
	s.mu.Unlock()
	s.poke()
}

// Cancel removes a pending firing. Canceling after the firing already happened
// is a no-op; the finalize it triggered no-ops on a finished attempt anyway.
func (s *Scheduler) Cancel(attemptID string) {
	s.mu.Lock()
	if e, ok := s.pending[attemptID]; ok {
		e.canceled = true
		delete(s.pending, attemptID)
	}
	s.mu.Unlock()
	s.poke()
}

// Resume re-derives the pending deadline set after a restart by scanning the
// store for live attempts. Deadlines already in the past fire immediately once
// Run is going; no attempt is lost with the in-memory state wiped.
func (s *Scheduler) Resume(ctx context.Context, st Store) error {
	const page = 500
	for offset := 0; ; offset += page {
		live, err := st.ListAttempts(ctx, ListOpts{Status: string(StatusInProgress), Limit: page, Offset: offset})
		if err != nil {
			return err
		}
		for _, a := range live {
			if a.DeadlineAt != nil {
				s.Register(a.ID, *a.DeadlineAt)
			}
		}
		if len(live) < page {
			break
		}
	}
	log.Printf("scheduler: resumed %d pending deadlines", len(s.pending))
	return nil
}

// Run blocks until ctx is done, firing due deadlines as they elapse.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.fireDue(ctx)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// fireDue pops and fires every due entry, returning how long to sleep until
// the next one.
func (s *Scheduler) fireDue(ctx context.Context) time.Duration {
	const idle = time.Minute
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return idle
		}
		next := s.queue[0]
		if next.canceled {
			heap.Pop(&s.queue)
			s.mu.Unlock()
			continue
		}
		d := next.at.Sub(s.now())
		if d > 0 {
			s.mu.Unlock()
			if d > idle {
				return idle
			}
			return d
		}
		heap.Pop(&s.queue)
		delete(s.pending, next.attemptID)
		s.mu.Unlock()

		if err := s.fire(ctx, next.attemptID); err != nil {
			log.Printf("scheduler: finalize %s: %v (retrying)", next.attemptID, err)
			s.Register(next.attemptID, s.now().Add(s.retryDelay))
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type deadlineEntry struct {
	attemptID string
	at        time.Time
	canceled  bool
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(*deadlineEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
