package attempt

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type answerKey struct {
	attemptID  string
	questionID string
}

type memoryStore struct {
	mu       sync.RWMutex
	attempts map[string]Attempt
	answers  map[answerKey]AnswerRecord
}

// NewInMemoryStore returns a Store backed by process memory. Used in offline
// single-node runs and throughout the tests; semantics mirror the SQL store.
func NewInMemoryStore() Store {
	return &memoryStore{
		attempts: map[string]Attempt{},
		answers:  map[answerKey]AnswerRecord{},
	}
}

func (m *memoryStore) Create(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.attempts {
		if ex.LearnerID == a.LearnerID && ex.QuestionSetID == a.QuestionSetID && ex.Status == StatusInProgress {
			return ErrAlreadyActive
		}
	}
	m.attempts[a.ID] = a
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

func (m *memoryStore) FindLive(_ context.Context, learnerID, questionSetID string) (Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.attempts {
		if a.LearnerID == learnerID && a.QuestionSetID == questionSetID && a.Status == StatusInProgress {
			return a, nil
		}
	}
	return Attempt{}, ErrNotFound
}

func (m *memoryStore) CompareAndSetStatus(_ context.Context, id string, expected, next Status, finalizedAt time.Time) (Attempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return Attempt{}, false, ErrNotFound
	}
	if a.Status != expected {
		return a, false, nil
	}
	a.Status = next
	a.FinalizedAt = &finalizedAt
	m.attempts[id] = a
	return a, true, nil
}

func (m *memoryStore) UpsertAnswer(_ context.Context, rec AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[rec.AttemptID]
	if !ok {
		return ErrNotFound
	}
	// Status is checked under the same lock the finalize path takes, so an
	// answer either lands before the status flips or is rejected here.
	if a.Status != StatusInProgress {
		return ErrAttemptClosed
	}
	k := answerKey{rec.AttemptID, rec.QuestionID}
	if prev, ok := m.answers[k]; ok && prev.AnsweredAt.After(rec.AnsweredAt) {
		return nil // stale write, the later answer already won
	}
	m.answers[k] = rec
	return nil
}

func (m *memoryStore) ListAnswers(_ context.Context, attemptID string) ([]AnswerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.attempts[attemptID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]AnswerRecord, 0)
	for k, rec := range m.answers {
		if k.attemptID == attemptID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, nil
}

func (m *memoryStore) SetScore(_ context.Context, id string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return ErrNotFound
	}
	a.Score = score
	m.attempts[id] = a
	return nil
}

func (m *memoryStore) ListAttempts(_ context.Context, opts ListOpts) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Attempt, 0)
	for _, a := range m.attempts {
		if opts.QuestionSetID != "" && a.QuestionSetID != opts.QuestionSetID {
			continue
		}
		if opts.LearnerID != "" && a.LearnerID != opts.LearnerID {
			continue
		}
		if opts.Status != "" && !strings.EqualFold(string(a.Status), opts.Status) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []Attempt{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
