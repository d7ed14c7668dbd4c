// Package content is the engine's content/grading collaborator. The engine
// only sees the attempt.Gateway interface; this package provides an in-process
// implementation backed by a seeded question bank and the auto grader. A
// deployment fronting a remote content service swaps in its own Gateway.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mind-engage/attempt-engine/internal/attempt"
	"github.com/mind-engage/attempt-engine/internal/grading"
)

var ErrSetNotFound = errors.New("question set not found")

type Question struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"` // mcq_single, mcq_multi, true_false, short_word, numeric, free_text
	Points    float64  `json:"points"`
	AnswerKey []string `json:"answer_key,omitempty"`
}

type QuestionSet struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	TimeLimitSec int        `json:"time_limit_sec"` // 0 = untimed
	Questions    []Question `json:"questions"`
}

// LocalGateway satisfies attempt.Gateway with an in-memory question bank.
type LocalGateway struct {
	mu     sync.RWMutex
	sets   map[string]QuestionSet
	grader grading.Grader
	scores ScoreSink
}

// ScoreSink receives the auto-graded total for a finalized attempt.
type ScoreSink interface {
	SetScore(ctx context.Context, attemptID string, score float64) error
}

func NewLocalGateway(grader grading.Grader, scores ScoreSink) *LocalGateway {
	if grader == nil {
		grader = grading.NewDefaultGrader()
	}
	return &LocalGateway{
		sets:   map[string]QuestionSet{},
		grader: grader,
		scores: scores,
	}
}

// Put seeds or replaces a question set in the bank. In-progress attempts are
// unaffected: they hold their own order snapshot.
func (g *LocalGateway) Put(set QuestionSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sets[set.ID] = set
}

// LoadFile seeds the bank from a JSON array of question sets.
func (g *LocalGateway) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read question sets: %w", err)
	}
	var sets []QuestionSet
	if err := json.Unmarshal(raw, &sets); err != nil {
		return fmt.Errorf("decode question sets: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range sets {
		g.sets[s.ID] = s
	}
	return nil
}

func (g *LocalGateway) GetQuestionOrder(_ context.Context, questionSetID string) (attempt.QuestionSet, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set, ok := g.sets[questionSetID]
	if !ok {
		return attempt.QuestionSet{}, ErrSetNotFound
	}
	order := make([]string, len(set.Questions))
	for i, q := range set.Questions {
		order[i] = q.ID
	}
	return attempt.QuestionSet{
		ID:        set.ID,
		Order:     order,
		TimeLimit: time.Duration(set.TimeLimitSec) * time.Second,
	}, nil
}

// Grade auto-grades the objective answers of a finalized attempt and records
// the total. Unanswered questions score zero; free-text answers are flagged
// for the external review workflow and contribute nothing here.
func (g *LocalGateway) Grade(ctx context.Context, attemptID string, answers []attempt.AnswerRecord) error {
	if len(answers) == 0 {
		if g.scores != nil {
			return g.scores.SetScore(ctx, attemptID, 0)
		}
		return nil
	}
	byQuestion := make(map[string]attempt.AnswerRecord, len(answers))
	for _, rec := range answers {
		byQuestion[rec.QuestionID] = rec
	}

	// All answers of one attempt share a question set; resolve it through the
	// first question id found in the bank.
	set, ok := g.setForQuestions(byQuestion)
	if !ok {
		return fmt.Errorf("grade %s: %w", attemptID, ErrSetNotFound)
	}

	total := 0.0
	for _, q := range set.Questions {
		rec, answered := byQuestion[q.ID]
		if !answered {
			continue
		}
		var response interface{}
		if err := json.Unmarshal(rec.Value, &response); err != nil {
			log.Printf("grade %s q=%s: bad value: %v", attemptID, q.ID, err)
			continue
		}
		res, err := g.grader.Grade(ctx, grading.Q{ID: q.ID, Type: q.Type, Points: q.Points, AnswerKey: q.AnswerKey}, response)
		if err != nil {
			log.Printf("grade %s q=%s: %v", attemptID, q.ID, err)
			continue
		}
		total += res.AutoPoints
	}
	if g.scores != nil {
		return g.scores.SetScore(ctx, attemptID, total)
	}
	return nil
}

func (g *LocalGateway) setForQuestions(byQuestion map[string]attempt.AnswerRecord) (QuestionSet, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, set := range g.sets {
		for _, q := range set.Questions {
			if _, ok := byQuestion[q.ID]; ok {
				return set, true
			}
		}
	}
	return QuestionSet{}, false
}
