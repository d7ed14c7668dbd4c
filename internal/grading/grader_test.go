package grading_test

import (
	"context"
	"testing"

	"github.com/mind-engage/attempt-engine/internal/grading"
)

func grade(t *testing.T, g grading.Grader, q grading.Q, resp interface{}) grading.Result {
	t.Helper()
	res, err := g.Grade(context.Background(), q, resp)
	if err != nil {
		t.Fatalf("grade %s: %v", q.ID, err)
	}
	return res
}

func TestGrade_MCQSingle(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{ID: "q1", Type: "mcq_single", Points: 2, AnswerKey: []string{"B"}}

	if res := grade(t, g, q, "B"); res.AutoPoints != 2 {
		t.Fatalf("correct answer scored %v, want 2", res.AutoPoints)
	}
	if res := grade(t, g, q, "A"); res.AutoPoints != 0 {
		t.Fatalf("wrong answer scored %v, want 0", res.AutoPoints)
	}
}

func TestGrade_TrueFalse(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{ID: "q1", Type: "true_false", Points: 1, AnswerKey: []string{"true"}}

	if res := grade(t, g, q, "true"); res.AutoPoints != 1 {
		t.Fatalf("scored %v, want 1", res.AutoPoints)
	}
}

func TestGrade_MCQMultiPartialCredit(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{ID: "q1", Type: "mcq_multi", Points: 4, AnswerKey: []string{"A", "B", "C", "D"}}

	if res := grade(t, g, q, []string{"A", "B", "C", "D"}); res.AutoPoints != 4 {
		t.Fatalf("full answer scored %v, want 4", res.AutoPoints)
	}
	// Half the correct options, no wrong picks: half credit.
	if res := grade(t, g, q, []string{"A", "B"}); res.AutoPoints != 2 {
		t.Fatalf("partial answer scored %v, want 2", res.AutoPoints)
	}
	// A single wrong pick forfeits partial credit.
	if res := grade(t, g, q, []string{"A", "B", "E"}); res.AutoPoints != 0 {
		t.Fatalf("false positive scored %v, want 0", res.AutoPoints)
	}
}

func TestGrade_MCQMultiNoPartial(t *testing.T) {
	g := grading.NewDefaultGrader(grading.WithPartialMulti(false))
	q := grading.Q{ID: "q1", Type: "mcq_multi", Points: 4, AnswerKey: []string{"A", "B"}}

	if res := grade(t, g, q, []string{"A"}); res.AutoPoints != 0 {
		t.Fatalf("partial answer scored %v, want 0 with partial credit off", res.AutoPoints)
	}
}

func TestGrade_MCQMultiAcceptsJSONDecodedSlice(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{ID: "q1", Type: "mcq_multi", Points: 2, AnswerKey: []string{"A", "B"}}

	// json.Unmarshal into interface{} yields []interface{}.
	resp := []interface{}{"A", "B"}
	if res := grade(t, g, q, resp); res.AutoPoints != 2 {
		t.Fatalf("scored %v, want 2", res.AutoPoints)
	}
}

func TestGrade_ShortWordFuzzy(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{ID: "q1", Type: "short_word", Points: 2, AnswerKey: []string{"Paris"}}

	if res := grade(t, g, q, "  PARIS "); res.AutoPoints != 2 {
		t.Fatalf("normalized exact scored %v, want 2", res.AutoPoints)
	}
	if res := grade(t, g, q, "Pariss"); res.AutoPoints != 1 {
		t.Fatalf("one edit away scored %v, want 1 (half credit)", res.AutoPoints)
	}
	if res := grade(t, g, q, "London"); res.AutoPoints != 0 {
		t.Fatalf("wrong answer scored %v, want 0", res.AutoPoints)
	}
}

func TestGrade_NumericTolerance(t *testing.T) {
	g := grading.NewDefaultGrader()

	abs := grading.Q{ID: "q1", Type: "numeric", Points: 3, AnswerKey: []string{"3.14159", "tol=0.01"}}
	if res := grade(t, g, abs, "3.14"); res.AutoPoints != 3 {
		t.Fatalf("within tol scored %v, want 3", res.AutoPoints)
	}
	if res := grade(t, g, abs, "3.2"); res.AutoPoints != 0 {
		t.Fatalf("outside tol scored %v, want 0", res.AutoPoints)
	}

	rel := grading.Q{ID: "q2", Type: "numeric", Points: 3, AnswerKey: []string{"100", "reltol=0.05"}}
	if res := grade(t, g, rel, "104"); res.AutoPoints != 3 {
		t.Fatalf("within reltol scored %v, want 3", res.AutoPoints)
	}
}

func TestGrade_FreeTextFlagsManual(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{ID: "q1", Type: "free_text", Points: 5}

	res := grade(t, g, q, "an essay")
	if !res.NeedsManual {
		t.Fatalf("free_text must be flagged for manual review")
	}
	if res.AutoPoints != 0 {
		t.Fatalf("free_text auto points = %v, want 0", res.AutoPoints)
	}
}

func TestGrade_UnknownTypeFlagsManual(t *testing.T) {
	g := grading.NewDefaultGrader()
	q := grading.Q{ID: "q1", Type: "diagram", Points: 5}

	res := grade(t, g, q, "anything")
	if !res.NeedsManual || res.AutoPoints != 0 {
		t.Fatalf("unknown type: %+v, want manual with 0 auto points", res)
	}
}
