package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mind-engage/attempt-engine/internal/attempt"
	"github.com/mind-engage/attempt-engine/internal/rbac"
)

// ListAttemptsHandler lists attempts, newest first.
// GET /attempts?question_set_id=&learner_id=&status=&limit=&offset=
//
// Learners are pinned to their own attempts regardless of the learner_id
// filter; instructors and operators may filter freely.
func ListAttemptsHandler(store attempt.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := attempt.ListOpts{
			QuestionSetID: q.Get("question_set_id"),
			LearnerID:     q.Get("learner_id"),
			Status:        q.Get("status"),
			Limit:         parseIntDefault(q.Get("limit"), 50),
			Offset:        parseIntDefault(q.Get("offset"), 0),
		}
		if rbac.RoleFromContext(r.Context()) == "learner" {
			opts.LearnerID = rbac.SubjectFromContext(r.Context())
		}
		attempts, err := store.ListAttempts(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "transient")
			return
		}
		if attempts == nil {
			attempts = []attempt.Attempt{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(attempts)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
