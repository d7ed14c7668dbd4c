package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mind-engage/attempt-engine/internal/attempt"
	"github.com/mind-engage/attempt-engine/internal/content"
	"github.com/mind-engage/attempt-engine/internal/rbac"

	"github.com/go-chi/chi/v5"
)

// StartAttemptHandler starts an attempt for the authenticated learner.
// POST /attempts {"question_set_id": "..."}
func StartAttemptHandler(eng *attempt.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			QuestionSetID string `json:"question_set_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json")
			return
		}
		if req.QuestionSetID == "" {
			writeError(w, http.StatusBadRequest, "question_set_id required")
			return
		}
		learner := rbac.SubjectFromContext(r.Context())
		a, err := eng.Start(r.Context(), learner, req.QuestionSetID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a)
	}
}

// AnswerHandler upserts one answer.
// POST /attempts/{attemptID}/answers {"question_id": "...", "value": <any JSON>}
func AnswerHandler(eng *attempt.Engine, store attempt.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		if !authorizeOwner(w, r, store, id) {
			return
		}
		var req struct {
			QuestionID string          `json:"question_id"`
			Value      json.RawMessage `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json")
			return
		}
		if req.QuestionID == "" {
			writeError(w, http.StatusBadRequest, "question_id required")
			return
		}
		if err := eng.Answer(r.Context(), id, req.QuestionID, req.Value); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ResyncHandler returns authoritative remaining time (and finalizes an
// attempt whose deadline already elapsed, so pollers never see a stale
// in_progress). GET /attempts/{attemptID}/resync
func ResyncHandler(eng *attempt.Engine, store attempt.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		if !authorizeOwner(w, r, store, id) {
			return
		}
		res, err := eng.Resync(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}
}

// FinishHandler is the voluntary completion path; idempotent, so a retried
// finish returns the existing terminal attempt with 200.
// POST /attempts/{attemptID}/finish
func FinishHandler(eng *attempt.Engine, store attempt.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		if !authorizeOwner(w, r, store, id) {
			return
		}
		a, err := eng.Finish(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a)
	}
}

// GetAttemptHandler returns one attempt with its answers.
// GET /attempts/{attemptID}
func GetAttemptHandler(store attempt.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "attemptID")
		if !authorizeOwner(w, r, store, id) {
			return
		}
		a, err := store.Get(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		answers, err := store.ListAnswers(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			attempt.Attempt
			Answers []attempt.AnswerRecord `json:"answers"`
		}{a, answers})
	}
}

// authorizeOwner lets instructors/operators through and scopes learners to
// their own attempts. Writes the response on failure.
func authorizeOwner(w http.ResponseWriter, r *http.Request, store attempt.Store, attemptID string) bool {
	role := rbac.RoleFromContext(r.Context())
	if role != "learner" {
		return true
	}
	a, err := store.Get(r.Context(), attemptID)
	if err != nil {
		writeEngineError(w, err)
		return false
	}
	if a.LearnerID != rbac.SubjectFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// writeEngineError maps engine sentinels onto the API error contract. A
// closed attempt must stay distinguishable from an unknown one.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attempt.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, content.ErrSetNotFound):
		writeError(w, http.StatusNotFound, "question_set_not_found")
	case errors.Is(err, attempt.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "already_active")
	case errors.Is(err, attempt.ErrAttemptClosed):
		writeError(w, http.StatusConflict, "attempt_closed")
	case errors.Is(err, attempt.ErrQuestionNotInSet):
		writeError(w, http.StatusUnprocessableEntity, "question_not_in_set")
	default:
		// Store/backend failures are retryable from the client's side.
		writeError(w, http.StatusServiceUnavailable, "transient")
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
