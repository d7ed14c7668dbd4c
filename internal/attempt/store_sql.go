package attempt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) Create(ctx context.Context, a Attempt) error {
	oj, err := json.Marshal(a.QuestionOrder)
	if err != nil {
		return err
	}
	var deadline sql.NullInt64
	if a.DeadlineAt != nil {
		deadline = sql.NullInt64{Int64: a.DeadlineAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO attempts
		(id, learner_id, question_set_id, question_order_json, status, started_at, deadline_at, score)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0)`,
		a.ID, a.LearnerID, a.QuestionSetID, string(oj), string(a.Status), a.StartedAt.UnixNano(), deadline)
	if err != nil {
		// The partial unique index on live (learner, question set) pairs is the
		// authoritative guard; a racing Create loses here.
		if isUniqueViolation(err) {
			return ErrAlreadyActive
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Attempt, error) {
	return s.scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts WHERE id=$1`, id))
}

func (s *SQLStore) FindLive(ctx context.Context, learnerID, questionSetID string) (Attempt, error) {
	return s.scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts
		WHERE learner_id=$1 AND question_set_id=$2 AND status=$3`,
		learnerID, questionSetID, string(StatusInProgress)))
}

func (s *SQLStore) CompareAndSetStatus(ctx context.Context, id string, expected, next Status, finalizedAt time.Time) (Attempt, bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE attempts SET status=$1, finalized_at=$2
		WHERE id=$3 AND status=$4`,
		string(next), finalizedAt.UnixNano(), id, string(expected))
	if err != nil {
		return Attempt{}, false, fmt.Errorf("cas status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Attempt{}, false, fmt.Errorf("cas status: %w", err)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return Attempt{}, false, err
	}
	return a, n == 1, nil
}

func (s *SQLStore) UpsertAnswer(ctx context.Context, rec AnswerRecord) error {
	// Single statement: the insert only sees attempts still in_progress, and a
	// stale answer (older answered_at) never overwrites a newer one.
	res, err := s.db.ExecContext(ctx, `INSERT INTO attempt_answers (attempt_id, question_id, value_json, answered_at)
		SELECT $1, $2, $3, $4
		WHERE EXISTS (SELECT 1 FROM attempts WHERE id = $1 AND status = $5)
		ON CONFLICT (attempt_id, question_id) DO UPDATE SET
			value_json  = excluded.value_json,
			answered_at = excluded.answered_at
		WHERE excluded.answered_at >= attempt_answers.answered_at`,
		rec.AttemptID, rec.QuestionID, string(rec.Value), rec.AnsweredAt.UnixNano(), string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	if n > 0 {
		return nil
	}
	// Nothing written: closed attempt, unknown attempt, or a newer answer won.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM attempts WHERE id=$1`, rec.AttemptID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	if Status(status) != StatusInProgress {
		return ErrAttemptClosed
	}
	return nil
}

func (s *SQLStore) ListAnswers(ctx context.Context, attemptID string) ([]AnswerRecord, error) {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM attempts WHERE id=$1`, attemptID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list answers: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT attempt_id, question_id, value_json, answered_at
		FROM attempt_answers WHERE attempt_id=$1 ORDER BY question_id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()

	out := make([]AnswerRecord, 0)
	for rows.Next() {
		var rec AnswerRecord
		var value string
		var answeredAt int64
		if err := rows.Scan(&rec.AttemptID, &rec.QuestionID, &value, &answeredAt); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		rec.Value = json.RawMessage(value)
		rec.AnsweredAt = time.Unix(0, answeredAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SetScore(ctx context.Context, id string, score float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attempts SET score=$1 WHERE id=$2`, score, id)
	if err != nil {
		return fmt.Errorf("set score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListAttempts(ctx context.Context, opts ListOpts) ([]Attempt, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	i := 1
	add := func(cond string, v interface{}) {
		where = append(where, fmt.Sprintf(cond, i))
		args = append(args, v)
		i++
	}
	if opts.QuestionSetID != "" {
		add("question_set_id=$%d", opts.QuestionSetID)
	}
	if opts.LearnerID != "" {
		add("learner_id=$%d", opts.LearnerID)
	}
	if opts.Status != "" {
		add("status=$%d", strings.ToLower(opts.Status))
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `SELECT ` + attemptCols + ` FROM attempts WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d OFFSET %d`, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttemptRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

const attemptCols = `id, learner_id, question_set_id, question_order_json, status, started_at, deadline_at, finalized_at, score`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLStore) scanAttempt(row *sql.Row) (Attempt, error) {
	a, err := scanAttemptRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, err
	}
	return a, nil
}

func scanAttemptRow(r rowScanner) (Attempt, error) {
	var a Attempt
	var orderJSON string
	var status string
	var startedAt int64
	var deadlineAt, finalizedAt sql.NullInt64
	if err := r.Scan(&a.ID, &a.LearnerID, &a.QuestionSetID, &orderJSON, &status, &startedAt, &deadlineAt, &finalizedAt, &a.Score); err != nil {
		return Attempt{}, err
	}
	if err := json.Unmarshal([]byte(orderJSON), &a.QuestionOrder); err != nil {
		return Attempt{}, fmt.Errorf("decode question order: %w", err)
	}
	a.Status = Status(status)
	a.StartedAt = time.Unix(0, startedAt)
	if deadlineAt.Valid {
		t := time.Unix(0, deadlineAt.Int64)
		a.DeadlineAt = &t
	}
	if finalizedAt.Valid {
		t := time.Unix(0, finalizedAt.Int64)
		a.FinalizedAt = &t
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
