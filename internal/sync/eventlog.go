package syncx

import (
	"context"
	"database/sql"
	"time"
)

// EventRepo is an append-only audit trail of attempt lifecycle transitions
// (AttemptStarted, AttemptFinished, AttemptExpired). The offset column gives
// downstream consumers a resumable cursor.
type EventRepo struct {
	db     *sql.DB
	siteID string
}

func NewEventRepo(db *sql.DB, siteID string) *EventRepo {
	if siteID == "" {
		siteID = "local"
	}
	return &EventRepo{db: db, siteID: siteID}
}

func (r *EventRepo) Append(ctx context.Context, typ, key, dataJSON string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		r.siteID, typ, key, dataJSON, time.Now().Unix())
	return err
}
