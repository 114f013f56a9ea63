package db

import (
	"context"
	"time"

	"courierhook/internal/types"
)

// schemaWebhookEvents creates the dedup table. expires_at is indexed for the
// purge query.
const schemaWebhookEvents = `
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id   TEXT PRIMARY KEY,
	claimed_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_events_expires_at_idx ON webhook_events (expires_at);`

// EventRepository is a dedup store backed by the webhook_events table. It
// lets several replicas share one dedup window.
type EventRepository struct {
	db    DBTX
	clock types.Clock
}

// NewEventRepository creates a new EventRepository backed by the given
// database connection (pool or transaction).
func NewEventRepository(db DBTX, clock types.Clock) *EventRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &EventRepository{db: db, clock: clock}
}

// EnsureSchema creates the table if it does not exist.
func (r *EventRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaWebhookEvents); err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "failed to create webhook_events table", err)
	}
	return nil
}

// Claim inserts the event ID, or takes over an expired row. The conditional
// upsert makes the check and the insert a single statement; a live row leaves
// zero rows affected.
func (r *EventRepository) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, claimed_at, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE
		 SET claimed_at = EXCLUDED.claimed_at, expires_at = EXCLUDED.expires_at
		 WHERE webhook_events.expires_at <= EXCLUDED.claimed_at`,
		id, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalStorage, "failed to claim webhook event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the event's row so a redelivery can claim it.
func (r *EventRepository) Release(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, id); err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "failed to release webhook event", err)
	}
	return nil
}

// PurgeExpired deletes rows whose window has passed and returns the count.
func (r *EventRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events WHERE expires_at <= $1`,
		r.clock.Now(),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalStorage, "failed to purge webhook events", err)
	}
	return tag.RowsAffected(), nil
}
