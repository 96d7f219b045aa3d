// Package postgres implements PostgreSQL-backed storage for the activity log.
package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hovercast/hovercast/internal/activitylog"
)

// ActivityStore persists normalized stream events into activity_events.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore constructs an ActivityStore backed by the provided pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

var _ activitylog.Sink = (*ActivityStore)(nil)

const (
	activityInsertSQL = `
INSERT INTO activity_events (
    id,
    event_type,
    broadcaster_id,
    user_id,
    user_login,
    user_name,
    payload,
    occurred_at,
    created_at
)
VALUES (
    @id,
    @event_type,
    @broadcaster_id,
    @user_id,
    @user_login,
    @user_name,
    @payload::jsonb,
    @occurred_at,
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	activityListSQL = `
SELECT id, event_type, broadcaster_id, user_id, user_login, user_name, payload, occurred_at, created_at
FROM activity_events
ORDER BY occurred_at DESC
LIMIT @limit;
`
)

// Write inserts one entry. Payload marshalling failures are reported to the
// caller; the writer in front of this sink counts them.
func (s *ActivityStore) Write(ctx context.Context, entry activitylog.Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode activity payload: %w", err)
	}
	occurred := entry.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	args := pgx.NamedArgs{
		"id":             uuid.New(),
		"event_type":     entry.EventType,
		"broadcaster_id": entry.BroadcasterID,
		"user_id":        entry.UserID,
		"user_login":     entry.UserLogin,
		"user_name":      entry.UserName,
		"payload":        string(payload),
		"occurred_at":    occurred.UTC(),
	}
	if _, err := s.pool.Exec(ctx, activityInsertSQL, args); err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}

// ActivityRecord is one persisted activity event.
type ActivityRecord struct {
	ID            uuid.UUID
	EventType     string
	BroadcasterID string
	UserID        string
	UserLogin     string
	UserName      string
	Payload       map[string]any
	OccurredAt    time.Time
	CreatedAt     time.Time
}

// ListRecent returns up to limit events, newest first.
func (s *ActivityStore) ListRecent(ctx context.Context, limit int) ([]ActivityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, activityListSQL, pgx.NamedArgs{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list activity events: %w", err)
	}
	defer rows.Close()

	records := make([]ActivityRecord, 0, limit)
	for rows.Next() {
		var (
			rec ActivityRecord
			raw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.EventType, &rec.BroadcasterID, &rec.UserID,
			&rec.UserLogin, &rec.UserName, &raw, &rec.OccurredAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &rec.Payload); err != nil {
				return nil, fmt.Errorf("decode activity payload: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity events: %w", err)
	}
	return records, nil
}
