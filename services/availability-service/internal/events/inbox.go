package events

import (
	"context"

	"github.com/md-rashed-zaman/slotengine/libs/db"
)

// Inbox remembers consumed event ids so redelivered messages are applied once.
type Inbox struct {
	db db.Querier
}

func NewInbox(q db.Querier) *Inbox {
	return &Inbox{db: q}
}

// Record returns false when eventID was already recorded.
func (i *Inbox) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := i.db.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}
	if db.IsUniqueViolation(err) {
		return false, nil
	}
	return false, err
}

// Forget drops eventID so a replay of a failed event is applied again.
func (i *Inbox) Forget(ctx context.Context, eventID string) error {
	_, err := i.db.Exec(ctx, `DELETE FROM inbox_events WHERE event_id = $1`, eventID)
	return err
}
