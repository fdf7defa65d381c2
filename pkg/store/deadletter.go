package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentrill/sentrill/pkg/models"
)

// DeadLetter is a raw event that could not be persisted as a security
// event, kept with the failure reason so an operator can replay it.
type DeadLetter struct {
	ID         int64           `db:"id" json:"id"`
	ReceivedAt time.Time       `db:"received_at" json:"received_at"`
	Reason     string          `db:"reason" json:"reason"`
	Event      json.RawMessage `db:"event" json:"event"`
}

// SaveDeadLetter records a failed event with its failure reason.
func (c *Client) SaveDeadLetter(ctx context.Context, event models.LogEvent, reason string) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO dead_letter_events (received_at, reason, event)
		VALUES (now(), $1, $2)`, reason, raw)
	if err != nil {
		return fmt.Errorf("saving dead letter: %w", err)
	}
	c.logger.Warn("Event dead-lettered", "unique_id", event.UniqueID, "reason", reason)
	return nil
}

// ListDeadLetters returns the most recent dead-lettered events.
func (c *Client) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit < 1 {
		limit = 100
	}
	var letters []DeadLetter
	err := c.db.SelectContext(ctx, &letters, `
		SELECT id, received_at, reason, event FROM dead_letter_events
		ORDER BY received_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return letters, nil
}

// DecodeDeadLetter recovers the original event for replay.
func DecodeDeadLetter(d DeadLetter) (models.LogEvent, error) {
	var event models.LogEvent
	if err := json.Unmarshal(d.Event, &event); err != nil {
		return models.LogEvent{}, fmt.Errorf("decoding dead letter %d: %w", d.ID, err)
	}
	return event, nil
}

// PruneDeadLetters removes dead letters older than the retention
// window.
func (c *Client) PruneDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM dead_letter_events WHERE received_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning dead letters: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}
