package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type EventOutcome string

const (
	OutcomeApplied   EventOutcome = "applied"
	OutcomeStale     EventOutcome = "stale"
	OutcomeMalformed EventOutcome = "malformed"
	OutcomeFailed    EventOutcome = "failed"
)

// EventLogEntry is one realtime event as received, with what the sync core
// did with it.
type EventLogEntry struct {
	ID         int64           `json:"id"`
	OrderID    string          `json:"orderId"`
	EventName  string          `json:"eventName"`
	EventID    string          `json:"eventId"`
	UpdatedAt  int64           `json:"updatedAt"`
	Outcome    EventOutcome    `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// RecordEvent appends entry to the event log and returns its row id.
func (s *Storage) RecordEvent(ctx context.Context, entry EventLogEntry) (int64, error) {
	received := entry.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	payload := []byte(entry.Payload)
	if payload == nil {
		payload = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.ExecContext(ctx, `
INSERT INTO order_event_log (order_id, event_name, event_id, updated_at, outcome, detail, received_at_utc, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.OrderID, entry.EventName, entry.EventID, entry.UpdatedAt,
		string(entry.Outcome), entry.Detail, received.UTC().UnixMilli(), payload)
	if err != nil {
		return 0, fmt.Errorf("record event %s: %w", entry.EventID, err)
	}
	return res.LastInsertId()
}

// ListEvents returns the most recent events for orderID, newest first. A
// limit <= 0 returns every event.
func (s *Storage) ListEvents(ctx context.Context, orderID string, limit int) ([]EventLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.q.QueryContext(ctx, `
SELECT id, order_id, event_name, event_id, updated_at, outcome, detail, received_at_utc, payload
FROM order_event_log
WHERE order_id = ?
ORDER BY id DESC
LIMIT ?`, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []EventLogEntry
	for rows.Next() {
		var (
			entry      EventLogEntry
			outcome    string
			receivedMs int64
			payload    []byte
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.EventName, &entry.EventID,
			&entry.UpdatedAt, &outcome, &entry.Detail, &receivedMs, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		entry.Outcome = EventOutcome(outcome)
		entry.ReceivedAt = time.UnixMilli(receivedMs).UTC()
		entry.Payload = json.RawMessage(payload)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// PruneEvents deletes events received before cutoff and returns how many
// rows were removed.
func (s *Storage) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.ExecContext(ctx, `DELETE FROM order_event_log WHERE received_at_utc < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
