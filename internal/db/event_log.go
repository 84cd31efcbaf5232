package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/streaming"
)

// EventLog represents a persisted progress event row.
type EventLog struct {
	ID        uuid.UUID `json:"id"`
	RequestID string    `json:"request_id"`
	Type      string    `json:"type"`
	Node      string    `json:"node,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   JSONB     `json:"payload,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SaveEventLog inserts a new event_logs row. Replays of the same (request_id, seq) are ignored.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, request_id, type, node, domain, message, payload, seq, timestamp
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (request_id, seq) DO NOTHING
    `, e.ID, e.RequestID, e.Type, nullIfEmpty(e.Node), nullIfEmpty(e.Domain), e.Message, e.Payload, e.Seq, e.Timestamp)
	return err
}

// EventSink queues every published event for persistence in event_logs.
func (c *Client) EventSink() streaming.Sink {
	return func(ev streaming.Event) {
		row := &EventLog{
			RequestID: ev.RequestID,
			Type:      ev.Type,
			Node:      ev.Node,
			Domain:    ev.Domain,
			Message:   ev.Message,
			Payload:   JSONB(ev.Data),
			Seq:       ev.Seq,
			Timestamp: ev.Timestamp,
		}
		if err := c.QueueWrite(WriteTypeEventLog, row, nil); err != nil {
			c.logger.Debug("Dropped event log", zap.String("request_id", ev.RequestID), zap.Error(err))
		}
	}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
