// Package audit carries flags raised when a tracker had to correct data, such
// as a duration clamped because the clock moved backwards.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"workpulse/internal/queue"
)

// KindClockSkew marks a duration that was clamped to zero.
const KindClockSkew = "clock_skew"

// MessageType is the queue message type carrying a Flag.
const MessageType = "audit_flag"

// Flag is one audit finding.
type Flag struct {
	Kind        string    `json:"kind"`
	Op          string    `json:"op"`
	CompanyName string    `json:"company_name"`
	Subject     string    `json:"subject"`
	RecordID    string    `json:"record_id"`
	Detail      string    `json:"detail"`
	Reference   time.Time `json:"reference_at,omitempty"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Publisher hands flags to the worker through a queue.
type Publisher struct {
	q queue.Queue
}

// NewPublisher creates a publisher on q.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Flag enqueues f.
func (p *Publisher) Flag(ctx context.Context, f Flag) error {
	body, err := json.Marshal(f)
	if err != nil {
		return xerrors.Errorf("encode flag: %w", err)
	}
	return p.q.Publish(ctx, queue.Message{Type: MessageType, Body: body})
}

// Decode parses a queue message produced by Publisher.
func Decode(msg queue.Message) (Flag, error) {
	if msg.Type != MessageType {
		return Flag{}, xerrors.Errorf("unexpected message type %q", msg.Type)
	}
	var f Flag
	if err := json.Unmarshal(msg.Body, &f); err != nil {
		return Flag{}, xerrors.Errorf("decode flag: %w", err)
	}
	return f, nil
}
