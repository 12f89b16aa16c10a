// Package queue defines the command-queue contract consumed by the
// dispatcher and the backends that implement it.
//
// Delivery is at-least-once: a command that is received but never
// acknowledged is redelivered, possibly to another consumer. Ordering is
// only loosely preserved and never guaranteed across cases; correctness
// under duplication and reordering is the dispatcher's and store's job,
// not the queue's.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType identifies the operation a command requests.
type CommandType string

const (
	CommandStart    CommandType = "start"
	CommandResume   CommandType = "resume"
	CommandRollback CommandType = "rollback"
)

// Command is one unit of work on the queue.
type Command struct {
	ID             string          `json:"id"`
	Type           CommandType     `json:"type"`
	CaseID         string          `json:"case_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// StartPayload is the payload of a start command.
type StartPayload struct {
	ContentID   string `json:"content_id"`
	ContentText string `json:"content_text"`
}

// ResumePayload is the payload of a resume command.
type ResumePayload struct {
	HumanDecision string `json:"human_decision"`
	ModeratorID   string `json:"moderator_id"`
	Comment       string `json:"comment,omitempty"`
}

// RollbackPayload is the payload of a rollback command.
type RollbackPayload struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// NewCommand builds a command with a fresh id and idempotency key.
func NewCommand(cmdType CommandType, caseID string, payload any) (*Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", cmdType, err)
	}
	return &Command{
		ID:             uuid.New().String(),
		Type:           cmdType,
		CaseID:         caseID,
		IdempotencyKey: uuid.New().String(),
		Payload:        data,
		EnqueuedAt:     time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the command payload into dst.
func (c *Command) DecodePayload(dst any) error {
	if len(c.Payload) == 0 {
		return fmt.Errorf("command %s has no payload", c.ID)
	}
	if err := json.Unmarshal(c.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Type, err)
	}
	return nil
}

// Delivery is one received command together with the backend receipt needed
// to acknowledge it.
type Delivery struct {
	Command *Command

	// Receipt is the backend message id (stream entry id, etc.).
	Receipt string
}

// Queue is the command transport.
type Queue interface {
	// Enqueue appends a command.
	Enqueue(ctx context.Context, cmd *Command) error

	// Receive returns the next delivery, blocking up to the given duration.
	// Returns (nil, nil) when no command arrived in time.
	Receive(ctx context.Context, block time.Duration) (*Delivery, error)

	// Ack removes the delivery from the retry pool.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns the delivery for redelivery after the backend's
	// redelivery delay.
	Nack(ctx context.Context, d *Delivery) error

	Close() error
}
