// Package store provides durable persistence for moderation cases with
// atomic, versioned read-modify-write semantics.
//
// Every state change is a single checkpoint write guarded by an optimistic
// version precondition: a write presented against a stale version is
// rejected, never applied. The store also keeps the applied-command ledger
// used by the dispatcher to short-circuit queue redeliveries.
//
// Supported backends:
//   - Memory: for tests and single-process development (default)
//   - GORM: PostgreSQL in production, SQLite for lightweight deployments
package store

import (
	"context"
	"errors"

	"github.com/guardian-ai/orchestrator/moderation"
)

// Sentinel errors returned by CaseStore implementations.
var (
	ErrNotFound        = errors.New("case not found")
	ErrAlreadyExists   = errors.New("case already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrStoreClosed     = errors.New("store is closed")
)

// CaseStore is the single source of truth for case state.
//
// Both Create and Update durably record the supplied idempotency key in the
// same atomic write as the checkpoint, so a command is observed as applied
// if and only if its resulting state was persisted. An empty key records
// nothing (used for internal follow-up checkpoints within one command).
type CaseStore interface {
	// Create persists a new case at version 1.
	// Returns ErrAlreadyExists if the case id is taken.
	Create(ctx context.Context, c *moderation.Case, idempotencyKey string) error

	// Get returns the latest checkpoint for the case id.
	// Returns ErrNotFound if no such case exists.
	Get(ctx context.Context, caseID string) (*moderation.Case, error)

	// Update writes c as the next checkpoint if and only if the persisted
	// version still equals expectedVersion. On success c.Version is set to
	// expectedVersion+1 and c.UpdatedAt is refreshed. Returns
	// ErrVersionConflict when the precondition fails.
	Update(ctx context.Context, c *moderation.Case, expectedVersion int64, idempotencyKey string) error

	// Applied reports whether a command with the given idempotency key has
	// already been durably applied.
	Applied(ctx context.Context, idempotencyKey string) (bool, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
