// Package engine implements the moderation workflow state machine.
//
// The engine is stateless between calls: every operation loads the latest
// checkpoint, validates the command against it, applies side effects
// through the action registry, and persists the next checkpoint with an
// optimistic version precondition. Suspension before human review is
// nothing but a persisted INTERRUPTED checkpoint; no goroutine, lock, or
// continuation survives it, so any worker on any process can pick the case
// back up from storage alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/analysis"
	"github.com/guardian-ai/orchestrator/moderation"
	"github.com/guardian-ai/orchestrator/registry"
	"github.com/guardian-ai/orchestrator/store"
)

// StartRequest opens a new case.
type StartRequest struct {
	ContentID   string
	ContentText string
}

// ResumeRequest delivers a human verdict for a suspended case.
type ResumeRequest struct {
	HumanDecision string
	ModeratorID   string
	Comment       string
}

// RollbackRequest reverses a completed case and re-escalates it.
type RollbackRequest struct {
	Reason      string
	RequestedBy string
}

// Metrics receives state-machine observations. Implemented by
// internal/metrics.Collector; a nop implementation is used when nil.
type Metrics interface {
	RecordTransition(from, to moderation.Status)
	RecordAction(kind, direction string)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(from, to moderation.Status) {}
func (nopMetrics) RecordAction(kind, direction string)         {}

// Engine drives cases through the moderation state machine.
type Engine struct {
	store    store.CaseStore
	registry *registry.Registry
	analyzer analysis.Analyzer
	logger   *zap.Logger
	metrics  Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine.
func New(cs store.CaseStore, reg *registry.Registry, an analysis.Analyzer, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    cs,
		registry: reg,
		analyzer: an,
		logger:   logger.With(zap.String("component", "workflow_engine")),
		metrics:  nopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartCase creates a case, runs analysis, and either suspends it for human
// review or completes it. A redelivered start whose case already exists in
// ANALYZING re-runs the (side-effect-free) analysis; in any later status it
// is a no-op.
func (e *Engine) StartCase(ctx context.Context, caseID string, req StartRequest, idempotencyKey string) error {
	if req.ContentText == "" {
		return moderation.NewValidation("content_text must not be empty")
	}
	if caseID == "" {
		return moderation.NewValidation("case id must not be empty")
	}

	c := &moderation.Case{
		CaseID:      caseID,
		ContentID:   req.ContentID,
		ContentText: req.ContentText,
		Status:      moderation.StatusAnalyzing,
	}

	// The idempotency key is recorded by the terminal write below, not by
	// the create: a start that checkpointed ANALYZING but failed before
	// suspension must re-run analysis on redelivery, not be deduplicated.
	err := e.store.Create(ctx, c, "")
	if errors.Is(err, store.ErrAlreadyExists) {
		existing, getErr := e.load(ctx, caseID)
		if getErr != nil {
			return getErr
		}
		if existing.Status != moderation.StatusAnalyzing {
			e.logger.Info("start redelivered for settled case, skipping",
				zap.String("case_id", caseID),
				zap.String("status", string(existing.Status)),
			)
			return nil
		}
		c = existing
	} else if err != nil {
		return moderation.NewError(moderation.ErrCodeInternal, "create case").WithCause(err)
	}

	e.logger.Info("case started",
		zap.String("case_id", caseID),
		zap.String("content_id", req.ContentID),
	)

	result, err := e.analyzer.Analyze(ctx, c.ContentID, c.ContentText)
	if err != nil {
		return e.fail(ctx, c, fmt.Sprintf("content analysis failed: %v", err),
			moderation.NewExecutorFailed("analyze_content", err))
	}
	c.AISuggestion = result

	if result.SuggestedAction == moderation.SuggestEscalate {
		// Suspend: persist and return. Resumption needs nothing beyond
		// this checkpoint.
		if err := e.transition(c, moderation.StatusInterrupted); err != nil {
			return err
		}
		if err := e.persist(ctx, c, idempotencyKey); err != nil {
			return err
		}
		e.logger.Info("case suspended for human review",
			zap.String("case_id", caseID),
			zap.String("violation_type", result.ViolationType),
			zap.String("severity", string(result.Severity)),
		)
		return nil
	}

	// Benign: close the case without executing anything.
	if err := e.transition(c, moderation.StatusDone); err != nil {
		return err
	}
	if err := e.persist(ctx, c, idempotencyKey); err != nil {
		return err
	}
	e.logger.Info("case auto-resolved",
		zap.String("case_id", caseID),
		zap.String("suggested_action", string(result.SuggestedAction)),
	)
	return nil
}

// Resume applies a human verdict to a suspended case: persists the
// decision, executes the decided actions through the registry, and
// completes the case. The "ignore" decision completes without invoking any
// executor.
func (e *Engine) Resume(ctx context.Context, caseID string, req ResumeRequest, idempotencyKey string) error {
	if req.HumanDecision == "" {
		return moderation.NewValidation("human_decision must not be empty")
	}
	if req.ModeratorID == "" {
		return moderation.NewValidation("moderator_id must not be empty")
	}

	c, err := e.load(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status != moderation.StatusInterrupted {
		return moderation.NewConflict("cannot resume case %s in status %s", caseID, c.Status)
	}

	c.HumanDecision = req.HumanDecision
	c.ModeratorID = req.ModeratorID
	c.Comment = req.Comment

	e.logger.Info("resuming case",
		zap.String("case_id", caseID),
		zap.String("decision", req.HumanDecision),
		zap.String("moderator_id", req.ModeratorID),
	)

	if req.HumanDecision == moderation.DecisionIgnore {
		if err := e.transition(c, moderation.StatusDone); err != nil {
			return err
		}
		return e.persist(ctx, c, idempotencyKey)
	}

	// Checkpoint EXECUTING before touching the platform so a crash between
	// executor invocation and completion is visible to operators.
	if err := e.transition(c, moderation.StatusExecuting); err != nil {
		return err
	}
	if err := e.persist(ctx, c, idempotencyKey); err != nil {
		return err
	}

	for _, planned := range actionsForDecision(req.HumanDecision, c.ContentID) {
		action, err := e.registry.Lookup(planned.kind)
		if err != nil {
			return e.fail(ctx, c, fmt.Sprintf("unregistered action kind %q", planned.kind), err)
		}

		result, err := e.registry.Forward(ctx, planned.kind, planned.params)
		if err != nil {
			return e.fail(ctx, c, fmt.Sprintf("action %q failed: %v", planned.kind, err), err)
		}
		e.metrics.RecordAction(planned.kind, "forward")

		c.ActionHistory = append(c.ActionHistory, moderation.ActionRecord{
			Kind:       planned.kind,
			Params:     planned.params,
			Result:     result,
			Reversible: action.Reversible(),
			ExecutedAt: time.Now().UTC(),
		})
	}

	if err := e.transition(c, moderation.StatusDone); err != nil {
		return err
	}
	if err := e.persist(ctx, c, ""); err != nil {
		return err
	}
	e.logger.Info("case completed",
		zap.String("case_id", caseID),
		zap.Int("actions_executed", len(c.ActionHistory)),
	)
	return nil
}

// Rollback reverses the executed actions of a completed case in reverse
// chronological order, clears the verdict, and re-suspends the case for an
// escalated review. Irreversible entries are skipped, not reversed; the case
// re-opens regardless, so a warn-only verdict can still be appealed.
func (e *Engine) Rollback(ctx context.Context, caseID string, req RollbackRequest, idempotencyKey string) error {
	if req.Reason == "" {
		return moderation.NewValidation("rollback reason must not be empty")
	}

	c, err := e.load(ctx, caseID)
	if err != nil {
		return err
	}
	if c.Status != moderation.StatusDone {
		return moderation.NewConflict("cannot rollback case %s in status %s", caseID, c.Status)
	}
	if !c.HasUnreversedActions() {
		return moderation.NewConflict("case %s has no actions to roll back", caseID)
	}

	requestedAt := time.Now().UTC()
	previousDecision := c.HumanDecision

	if err := e.transition(c, moderation.StatusRollingBack); err != nil {
		return err
	}
	if err := e.persist(ctx, c, idempotencyKey); err != nil {
		return err
	}

	e.logger.Info("rolling back case",
		zap.String("case_id", caseID),
		zap.String("reason", req.Reason),
		zap.String("requested_by", req.RequestedBy),
	)

	// Reverse newest-first. Each entry is marked reversed only after its
	// reversal executor succeeded; a partial failure freezes the case with
	// the failure position so history stays inspectable for manual
	// recovery.
	reversed := 0
	for i := len(c.ActionHistory) - 1; i >= 0; i-- {
		rec := &c.ActionHistory[i]
		if rec.Reversed {
			continue
		}
		if !rec.Reversible {
			e.logger.Info("skipping irreversible action",
				zap.String("case_id", caseID),
				zap.String("kind", rec.Kind),
			)
			continue
		}

		if _, err := e.registry.Reverse(ctx, rec.Kind, rec.Params); err != nil {
			return e.fail(ctx, c,
				fmt.Sprintf("rollback failed reversing action %d (%s): %v", i, rec.Kind, err), err)
		}
		e.metrics.RecordAction(rec.Kind, "reverse")

		now := time.Now().UTC()
		rec.Reversed = true
		rec.ReversedAt = &now
		reversed++
	}

	c.RollbackHistory = append(c.RollbackHistory, moderation.RollbackRecord{
		RollbackID:       uuid.New().String(),
		Reason:           req.Reason,
		RequestedBy:      req.RequestedBy,
		RequestedAt:      requestedAt,
		PreviousDecision: previousDecision,
		EscalationNumber: c.EscalationCount + 1,
		ActionsReversed:  reversed,
		CompletedAt:      time.Now().UTC(),
	})

	// Re-suspend: verdict cleared, escalation counted.
	c.HumanDecision = ""
	c.ModeratorID = ""
	c.Comment = ""
	c.EscalationCount++

	if err := e.transition(c, moderation.StatusInterrupted); err != nil {
		return err
	}
	if err := e.persist(ctx, c, ""); err != nil {
		return err
	}
	e.logger.Info("rollback complete, case re-suspended",
		zap.String("case_id", caseID),
		zap.Int("actions_reversed", reversed),
		zap.Int("escalation_count", c.EscalationCount),
	)
	return nil
}

// transition validates and applies one state-machine edge in memory.
// The caller persists the result.
func (e *Engine) transition(c *moderation.Case, to moderation.Status) error {
	if !moderation.CanTransition(c.Status, to) {
		return moderation.NewConflict("invalid transition %s -> %s for case %s", c.Status, to, c.CaseID)
	}
	e.metrics.RecordTransition(c.Status, to)
	c.Status = to
	return nil
}

// fail freezes the case in FAILED with the failure reason persisted, then
// returns opErr. Persisting failure state is best effort: the original
// error always wins.
func (e *Engine) fail(ctx context.Context, c *moderation.Case, reason string, opErr error) error {
	e.logger.Error("case failed",
		zap.String("case_id", c.CaseID),
		zap.String("status", string(c.Status)),
		zap.String("reason", reason),
	)

	c.FailureReason = reason
	if moderation.CanTransition(c.Status, moderation.StatusFailed) {
		e.metrics.RecordTransition(c.Status, moderation.StatusFailed)
		c.Status = moderation.StatusFailed
		if err := e.persist(ctx, c, ""); err != nil {
			e.logger.Error("failed to persist FAILED state",
				zap.String("case_id", c.CaseID),
				zap.Error(err),
			)
		}
	}
	return opErr
}

// load fetches the latest checkpoint, mapping store sentinels to the
// typed error taxonomy.
func (e *Engine) load(ctx context.Context, caseID string) (*moderation.Case, error) {
	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, moderation.NewNotFound(caseID)
		}
		return nil, moderation.NewError(moderation.ErrCodeInternal, "load case").WithCause(err)
	}
	return c, nil
}

// persist writes c as the next checkpoint against its current version.
func (e *Engine) persist(ctx context.Context, c *moderation.Case, idempotencyKey string) error {
	err := e.store.Update(ctx, c, c.Version, idempotencyKey)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return moderation.NewStoreConflict(c.CaseID, c.Version)
	case errors.Is(err, store.ErrNotFound):
		return moderation.NewNotFound(c.CaseID)
	default:
		return moderation.NewError(moderation.ErrCodeInternal, "persist checkpoint").WithCause(err)
	}
}
