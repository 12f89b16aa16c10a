package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/guardian-ai/orchestrator/moderation"
	"github.com/guardian-ai/orchestrator/store"
)

// Snapshot is the read-model projection of a case served by the status
// endpoint. human_decision and ai_suggestion render as JSON null while
// unset so clients can poll for them without string sentinels.
type Snapshot struct {
	ThreadID        string                      `json:"thread_id"`
	Status          moderation.Status           `json:"status"`
	ContentID       string                      `json:"content_id"`
	AISuggestion    *string                     `json:"ai_suggestion"`
	AnalysisResult  *moderation.Analysis        `json:"analysis_result,omitempty"`
	HumanDecision   *string                     `json:"human_decision"`
	ModeratorID     string                      `json:"moderator_id,omitempty"`
	Comment         string                      `json:"comment,omitempty"`
	EscalationCount int                         `json:"escalation_count"`
	ActionHistory   []moderation.ActionRecord   `json:"action_history"`
	RollbackHistory []moderation.RollbackRecord `json:"rollback_history"`
	FailureReason   string                      `json:"failure_reason,omitempty"`
	Version         int64                       `json:"version"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// StatusService serves read-only case projections. It goes straight to the
// store so status queries never contend with the dispatcher's per-case
// serialization.
type StatusService struct {
	store  store.CaseStore
	logger *zap.Logger
}

// NewStatusService creates a status query service.
func NewStatusService(cs store.CaseStore, logger *zap.Logger) *StatusService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusService{store: cs, logger: logger.With(zap.String("component", "status_service"))}
}

// Snapshot fetches the latest checkpoint of a case as its API projection.
func (s *StatusService) Snapshot(ctx context.Context, caseID string) (*Snapshot, error) {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, moderation.NewNotFound(caseID)
		}
		return nil, moderation.NewError(moderation.ErrCodeInternal, "load case").WithCause(err)
	}

	snap := &Snapshot{
		ThreadID:        c.CaseID,
		Status:          c.Status,
		ContentID:       c.ContentID,
		AnalysisResult:  c.AISuggestion,
		ModeratorID:     c.ModeratorID,
		Comment:         c.Comment,
		EscalationCount: c.EscalationCount,
		ActionHistory:   c.ActionHistory,
		RollbackHistory: c.RollbackHistory,
		FailureReason:   c.FailureReason,
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if snap.ActionHistory == nil {
		snap.ActionHistory = []moderation.ActionRecord{}
	}
	if snap.RollbackHistory == nil {
		snap.RollbackHistory = []moderation.RollbackRecord{}
	}
	if c.AISuggestion != nil {
		v := c.AISuggestion.ViolationType
		snap.AISuggestion = &v
	}
	if c.HumanDecision != "" {
		d := c.HumanDecision
		snap.HumanDecision = &d
	}
	return snap, nil
}
