// Package moderation defines the core data model for content moderation
// cases: the case record, its lifecycle states, executed-action history,
// and the error taxonomy shared by the store, engine, and dispatcher.
package moderation

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a moderation case.
type Status string

const (
	// StatusAnalyzing indicates AI analysis is in progress.
	StatusAnalyzing Status = "ANALYZING"
	// StatusInterrupted indicates the case is suspended pending a human verdict.
	StatusInterrupted Status = "INTERRUPTED"
	// StatusExecuting indicates platform actions are being executed.
	StatusExecuting Status = "EXECUTING"
	// StatusDone indicates the current moderation cycle completed.
	StatusDone Status = "DONE"
	// StatusRollingBack indicates previously executed actions are being reversed.
	StatusRollingBack Status = "ROLLING_BACK"
	// StatusFailed is the absorbing error state; operator intervention required.
	StatusFailed Status = "FAILED"
)

// validTransitions is the authoritative state machine. Any transition not
// listed here is rejected by the engine.
var validTransitions = map[Status][]Status{
	StatusAnalyzing:   {StatusInterrupted, StatusDone, StatusFailed},
	StatusInterrupted: {StatusExecuting, StatusDone, StatusFailed},
	StatusExecuting:   {StatusDone, StatusFailed},
	StatusDone:        {StatusRollingBack},
	StatusRollingBack: {StatusInterrupted, StatusFailed},
	StatusFailed:      {},
}

// CanTransition reports whether moving from one status to another is a
// legal edge of the case state machine.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SuggestedAction is the analyzer's recommendation for a piece of content.
type SuggestedAction string

const (
	SuggestIgnore   SuggestedAction = "IGNORE"
	SuggestWarn     SuggestedAction = "WARN"
	SuggestEscalate SuggestedAction = "ESCALATE"
)

// Severity grades how serious a detected violation is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Analysis is the result produced by the content-analysis capability.
type Analysis struct {
	ConfidenceScore int             `json:"confidence_score"`
	SuggestedAction SuggestedAction `json:"suggested_action"`
	ViolationType   string          `json:"violation_type"`
	Severity        Severity        `json:"severity,omitempty"`
	Reasoning       string          `json:"reasoning,omitempty"`
	KeyPhrases      []string        `json:"key_phrases,omitempty"`
}

// Human decisions recognized by the engine's action plans.
const (
	DecisionIgnore         = "ignore"
	DecisionRemoveAndBan   = "remove_content_and_ban"
	DecisionApproveRemoval = "approve_removal"
	DecisionRequestChanges = "request_changes"
)

// ActionRecord is one executed platform action. Records are append-only:
// rollback marks them reversed, it never deletes or reorders them.
type ActionRecord struct {
	Kind       string         `json:"kind"`
	Params     map[string]any `json:"params"`
	Result     map[string]any `json:"result,omitempty"`
	Reversible bool           `json:"reversible"`
	Reversed   bool           `json:"reversed"`
	ExecutedAt time.Time      `json:"executed_at"`
	ReversedAt *time.Time     `json:"reversed_at,omitempty"`
}

// RollbackRecord is the audit entry appended when a rollback completes.
type RollbackRecord struct {
	RollbackID       string    `json:"rollback_id"`
	Reason           string    `json:"reason"`
	RequestedBy      string    `json:"requested_by"`
	RequestedAt      time.Time `json:"requested_at"`
	PreviousDecision string    `json:"previous_decision"`
	EscalationNumber int       `json:"escalation_number"`
	ActionsReversed  int       `json:"actions_reversed"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Case is the central entity: one moderation decision lifecycle.
// All mutation goes through the engine; every persisted change increments
// Version, and writes against a stale Version are rejected by the store.
type Case struct {
	CaseID      string `json:"case_id"`
	ContentID   string `json:"content_id"`
	ContentText string `json:"content_text"`

	Status        Status    `json:"status"`
	AISuggestion  *Analysis `json:"ai_suggestion,omitempty"`
	HumanDecision string    `json:"human_decision,omitempty"`
	ModeratorID   string    `json:"moderator_id,omitempty"`
	Comment       string    `json:"comment,omitempty"`

	EscalationCount int              `json:"escalation_count"`
	ActionHistory   []ActionRecord   `json:"action_history"`
	RollbackHistory []RollbackRecord `json:"rollback_history,omitempty"`
	FailureReason   string           `json:"failure_reason,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnreversedActions returns the history entries that have not been reversed,
// newest first (the order rollback must process them in).
func (c *Case) UnreversedActions() []*ActionRecord {
	var out []*ActionRecord
	for i := len(c.ActionHistory) - 1; i >= 0; i-- {
		if !c.ActionHistory[i].Reversed {
			out = append(out, &c.ActionHistory[i])
		}
	}
	return out
}

// HasUnreversedActions reports whether the history still holds at least one
// entry not consumed by a previous rollback. Rollback eligibility depends on
// this, not on reversibility: an irreversible warning cannot be taken back,
// but its case can still be re-opened on appeal.
func (c *Case) HasUnreversedActions() bool {
	for i := range c.ActionHistory {
		if !c.ActionHistory[i].Reversed {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the case. Stores hand out clones so callers
// can never mutate checkpointed state in place.
func (c *Case) Clone() *Case {
	data, err := json.Marshal(c)
	if err != nil {
		// Case contains only JSON-serializable fields.
		panic(err)
	}
	var out Case
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}
