package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/guardian-ai/orchestrator/moderation"
)

// caseRecord is the relational representation of a moderation case.
// Structured fields (analysis, histories) are stored as JSON text so the
// checkpoint stays a single row and a single atomic write.
type caseRecord struct {
	CaseID          string `gorm:"column:case_id;primaryKey;size:64"`
	ContentID       string `gorm:"column:content_id;size:128"`
	ContentText     string `gorm:"column:content_text;type:text"`
	Status          string `gorm:"column:status;size:32;index"`
	AISuggestion    string `gorm:"column:ai_suggestion;type:text"`
	HumanDecision   string `gorm:"column:human_decision;size:64"`
	ModeratorID     string `gorm:"column:moderator_id;size:128"`
	Comment         string `gorm:"column:comment;type:text"`
	EscalationCount int    `gorm:"column:escalation_count"`
	ActionHistory   string `gorm:"column:action_history;type:text"`
	RollbackHistory string `gorm:"column:rollback_history;type:text"`
	FailureReason   string `gorm:"column:failure_reason;type:text"`
	Version         int64  `gorm:"column:version"`
	CreatedAt       time.Time `gorm:"column:created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (caseRecord) TableName() string { return "cases" }

// appliedCommand is one row of the idempotency ledger.
type appliedCommand struct {
	IdempotencyKey string    `gorm:"column:idempotency_key;primaryKey;size:128"`
	CaseID         string    `gorm:"column:case_id;size:64;index"`
	Version        int64     `gorm:"column:version"`
	AppliedAt      time.Time `gorm:"column:applied_at"`
}

func (appliedCommand) TableName() string { return "applied_commands" }

// GormStore is a CaseStore backed by a relational database through GORM.
// Checkpoint and ledger rows are written in one transaction; the version
// precondition is enforced with a conditional UPDATE, so two writers racing
// on the same case can never both succeed.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a store over an open GORM connection. The schema is
// managed by internal/migration; AutoMigrate is available for tests via
// Migrate.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "case_store")),
	}
}

// Migrate creates the backing tables. Intended for tests and SQLite
// deployments; production PostgreSQL uses versioned SQL migrations.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&caseRecord{}, &appliedCommand{})
}

func (s *GormStore) Create(ctx context.Context, c *moderation.Case, idempotencyKey string) error {
	now := time.Now().UTC()
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	rec, err := toRecord(c)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		return s.recordApplied(tx, idempotencyKey, c)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create case %s: %w", c.CaseID, err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, caseID string) (*moderation.Case, error) {
	var rec caseRecord
	err := s.db.WithContext(ctx).First(&rec, "case_id = ?", caseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get case %s: %w", caseID, err)
	}
	return fromRecord(&rec)
}

func (s *GormStore) Update(ctx context.Context, c *moderation.Case, expectedVersion int64, idempotencyKey string) error {
	c.Version = expectedVersion + 1
	c.UpdatedAt = time.Now().UTC()

	rec, err := toRecord(c)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&caseRecord{}).
			Where("case_id = ? AND version = ?", c.CaseID, expectedVersion).
			Updates(map[string]any{
				"status":           rec.Status,
				"ai_suggestion":    rec.AISuggestion,
				"human_decision":   rec.HumanDecision,
				"moderator_id":     rec.ModeratorID,
				"comment":          rec.Comment,
				"escalation_count": rec.EscalationCount,
				"action_history":   rec.ActionHistory,
				"rollback_history": rec.RollbackHistory,
				"failure_reason":   rec.FailureReason,
				"version":          rec.Version,
				"updated_at":       rec.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Either the case is gone or someone else won the version race.
			var count int64
			if err := tx.Model(&caseRecord{}).Where("case_id = ?", c.CaseID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		return s.recordApplied(tx, idempotencyKey, c)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
			return err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Ledger key collision: the command was applied concurrently.
			// The transaction rolled back; redelivery will short-circuit.
			return ErrVersionConflict
		}
		return fmt.Errorf("update case %s: %w", c.CaseID, err)
	}
	return nil
}

func (s *GormStore) Applied(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&appliedCommand{}).
		Where("idempotency_key = ?", idempotencyKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) recordApplied(tx *gorm.DB, key string, c *moderation.Case) error {
	if key == "" {
		return nil
	}
	return tx.Create(&appliedCommand{
		IdempotencyKey: key,
		CaseID:         c.CaseID,
		Version:        c.Version,
		AppliedAt:      time.Now().UTC(),
	}).Error
}

func toRecord(c *moderation.Case) (*caseRecord, error) {
	suggestion := ""
	if c.AISuggestion != nil {
		data, err := json.Marshal(c.AISuggestion)
		if err != nil {
			return nil, fmt.Errorf("marshal ai suggestion: %w", err)
		}
		suggestion = string(data)
	}

	history, err := json.Marshal(c.ActionHistory)
	if err != nil {
		return nil, fmt.Errorf("marshal action history: %w", err)
	}
	rollbacks, err := json.Marshal(c.RollbackHistory)
	if err != nil {
		return nil, fmt.Errorf("marshal rollback history: %w", err)
	}

	return &caseRecord{
		CaseID:          c.CaseID,
		ContentID:       c.ContentID,
		ContentText:     c.ContentText,
		Status:          string(c.Status),
		AISuggestion:    suggestion,
		HumanDecision:   c.HumanDecision,
		ModeratorID:     c.ModeratorID,
		Comment:         c.Comment,
		EscalationCount: c.EscalationCount,
		ActionHistory:   string(history),
		RollbackHistory: string(rollbacks),
		FailureReason:   c.FailureReason,
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}, nil
}

func fromRecord(rec *caseRecord) (*moderation.Case, error) {
	c := &moderation.Case{
		CaseID:          rec.CaseID,
		ContentID:       rec.ContentID,
		ContentText:     rec.ContentText,
		Status:          moderation.Status(rec.Status),
		HumanDecision:   rec.HumanDecision,
		ModeratorID:     rec.ModeratorID,
		Comment:         rec.Comment,
		EscalationCount: rec.EscalationCount,
		FailureReason:   rec.FailureReason,
		Version:         rec.Version,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}

	if rec.AISuggestion != "" {
		var a moderation.Analysis
		if err := json.Unmarshal([]byte(rec.AISuggestion), &a); err != nil {
			return nil, fmt.Errorf("unmarshal ai suggestion for %s: %w", rec.CaseID, err)
		}
		c.AISuggestion = &a
	}
	if rec.ActionHistory != "" {
		if err := json.Unmarshal([]byte(rec.ActionHistory), &c.ActionHistory); err != nil {
			return nil, fmt.Errorf("unmarshal action history for %s: %w", rec.CaseID, err)
		}
	}
	if rec.RollbackHistory != "" {
		if err := json.Unmarshal([]byte(rec.RollbackHistory), &c.RollbackHistory); err != nil {
			return nil, fmt.Errorf("unmarshal rollback history for %s: %w", rec.CaseID, err)
		}
	}
	return c, nil
}
