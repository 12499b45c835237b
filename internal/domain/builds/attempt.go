package builds

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AttemptOutcome string

const (
	OutcomeInFlight          AttemptOutcome = "in_flight"
	OutcomeAccepted          AttemptOutcome = "accepted"
	OutcomeRejectedRetry     AttemptOutcome = "rejected-retry"
	OutcomeRejectedExhausted AttemptOutcome = "rejected-exhausted"
	OutcomeStopped           AttemptOutcome = "stopped"
	// OutcomeAbandoned resolves an attempt orphaned by a worker crash.
	OutcomeAbandoned AttemptOutcome = "abandoned"
)

type StrategySource string

const (
	SourceReuse  StrategySource = "reuse"
	SourceFresh  StrategySource = "fresh"
	SourceFix    StrategySource = "fix"
	SourceModify StrategySource = "modify"
)

type ModelTier string

const (
	TierCheap  ModelTier = "cheap"
	TierStrong ModelTier = "strong"
)

// GenerationAttempt is one generator invocation. Only one row per session may
// be in_flight; the partial unique index enforces it.
type GenerationAttempt struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_attempt_session_index,priority:1;uniqueIndex:idx_attempt_one_in_flight,where:outcome = 'in_flight'" json:"session_id"`
	AttemptIndex int       `gorm:"column:attempt_index;not null;uniqueIndex:idx_attempt_session_index,priority:2" json:"attempt_index"`
	Round        int       `gorm:"column:round;not null" json:"round"`

	Source        StrategySource `gorm:"column:source;not null" json:"source"`
	Tier          ModelTier      `gorm:"column:tier;not null" json:"tier"`
	Model         string         `gorm:"column:model" json:"model,omitempty"`
	LibraryItemID *uuid.UUID     `gorm:"type:uuid;column:library_item_id;index" json:"library_item_id,omitempty"`
	ReuseScore    float64        `gorm:"column:reuse_score" json:"reuse_score"`

	Artifact datatypes.JSON `gorm:"column:artifact" json:"artifact,omitempty"`
	Raw      string         `gorm:"column:raw;type:text" json:"-"`
	Findings datatypes.JSON `gorm:"column:findings" json:"findings,omitempty"`
	Outcome  AttemptOutcome `gorm:"column:outcome;not null;index" json:"outcome"`

	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	ResolvedAt *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

func (GenerationAttempt) TableName() string { return "generation_attempt" }

func (a *GenerationAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
