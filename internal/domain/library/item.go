package library

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LibraryItem is a reusable accepted artifact. Counters are only ever changed
// with in-database increments.
type LibraryItem struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Category string    `gorm:"column:category;not null;index" json:"category"`
	// Classification of the request that produced the body.
	Strategy string `gorm:"column:strategy;not null;index" json:"strategy"`
	Title    string `gorm:"column:title" json:"title"`
	Request  string `gorm:"column:request;type:text" json:"request"`
	Body     string `gorm:"column:body;type:text;not null" json:"-"`
	Keywords string `gorm:"column:keywords;type:text" json:"keywords"`

	Embedding datatypes.JSON `gorm:"column:embedding" json:"-"`

	UsageCount   int64   `gorm:"column:usage_count;not null;default:0" json:"usage_count"`
	SuccessCount int64   `gorm:"column:success_count;not null;default:0" json:"success_count"`
	SuccessRate  float64 `gorm:"column:success_rate;not null;default:0" json:"success_rate"`

	SourceSessionID *uuid.UUID `gorm:"type:uuid;column:source_session_id" json:"source_session_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (LibraryItem) TableName() string { return "library_item" }

func (i *LibraryItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

type Decision string

const (
	DecisionReused    Decision = "reused"
	DecisionGenerated Decision = "generated"
	DecisionGrayZone  Decision = "gray_zone"
)

// ReuseDecision records each reuse search for analytics and the doctor.
type ReuseDecision struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"session_id"`
	Decision       Decision   `gorm:"column:decision;not null;index" json:"decision"`
	MatchScore     float64    `gorm:"column:match_score" json:"match_score"`
	LibraryItemID  *uuid.UUID `gorm:"type:uuid;column:library_item_id" json:"library_item_id,omitempty"`
	CandidateCount int        `gorm:"column:candidate_count" json:"candidate_count"`
	ThresholdUsed  float64    `gorm:"column:threshold_used" json:"threshold_used"`
	// Degraded is set when embedding failed and search fell through.
	Degraded  bool      `gorm:"column:degraded;not null;default:false" json:"degraded"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (ReuseDecision) TableName() string { return "reuse_decision" }

func (d *ReuseDecision) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
