package builds

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionState string

const (
	StateDraft      SessionState = "draft"
	StateAnalyzing  SessionState = "analyzing"
	StateGenerating SessionState = "generating"
	StateValidating SessionState = "validating"
	StateFixing     SessionState = "fixing"
	StateDeploying  SessionState = "deploying"
	StateDeployed   SessionState = "deployed"
	StateFailed     SessionState = "failed"
	StateStopped    SessionState = "stopped"
)

type Classification string

const (
	ClassStatic       Classification = "static"
	ClassPersisted    Classification = "persisted"
	ClassLiveExternal Classification = "live-external"
)

// BuildSession is one user request lifecycle. Round counts generation rounds
// (the initial build plus each modification); progress is monotonic per round.
type BuildSession struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID uuid.UUID    `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	RequestText string       `gorm:"column:request_text;type:text;not null" json:"request_text"`
	State       SessionState `gorm:"column:state;not null;index" json:"state"`

	Classification Classification `gorm:"column:classification" json:"classification,omitempty"`
	Category       string         `gorm:"column:category" json:"category,omitempty"`

	Round           int  `gorm:"column:round;not null;default:0" json:"round"`
	Progress        int  `gorm:"column:progress;not null;default:0" json:"progress"`
	CancelRequested bool `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`

	// Subdomain is allocated on first deploy and kept for the session's life.
	Subdomain           string     `gorm:"column:subdomain;uniqueIndex:idx_build_session_subdomain,where:subdomain <> ''" json:"subdomain,omitempty"`
	CurrentDeploymentID *uuid.UUID `gorm:"type:uuid;column:current_deployment_id" json:"current_deployment_id,omitempty"`
	LastError           string     `gorm:"column:last_error;type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (BuildSession) TableName() string { return "build_session" }

func (s *BuildSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
