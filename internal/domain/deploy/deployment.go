package deploy

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Tier string

const (
	TierStatic        Tier = "static"
	TierContainerized Tier = "containerized"
)

type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusLive         Status = "live"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// Deployment is one hosting instance. The partial unique index keeps at most
// one live row per session.
type Deployment struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:idx_deployment_one_live,where:status = 'live'" json:"session_id"`
	AttemptID uuid.UUID `gorm:"type:uuid;column:attempt_id" json:"attempt_id"`
	Tier      Tier      `gorm:"column:tier;not null" json:"tier"`
	Subdomain string    `gorm:"column:subdomain;not null;index" json:"subdomain"`
	// ArtifactRef is the store prefix (static) or image tag (containerized).
	ArtifactRef string `gorm:"column:artifact_ref" json:"artifact_ref"`
	// InstanceRef is the container name; empty for the static tier.
	InstanceRef string `gorm:"column:instance_ref" json:"instance_ref,omitempty"`
	Target      string `gorm:"column:target" json:"target"`
	// Manifest maps file path to content sha256 for in-place diffing.
	Manifest datatypes.JSON `gorm:"column:manifest" json:"-"`
	Status   Status         `gorm:"column:status;not null;index" json:"status"`
	Error    string         `gorm:"column:error;type:text" json:"error,omitempty"`

	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null" json:"updated_at"`
	LiveAt    *time.Time `gorm:"column:live_at" json:"live_at,omitempty"`
	RetiredAt *time.Time `gorm:"column:retired_at" json:"retired_at,omitempty"`
}

func (Deployment) TableName() string { return "deployment" }

func (d *Deployment) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// Route is the routing table: one target per subdomain.
type Route struct {
	Subdomain    string    `gorm:"column:subdomain;primaryKey" json:"subdomain"`
	SessionID    uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	DeploymentID uuid.UUID `gorm:"type:uuid;not null" json:"deployment_id"`
	Target       string    `gorm:"column:target;not null" json:"target"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (Route) TableName() string { return "route" }
