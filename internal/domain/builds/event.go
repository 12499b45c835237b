package builds

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventType string

const (
	EventThinking    EventType = "thinking"
	EventProgress    EventType = "progress"
	EventSuccess     EventType = "success"
	EventError       EventType = "error"
	EventUserMessage EventType = "user-message"
)

// SessionEvent is an immutable entry in a session's log. Seq is strictly
// increasing per session and is the identifier callers resume from.
type SessionEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"-"`
	SessionID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_session_event_seq,priority:1" json:"session_id"`
	Seq       int64          `gorm:"column:seq;not null;uniqueIndex:idx_session_event_seq,priority:2" json:"id"`
	Type      EventType      `gorm:"column:type;not null" json:"type"`
	Message   string         `gorm:"column:message;type:text" json:"message"`
	Progress  int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Data      datatypes.JSON `gorm:"column:data" json:"data,omitempty"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
}

func (SessionEvent) TableName() string { return "session_event" }

func (e *SessionEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
