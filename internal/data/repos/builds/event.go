package builds

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

const appendRetries = 5

type EventRepo interface {
	// Append assigns the next per-session seq and a created_at no earlier than
	// the previous event's, then inserts.
	Append(dbc dbctx.Context, e *types.SessionEvent) error
	ListSince(dbc dbctx.Context, sessionID uuid.UUID, sinceSeq int64, limit int) ([]*types.SessionEvent, error)
	LastSeq(dbc dbctx.Context, sessionID uuid.UUID) (int64, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{db: db, log: baseLog.With("repo", "EventRepo")}
}

func (r *eventRepo) Append(dbc dbctx.Context, e *types.SessionEvent) error {
	var lastErr error
	for i := 0; i < appendRetries; i++ {
		err := dbc.Conn(r.db).Transaction(func(tx *gorm.DB) error {
			var last struct {
				Seq       int64
				CreatedAt time.Time
			}
			if err := tx.Model(&types.SessionEvent{}).
				Select("seq, created_at").
				Where("session_id = ?", e.SessionID).
				Order("seq DESC").
				Limit(1).
				Scan(&last).Error; err != nil {
				return err
			}
			now := time.Now().UTC()
			if now.Before(last.CreatedAt) {
				now = last.CreatedAt
			}
			e.ID = uuid.New()
			e.Seq = last.Seq + 1
			e.CreatedAt = now
			return tx.Create(e).Error
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		lastErr = err
		r.log.Debug("event seq conflict, retrying", "session_id", e.SessionID, "attempt", i+1)
	}
	return lastErr
}

func (r *eventRepo) ListSince(dbc dbctx.Context, sessionID uuid.UUID, sinceSeq int64, limit int) ([]*types.SessionEvent, error) {
	var out []*types.SessionEvent
	q := dbc.Conn(r.db).
		Where("session_id = ? AND seq > ?", sessionID, sinceSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventRepo) LastSeq(dbc dbctx.Context, sessionID uuid.UUID) (int64, error) {
	var seq int64
	err := dbc.Conn(r.db).
		Model(&types.SessionEvent{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("session_id = ?", sessionID).
		Scan(&seq).Error
	return seq, err
}
