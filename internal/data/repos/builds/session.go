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

// ErrSubdomainTaken is returned when another session already holds the name.
var ErrSubdomainTaken = errors.New("subdomain taken")

type SessionRepo interface {
	Create(dbc dbctx.Context, s *types.BuildSession) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.BuildSession, error)
	// Transition moves the session to `to` only if it is currently in one of
	// `from`. It reports whether the row changed.
	Transition(dbc dbctx.Context, id uuid.UUID, from []types.SessionState, to types.SessionState, updates map[string]interface{}) (bool, error)
	// RaiseProgress sets progress only if it increases within the same round.
	RaiseProgress(dbc dbctx.Context, id uuid.UUID, round, pct int) (bool, error)
	RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error)
	IsCancelRequested(dbc dbctx.Context, id uuid.UUID) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ClaimSubdomain(dbc dbctx.Context, id uuid.UUID, subdomain string) error
	ListByStates(dbc dbctx.Context, states []types.SessionState, updatedBefore time.Time) ([]*types.BuildSession, error)
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: baseLog.With("repo", "SessionRepo")}
}

func (r *sessionRepo) Create(dbc dbctx.Context, s *types.BuildSession) error {
	return dbc.Conn(r.db).Create(s).Error
}

func (r *sessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.BuildSession, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var s types.BuildSession
	err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == uuid.Nil {
		return nil, nil
	}
	return &s, nil
}

func (r *sessionRepo) Transition(dbc dbctx.Context, id uuid.UUID, from []types.SessionState, to types.SessionState, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || len(from) == 0 {
		return false, nil
	}
	fields := map[string]interface{}{}
	for k, v := range updates {
		fields[k] = v
	}
	fields["state"] = to
	fields["updated_at"] = time.Now().UTC()
	res := dbc.Conn(r.db).
		Model(&types.BuildSession{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *sessionRepo) RaiseProgress(dbc dbctx.Context, id uuid.UUID, round, pct int) (bool, error) {
	if pct > 100 {
		pct = 100
	}
	res := dbc.Conn(r.db).
		Model(&types.BuildSession{}).
		Where("id = ? AND round = ? AND progress < ?", id, round, pct).
		Updates(map[string]interface{}{"progress": pct, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *sessionRepo) RequestCancel(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	res := dbc.Conn(r.db).
		Model(&types.BuildSession{}).
		Where("id = ? AND state NOT IN ?", id, []types.SessionState{types.StateFailed, types.StateStopped}).
		Updates(map[string]interface{}{"cancel_requested": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *sessionRepo) IsCancelRequested(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	var row struct{ CancelRequested bool }
	err := dbc.Conn(r.db).
		Model(&types.BuildSession{}).
		Select("cancel_requested").
		Where("id = ?", id).
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return false, err
	}
	return row.CancelRequested, nil
}

func (r *sessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.Conn(r.db).Model(&types.BuildSession{}).Where("id = ?", id).Updates(updates).Error
}

// ClaimSubdomain assigns subdomain to a session that has none yet. The unique
// index is the arbiter when two sessions race for the same name.
func (r *sessionRepo) ClaimSubdomain(dbc dbctx.Context, id uuid.UUID, subdomain string) error {
	conn := dbc.Conn(r.db)
	var taken int64
	if err := conn.Model(&types.BuildSession{}).
		Where("subdomain = ? AND id <> ?", subdomain, id).
		Count(&taken).Error; err != nil {
		return err
	}
	if taken > 0 {
		return ErrSubdomainTaken
	}
	res := conn.Model(&types.BuildSession{}).
		Where("id = ? AND (subdomain = '' OR subdomain IS NULL)", id).
		Updates(map[string]interface{}{"subdomain": subdomain, "updated_at": time.Now().UTC()})
	if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return ErrSubdomainTaken
	}
	return res.Error
}

func (r *sessionRepo) ListByStates(dbc dbctx.Context, states []types.SessionState, updatedBefore time.Time) ([]*types.BuildSession, error) {
	var out []*types.BuildSession
	if len(states) == 0 {
		return out, nil
	}
	err := dbc.Conn(r.db).
		Where("state IN ? AND updated_at < ?", states, updatedBefore).
		Order("updated_at ASC").
		Find(&out).Error
	return out, err
}
