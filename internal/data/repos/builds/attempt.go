package builds

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

// ErrAttemptInFlight means the session already has an unresolved attempt.
var ErrAttemptInFlight = errors.New("generation attempt already in flight")

type AttemptRepo interface {
	// Open inserts an in_flight attempt at the next index for the session.
	Open(dbc dbctx.Context, a *types.GenerationAttempt) error
	// Record stores generator output on a still-unresolved attempt.
	Record(dbc dbctx.Context, id uuid.UUID, artifact datatypes.JSON, raw string) error
	// Resolve finalizes an in_flight attempt; resolved attempts are immutable.
	Resolve(dbc dbctx.Context, id uuid.UUID, outcome types.AttemptOutcome, findings datatypes.JSON) (bool, error)
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.GenerationAttempt, error)
	LatestAccepted(dbc dbctx.Context, sessionID uuid.UUID) (*types.GenerationAttempt, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationAttempt, error)
	AbandonInFlight(dbc dbctx.Context, sessionID uuid.UUID) (int64, error)
}

type attemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAttemptRepo(db *gorm.DB, baseLog *logger.Logger) AttemptRepo {
	return &attemptRepo{db: db, log: baseLog.With("repo", "AttemptRepo")}
}

func (r *attemptRepo) Open(dbc dbctx.Context, a *types.GenerationAttempt) error {
	err := dbc.Conn(r.db).Transaction(func(tx *gorm.DB) error {
		var inFlight int64
		if err := tx.Model(&types.GenerationAttempt{}).
			Where("session_id = ? AND outcome = ?", a.SessionID, types.OutcomeInFlight).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return ErrAttemptInFlight
		}
		var next int
		if err := tx.Model(&types.GenerationAttempt{}).
			Select("COALESCE(MAX(attempt_index) + 1, 0)").
			Where("session_id = ?", a.SessionID).
			Scan(&next).Error; err != nil {
			return err
		}
		a.AttemptIndex = next
		a.Outcome = types.OutcomeInFlight
		a.CreatedAt = time.Now().UTC()
		return tx.Create(a).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAttemptInFlight
	}
	return err
}

func (r *attemptRepo) Record(dbc dbctx.Context, id uuid.UUID, artifact datatypes.JSON, raw string) error {
	return dbc.Conn(r.db).
		Model(&types.GenerationAttempt{}).
		Where("id = ? AND outcome = ?", id, types.OutcomeInFlight).
		Updates(map[string]interface{}{"artifact": artifact, "raw": raw}).Error
}

func (r *attemptRepo) Resolve(dbc dbctx.Context, id uuid.UUID, outcome types.AttemptOutcome, findings datatypes.JSON) (bool, error) {
	updates := map[string]interface{}{
		"outcome":     outcome,
		"resolved_at": time.Now().UTC(),
	}
	if findings != nil {
		updates["findings"] = findings
	}
	res := dbc.Conn(r.db).
		Model(&types.GenerationAttempt{}).
		Where("id = ? AND outcome = ?", id, types.OutcomeInFlight).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *attemptRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*types.GenerationAttempt, error) {
	var out []*types.GenerationAttempt
	err := dbc.Conn(r.db).
		Where("session_id = ?", sessionID).
		Order("attempt_index ASC").
		Find(&out).Error
	return out, err
}

func (r *attemptRepo) LatestAccepted(dbc dbctx.Context, sessionID uuid.UUID) (*types.GenerationAttempt, error) {
	var a types.GenerationAttempt
	err := dbc.Conn(r.db).
		Where("session_id = ? AND outcome = ?", sessionID, types.OutcomeAccepted).
		Order("attempt_index DESC").
		Limit(1).
		Find(&a).Error
	if err != nil {
		return nil, err
	}
	if a.ID == uuid.Nil {
		return nil, nil
	}
	return &a, nil
}

func (r *attemptRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.GenerationAttempt, error) {
	var a types.GenerationAttempt
	if err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&a).Error; err != nil {
		return nil, err
	}
	if a.ID == uuid.Nil {
		return nil, nil
	}
	return &a, nil
}

func (r *attemptRepo) AbandonInFlight(dbc dbctx.Context, sessionID uuid.UUID) (int64, error) {
	res := dbc.Conn(r.db).
		Model(&types.GenerationAttempt{}).
		Where("session_id = ? AND outcome = ?", sessionID, types.OutcomeInFlight).
		Updates(map[string]interface{}{"outcome": types.OutcomeAbandoned, "resolved_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}
