package deploy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type DeploymentRepo interface {
	Create(dbc dbctx.Context, d *types.Deployment) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Deployment, error)
	GetLive(dbc dbctx.Context, sessionID uuid.UUID) (*types.Deployment, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// Promote marks next live, retires whatever was live for the session and
	// points the session at next. The previously live row is returned so the
	// caller can tear down its instance.
	Promote(dbc dbctx.Context, sessionID, nextID uuid.UUID) (*types.Deployment, error)
	MarkStopped(dbc dbctx.Context, id uuid.UUID) (bool, error)
	ListStuckProvisioning(dbc dbctx.Context, olderThan time.Time) ([]*types.Deployment, error)
	ListByStatus(dbc dbctx.Context, status types.DeploymentStatus) ([]*types.Deployment, error)
}

type deploymentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeploymentRepo(db *gorm.DB, baseLog *logger.Logger) DeploymentRepo {
	return &deploymentRepo{db: db, log: baseLog.With("repo", "DeploymentRepo")}
}

func (r *deploymentRepo) Create(dbc dbctx.Context, d *types.Deployment) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = types.DeploymentProvisioning
	}
	return dbc.Conn(r.db).Create(d).Error
}

func (r *deploymentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Deployment, error) {
	var d types.Deployment
	if err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&d).Error; err != nil {
		return nil, err
	}
	if d.ID == uuid.Nil {
		return nil, nil
	}
	return &d, nil
}

func (r *deploymentRepo) GetLive(dbc dbctx.Context, sessionID uuid.UUID) (*types.Deployment, error) {
	var d types.Deployment
	if err := dbc.Conn(r.db).
		Where("session_id = ? AND status = ?", sessionID, types.DeploymentLive).
		Limit(1).
		Find(&d).Error; err != nil {
		return nil, err
	}
	if d.ID == uuid.Nil {
		return nil, nil
	}
	return &d, nil
}

func (r *deploymentRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.Conn(r.db).Model(&types.Deployment{}).Where("id = ?", id).Updates(updates).Error
}

func (r *deploymentRepo) Promote(dbc dbctx.Context, sessionID, nextID uuid.UUID) (*types.Deployment, error) {
	var prev *types.Deployment
	run := func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var old types.Deployment
		if err := tx.Where("session_id = ? AND status = ? AND id <> ?", sessionID, types.DeploymentLive, nextID).
			Limit(1).Find(&old).Error; err != nil {
			return err
		}
		// Retire first so the one-live index never sees two live rows.
		if old.ID != uuid.Nil {
			if err := tx.Model(&types.Deployment{}).Where("id = ?", old.ID).Updates(map[string]interface{}{
				"status":     types.DeploymentStopped,
				"retired_at": now,
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
			prev = &old
		}
		res := tx.Model(&types.Deployment{}).
			Where("id = ? AND session_id = ? AND status = ?", nextID, sessionID, types.DeploymentProvisioning).
			Updates(map[string]interface{}{
				"status":     types.DeploymentLive,
				"live_at":    now,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("deployment %s is not provisioning for session %s", nextID, sessionID)
		}
		return tx.Model(&types.BuildSession{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
			"current_deployment_id": nextID,
			"updated_at":            now,
		}).Error
	}
	var err error
	if dbc.Tx != nil {
		err = run(dbc.Conn(r.db))
	} else {
		err = dbc.Conn(r.db).Transaction(run)
	}
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (r *deploymentRepo) MarkStopped(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res := dbc.Conn(r.db).Model(&types.Deployment{}).
		Where("id = ? AND status IN ?", id, []types.DeploymentStatus{types.DeploymentLive, types.DeploymentProvisioning}).
		Updates(map[string]interface{}{
			"status":     types.DeploymentStopped,
			"retired_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *deploymentRepo) ListStuckProvisioning(dbc dbctx.Context, olderThan time.Time) ([]*types.Deployment, error) {
	var out []*types.Deployment
	if err := dbc.Conn(r.db).
		Where("status = ? AND created_at < ?", types.DeploymentProvisioning, olderThan).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *deploymentRepo) ListByStatus(dbc dbctx.Context, status types.DeploymentStatus) ([]*types.Deployment, error) {
	var out []*types.Deployment
	if err := dbc.Conn(r.db).Where("status = ?", status).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
