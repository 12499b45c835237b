package library

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type ItemRepo interface {
	Create(dbc dbctx.Context, it *types.LibraryItem) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.LibraryItem, error)
	List(dbc dbctx.Context, category string) ([]*types.LibraryItem, error)
	Count(dbc dbctx.Context) (int64, error)
	// IncrementUsage counts one selection and recomputes success_rate in the
	// same statement.
	IncrementUsage(dbc dbctx.Context, id uuid.UUID) error
	// RecordSuccess counts one successful outcome for a prior selection.
	RecordSuccess(dbc dbctx.Context, id uuid.UUID) error
}

type itemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewItemRepo(db *gorm.DB, baseLog *logger.Logger) ItemRepo {
	return &itemRepo{db: db, log: baseLog.With("repo", "LibraryItemRepo")}
}

func (r *itemRepo) Create(dbc dbctx.Context, it *types.LibraryItem) error {
	return dbc.Conn(r.db).Create(it).Error
}

func (r *itemRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.LibraryItem, error) {
	var it types.LibraryItem
	if err := dbc.Conn(r.db).Where("id = ?", id).Limit(1).Find(&it).Error; err != nil {
		return nil, err
	}
	if it.ID == uuid.Nil {
		return nil, nil
	}
	return &it, nil
}

func (r *itemRepo) List(dbc dbctx.Context, category string) ([]*types.LibraryItem, error) {
	var out []*types.LibraryItem
	q := dbc.Conn(r.db).Order("created_at ASC")
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *itemRepo) Count(dbc dbctx.Context) (int64, error) {
	var n int64
	err := dbc.Conn(r.db).Model(&types.LibraryItem{}).Count(&n).Error
	return n, err
}

// SET expressions read pre-update column values on both Postgres and SQLite.
func (r *itemRepo) IncrementUsage(dbc dbctx.Context, id uuid.UUID) error {
	return dbc.Conn(r.db).
		Model(&types.LibraryItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"success_rate": gorm.Expr("(success_count * 1.0) / (usage_count + 1)"),
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (r *itemRepo) RecordSuccess(dbc dbctx.Context, id uuid.UUID) error {
	return dbc.Conn(r.db).
		Model(&types.LibraryItem{}).
		Where("id = ? AND success_count < usage_count", id).
		Updates(map[string]interface{}{
			"success_count": gorm.Expr("success_count + 1"),
			"success_rate":  gorm.Expr("((success_count + 1) * 1.0) / usage_count"),
			"updated_at":    time.Now().UTC(),
		}).Error
}
