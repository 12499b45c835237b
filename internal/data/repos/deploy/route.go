package deploy

import (
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type RouteRepo interface {
	// Upsert replaces the target for a subdomain in one statement so readers
	// see either the old or the new target.
	Upsert(dbc dbctx.Context, rt *types.Route) error
	Get(dbc dbctx.Context, subdomain string) (*types.Route, error)
	Delete(dbc dbctx.Context, subdomain string) error
	List(dbc dbctx.Context) ([]*types.Route, error)
}

type routeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRouteRepo(db *gorm.DB, baseLog *logger.Logger) RouteRepo {
	return &routeRepo{db: db, log: baseLog.With("repo", "RouteRepo")}
}

func (r *routeRepo) Upsert(dbc dbctx.Context, rt *types.Route) error {
	rt.Subdomain = strings.ToLower(strings.TrimSpace(rt.Subdomain))
	rt.UpdatedAt = time.Now().UTC()
	return dbc.Conn(r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subdomain"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "deployment_id", "target", "updated_at"}),
	}).Create(rt).Error
}

func (r *routeRepo) Get(dbc dbctx.Context, subdomain string) (*types.Route, error) {
	var rt types.Route
	if err := dbc.Conn(r.db).
		Where("subdomain = ?", strings.ToLower(strings.TrimSpace(subdomain))).
		Limit(1).
		Find(&rt).Error; err != nil {
		return nil, err
	}
	if rt.Subdomain == "" {
		return nil, nil
	}
	return &rt, nil
}

func (r *routeRepo) Delete(dbc dbctx.Context, subdomain string) error {
	return dbc.Conn(r.db).
		Where("subdomain = ?", strings.ToLower(strings.TrimSpace(subdomain))).
		Delete(&types.Route{}).Error
}

func (r *routeRepo) List(dbc dbctx.Context) ([]*types.Route, error) {
	var out []*types.Route
	if err := dbc.Conn(r.db).Order("subdomain ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
