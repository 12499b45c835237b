package library

import (
	"gorm.io/gorm"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type DecisionRepo interface {
	Create(dbc dbctx.Context, d *types.ReuseDecision) error
	CountByDecision(dbc dbctx.Context) (map[types.Decision]int64, error)
	AverageScore(dbc dbctx.Context) (float64, error)
}

type decisionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDecisionRepo(db *gorm.DB, baseLog *logger.Logger) DecisionRepo {
	return &decisionRepo{db: db, log: baseLog.With("repo", "ReuseDecisionRepo")}
}

func (r *decisionRepo) Create(dbc dbctx.Context, d *types.ReuseDecision) error {
	return dbc.Conn(r.db).Create(d).Error
}

func (r *decisionRepo) CountByDecision(dbc dbctx.Context) (map[types.Decision]int64, error) {
	var rows []struct {
		Decision types.Decision
		Count    int64
	}
	if err := dbc.Conn(r.db).
		Model(&types.ReuseDecision{}).
		Select("decision, count(*) as count").
		Group("decision").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[types.Decision]int64, len(rows))
	for _, row := range rows {
		out[row.Decision] = row.Count
	}
	return out, nil
}

func (r *decisionRepo) AverageScore(dbc dbctx.Context) (float64, error) {
	var avg *float64
	if err := dbc.Conn(r.db).
		Model(&types.ReuseDecision{}).
		Select("AVG(match_score)").
		Where("candidate_count > 0").
		Scan(&avg).Error; err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}
