// Package repos aliases the per-table repositories so wiring code can depend
// on a single import.
package repos

import (
	"gorm.io/gorm"

	"github.com/yungbote/appforge-backend/internal/data/repos/builds"
	"github.com/yungbote/appforge-backend/internal/data/repos/deploy"
	"github.com/yungbote/appforge-backend/internal/data/repos/jobs"
	"github.com/yungbote/appforge-backend/internal/data/repos/library"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type SessionRepo = builds.SessionRepo
type EventRepo = builds.EventRepo
type AttemptRepo = builds.AttemptRepo

type LibraryItemRepo = library.ItemRepo
type ReuseDecisionRepo = library.DecisionRepo

type DeploymentRepo = deploy.DeploymentRepo
type RouteRepo = deploy.RouteRepo

type JobRunRepo = jobs.JobRunRepo

var (
	ErrSubdomainTaken  = builds.ErrSubdomainTaken
	ErrAttemptInFlight = builds.ErrAttemptInFlight
)

// Set holds one instance of every repository.
type Set struct {
	Sessions  SessionRepo
	Events    EventRepo
	Attempts  AttemptRepo
	Library   LibraryItemRepo
	Decisions ReuseDecisionRepo
	Deploys   DeploymentRepo
	Routes    RouteRepo
	Jobs      JobRunRepo
}

func NewSet(db *gorm.DB, log *logger.Logger) Set {
	return Set{
		Sessions:  builds.NewSessionRepo(db, log),
		Events:    builds.NewEventRepo(db, log),
		Attempts:  builds.NewAttemptRepo(db, log),
		Library:   library.NewItemRepo(db, log),
		Decisions: library.NewDecisionRepo(db, log),
		Deploys:   deploy.NewDeploymentRepo(db, log),
		Routes:    deploy.NewRouteRepo(db, log),
		Jobs:      jobs.NewJobRunRepo(db, log),
	}
}
