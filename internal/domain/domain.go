// Package domain re-exports the persisted models so callers can import a
// single package as types.
package domain

import (
	"github.com/yungbote/appforge-backend/internal/domain/builds"
	"github.com/yungbote/appforge-backend/internal/domain/deploy"
	"github.com/yungbote/appforge-backend/internal/domain/jobs"
	"github.com/yungbote/appforge-backend/internal/domain/library"
)

type (
	BuildSession      = builds.BuildSession
	SessionEvent      = builds.SessionEvent
	GenerationAttempt = builds.GenerationAttempt
	SessionState      = builds.SessionState
	Classification    = builds.Classification
	EventType         = builds.EventType
	AttemptOutcome    = builds.AttemptOutcome
	StrategySource    = builds.StrategySource
	ModelTier         = builds.ModelTier

	LibraryItem   = library.LibraryItem
	ReuseDecision = library.ReuseDecision
	Decision      = library.Decision

	Deployment       = deploy.Deployment
	Route            = deploy.Route
	DeploymentTier   = deploy.Tier
	DeploymentStatus = deploy.Status

	JobRun    = jobs.JobRun
	JobStatus = jobs.JobStatus
)

const (
	StateDraft      = builds.StateDraft
	StateAnalyzing  = builds.StateAnalyzing
	StateGenerating = builds.StateGenerating
	StateValidating = builds.StateValidating
	StateFixing     = builds.StateFixing
	StateDeploying  = builds.StateDeploying
	StateDeployed   = builds.StateDeployed
	StateFailed     = builds.StateFailed
	StateStopped    = builds.StateStopped

	ClassStatic       = builds.ClassStatic
	ClassPersisted    = builds.ClassPersisted
	ClassLiveExternal = builds.ClassLiveExternal

	EventThinking    = builds.EventThinking
	EventProgress    = builds.EventProgress
	EventSuccess     = builds.EventSuccess
	EventError       = builds.EventError
	EventUserMessage = builds.EventUserMessage

	OutcomeInFlight          = builds.OutcomeInFlight
	OutcomeAccepted          = builds.OutcomeAccepted
	OutcomeRejectedRetry     = builds.OutcomeRejectedRetry
	OutcomeRejectedExhausted = builds.OutcomeRejectedExhausted
	OutcomeStopped           = builds.OutcomeStopped
	OutcomeAbandoned         = builds.OutcomeAbandoned

	SourceReuse  = builds.SourceReuse
	SourceFresh  = builds.SourceFresh
	SourceFix    = builds.SourceFix
	SourceModify = builds.SourceModify

	TierCheap  = builds.TierCheap
	TierStrong = builds.TierStrong

	DecisionReused    = library.DecisionReused
	DecisionGenerated = library.DecisionGenerated
	DecisionGrayZone  = library.DecisionGrayZone

	DeployTierStatic        = deploy.TierStatic
	DeployTierContainerized = deploy.TierContainerized

	DeploymentProvisioning = deploy.StatusProvisioning
	DeploymentLive         = deploy.StatusLive
	DeploymentStopped      = deploy.StatusStopped
	DeploymentFailed       = deploy.StatusFailed

	JobQueued    = jobs.JobQueued
	JobRunning   = jobs.JobRunning
	JobSucceeded = jobs.JobSucceeded
	JobFailed    = jobs.JobFailed
	JobCanceled  = jobs.JobCanceled
)

// Models lists every table for AutoMigrate.
func Models() []interface{} {
	return []interface{}{
		&BuildSession{},
		&SessionEvent{},
		&GenerationAttempt{},
		&LibraryItem{},
		&ReuseDecision{},
		&Deployment{},
		&Route{},
		&JobRun{},
	}
}
