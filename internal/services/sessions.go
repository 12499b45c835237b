package services

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/pipeline"
	"github.com/yungbote/appforge-backend/internal/modules/builder/session"
	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type SessionConfig struct {
	MaxRequestChars int
	PollLimit       int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxRequestChars <= 0 {
		c.MaxRequestChars = 4000
	}
	if c.PollLimit <= 0 {
		c.PollLimit = 500
	}
	return c
}

// PollResult is what a caller sees of a session at one point in time.
type PollResult struct {
	SessionID     uuid.UUID             `json:"session_id"`
	Status        types.SessionState    `json:"status"`
	Progress      int                   `json:"progress_percent"`
	Round         int                   `json:"round"`
	Events        []*types.SessionEvent `json:"new_events"`
	LastEventID   int64                 `json:"last_event_id"`
	DeploymentURL string                `json:"deployment_url,omitempty"`
	Error         string                `json:"error,omitempty"`
}

type SessionService interface {
	Start(dbc dbctx.Context, ownerID uuid.UUID, request string) (*types.BuildSession, error)
	Get(dbc dbctx.Context, ownerID, id uuid.UUID) (*types.BuildSession, error)
	Poll(dbc dbctx.Context, ownerID, id uuid.UUID, sinceSeq int64) (*PollResult, error)
	Modify(dbc dbctx.Context, ownerID, id uuid.UUID, request string) error
	Stop(dbc dbctx.Context, ownerID, id uuid.UUID) error
}

type sessionService struct {
	db       *gorm.DB
	log      *logger.Logger
	sessions repos.SessionRepo
	deploys  repos.DeploymentRepo
	events   EventLog
	jobs     JobService
	urlFor   func(subdomain string) string
	cfg      SessionConfig
}

func NewSessionService(
	db *gorm.DB,
	baseLog *logger.Logger,
	sessions repos.SessionRepo,
	deploys repos.DeploymentRepo,
	events EventLog,
	jobs JobService,
	urlFor func(subdomain string) string,
	cfg SessionConfig,
) SessionService {
	return &sessionService{
		db:       db,
		log:      baseLog.With("service", "SessionService"),
		sessions: sessions,
		deploys:  deploys,
		events:   events,
		jobs:     jobs,
		urlFor:   urlFor,
		cfg:      cfg.withDefaults(),
	}
}

func (s *sessionService) cleanRequest(request string) (string, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return "", fmt.Errorf("request text is empty: %w", builder.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(request) > s.cfg.MaxRequestChars {
		return "", fmt.Errorf("request text exceeds %d characters: %w", s.cfg.MaxRequestChars, builder.ErrInvalidArgument)
	}
	return request, nil
}

func (s *sessionService) Start(dbc dbctx.Context, ownerID uuid.UUID, request string) (*types.BuildSession, error) {
	if ownerID == uuid.Nil {
		return nil, builder.ErrForbidden
	}
	request, err := s.cleanRequest(request)
	if err != nil {
		return nil, err
	}
	bs := &types.BuildSession{
		ID:          uuid.New(),
		OwnerUserID: ownerID,
		RequestText: request,
		State:       types.StateDraft,
	}
	var ev *types.SessionEvent
	err = s.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}
		if err := s.sessions.Create(inner, bs); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		ev = &types.SessionEvent{SessionID: bs.ID, Type: types.EventUserMessage, Message: request}
		if err := s.events.Append(inner, ev); err != nil {
			return err
		}
		_, err := s.jobs.Enqueue(inner, EnqueueRequest{
			OwnerUserID: ownerID,
			JobType:     pipeline.JobSessionBuild,
			EntityType:  "build_session",
			EntityID:    &bs.ID,
			Payload:     map[string]any{"session_id": bs.ID.String()},
			MaxAttempts: 1,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(dbc.Ctx, ev)
	s.jobs.Kick()
	observability.Current().IncSessionStarted()
	s.log.Info("session started", "session_id", bs.ID, "owner_user_id", ownerID)
	return bs, nil
}

// Get hides sessions owned by someone else behind ErrNotFound.
func (s *sessionService) Get(dbc dbctx.Context, ownerID, id uuid.UUID) (*types.BuildSession, error) {
	bs, err := s.sessions.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if bs == nil || bs.OwnerUserID != ownerID {
		return nil, builder.ErrNotFound
	}
	return bs, nil
}

func (s *sessionService) Poll(dbc dbctx.Context, ownerID, id uuid.UUID, sinceSeq int64) (*PollResult, error) {
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	bs, err := s.Get(dbc, ownerID, id)
	if err != nil {
		return nil, err
	}
	evs, err := s.events.ListSince(dbc, id, sinceSeq, s.cfg.PollLimit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := &PollResult{
		SessionID:   bs.ID,
		Status:      bs.State,
		Progress:    bs.Progress,
		Round:       bs.Round,
		Events:      evs,
		LastEventID: sinceSeq,
	}
	if n := len(evs); n > 0 {
		out.LastEventID = evs[n-1].Seq
	}
	if bs.CurrentDeploymentID != nil && bs.Subdomain != "" && bs.State != types.StateStopped && s.urlFor != nil {
		out.DeploymentURL = s.urlFor(bs.Subdomain)
	}
	if bs.State == types.StateFailed {
		out.Error = bs.LastError
	}
	return out, nil
}

func (s *sessionService) Modify(dbc dbctx.Context, ownerID, id uuid.UUID, request string) error {
	request, err := s.cleanRequest(request)
	if err != nil {
		return err
	}
	bs, err := s.Get(dbc, ownerID, id)
	if err != nil {
		return err
	}
	switch {
	case session.IsTerminal(bs.State):
		return fmt.Errorf("session is %s: %w", bs.State, builder.ErrTerminal)
	case bs.State != types.StateDeployed:
		return s.busy(bs)
	}

	next := bs.Round + 1
	var ev *types.SessionEvent
	err = s.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}
		ok, err := s.sessions.Transition(inner, bs.ID, []types.SessionState{types.StateDeployed}, types.StateGenerating, map[string]interface{}{
			"round":            next,
			"progress":         0,
			"last_error":       "",
			"cancel_requested": false,
		})
		if err != nil {
			return fmt.Errorf("begin modification: %w", err)
		}
		if !ok {
			return errBusyRace
		}
		ev = &types.SessionEvent{SessionID: bs.ID, Type: types.EventUserMessage, Message: request, Data: roundData(next)}
		if err := s.events.Append(inner, ev); err != nil {
			return err
		}
		_, err = s.jobs.Enqueue(inner, EnqueueRequest{
			OwnerUserID: ownerID,
			JobType:     pipeline.JobSessionModify,
			EntityType:  "build_session",
			EntityID:    &bs.ID,
			Payload: map[string]any{
				"session_id": bs.ID.String(),
				"request":    request,
				"round":      next,
			},
			MaxAttempts: 1,
		})
		return err
	})
	if errors.Is(err, errBusyRace) {
		return s.busy(bs)
	}
	if err != nil {
		return err
	}
	s.events.Publish(dbc.Ctx, ev)
	s.jobs.Kick()
	s.log.Info("modification accepted", "session_id", bs.ID, "round", next)
	return nil
}

var errBusyRace = errors.New("session moved concurrently")

func (s *sessionService) busy(bs *types.BuildSession) error {
	observability.Current().IncModifyBusy()
	s.log.Info("modification rejected; session busy", "session_id", bs.ID, "state", bs.State)
	return builder.NewError(builder.CodeConcurrentModification, "a build is already in progress for this session", builder.ErrBusy)
}

// Stop always acknowledges. Idle sessions stop synchronously; in-flight ones
// get the cooperative cancel flag and the pipeline finishes the transition.
// A failed session keeps its state, but a deployment left live by an earlier
// round is retired.
func (s *sessionService) Stop(dbc dbctx.Context, ownerID, id uuid.UUID) error {
	bs, err := s.Get(dbc, ownerID, id)
	if err != nil {
		return err
	}
	switch {
	case bs.State == types.StateFailed:
		return s.retireLeftover(dbc, bs)
	case session.IsTerminal(bs.State):
		return nil
	case bs.State == types.StateDraft:
		ok, err := s.sessions.Transition(dbc, bs.ID, []types.SessionState{types.StateDraft}, types.StateStopped, nil)
		if err != nil {
			return err
		}
		if ok {
			s.stopped(dbc, bs)
			return nil
		}
	case bs.State == types.StateDeployed:
		ok, err := s.stopDeployed(dbc, bs)
		if err != nil {
			return err
		}
		if ok {
			s.stopped(dbc, bs)
			return nil
		}
	}
	// In flight, or it left draft/deployed while we looked.
	if _, err := s.sessions.RequestCancel(dbc, bs.ID); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	s.log.Info("stop requested", "session_id", bs.ID, "state", bs.State)
	return nil
}

func (s *sessionService) stopDeployed(dbc dbctx.Context, bs *types.BuildSession) (bool, error) {
	var stopped bool
	err := s.db.WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: tx}
		ok, err := s.sessions.Transition(inner, bs.ID, []types.SessionState{types.StateDeployed}, types.StateStopped, nil)
		if err != nil || !ok {
			return err
		}
		stopped = true
		live, err := s.deploys.GetLive(inner, bs.ID)
		if err != nil {
			return err
		}
		if live == nil {
			return nil
		}
		return s.enqueueRetire(inner, bs, live)
	})
	if err != nil {
		return false, err
	}
	if stopped {
		s.jobs.Kick()
	}
	return stopped, nil
}

func (s *sessionService) retireLeftover(dbc dbctx.Context, bs *types.BuildSession) error {
	live, err := s.deploys.GetLive(dbc, bs.ID)
	if err != nil {
		return err
	}
	if live == nil {
		return nil
	}
	if err := s.enqueueRetire(dbc, bs, live); err != nil {
		return err
	}
	s.jobs.Kick()
	s.log.Info("retiring deployment of failed session", "session_id", bs.ID, "deployment_id", live.ID)
	return nil
}

func (s *sessionService) enqueueRetire(dbc dbctx.Context, bs *types.BuildSession, live *types.Deployment) error {
	_, err := s.jobs.Enqueue(dbc, EnqueueRequest{
		OwnerUserID: bs.OwnerUserID,
		JobType:     pipeline.JobDeploymentRetire,
		EntityType:  "deployment",
		EntityID:    &live.ID,
		Payload: map[string]any{
			"deployment_id": live.ID.String(),
			"drop_route":    true,
		},
		MaxAttempts: 3,
	})
	return err
}

func (s *sessionService) stopped(dbc dbctx.Context, bs *types.BuildSession) {
	id := bs.ID
	if err := s.events.Emit(dbc.Ctx, id, types.EventThinking, "Stopped. Start a new build whenever you're ready.", bs.Progress, map[string]any{
		"state": types.StateStopped,
		"code":  builder.CodeStopped,
	}); err != nil {
		s.log.Warn("stop event append failed", "session_id", id, "error", err)
	}
	observability.Current().IncSessionOutcome(string(types.StateStopped), "idle")
	s.log.Info("session stopped", "session_id", id)
}
