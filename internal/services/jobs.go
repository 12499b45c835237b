package services

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type EnqueueRequest struct {
	OwnerUserID uuid.UUID
	JobType     string
	EntityType  string
	EntityID    *uuid.UUID
	Payload     map[string]any
	MaxAttempts int
}

type JobService interface {
	Enqueue(dbc dbctx.Context, req EnqueueRequest) (*types.JobRun, error)
	// Kick wakes the worker after the enqueueing transaction committed.
	Kick()
}

type jobService struct {
	log  *logger.Logger
	repo repos.JobRunRepo
	kick func()
}

func NewJobService(baseLog *logger.Logger, repo repos.JobRunRepo, kick func()) JobService {
	return &jobService{
		log:  baseLog.With("service", "JobService"),
		repo: repo,
		kick: kick,
	}
}

func (s *jobService) Enqueue(dbc dbctx.Context, req EnqueueRequest) (*types.JobRun, error) {
	if req.OwnerUserID == uuid.Nil {
		return nil, fmt.Errorf("missing owner_user_id")
	}
	if req.JobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if td := ctxutil.GetTraceData(dbc.Ctx); td != nil {
		if _, ok := payload["trace_id"]; !ok && td.TraceID != "" {
			payload["trace_id"] = td.TraceID
		}
		if _, ok := payload["request_id"]; !ok && td.RequestID != "" {
			payload["request_id"] = td.RequestID
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	created, err := s.repo.Create(dbc, []*types.JobRun{{
		OwnerUserID: req.OwnerUserID,
		JobType:     req.JobType,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		MaxAttempts: req.MaxAttempts,
		Payload:     datatypes.JSON(b),
	}})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", req.JobType, err)
	}
	job := created[0]
	s.log.Debug("job enqueued", "job_id", job.ID, "job_type", job.JobType, "entity_id", req.EntityID)
	return job, nil
}

func (s *jobService) Kick() {
	if s.kick != nil {
		s.kick()
	}
}
