package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yungbote/appforge-backend/internal/data/repos"
	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

type JanitorConfig struct {
	// Schedule is a five-field cron expression.
	Schedule        string
	ProvisioningTTL time.Duration
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.Schedule == "" {
		c.Schedule = "*/5 * * * *"
	}
	if c.ProvisioningTTL <= 0 {
		c.ProvisioningTTL = 15 * time.Minute
	}
	return c
}

type IndexRebuilder interface {
	RebuildIndex(ctx context.Context) (int, error)
}

type DeploymentRetirer interface {
	Retire(ctx context.Context, dep *types.Deployment, dropRoute bool) error
}

// Janitor runs periodic housekeeping: the keyword index is rebuilt from the
// library table and deployments stuck in provisioning are failed and freed.
type Janitor struct {
	log     *logger.Logger
	deploys repos.DeploymentRepo
	index   IndexRebuilder
	retirer DeploymentRetirer
	cfg     JanitorConfig
	cron    *cron.Cron
}

func NewJanitor(baseLog *logger.Logger, deploys repos.DeploymentRepo, index IndexRebuilder, retirer DeploymentRetirer, cfg JanitorConfig) (*Janitor, error) {
	cfg = cfg.withDefaults()
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", cfg.Schedule, err)
	}
	return &Janitor{
		log:     baseLog.With("service", "Janitor"),
		deploys: deploys,
		index:   index,
		retirer: retirer,
		cfg:     cfg,
		cron:    cron.New(cron.WithParser(parser)),
	}, nil
}

// Start schedules the sweep and returns immediately. The scheduler stops when
// ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() { j.Sweep(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info("janitor scheduled", "schedule", j.cfg.Schedule)
	go func() {
		<-ctx.Done()
		<-j.cron.Stop().Done()
	}()
	return nil
}

// Sweep runs one pass of every task.
func (j *Janitor) Sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if j.index != nil {
		if n, err := j.index.RebuildIndex(ctx); err != nil {
			j.log.Warn("keyword index rebuild failed", "error", err)
		} else {
			j.log.Debug("keyword index rebuilt", "documents", n)
		}
	}
	if n, err := j.FailStuckProvisioning(ctx); err != nil {
		j.log.Warn("stuck deployment sweep failed", "error", err)
	} else if n > 0 {
		j.log.Info("failed stuck deployments", "count", n)
	}
}

func (j *Janitor) FailStuckProvisioning(ctx context.Context) (int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	stuck, err := j.deploys.ListStuckProvisioning(dbc, time.Now().UTC().Add(-j.cfg.ProvisioningTTL))
	if err != nil {
		return 0, err
	}
	done := 0
	for _, dep := range stuck {
		if err := j.deploys.UpdateFields(dbc, dep.ID, map[string]interface{}{
			"status": types.DeploymentFailed,
			"error":  fmt.Sprintf("provisioning exceeded %s", j.cfg.ProvisioningTTL),
		}); err != nil {
			j.log.Warn("could not fail stuck deployment", "deployment_id", dep.ID, "error", err)
			continue
		}
		if j.retirer != nil && dep.InstanceRef != "" {
			if err := j.retirer.Retire(ctx, dep, false); err != nil {
				j.log.Warn("could not free stuck deployment", "deployment_id", dep.ID, "error", err)
			}
		}
		done++
	}
	return done, nil
}
