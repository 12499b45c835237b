package pipeline

import (
	"fmt"

	"github.com/yungbote/appforge-backend/internal/jobs/runtime"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
)

const (
	JobSessionBuild     = "session_build"
	JobSessionModify    = "session_modify"
	JobDeploymentRetire = "deployment_retire"
)

// Register installs the pipeline's job handlers.
func (p *Pipeline) Register(reg *runtime.Registry) error {
	for _, h := range []runtime.Handler{
		runtime.HandlerFunc{JobType: JobSessionBuild, Fn: p.runBuildJob},
		runtime.HandlerFunc{JobType: JobSessionModify, Fn: p.runModifyJob},
		runtime.HandlerFunc{JobType: JobDeploymentRetire, Fn: p.runRetireJob},
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runBuildJob(jc *runtime.Context) error {
	id, ok := jc.PayloadUUID("session_id")
	if !ok {
		return fmt.Errorf("%s: missing session_id", JobSessionBuild)
	}
	jc.Progress("building")
	return p.RunInitial(jc.Ctx, id)
}

func (p *Pipeline) runModifyJob(jc *runtime.Context) error {
	id, ok := jc.PayloadUUID("session_id")
	if !ok {
		return fmt.Errorf("%s: missing session_id", JobSessionModify)
	}
	round, ok := jc.PayloadInt("round")
	if !ok {
		return fmt.Errorf("%s: missing round", JobSessionModify)
	}
	jc.Progress("modifying")
	return p.RunModify(jc.Ctx, id, round, jc.PayloadString("request"))
}

func (p *Pipeline) runRetireJob(jc *runtime.Context) error {
	id, ok := jc.PayloadUUID("deployment_id")
	if !ok {
		return fmt.Errorf("%s: missing deployment_id", JobDeploymentRetire)
	}
	dep, err := p.deploys.GetByID(dbctx.Context{Ctx: jc.Ctx}, id)
	if err != nil {
		return err
	}
	if dep == nil {
		return nil
	}
	jc.Progress("retiring")
	return p.deployer.Retire(jc.Ctx, dep, jc.PayloadString("drop_route") == "true")
}
