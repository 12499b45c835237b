// Package deploy chooses a hosting tier for an accepted artifact and rolls it
// out behind the session's subdomain. Rollouts are swap-then-retire: the new
// instance is live and routed before the previous one is torn down.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	types "github.com/yungbote/appforge-backend/internal/domain"
	"github.com/yungbote/appforge-backend/internal/data/repos"
	"github.com/yungbote/appforge-backend/internal/modules/builder"
	"github.com/yungbote/appforge-backend/internal/modules/builder/artifact"
	"github.com/yungbote/appforge-backend/internal/modules/builder/routing"
	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/dbctx"
	"github.com/yungbote/appforge-backend/internal/platform/dockercli"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/platform/sitestore"
)

// ContainerProvider is satisfied by *dockercli.Docker.
type ContainerProvider interface {
	Build(ctx context.Context, tag, entry string, files map[string][]byte) error
	Run(ctx context.Context, spec dockercli.RunSpec) (string, string, error)
	// Ready returns once the named container answers on target.
	Ready(ctx context.Context, name, target string) error
	Remove(ctx context.Context, name string) error
	RemoveImage(ctx context.Context, tag string) error
	RemoveVolume(ctx context.Context, name string) error
}

// Registrar is satisfied by *routing.Table.
type Registrar interface {
	Register(ctx context.Context, subdomain string, sessionID, deploymentID uuid.UUID, target string) error
	Deregister(ctx context.Context, subdomain string) error
}

type Config struct {
	BaseDomain   string
	Scheme       string
	SitePrefix   string
	BuildTimeout time.Duration
	RunTimeout   time.Duration
	RouteTimeout time.Duration
	// RouterEntrypoint is the Traefik entrypoint named in container labels.
	RouterEntrypoint string
}

func (c Config) withDefaults() Config {
	if c.BaseDomain == "" {
		c.BaseDomain = "apps.localhost"
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.SitePrefix == "" {
		c.SitePrefix = "sites"
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 5 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = time.Minute
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 10 * time.Second
	}
	if c.RouterEntrypoint == "" {
		c.RouterEntrypoint = "web"
	}
	return c
}

type Input struct {
	Session      *types.BuildSession
	AttemptID    uuid.UUID
	AttemptIndex int
	Artifact     *artifact.Artifact
	// Canceled is consulted before every step.
	Canceled func() bool
	// OnStep reports a human-readable step name.
	OnStep func(step string)
}

type Orchestrator struct {
	log        *logger.Logger
	sessions   repos.SessionRepo
	deploys    repos.DeploymentRepo
	registrar  Registrar
	store      sitestore.Store
	containers ContainerProvider
	cfg        Config
}

func NewOrchestrator(log *logger.Logger, sessions repos.SessionRepo, deploys repos.DeploymentRepo, registrar Registrar, store sitestore.Store, containers ContainerProvider, cfg Config) *Orchestrator {
	return &Orchestrator{
		log:        log.With("service", "DeployOrchestrator"),
		sessions:   sessions,
		deploys:    deploys,
		registrar:  registrar,
		store:      store,
		containers: containers,
		cfg:        cfg.withDefaults(),
	}
}

func (o *Orchestrator) URL(subdomain string) string {
	if subdomain == "" {
		return ""
	}
	return o.cfg.Scheme + "://" + subdomain + "." + o.cfg.BaseDomain
}

// TierFor picks containerized hosting for anything that stores data or runs
// server code.
func TierFor(a *artifact.Artifact) types.DeploymentTier {
	if a != nil && a.NeedsContainer() {
		return types.DeployTierContainerized
	}
	return types.DeployTierStatic
}

// Deploy rolls out a session's first accepted artifact. If the session already
// has a live deployment it behaves like UpdateInPlace.
func (o *Orchestrator) Deploy(ctx context.Context, in Input) (*types.Deployment, error) {
	return o.rollout(ctx, in, "deploy")
}

// UpdateInPlace replaces the live deployment after a modification. The address
// stays the same: static content is published under a fresh prefix and
// containers are rebuilt, and either is routed only once complete.
func (o *Orchestrator) UpdateInPlace(ctx context.Context, in Input) (*types.Deployment, error) {
	return o.rollout(ctx, in, "update")
}

func (o *Orchestrator) rollout(ctx context.Context, in Input, kind string) (*types.Deployment, error) {
	if in.Session == nil || in.Artifact == nil {
		return nil, fmt.Errorf("deploy: session and artifact required")
	}
	tier := TierFor(in.Artifact)
	ctx, span := observability.StartSpan(ctx, "deploy."+kind,
		attribute.String("session_id", in.Session.ID.String()),
		attribute.String("tier", string(tier)),
	)
	defer span.End()
	start := time.Now()

	dep, err := o.rolloutTier(ctx, in, tier)
	status := "live"
	switch {
	case errors.Is(err, builder.ErrStopped):
		status = "stopped"
	case err != nil:
		status = "failed"
		span.RecordError(err)
	}
	observability.Current().ObserveDeploy(string(tier), kind, status, time.Since(start))
	return dep, err
}

func (o *Orchestrator) step(in Input, name string) error {
	if in.Canceled != nil && in.Canceled() {
		return builder.ErrStopped
	}
	if in.OnStep != nil {
		in.OnStep(name)
	}
	return nil
}

func (o *Orchestrator) rolloutTier(ctx context.Context, in Input, tier types.DeploymentTier) (*types.Deployment, error) {
	s := in.Session
	if err := o.step(in, "allocating address"); err != nil {
		return nil, err
	}
	sub, err := AllocateSubdomain(ctx, o.sessions, s)
	if err != nil {
		return nil, builder.NewError(builder.CodeDeployRouteFailed, "could not allocate an address", err)
	}
	prev, err := o.deploys.GetLive(dbctx.Context{Ctx: ctx}, s.ID)
	if err != nil {
		return nil, fmt.Errorf("load live deployment: %w", err)
	}

	dep := &types.Deployment{
		SessionID: s.ID,
		AttemptID: in.AttemptID,
		Tier:      tier,
		Subdomain: sub,
		Manifest:  manifestJSON(in.Artifact.Manifest()),
	}
	if err := o.deploys.Create(dbctx.Context{Ctx: ctx}, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	log := o.log.With("session_id", s.ID, "deployment_id", dep.ID, "subdomain", sub, "tier", tier)

	var target string
	switch tier {
	case types.DeployTierContainerized:
		target, err = o.launchContainer(ctx, in, dep)
	default:
		target, err = o.publishStatic(ctx, in, dep, prev)
	}
	if err != nil {
		o.abort(ctx, dep, err)
		log.Warn("rollout failed before routing", "error", err)
		return nil, err
	}

	if err := o.step(in, "connecting address"); err != nil {
		o.abort(ctx, dep, err)
		return nil, err
	}
	routeCtx, cancel := context.WithTimeout(ctx, o.cfg.RouteTimeout)
	err = o.registrar.Register(routeCtx, sub, s.ID, dep.ID, target)
	cancel()
	if err != nil {
		o.abort(ctx, dep, err)
		// The old target is still registered, so the previous app keeps serving.
		return nil, builder.NewError(builder.CodeDeployRouteFailed, "could not register the app address", err)
	}

	retired, err := o.deploys.Promote(dbctx.Context{Ctx: ctx}, s.ID, dep.ID)
	if err != nil {
		o.restoreRoute(ctx, sub, prev)
		o.abort(ctx, dep, err)
		return nil, builder.NewError(builder.CodeDeployRouteFailed, "could not promote the deployment", err)
	}
	dep.Status = types.DeploymentLive
	dep.Target = target
	s.CurrentDeploymentID = &dep.ID

	if retired != nil {
		o.teardown(ctx, retired, dep)
	}
	log.Info("deployment live", "target", target, "replaced", retired != nil)
	return dep, nil
}

func manifestJSON(m map[string]string) datatypes.JSON {
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func manifestOf(d *types.Deployment) map[string]string {
	out := map[string]string{}
	if d == nil || len(d.Manifest) == 0 {
		return out
	}
	_ = json.Unmarshal(d.Manifest, &out)
	return out
}

// siteRoot holds every rollout of one subdomain.
func (o *Orchestrator) siteRoot(sub string) string {
	return strings.Trim(o.cfg.SitePrefix, "/") + "/" + sub + "/"
}

func (o *Orchestrator) rolloutPrefix(sub string, id uuid.UUID) string {
	return o.siteRoot(sub) + id.String() + "/"
}

// publishStatic writes the complete artifact under a prefix owned by this
// deployment. The live prefix is never written to, so a failed publish leaves
// the served site untouched.
func (o *Orchestrator) publishStatic(ctx context.Context, in Input, dep *types.Deployment, prev *types.Deployment) (string, error) {
	if err := o.step(in, "publishing files"); err != nil {
		return "", err
	}
	prefix := o.rolloutPrefix(dep.Subdomain, dep.ID)
	target := routing.StorePrefix + prefix
	if err := o.deploys.UpdateFields(dbctx.Context{Ctx: ctx}, dep.ID, map[string]interface{}{
		"artifact_ref": prefix,
		"target":       target,
	}); err != nil {
		return "", fmt.Errorf("record static target: %w", err)
	}
	dep.ArtifactRef = prefix

	if prev != nil && prev.Tier == types.DeployTierStatic {
		changed, removed := in.Artifact.Diff(manifestOf(prev))
		o.log.Debug("static update", "deployment_id", dep.ID, "changed", len(changed), "removed", len(removed))
	}

	files := append([]artifact.File(nil), in.Artifact.Files...)
	entry := in.Artifact.Entry
	if entry != "" && entry != "index.html" {
		if f, ok := in.Artifact.File(entry); ok {
			if _, has := in.Artifact.File("index.html"); !has {
				files = append(files, artifact.File{Path: "index.html", Content: f.Content})
			}
		}
	}

	putCtx, cancel := context.WithTimeout(ctx, o.cfg.BuildTimeout)
	defer cancel()
	for _, f := range files {
		if err := o.store.Put(putCtx, prefix+f.Path, bytes.NewReader([]byte(f.Content))); err != nil {
			return "", builder.NewError(builder.CodeDeployBuildFailed, "could not publish "+f.Path, err)
		}
	}
	return target, nil
}

func (o *Orchestrator) imageTag(sessionID uuid.UUID, attempt int) string {
	return fmt.Sprintf("appforge-app-%s:%d", sessionID, attempt)
}

func containerName(sub string, attempt int) string {
	return fmt.Sprintf("app-%s-%d", sub, attempt)
}

// dataVolume survives container swaps so persisted apps keep their data
// across rebuilds.
func dataVolume(sessionID uuid.UUID) string {
	return "appforge-data-" + sessionID.String()
}

// Labels let a Traefik front door route the container directly when the
// built-in proxy is not in use.
func (o *Orchestrator) labels(sub string, sessionID uuid.UUID) map[string]string {
	router := "traefik.http.routers.appforge-" + sub
	return map[string]string{
		"appforge.session":      sessionID.String(),
		"appforge.subdomain":    sub,
		"traefik.enable":        "true",
		router + ".rule":        "Host(`" + sub + "." + o.cfg.BaseDomain + "`)",
		router + ".entrypoints": o.cfg.RouterEntrypoint,
	}
}

func (o *Orchestrator) launchContainer(ctx context.Context, in Input, dep *types.Deployment) (string, error) {
	if o.containers == nil {
		return "", builder.NewError(builder.CodeDeployBuildFailed, "container hosting is not configured", nil)
	}
	if err := o.step(in, "building image"); err != nil {
		return "", err
	}
	tag := o.imageTag(dep.SessionID, in.AttemptIndex)
	name := containerName(dep.Subdomain, in.AttemptIndex)
	if err := o.deploys.UpdateFields(dbctx.Context{Ctx: ctx}, dep.ID, map[string]interface{}{
		"artifact_ref": tag,
		"instance_ref": name,
	}); err != nil {
		return "", fmt.Errorf("record container refs: %w", err)
	}
	dep.ArtifactRef = tag
	dep.InstanceRef = name

	entry := in.Artifact.Entry
	if entry == "" {
		entry = "server.js"
	}
	buildCtx, cancel := context.WithTimeout(ctx, o.cfg.BuildTimeout)
	err := o.containers.Build(buildCtx, tag, entry, in.Artifact.Contents())
	cancel()
	if err != nil {
		return "", builder.NewError(builder.CodeDeployBuildFailed, "the app failed to build", timeoutAware(buildCtx, err))
	}

	if err := o.step(in, "starting app"); err != nil {
		return "", err
	}
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()
	_, target, err := o.containers.Run(runCtx, dockercli.RunSpec{
		Name:    name,
		Image:   tag,
		Labels:  o.labels(dep.Subdomain, dep.SessionID),
		Env:     map[string]string{"APP_DATA_DIR": "/data"},
		Volumes: map[string]string{dataVolume(dep.SessionID): "/data"},
	})
	if err != nil {
		return "", builder.NewError(builder.CodeDeployBuildFailed, "the app failed to start", timeoutAware(runCtx, err))
	}
	if err := o.step(in, "waiting for app"); err != nil {
		return "", err
	}
	if err := o.containers.Ready(runCtx, name, target); err != nil {
		return "", builder.NewError(builder.CodeDeployBuildFailed, "the app did not become ready", timeoutAware(runCtx, err))
	}
	if err := o.deploys.UpdateFields(dbctx.Context{Ctx: ctx}, dep.ID, map[string]interface{}{"target": target}); err != nil {
		return "", fmt.Errorf("record container target: %w", err)
	}
	return target, nil
}

func timeoutAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w (%s)", err, builder.CodeProviderTimeout)
	}
	return err
}

// abort marks a provisioning deployment failed and removes anything it started.
// It never touches the live deployment.
func (o *Orchestrator) abort(ctx context.Context, dep *types.Deployment, cause error) {
	status := types.DeploymentFailed
	if errors.Is(cause, builder.ErrStopped) {
		status = types.DeploymentStopped
	}
	cleanCtx := context.WithoutCancel(ctx)
	if err := o.deploys.UpdateFields(dbctx.Context{Ctx: cleanCtx}, dep.ID, map[string]interface{}{
		"status": status,
		"error":  errString(cause),
	}); err != nil {
		o.log.Warn("could not mark deployment aborted", "deployment_id", dep.ID, "error", err)
	}
	switch {
	case dep.Tier == types.DeployTierContainerized && o.containers != nil:
		if dep.InstanceRef != "" {
			_ = o.containers.Remove(cleanCtx, dep.InstanceRef)
		}
		if dep.ArtifactRef != "" {
			_ = o.containers.RemoveImage(cleanCtx, dep.ArtifactRef)
		}
	case dep.Tier == types.DeployTierStatic && dep.ArtifactRef != "":
		if err := o.store.DeletePrefix(cleanCtx, dep.ArtifactRef); err != nil {
			o.log.Warn("aborted site files not removed", "prefix", dep.ArtifactRef, "error", err)
		}
	}
}

func (o *Orchestrator) restoreRoute(ctx context.Context, sub string, prev *types.Deployment) {
	cleanCtx := context.WithoutCancel(ctx)
	var err error
	if prev == nil {
		err = o.registrar.Deregister(cleanCtx, sub)
	} else {
		err = o.registrar.Register(cleanCtx, prev.Subdomain, prev.SessionID, prev.ID, prev.Target)
	}
	if err != nil {
		o.log.Error("could not restore previous route", "subdomain", sub, "error", err)
	}
}

// teardown releases what the retired deployment held that the new one does not
// reuse. The data volume is shared across rollouts and stays.
func (o *Orchestrator) teardown(ctx context.Context, retired, next *types.Deployment) {
	cleanCtx := context.WithoutCancel(ctx)
	switch retired.Tier {
	case types.DeployTierContainerized:
		if o.containers == nil {
			return
		}
		if retired.InstanceRef != "" && retired.InstanceRef != next.InstanceRef {
			if err := o.containers.Remove(cleanCtx, retired.InstanceRef); err != nil {
				o.log.Warn("old container not removed", "container", retired.InstanceRef, "error", err)
			}
		}
		if retired.ArtifactRef != "" && retired.ArtifactRef != next.ArtifactRef {
			_ = o.containers.RemoveImage(cleanCtx, retired.ArtifactRef)
		}
	case types.DeployTierStatic:
		// Never drop a prefix that contains the new rollout.
		if retired.ArtifactRef != "" && !strings.HasPrefix(next.ArtifactRef, retired.ArtifactRef) {
			if err := o.store.DeletePrefix(cleanCtx, retired.ArtifactRef); err != nil {
				o.log.Warn("old site files not removed", "prefix", retired.ArtifactRef, "error", err)
			}
		}
	}
}

// Retire stops a deployment and frees its resources. When dropRoute is set the
// session's address is deregistered too, which is what stopping a session does.
func (o *Orchestrator) Retire(ctx context.Context, dep *types.Deployment, dropRoute bool) error {
	if dep == nil {
		return nil
	}
	if _, err := o.deploys.MarkStopped(dbctx.Context{Ctx: ctx}, dep.ID); err != nil {
		return fmt.Errorf("mark deployment stopped: %w", err)
	}
	if dropRoute && dep.Subdomain != "" {
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RouteTimeout)
		err := o.registrar.Deregister(rctx, dep.Subdomain)
		cancel()
		if err != nil {
			return builder.NewError(builder.CodeDeployRouteFailed, "could not remove the app address", err)
		}
	}
	switch dep.Tier {
	case types.DeployTierContainerized:
		if o.containers != nil {
			if err := o.containers.Remove(ctx, dep.InstanceRef); err != nil {
				return fmt.Errorf("remove container: %w", err)
			}
			_ = o.containers.RemoveImage(ctx, dep.ArtifactRef)
			if dropRoute {
				if err := o.containers.RemoveVolume(ctx, dataVolume(dep.SessionID)); err != nil {
					return fmt.Errorf("remove data volume: %w", err)
				}
			}
		}
	case types.DeployTierStatic:
		if dropRoute && dep.Subdomain != "" {
			if err := o.store.DeletePrefix(ctx, o.siteRoot(dep.Subdomain)); err != nil {
				return fmt.Errorf("delete site files: %w", err)
			}
		}
	}
	o.log.Info("deployment retired", "deployment_id", dep.ID, "subdomain", dep.Subdomain, "route_dropped", dropRoute)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
