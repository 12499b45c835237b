package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	apphttp "github.com/yungbote/appforge-backend/internal/http"
	httpH "github.com/yungbote/appforge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/appforge-backend/internal/http/middleware"
	"github.com/yungbote/appforge-backend/internal/jobs/runtime"
	"github.com/yungbote/appforge-backend/internal/jobs/worker"
	"github.com/yungbote/appforge-backend/internal/modules/builder/classify"
	"github.com/yungbote/appforge-backend/internal/modules/builder/deploy"
	"github.com/yungbote/appforge-backend/internal/modules/builder/generate"
	"github.com/yungbote/appforge-backend/internal/modules/builder/pipeline"
	"github.com/yungbote/appforge-backend/internal/modules/builder/reuse"
	"github.com/yungbote/appforge-backend/internal/modules/builder/routing"
	"github.com/yungbote/appforge-backend/internal/modules/builder/validate"
	"github.com/yungbote/appforge-backend/internal/platform/dockercli"
	"github.com/yungbote/appforge-backend/internal/platform/einollm"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/platform/openai"
	"github.com/yungbote/appforge-backend/internal/realtime"
	"github.com/yungbote/appforge-backend/internal/realtime/bus"
	"github.com/yungbote/appforge-backend/internal/services"
)

func reuseConfig(c ReuseConfig) reuse.Config {
	return reuse.Config{
		Threshold:           c.Threshold,
		GrayFloor:           c.GrayFloor,
		SemanticWeight:      c.SemanticWeight,
		KeywordWeight:       c.KeywordWeight,
		CandidateLimit:      c.CandidateLimit,
		MinBodyBytes:        c.MinBodyBytes,
		DuplicateSimilarity: c.DuplicateSimilarity,
	}
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Cfg
	log := a.Log
	set := a.Repos

	// Push
	a.Hub = realtime.NewHub(log, cfg.Realtime.ClientBuffer)
	if strings.TrimSpace(cfg.Realtime.RedisAddr) != "" {
		b, err := bus.NewRedisBus(log, bus.RedisConfig{
			Addr:     cfg.Realtime.RedisAddr,
			Password: cfg.Realtime.RedisPassword,
			DB:       cfg.Realtime.RedisDB,
			Channel:  cfg.Realtime.Channel,
		})
		if err != nil {
			return fmt.Errorf("init redis event bus: %w", err)
		}
		a.Bus = b
	} else {
		a.Bus = bus.Local{Hub: a.Hub}
	}
	a.Events = services.NewEventLog(log, set.Events, a.Bus)

	// Providers
	streamer, embedder, err := wireProviders(log, cfg.Generation)
	if err != nil {
		return err
	}
	gen, err := generate.New(log, streamer, nil, generate.Config{
		CheapModel:  cfg.Generation.CheapModel,
		StrongModel: cfg.Generation.StrongModel,
		Timeout:     cfg.Pipeline.GenerationTimeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}
	cls, err := classify.New()
	if err != nil {
		return fmt.Errorf("init classifier: %w", err)
	}

	// Reuse
	kw, err := reuse.NewKeywordIndex()
	if err != nil {
		return fmt.Errorf("init keyword index: %w", err)
	}
	a.keywords = kw
	rcfg := reuseConfig(cfg.Reuse)
	engine := reuse.NewEngine(log, set.Library, set.Decisions, embedder, kw, rcfg)
	if n, err := engine.RebuildIndex(ctx); err != nil {
		log.Warn("keyword index rebuild failed", "error", err)
	} else {
		log.Info("keyword index built", "items", n)
	}
	var reuseEngine *reuse.Engine
	switch {
	case !cfg.Reuse.Enabled:
		log.Info("reuse search disabled")
	case embedder == nil:
		log.Warn("reuse search disabled; no embedding provider")
	default:
		reuseEngine = engine
	}

	// Deploy
	store, err := resolveSiteStore(ctx, log, cfg.Deploy)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	docker := dockercli.New(log, dockercli.Config{
		Binary:        cfg.Deploy.DockerBinary,
		Network:       cfg.Deploy.DockerNetwork,
		Memory:        cfg.Deploy.Memory,
		ContainerPort: cfg.Deploy.ContainerPort,
		PublishHost:   cfg.Deploy.PublishHost,
		ReadyPath:     cfg.Deploy.ReadyPath,
	}, dockercli.ExecRunner(cfg.Deploy.DockerBinary))
	table := routing.NewTable(log, set.Routes, cfg.Deploy.RouteCacheTTL.Duration)
	proxy := routing.NewProxy(log, table, store, cfg.Deploy.BaseDomain)
	orch := deploy.NewOrchestrator(log, set.Sessions, set.Deploys, table, store, docker, deploy.Config{
		BaseDomain:       cfg.Deploy.BaseDomain,
		Scheme:           cfg.Deploy.Scheme,
		BuildTimeout:     cfg.Pipeline.BuildTimeout.Duration,
		RunTimeout:       cfg.Pipeline.RunTimeout.Duration,
		RouteTimeout:     cfg.Pipeline.RouteTimeout.Duration,
		RouterEntrypoint: cfg.Deploy.RouterEntrypoint,
	})

	// Pipeline + jobs
	pipe, err := pipeline.New(pipeline.Deps{
		Log:        log,
		Sessions:   set.Sessions,
		Attempts:   set.Attempts,
		Deploys:    set.Deploys,
		Classifier: cls,
		Reuse:      reuseEngine,
		Generator:  gen,
		Validator:  validate.New(),
		Deployer:   orch,
		Events:     a.Events,
	}, pipeline.Config{RetryCeiling: cfg.Pipeline.RetryCeiling})
	if err != nil {
		return fmt.Errorf("init pipeline: %w", err)
	}
	registry := runtime.NewRegistry()
	if err := pipe.Register(registry); err != nil {
		return fmt.Errorf("register pipeline jobs: %w", err)
	}
	a.Worker = worker.NewWorker(a.DB, log, set.Jobs, registry, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval.Duration,
		RetryDelay:   cfg.Worker.RetryDelay.Duration,
		StaleRunning: cfg.Worker.StaleRunning.Duration,
	})
	jobs := services.NewJobService(log, set.Jobs, a.Worker.Kick)

	// Services
	a.Sessions = services.NewSessionService(a.DB, log, set.Sessions, set.Deploys, a.Events, jobs, orch.URL, services.SessionConfig{
		MaxRequestChars: cfg.Pipeline.MaxRequestChars,
	})
	library := services.NewLibraryService(log, set.Library, set.Decisions, kw, engine.Config())
	a.Janitor, err = services.NewJanitor(log, set.Deploys, engine, orch, services.JanitorConfig{
		Schedule:        cfg.Janitor.Schedule,
		ProvisioningTTL: cfg.Janitor.ProvisioningTTL.Duration,
	})
	if err != nil {
		return err
	}

	// HTTP
	a.Server = apphttp.NewServer(apphttp.RouterConfig{
		Log:            log,
		ServiceName:    otelServiceName(cfg),
		CORSOrigins:    cfg.CORS.Origins,
		AuthMiddleware: httpMW.NewAuthMiddleware(log, authConfig(cfg.Auth)),
		SessionHandler: httpH.NewSessionHandler(a.Sessions),
		StreamHandler: httpH.NewStreamHandler(log, a.Sessions, a.Events, a.Hub, httpH.StreamConfig{
			Heartbeat:      cfg.Realtime.Heartbeat.Duration,
			AllowedOrigins: cfg.CORS.Origins,
		}),
		LibraryHandler: httpH.NewLibraryHandler(library),
		HealthHandler:  httpH.NewHealthHandler(),
	}, proxy)
	return nil
}

func wireProviders(log *logger.Logger, cfg GenerationConfig) (generate.TextStreamer, reuse.Embedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, nil, fmt.Errorf("generation.api_key (OPENAI_API_KEY) is required")
	}
	oa, err := openai.NewClient(log, openai.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.CheapModel,
		EmbedModel: cfg.EmbedModel,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init openai client: %w", err)
	}
	if cfg.Provider != "eino" {
		return oa, oa, nil
	}
	es, err := einollm.New(log, einollm.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.CheapModel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init eino streamer: %w", err)
	}
	return es, oa, nil
}

func authConfig(c AuthConfig) httpMW.AuthConfig {
	return httpMW.AuthConfig{Mode: c.Mode, Secret: c.Secret, Issuer: c.Issuer}
}

// AuthFor exposes the middleware auth settings to the CLI token command.
func AuthFor(cfg Config) httpMW.AuthConfig { return authConfig(cfg.Auth) }

func otelServiceName(cfg Config) string {
	if !cfg.Observability.OtelEnabled {
		return ""
	}
	return cfg.Server.ServiceName
}
