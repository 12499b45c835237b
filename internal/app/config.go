package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/yungbote/appforge-backend/internal/platform/envutil"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

// Duration reads "90s"-style strings from TOML.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func dur(d time.Duration) Duration { return Duration{d} }

type Config struct {
	Server        ServerConfig        `toml:"server"`
	Database      DatabaseConfig      `toml:"database"`
	Worker        WorkerConfig        `toml:"worker"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Reuse         ReuseConfig         `toml:"reuse"`
	Generation    GenerationConfig    `toml:"generation"`
	Deploy        DeployConfig        `toml:"deploy"`
	Auth          AuthConfig          `toml:"auth"`
	Realtime      RealtimeConfig      `toml:"realtime"`
	Observability ObservabilityConfig `toml:"observability"`
	CORS          CORSConfig          `toml:"cors"`
	Janitor       JanitorConfig       `toml:"janitor"`
}

type ServerConfig struct {
	Addr        string `toml:"addr"`
	ServiceName string `toml:"service_name"`
	Environment string `toml:"environment"`
	Version     string `toml:"version"`
}

type DatabaseConfig struct {
	Driver       string   `toml:"driver"`
	DSN          string   `toml:"dsn"`
	MaxOpenConns int      `toml:"max_open_conns"`
	SlowQuery    Duration `toml:"slow_query"`
}

type WorkerConfig struct {
	Concurrency  int      `toml:"concurrency"`
	PollInterval Duration `toml:"poll_interval"`
	RetryDelay   Duration `toml:"retry_delay"`
	StaleRunning Duration `toml:"stale_running"`
}

type PipelineConfig struct {
	RetryCeiling      int      `toml:"retry_ceiling"`
	MaxRequestChars   int      `toml:"max_request_chars"`
	GenerationTimeout Duration `toml:"generation_timeout"`
	BuildTimeout      Duration `toml:"build_timeout"`
	RunTimeout        Duration `toml:"run_timeout"`
	RouteTimeout      Duration `toml:"route_timeout"`
}

type ReuseConfig struct {
	Enabled             bool    `toml:"enabled"`
	Threshold           float64 `toml:"threshold"`
	GrayFloor           float64 `toml:"gray_floor"`
	SemanticWeight      float64 `toml:"semantic_weight"`
	KeywordWeight       float64 `toml:"keyword_weight"`
	CandidateLimit      int     `toml:"candidate_limit"`
	MinBodyBytes        int     `toml:"min_body_bytes"`
	DuplicateSimilarity float64 `toml:"duplicate_similarity"`
}

type GenerationConfig struct {
	// Provider is "openai" or "eino".
	Provider    string `toml:"provider"`
	APIKey      string `toml:"api_key"`
	BaseURL     string `toml:"base_url"`
	CheapModel  string `toml:"cheap_model"`
	StrongModel string `toml:"strong_model"`
	EmbedModel  string `toml:"embed_model"`
	MaxRetries  int    `toml:"max_retries"`
}

type DeployConfig struct {
	BaseDomain string `toml:"base_domain"`
	Scheme     string `toml:"scheme"`
	// StaticBackend is "local" or "gcs".
	StaticBackend    string   `toml:"static_backend"`
	SiteRoot         string   `toml:"site_root"`
	Bucket           string   `toml:"bucket"`
	EmulatorHost     string   `toml:"emulator_host"`
	Credentials      string   `toml:"credentials"`
	DockerBinary     string   `toml:"docker_binary"`
	DockerNetwork    string   `toml:"docker_network"`
	ContainerPort    int      `toml:"container_port"`
	Memory           string   `toml:"memory"`
	PublishHost      string   `toml:"publish_host"`
	ReadyPath        string   `toml:"ready_path"`
	RouterEntrypoint string   `toml:"router_entrypoint"`
	RouteCacheTTL    Duration `toml:"route_cache_ttl"`
}

type AuthConfig struct {
	// Mode is "jwt" or "dev".
	Mode   string `toml:"mode"`
	Secret string `toml:"secret"`
	Issuer string `toml:"issuer"`
}

type RealtimeConfig struct {
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	Channel       string   `toml:"channel"`
	ClientBuffer  int      `toml:"client_buffer"`
	Heartbeat     Duration `toml:"heartbeat"`
}

type ObservabilityConfig struct {
	OtelEnabled    bool    `toml:"otel_enabled"`
	OtelEndpoint   string  `toml:"otel_endpoint"`
	OtelHeaders    string  `toml:"otel_headers"`
	OtelInsecure   bool    `toml:"otel_insecure"`
	SampleRatio    float64 `toml:"sample_ratio"`
	MetricsEnabled bool    `toml:"metrics_enabled"`
}

type CORSConfig struct {
	Origins []string `toml:"origins"`
}

type JanitorConfig struct {
	Schedule        string   `toml:"schedule"`
	ProvisioningTTL Duration `toml:"provisioning_ttl"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			ServiceName: "appforge",
			Environment: "development",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 20,
			SlowQuery:    dur(time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: dur(time.Second),
			RetryDelay:   dur(5 * time.Second),
			StaleRunning: dur(2 * time.Minute),
		},
		Pipeline: PipelineConfig{
			RetryCeiling:      3,
			MaxRequestChars:   4000,
			GenerationTimeout: dur(3 * time.Minute),
			BuildTimeout:      dur(5 * time.Minute),
			RunTimeout:        dur(time.Minute),
			RouteTimeout:      dur(10 * time.Second),
		},
		Reuse: ReuseConfig{
			Enabled:             true,
			Threshold:           0.80,
			GrayFloor:           0.60,
			SemanticWeight:      0.7,
			KeywordWeight:       0.3,
			CandidateLimit:      5,
			MinBodyBytes:        500,
			DuplicateSimilarity: 0.85,
		},
		Generation: GenerationConfig{
			Provider:    "openai",
			CheapModel:  "gpt-4.1-mini",
			StrongModel: "gpt-4.1",
			EmbedModel:  "text-embedding-3-small",
			MaxRetries:  2,
		},
		Deploy: DeployConfig{
			BaseDomain:       "apps.localhost",
			Scheme:           "http",
			StaticBackend:    "local",
			SiteRoot:         "./data/sites",
			DockerBinary:     "docker",
			ContainerPort:    3000,
			Memory:           "256m",
			PublishHost:      "127.0.0.1",
			ReadyPath:        "/",
			RouterEntrypoint: "web",
			RouteCacheTTL:    dur(5 * time.Second),
		},
		Auth: AuthConfig{
			Mode:   "jwt",
			Issuer: "appforge",
		},
		Realtime: RealtimeConfig{
			Channel:      "appforge:session-events",
			ClientBuffer: 64,
			Heartbeat:    dur(15 * time.Second),
		},
		Observability: ObservabilityConfig{
			SampleRatio: 1,
		},
		Janitor: JanitorConfig{
			Schedule:        "*/5 * * * *",
			ProvisioningTTL: dur(15 * time.Minute),
		},
	}
}

// Load applies defaults, then the TOML file at path (when non-empty and
// present), then environment overrides.
func Load(log *logger.Logger, path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			log.Warn("config file not found; using defaults", "path", path)
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.normalize(log); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envutil.String("APPFORGE_ADDR", c.Server.Addr)
	c.Server.ServiceName = envutil.String("OTEL_SERVICE_NAME", c.Server.ServiceName)
	c.Server.Environment = envutil.String("APP_ENV", c.Server.Environment)
	c.Server.Version = envutil.String("APP_VERSION", c.Server.Version)

	c.Database.Driver = envutil.String("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envutil.String("DATABASE_URL", c.Database.DSN)
	c.Database.MaxOpenConns = envutil.Int("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.SlowQuery.Duration = envutil.Duration("DB_SLOW_QUERY", c.Database.SlowQuery.Duration)

	c.Worker.Concurrency = envutil.Int("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.PollInterval.Duration = envutil.Duration("WORKER_POLL_INTERVAL", c.Worker.PollInterval.Duration)
	c.Worker.RetryDelay.Duration = envutil.Duration("WORKER_RETRY_DELAY", c.Worker.RetryDelay.Duration)
	c.Worker.StaleRunning.Duration = envutil.Duration("WORKER_STALE_RUNNING", c.Worker.StaleRunning.Duration)

	c.Pipeline.RetryCeiling = envutil.Int("PIPELINE_RETRY_CEILING", c.Pipeline.RetryCeiling)
	c.Pipeline.MaxRequestChars = envutil.Int("PIPELINE_MAX_REQUEST_CHARS", c.Pipeline.MaxRequestChars)
	c.Pipeline.GenerationTimeout.Duration = envutil.Duration("PIPELINE_GENERATION_TIMEOUT", c.Pipeline.GenerationTimeout.Duration)
	c.Pipeline.BuildTimeout.Duration = envutil.Duration("PIPELINE_BUILD_TIMEOUT", c.Pipeline.BuildTimeout.Duration)
	c.Pipeline.RunTimeout.Duration = envutil.Duration("PIPELINE_RUN_TIMEOUT", c.Pipeline.RunTimeout.Duration)
	c.Pipeline.RouteTimeout.Duration = envutil.Duration("PIPELINE_ROUTE_TIMEOUT", c.Pipeline.RouteTimeout.Duration)

	c.Reuse.Enabled = envutil.Bool("REUSE_ENABLED", c.Reuse.Enabled)
	c.Reuse.Threshold = envutil.Float("REUSE_THRESHOLD", c.Reuse.Threshold)
	c.Reuse.GrayFloor = envutil.Float("REUSE_GRAY_FLOOR", c.Reuse.GrayFloor)
	c.Reuse.SemanticWeight = envutil.Float("REUSE_SEMANTIC_WEIGHT", c.Reuse.SemanticWeight)
	c.Reuse.KeywordWeight = envutil.Float("REUSE_KEYWORD_WEIGHT", c.Reuse.KeywordWeight)
	c.Reuse.CandidateLimit = envutil.Int("REUSE_CANDIDATE_LIMIT", c.Reuse.CandidateLimit)

	c.Generation.Provider = envutil.String("GENERATION_PROVIDER", c.Generation.Provider)
	c.Generation.APIKey = envutil.String("OPENAI_API_KEY", c.Generation.APIKey)
	c.Generation.BaseURL = envutil.String("OPENAI_BASE_URL", c.Generation.BaseURL)
	c.Generation.CheapModel = envutil.String("GENERATION_CHEAP_MODEL", c.Generation.CheapModel)
	c.Generation.StrongModel = envutil.String("GENERATION_STRONG_MODEL", c.Generation.StrongModel)
	c.Generation.EmbedModel = envutil.String("OPENAI_EMBED_MODEL", c.Generation.EmbedModel)

	c.Deploy.BaseDomain = envutil.String("APPS_BASE_DOMAIN", c.Deploy.BaseDomain)
	c.Deploy.Scheme = envutil.String("APPS_SCHEME", c.Deploy.Scheme)
	c.Deploy.StaticBackend = envutil.String("STATIC_BACKEND", c.Deploy.StaticBackend)
	c.Deploy.SiteRoot = envutil.String("STATIC_SITE_ROOT", c.Deploy.SiteRoot)
	c.Deploy.Bucket = envutil.String("STATIC_BUCKET", c.Deploy.Bucket)
	c.Deploy.EmulatorHost = envutil.String("STORAGE_EMULATOR_HOST", c.Deploy.EmulatorHost)
	c.Deploy.Credentials = envutil.String("GOOGLE_APPLICATION_CREDENTIALS", c.Deploy.Credentials)
	c.Deploy.DockerBinary = envutil.String("DOCKER_BINARY", c.Deploy.DockerBinary)
	c.Deploy.DockerNetwork = envutil.String("DOCKER_NETWORK", c.Deploy.DockerNetwork)
	c.Deploy.ContainerPort = envutil.Int("CONTAINER_PORT", c.Deploy.ContainerPort)
	c.Deploy.Memory = envutil.String("CONTAINER_MEMORY", c.Deploy.Memory)
	c.Deploy.ReadyPath = envutil.String("CONTAINER_READY_PATH", c.Deploy.ReadyPath)

	c.Auth.Mode = envutil.String("AUTH_MODE", c.Auth.Mode)
	c.Auth.Secret = envutil.String("JWT_SECRET_KEY", c.Auth.Secret)
	c.Auth.Issuer = envutil.String("JWT_ISSUER", c.Auth.Issuer)

	c.Realtime.RedisAddr = envutil.String("REDIS_ADDR", c.Realtime.RedisAddr)
	c.Realtime.RedisPassword = envutil.String("REDIS_PASSWORD", c.Realtime.RedisPassword)
	c.Realtime.RedisDB = envutil.Int("REDIS_DB", c.Realtime.RedisDB)
	c.Realtime.Channel = envutil.String("REDIS_CHANNEL", c.Realtime.Channel)

	c.Observability.OtelEnabled = envutil.Bool("OTEL_ENABLED", c.Observability.OtelEnabled)
	c.Observability.OtelEndpoint = envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", c.Observability.OtelEndpoint)
	c.Observability.OtelHeaders = envutil.String("OTEL_EXPORTER_OTLP_HEADERS", c.Observability.OtelHeaders)
	c.Observability.OtelInsecure = envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", c.Observability.OtelInsecure)
	c.Observability.SampleRatio = envutil.Float("OTEL_SAMPLE_RATIO", c.Observability.SampleRatio)
	c.Observability.MetricsEnabled = envutil.Bool("METRICS_ENABLED", c.Observability.MetricsEnabled)

	c.CORS.Origins = envutil.List("CORS_ORIGINS", c.CORS.Origins)

	c.Janitor.Schedule = envutil.String("JANITOR_SCHEDULE", c.Janitor.Schedule)
	c.Janitor.ProvisioningTTL.Duration = envutil.Duration("JANITOR_PROVISIONING_TTL", c.Janitor.ProvisioningTTL.Duration)
}

// normalize resets out-of-range values to defaults with a warning. A retry
// ceiling below one is an error.
func (c *Config) normalize(log *logger.Logger) error {
	if c.Pipeline.RetryCeiling < 1 {
		return fmt.Errorf("pipeline.retry_ceiling must be at least 1, got %d", c.Pipeline.RetryCeiling)
	}
	def := Default()
	warn := func(field string, got, used any) {
		log.Warn("invalid config value; using default", "field", field, "value", got, "default", used)
	}
	if c.Worker.Concurrency < 1 {
		warn("worker.concurrency", c.Worker.Concurrency, def.Worker.Concurrency)
		c.Worker.Concurrency = def.Worker.Concurrency
	}
	if c.Reuse.Threshold <= 0 || c.Reuse.Threshold > 1 {
		warn("reuse.threshold", c.Reuse.Threshold, def.Reuse.Threshold)
		c.Reuse.Threshold = def.Reuse.Threshold
	}
	if c.Reuse.GrayFloor <= 0 || c.Reuse.GrayFloor >= c.Reuse.Threshold {
		warn("reuse.gray_floor", c.Reuse.GrayFloor, def.Reuse.GrayFloor)
		c.Reuse.GrayFloor = def.Reuse.GrayFloor
	}
	switch p := strings.ToLower(strings.TrimSpace(c.Generation.Provider)); p {
	case "openai", "eino":
		c.Generation.Provider = p
	default:
		warn("generation.provider", c.Generation.Provider, def.Generation.Provider)
		c.Generation.Provider = def.Generation.Provider
	}
	switch b := strings.ToLower(strings.TrimSpace(c.Deploy.StaticBackend)); b {
	case "local", "gcs", "gcs_emulator":
		c.Deploy.StaticBackend = b
	default:
		warn("deploy.static_backend", c.Deploy.StaticBackend, def.Deploy.StaticBackend)
		c.Deploy.StaticBackend = def.Deploy.StaticBackend
	}
	switch m := strings.ToLower(strings.TrimSpace(c.Auth.Mode)); m {
	case "jwt", "dev":
		c.Auth.Mode = m
	default:
		warn("auth.mode", c.Auth.Mode, def.Auth.Mode)
		c.Auth.Mode = def.Auth.Mode
	}
	if c.Deploy.ContainerPort <= 0 || c.Deploy.ContainerPort > 65535 {
		warn("deploy.container_port", c.Deploy.ContainerPort, def.Deploy.ContainerPort)
		c.Deploy.ContainerPort = def.Deploy.ContainerPort
	}
	if c.Realtime.Heartbeat.Duration <= 0 {
		warn("realtime.heartbeat", c.Realtime.Heartbeat, def.Realtime.Heartbeat)
		c.Realtime.Heartbeat = def.Realtime.Heartbeat
	}
	return nil
}
