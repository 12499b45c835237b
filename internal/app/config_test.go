package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yungbote/appforge-backend/internal/platform/logger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appforge.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(logger.Nop(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.RetryCeiling != 3 || cfg.Reuse.Threshold != 0.80 || cfg.Reuse.GrayFloor != 0.60 {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Pipeline, cfg.Reuse)
	}
	if cfg.Deploy.Memory != "256m" || cfg.Janitor.Schedule != "*/5 * * * *" {
		t.Fatalf("unexpected deploy/janitor defaults %+v %+v", cfg.Deploy, cfg.Janitor)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
[pipeline]
retry_ceiling = 5
generation_timeout = "45s"

[generation]
provider = "eino"
cheap_model = "small"

[cors]
origins = ["https://forge.example"]
`)
	t.Setenv("GENERATION_CHEAP_MODEL", "smaller")
	t.Setenv("JANITOR_PROVISIONING_TTL", "30m")

	cfg, err := Load(logger.Nop(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.RetryCeiling != 5 || cfg.Pipeline.GenerationTimeout.Duration != 45*time.Second {
		t.Fatalf("pipeline: got=%+v", cfg.Pipeline)
	}
	if cfg.Generation.Provider != "eino" || cfg.Generation.CheapModel != "smaller" {
		t.Fatalf("generation: got=%+v", cfg.Generation)
	}
	if len(cfg.CORS.Origins) != 1 || cfg.CORS.Origins[0] != "https://forge.example" {
		t.Fatalf("cors: got=%v", cfg.CORS.Origins)
	}
	if cfg.Janitor.ProvisioningTTL.Duration != 30*time.Minute {
		t.Fatalf("janitor ttl: got=%v", cfg.Janitor.ProvisioningTTL)
	}
	// Untouched sections keep defaults.
	if cfg.Reuse.SemanticWeight != 0.7 {
		t.Fatalf("reuse defaults lost: %+v", cfg.Reuse)
	}
}

func TestLoadRejectsZeroRetryCeiling(t *testing.T) {
	path := writeConfig(t, "[pipeline]\nretry_ceiling = 0\n")
	if _, err := Load(logger.Nop(), path); err == nil {
		t.Fatalf("want error for retry_ceiling=0")
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	path := writeConfig(t, `
[reuse]
threshold = 1.7
gray_floor = 0.9

[generation]
provider = "mystery"

[auth]
mode = "sometimes"
`)
	cfg, err := Load(logger.Nop(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reuse.Threshold != 0.80 || cfg.Reuse.GrayFloor != 0.60 {
		t.Fatalf("reuse fallback: got=%+v", cfg.Reuse)
	}
	if cfg.Generation.Provider != "openai" || cfg.Auth.Mode != "jwt" {
		t.Fatalf("fallback provider/auth: got=%q %q", cfg.Generation.Provider, cfg.Auth.Mode)
	}
}

func TestLoadBadDurationFails(t *testing.T) {
	path := writeConfig(t, "[worker]\nretry_delay = \"soon\"\n")
	if _, err := Load(logger.Nop(), path); err == nil {
		t.Fatalf("want parse error")
	}
}
