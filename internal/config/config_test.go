package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RT_ENGINE_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":50051" || cfg.Estimation.PriorRate != 0.2 || cfg.SerialInterval.W != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Estimation.Quantiles) != 7 {
		t.Fatalf("expected 7 default quantiles, got %v", cfg.Estimation.Quantiles)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	body := `
server:
  address: ":6000"
estimation:
  windowWidth: 5
  windowPolicy: sliding
projection:
  model: negative_binomial
  dispersion: 0.4
cache:
  snapshotTTL: 1m
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RT_ENGINE_METRICS_ADDRESS", ":9999")
	t.Setenv("RT_ENGINE_CACHE_ENABLED", "1")
	t.Setenv("RT_ENGINE_WORKERS", "3")
	t.Setenv("RT_ENGINE_PROJECTION_SEED", "77")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":6000" || cfg.Server.MetricsAddress != ":9999" {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Estimation.WindowWidth != 5 || cfg.Estimation.WindowPolicy != "sliding" {
		t.Fatalf("unexpected estimation config %+v", cfg.Estimation)
	}
	if cfg.Estimation.PriorShape != 1 {
		t.Fatalf("unset fields should keep their defaults")
	}
	if !cfg.Cache.Enabled || cfg.Cache.SnapshotTTL != time.Minute {
		t.Fatalf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Workers.Size != 3 || cfg.Projection.Seed != 77 || cfg.Projection.Dispersion != 0.4 {
		t.Fatalf("overrides not applied: workers=%d seed=%d", cfg.Workers.Size, cfg.Projection.Seed)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.SerialInterval.W = 2
	cfg.Projection.Model = "negative_binomial"
	cfg.Estimation.Quantiles = []float64{0.5, 1.2}
	cfg.SerialInterval.Uncertainty.Spread = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"w must lie", "dispersion", "quantile 1.2", "positive spread"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	noBurnin := Default()
	noBurnin.SerialInterval.Burnin = 0
	if err := noBurnin.Validate(); err != nil {
		t.Fatalf("zero burnin should validate: %v", err)
	}
}
