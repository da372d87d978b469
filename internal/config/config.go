package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the renewal engine.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Clients        ClientsConfig        `yaml:"clients"`
	Logging        LoggingConfig        `yaml:"logging"`
	Cache          CacheConfig          `yaml:"cache"`
	Snapshots      SnapshotConfig       `yaml:"snapshots"`
	Workers        WorkersConfig        `yaml:"workers"`
	Estimation     EstimationConfig     `yaml:"estimation"`
	SerialInterval SerialIntervalConfig `yaml:"serialInterval"`
	Projection     ProjectionConfig     `yaml:"projection"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ClientsConfig groups integrations with upstream data services.
type ClientsConfig struct {
	Surveillance SurveillanceClientConfig `yaml:"surveillance"`
}

// SurveillanceClientConfig configures access to the surveillance data API.
type SurveillanceClientConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	IncidencePath string        `yaml:"incidencePath"`
	PairsPath     string        `yaml:"pairsPath"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"maxRetries"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of snapshots and upstream data.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
	IncidenceTTL time.Duration `yaml:"incidenceTTL"`
}

// SnapshotConfig controls on-disk persistence of analyses.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// WorkersConfig sizes the shared worker pool. Zero uses GOMAXPROCS.
type WorkersConfig struct {
	Size int `yaml:"size"`
}

// EstimationConfig holds the defaults of the R estimator.
type EstimationConfig struct {
	PriorShape  float64   `yaml:"priorShape"`
	PriorRate   float64   `yaml:"priorRate"`
	Quantiles   []float64 `yaml:"quantiles"`
	WindowWidth int       `yaml:"windowWidth"`
	// WindowPolicy is "weekly" (non-overlapping) or "sliding".
	WindowPolicy string  `yaml:"windowPolicy"`
	MaxCV        float64 `yaml:"maxCV"`
}

// SerialIntervalConfig holds serial interval fitting defaults.
type SerialIntervalConfig struct {
	// W is the endpoint weight of the discretised Gamma; 1 forces zero mass
	// at lag 0.
	W             float64 `yaml:"w"`
	MaxIterations int     `yaml:"maxIterations"`
	Chains        int     `yaml:"chains"`
	Burnin        int     `yaml:"burnin"`
	Iterations    int     `yaml:"iterations"`
	Thin          int     `yaml:"thin"`
	RHatThreshold float64 `yaml:"rhatThreshold"`
	Draws         int     `yaml:"draws"`
	Seed          uint64  `yaml:"seed"`
	// Uncertainty fills the bounds an uncertain serial interval request
	// leaves unset.
	Uncertainty UncertaintyConfig `yaml:"uncertainty"`
}

// UncertaintyConfig derives truncated normal bounds around a central serial
// interval mean and standard deviation.
type UncertaintyConfig struct {
	MeanCV float64 `yaml:"meanCV"`
	SDCV   float64 `yaml:"sdCV"`
	// Spread is how many standard deviations each bound lies from its centre.
	Spread float64 `yaml:"spread"`
}

// ProjectionConfig holds projection defaults.
type ProjectionConfig struct {
	Trajectories          int     `yaml:"trajectories"`
	Horizon               int     `yaml:"horizon"`
	Seed                  uint64  `yaml:"seed"`
	FixedWithinTrajectory bool    `yaml:"fixedWithinTrajectory"`
	Model                 string  `yaml:"model"`
	Dispersion            float64 `yaml:"dispersion"`
	PosteriorDraws        int     `yaml:"posteriorDraws"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RT_ENGINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config { return defaultConfig() }

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Clients: ClientsConfig{
			Surveillance: SurveillanceClientConfig{
				IncidencePath: "/api/v1/surveillance/incidence",
				PairsPath:     "/api/v1/surveillance/transmission-pairs",
				Timeout:       5 * time.Second,
				MaxRetries:    3,
			},
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			SnapshotTTL:  30 * time.Minute,
			IncidenceTTL: 5 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Snapshots: SnapshotConfig{Enabled: true, Dir: "data/snapshots"},
		Estimation: EstimationConfig{
			PriorShape:   1,
			PriorRate:    0.2,
			Quantiles:    []float64{0.025, 0.05, 0.25, 0.5, 0.75, 0.95, 0.975},
			WindowWidth:  7,
			WindowPolicy: "weekly",
			MaxCV:        0.3,
		},
		SerialInterval: SerialIntervalConfig{
			W:             1,
			MaxIterations: 1000,
			Chains:        4,
			Burnin:        1000,
			Iterations:    5000,
			Thin:          10,
			RHatThreshold: 1.1,
			Draws:         100,
			Seed:          1,
			Uncertainty:   UncertaintyConfig{MeanCV: 0.1, SDCV: 0.1, Spread: 2},
		},
		Projection: ProjectionConfig{
			Trajectories:          1000,
			Horizon:               30,
			Seed:                  1,
			FixedWithinTrajectory: true,
			Model:                 "poisson",
			PosteriorDraws:        1000,
		},
	}
}

// Validate rejects settings no analysis could run with.
func (c Config) Validate() error {
	var problems []string
	e := c.Estimation
	if e.PriorShape <= 0 || e.PriorRate <= 0 {
		problems = append(problems, "estimation prior shape and rate must be positive")
	}
	for _, q := range e.Quantiles {
		if !(q > 0 && q < 1) {
			problems = append(problems, fmt.Sprintf("estimation quantile %g outside (0, 1)", q))
		}
	}
	if e.WindowWidth <= 0 {
		problems = append(problems, "estimation windowWidth must be positive")
	}
	if e.WindowPolicy != "weekly" && e.WindowPolicy != "sliding" {
		problems = append(problems, fmt.Sprintf("estimation windowPolicy %q must be weekly or sliding", e.WindowPolicy))
	}
	if e.MaxCV < 0 {
		problems = append(problems, "estimation maxCV must be non-negative")
	}
	s := c.SerialInterval
	if s.W < 0 || s.W > 1 {
		problems = append(problems, "serialInterval w must lie in [0, 1]")
	}
	if s.Chains < 2 {
		problems = append(problems, "serialInterval chains must be at least 2")
	}
	if s.MaxIterations <= 0 || s.Iterations <= 0 || s.Burnin < 0 || s.Thin <= 0 || s.Draws <= 0 {
		problems = append(problems, "serialInterval iteration budget must be positive")
	}
	if s.Uncertainty.MeanCV < 0 || s.Uncertainty.SDCV < 0 || s.Uncertainty.Spread <= 0 {
		problems = append(problems, "serialInterval uncertainty needs non-negative meanCV and sdCV and a positive spread")
	}
	p := c.Projection
	if p.Trajectories <= 0 {
		problems = append(problems, "projection trajectories must be positive")
	}
	if p.Horizon < 0 {
		problems = append(problems, "projection horizon must be non-negative")
	}
	switch p.Model {
	case "", "poisson":
	case "negative_binomial":
		if p.Dispersion <= 0 {
			problems = append(problems, "projection dispersion must be positive for negative_binomial")
		}
	default:
		problems = append(problems, fmt.Sprintf("projection model %q must be poisson or negative_binomial", p.Model))
	}
	if c.Workers.Size < 0 {
		problems = append(problems, "workers size must be non-negative")
	}
	if c.Snapshots.Enabled && c.Snapshots.Dir == "" {
		problems = append(problems, "snapshots dir is required when snapshots are enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RT_ENGINE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RT_ENGINE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RT_ENGINE_SURVEILLANCE_BASE_URL"); v != "" {
		cfg.Clients.Surveillance.BaseURL = v
	}
	if v := os.Getenv("RT_ENGINE_SURVEILLANCE_INCIDENCE_PATH"); v != "" {
		cfg.Clients.Surveillance.IncidencePath = v
	}
	if v := os.Getenv("RT_ENGINE_SURVEILLANCE_PAIRS_PATH"); v != "" {
		cfg.Clients.Surveillance.PairsPath = v
	}
	if v := os.Getenv("RT_ENGINE_SURVEILLANCE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Clients.Surveillance.MaxRetries = retry
		}
	}
	if v := os.Getenv("RT_ENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RT_ENGINE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("RT_ENGINE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("RT_ENGINE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = truthy(v)
	}
	if v := os.Getenv("RT_ENGINE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("RT_ENGINE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("RT_ENGINE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("RT_ENGINE_CACHE_TLS"); truthy(v) {
		cfg.Cache.TLS = true
	}
	durationEnv("RT_ENGINE_CACHE_DIAL_TIMEOUT", &cfg.Cache.DialTimeout)
	durationEnv("RT_ENGINE_CACHE_READ_TIMEOUT", &cfg.Cache.ReadTimeout)
	durationEnv("RT_ENGINE_CACHE_WRITE_TIMEOUT", &cfg.Cache.WriteTimeout)
	durationEnv("RT_ENGINE_CACHE_SNAPSHOT_TTL", &cfg.Cache.SnapshotTTL)
	durationEnv("RT_ENGINE_CACHE_INCIDENCE_TTL", &cfg.Cache.IncidenceTTL)
	if v := os.Getenv("RT_ENGINE_CACHE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxRetries = retry
		}
	}
	if v := os.Getenv("RT_ENGINE_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshots.Dir = v
	}
	if v := os.Getenv("RT_ENGINE_SNAPSHOTS_ENABLED"); v != "" {
		cfg.Snapshots.Enabled = truthy(v)
	}
	if v := os.Getenv("RT_ENGINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Size = n
		}
	}
	if v := os.Getenv("RT_ENGINE_PROJECTION_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Projection.Seed = seed
		}
	}
	if v := os.Getenv("RT_ENGINE_SERIAL_INTERVAL_SEED"); v != "" {
		if seed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.SerialInterval.Seed = seed
		}
	}
}

func truthy(v string) bool {
	return strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
}

func durationEnv(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
