package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outbreakstack/seirisk/internal/calibrate"
	"github.com/outbreakstack/seirisk/internal/risk"
	"github.com/outbreakstack/seirisk/internal/seir"
	"github.com/outbreakstack/seirisk/internal/solver"
)

// Config captures the settings required to boot the seirisk service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Model       ModelConfig       `yaml:"model"`
	Solver      SolverConfig      `yaml:"solver"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Risk        RiskConfig        `yaml:"risk"`
	Presets     PresetsConfig     `yaml:"presets"`
	Clients     ClientsConfig     `yaml:"clients"`
	Cache       CacheConfig       `yaml:"cache"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Reflection      bool          `yaml:"reflection"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ModelConfig selects model semantics shared by every run.
type ModelConfig struct {
	// Cumulative is "uncontrolled" (default) or "controlled".
	Cumulative string `yaml:"cumulative"`
	// Workers bounds parallel scenario sweeps; 0 uses GOMAXPROCS.
	Workers int `yaml:"workers"`
	// SurgeThreshold is the z-score at which case increments are flagged.
	SurgeThreshold float64 `yaml:"surgeThreshold"`
}

// SolverConfig mirrors solver.Options.
type SolverConfig struct {
	RelTol            float64 `yaml:"relTol"`
	AbsTol            float64 `yaml:"absTol"`
	MaxStep           float64 `yaml:"maxStep"`
	MinStep           float64 `yaml:"minStep"`
	MaxSteps          int     `yaml:"maxSteps"`
	NegativeTolerance float64 `yaml:"negativeTolerance"`
}

// CalibrationConfig mirrors calibrate.Options.
type CalibrationConfig struct {
	MaxIterations int     `yaml:"maxIterations"`
	FTol          float64 `yaml:"fTol"`
	XTol          float64 `yaml:"xTol"`
	GTol          float64 `yaml:"gTol"`
	JacobianStep  float64 `yaml:"jacobianStep"`
}

// RiskConfig mirrors risk.Options.
type RiskConfig struct {
	Offspring           string  `yaml:"offspring"`
	Dispersion          float64 `yaml:"dispersion"`
	MaxTerms            int     `yaml:"maxTerms"`
	Tolerance           float64 `yaml:"tolerance"`
	MaxIterations       int     `yaml:"maxIterations"`
	TruncationTolerance float64 `yaml:"truncationTolerance"`
	ScreeningEfficacy   float64 `yaml:"screeningEfficacy"`
	Workers             int     `yaml:"workers"`
	// OnFailure is "abort" or "sentinel".
	OnFailure string `yaml:"onFailure"`
}

// PresetsConfig points at the scenario presets file.
type PresetsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// ClientsConfig groups outbound integrations.
type ClientsConfig struct {
	Cases CaseClientConfig `yaml:"cases"`
}

// CaseClientConfig configures access to the regional case-count service.
type CaseClientConfig struct {
	BaseURL    string        `yaml:"baseURL"`
	SeriesPath string        `yaml:"seriesPath"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig controls caching of fetched case series.
type CacheConfig struct {
	// Backend is "memory", "valkey" or "none".
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SeriesTTL    time.Duration `yaml:"seriesTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SEIRISK_CONFIG")
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

func defaultConfig() Config {
	sol := solver.DefaultOptions()
	cal := calibrate.DefaultOptions()
	rk := risk.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			Reflection:      true,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Model: ModelConfig{
			Cumulative:     string(seir.CumulativeUncontrolled),
			SurgeThreshold: 2.5,
		},
		Solver: SolverConfig{
			RelTol:            sol.RelTol,
			AbsTol:            sol.AbsTol,
			MinStep:           sol.MinStep,
			MaxSteps:          sol.MaxSteps,
			NegativeTolerance: sol.NegativeTolerance,
		},
		Calibration: CalibrationConfig{
			MaxIterations: cal.MaxIterations,
			FTol:          cal.FTol,
			XTol:          cal.XTol,
			GTol:          cal.GTol,
			JacobianStep:  cal.JacobianStep,
		},
		Risk: RiskConfig{
			Offspring:           string(rk.Offspring.Family),
			Dispersion:          rk.Offspring.Dispersion,
			MaxTerms:            rk.MaxTerms,
			Tolerance:           rk.Tolerance,
			MaxIterations:       rk.MaxIterations,
			TruncationTolerance: rk.TruncationTolerance,
			OnFailure:           string(rk.OnFailure),
		},
		Presets: PresetsConfig{Path: "configs/presets.yaml", Watch: true},
		Clients: ClientsConfig{
			Cases: CaseClientConfig{
				SeriesPath: "/api/v1/cases",
				Timeout:    5 * time.Second,
			},
		},
		Cache: CacheConfig{
			Backend:      "memory",
			SeriesTTL:    10 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
	}
}

// Validate rejects settings the numerical packages would refuse later.
func (c *Config) Validate() error {
	if _, err := seir.ParseCumulativeMode(c.Model.Cumulative); err != nil {
		return fmt.Errorf("model.cumulative: %w", err)
	}
	if _, err := risk.ParseFailurePolicy(c.Risk.OnFailure); err != nil {
		return fmt.Errorf("risk.onFailure: %w", err)
	}
	if _, err := risk.ParseOffspringModel(c.Risk.Offspring, c.Risk.Dispersion); err != nil {
		return fmt.Errorf("risk.offspring: %w", err)
	}
	if c.Risk.ScreeningEfficacy < 0 || c.Risk.ScreeningEfficacy > 1 {
		return fmt.Errorf("risk.screeningEfficacy %v must lie in [0,1]", c.Risk.ScreeningEfficacy)
	}
	for name, v := range map[string]float64{
		"solver.relTol":            c.Solver.RelTol,
		"solver.absTol":            c.Solver.AbsTol,
		"solver.negativeTolerance": c.Solver.NegativeTolerance,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%s %v must be >= 0", name, v)
		}
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "", "none", "memory", "valkey":
	default:
		return fmt.Errorf("cache.backend %q must be memory, valkey or none", c.Cache.Backend)
	}
	if strings.EqualFold(c.Cache.Backend, "valkey") && c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required for the valkey backend")
	}
	return nil
}

// SolverOptions converts the solver section.
func (c *Config) SolverOptions() solver.Options {
	return solver.Options{
		RelTol:            c.Solver.RelTol,
		AbsTol:            c.Solver.AbsTol,
		MaxStep:           c.Solver.MaxStep,
		MinStep:           c.Solver.MinStep,
		MaxSteps:          c.Solver.MaxSteps,
		NegativeTolerance: c.Solver.NegativeTolerance,
	}
}

// CalibrationOptions converts the calibration section.
func (c *Config) CalibrationOptions() calibrate.Options {
	return calibrate.Options{
		MaxIterations: c.Calibration.MaxIterations,
		FTol:          c.Calibration.FTol,
		XTol:          c.Calibration.XTol,
		GTol:          c.Calibration.GTol,
		JacobianStep:  c.Calibration.JacobianStep,
		Solver:        c.SolverOptions(),
	}
}

// RiskOptions converts the risk section. Validate must have passed.
func (c *Config) RiskOptions() risk.Options {
	off, _ := risk.ParseOffspringModel(c.Risk.Offspring, c.Risk.Dispersion)
	policy, _ := risk.ParseFailurePolicy(c.Risk.OnFailure)
	return risk.Options{
		Offspring:           off,
		MaxTerms:            c.Risk.MaxTerms,
		Tolerance:           c.Risk.Tolerance,
		MaxIterations:       c.Risk.MaxIterations,
		TruncationTolerance: c.Risk.TruncationTolerance,
		ScreeningEfficacy:   c.Risk.ScreeningEfficacy,
		Workers:             c.Risk.Workers,
		OnFailure:           policy,
	}
}

// CumulativeMode returns the parsed model.cumulative value. Validate must have passed.
func (c *Config) CumulativeMode() seir.CumulativeMode {
	mode, _ := seir.ParseCumulativeMode(c.Model.Cumulative)
	return mode
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEIRISK_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SEIRISK_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SEIRISK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SEIRISK_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SEIRISK_MODEL_CUMULATIVE"); v != "" {
		cfg.Model.Cumulative = v
	}
	if v := os.Getenv("SEIRISK_MODEL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Model.Workers = n
		}
	}
	if v := os.Getenv("SEIRISK_SOLVER_RELTOL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Solver.RelTol = f
		}
	}
	if v := os.Getenv("SEIRISK_SOLVER_ABSTOL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Solver.AbsTol = f
		}
	}
	if v := os.Getenv("SEIRISK_RISK_OFFSPRING"); v != "" {
		cfg.Risk.Offspring = v
	}
	if v := os.Getenv("SEIRISK_RISK_DISPERSION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.Dispersion = f
		}
	}
	if v := os.Getenv("SEIRISK_RISK_MAX_TERMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Risk.MaxTerms = n
		}
	}
	if v := os.Getenv("SEIRISK_RISK_ON_FAILURE"); v != "" {
		cfg.Risk.OnFailure = v
	}
	if v := os.Getenv("SEIRISK_RISK_SCREENING_EFFICACY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.ScreeningEfficacy = f
		}
	}
	if v := os.Getenv("SEIRISK_RISK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Risk.Workers = n
		}
	}
	if v := os.Getenv("SEIRISK_PRESETS_PATH"); v != "" {
		cfg.Presets.Path = v
	}
	if v := os.Getenv("SEIRISK_PRESETS_WATCH"); v != "" {
		cfg.Presets.Watch = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SEIRISK_CASES_BASE_URL"); v != "" {
		cfg.Clients.Cases.BaseURL = v
	}
	if v := os.Getenv("SEIRISK_CASES_SERIES_PATH"); v != "" {
		cfg.Clients.Cases.SeriesPath = v
	}
	if v := os.Getenv("SEIRISK_CASES_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Clients.Cases.Timeout = d
		}
	}
	if v := os.Getenv("SEIRISK_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("SEIRISK_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SEIRISK_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("SEIRISK_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SEIRISK_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SEIRISK_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("SEIRISK_CACHE_SERIES_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SeriesTTL = d
		}
	}
}
