// Package config loads worker configuration from environment variables,
// matching the env surface in spec.md §6, plus an optional YAML overlay file
// for values that don't fit comfortably in an env var (e.g. state-prop scrub
// lists). There are no per-setting CLI flags; cmd/worker's only flag,
// --config-file, sets the overlay path.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	EnvPort               = "WORKER_PORT"
	EnvLightningURL        = "WORKER_LIGHTNING_SERVICE_URL"
	EnvRepoDir             = "WORKER_REPO_DIR"
	EnvSecret              = "WORKER_SECRET"
	EnvLightningPublicKey  = "WORKER_LIGHTNING_PUBLIC_KEY"
	EnvLogLevel            = "WORKER_LOG_LEVEL"
	EnvBackoff             = "WORKER_BACKOFF"
	EnvCapacity            = "WORKER_CAPACITY"
	EnvMaxRunMemoryMB      = "WORKER_MAX_RUN_MEMORY_MB"
	EnvMaxRunDurationSecs  = "WORKER_MAX_RUN_DURATION_SECONDS"
	EnvStatePropsToRemove  = "WORKER_STATE_PROPS_TO_REMOVE"
	EnvOverlayPath         = "WORKER_CONFIG_FILE"
	EnvShutdownGraceSecs   = "WORKER_SHUTDOWN_GRACE_PERIOD_SECONDS"

	defaultPort              = 8080
	defaultBackoffMinSeconds = 1
	defaultBackoffMaxSeconds = 10
	defaultCapacity          = 5
	defaultMaxRunMemoryMB    = 500
	defaultMaxRunDurationSec = 300
	defaultShutdownGraceSecs = 30
)

// Config is the worker's fully resolved runtime configuration.
type Config struct {
	Port                 int           `yaml:"port" validate:"min=0"`
	LightningServiceURL  string        `yaml:"lightning_service_url" validate:"required"`
	RepoDir              string        `yaml:"repo_dir"`
	Secret               string        `yaml:"-" validate:"required"`
	LightningPublicKey   string        `yaml:"-"`
	LogLevel             string        `yaml:"log_level"`
	BackoffMin           time.Duration `yaml:"-" validate:"required"`
	BackoffMax           time.Duration `yaml:"-" validate:"gtefield=BackoffMin"`
	Capacity             int           `yaml:"capacity" validate:"min=1"`
	MaxRunMemoryMB       int           `yaml:"max_run_memory_mb" validate:"min=1"`
	MaxRunDurationSecs   int           `yaml:"max_run_duration_seconds" validate:"min=1"`
	StatePropsToRemove   []string      `yaml:"state_props_to_remove"`
	ShutdownGracePeriod  time.Duration `yaml:"-" validate:"min=0"`
}

// overlay is the shape of the optional YAML config file; only fields that
// make sense to set outside an env var are exposed here.
type overlay struct {
	Port               *int     `yaml:"port"`
	RepoDir            *string  `yaml:"repo_dir"`
	Capacity           *int     `yaml:"capacity"`
	MaxRunMemoryMB     *int     `yaml:"max_run_memory_mb"`
	MaxRunDurationSecs *int     `yaml:"max_run_duration_seconds"`
	StatePropsToRemove []string `yaml:"state_props_to_remove"`
}

// Load builds a Config from environment variables, then applies an optional
// YAML overlay file named by WORKER_CONFIG_FILE for values that can't
// reasonably be set as an env var. No CLI flag overrides the returned
// values; the overlay file is the last source applied.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                envInt(EnvPort, defaultPort),
		LightningServiceURL: os.Getenv(EnvLightningURL),
		RepoDir:             os.Getenv(EnvRepoDir),
		Secret:              os.Getenv(EnvSecret),
		LightningPublicKey:  os.Getenv(EnvLightningPublicKey),
		LogLevel:            os.Getenv(EnvLogLevel),
		Capacity:            envInt(EnvCapacity, defaultCapacity),
		MaxRunMemoryMB:      envInt(EnvMaxRunMemoryMB, defaultMaxRunMemoryMB),
		MaxRunDurationSecs:  envInt(EnvMaxRunDurationSecs, defaultMaxRunDurationSec),
		StatePropsToRemove:  splitCSV(envOr(EnvStatePropsToRemove, "configuration,response")),
		ShutdownGracePeriod: time.Duration(envInt(EnvShutdownGraceSecs, defaultShutdownGraceSecs)) * time.Second,
	}

	min, max, err := parseBackoff(envOr(EnvBackoff, "1/10"))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", EnvBackoff, err)
	}
	cfg.BackoffMin = min
	cfg.BackoffMax = max

	if path := os.Getenv(EnvOverlayPath); path != "" {
		if err := applyOverlay(cfg, path); err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", path, err)
		}
	}

	return cfg, nil
}

// Validate checks that the resolved config is internally consistent,
// surfacing every violation rather than failing on the first one.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}
	return nil
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return err
	}
	if ov.Port != nil {
		cfg.Port = *ov.Port
	}
	if ov.RepoDir != nil {
		cfg.RepoDir = *ov.RepoDir
	}
	if ov.Capacity != nil {
		cfg.Capacity = *ov.Capacity
	}
	if ov.MaxRunMemoryMB != nil {
		cfg.MaxRunMemoryMB = *ov.MaxRunMemoryMB
	}
	if ov.MaxRunDurationSecs != nil {
		cfg.MaxRunDurationSecs = *ov.MaxRunDurationSecs
	}
	if len(ov.StatePropsToRemove) > 0 {
		cfg.StatePropsToRemove = ov.StatePropsToRemove
	}
	return nil
}

// parseBackoff splits a "min/max" seconds spec into durations, per spec.md
// §6 (WORKER_BACKOFF, default "1/10").
func parseBackoff(spec string) (min, max time.Duration, err error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected min/max, got %q", spec)
	}
	minS, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid min: %w", err)
	}
	maxS, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid max: %w", err)
	}
	if minS <= 0 || maxS <= 0 || maxS < minS {
		minS, maxS = defaultBackoffMinSeconds, defaultBackoffMaxSeconds
	}
	return time.Duration(minS) * time.Second, time.Duration(maxS) * time.Second, nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
