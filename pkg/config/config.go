// Package config loads the orchestrator's configuration: built-in defaults,
// an optional hydra.yaml overlay, then environment variables, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/forgeworks/hydra/pkg/models"
)

// ErrInvalid marks configuration the process must not start with.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full runtime configuration.
type Config struct {
	// Issue host connection.
	HostURL   string `yaml:"host_url"`
	HostToken string `yaml:"host_token"`

	// Label marks pipeline-owned issues at the host.
	Label string `yaml:"label"`

	// Agent binary invoked for every worker.
	AgentCommand string   `yaml:"agent_command"`
	AgentArgs    []string `yaml:"agent_args"`

	ListenAddr string `yaml:"listen_addr"`

	// Per-stage worker caps.
	MaxTriagers  int `yaml:"max_triagers"`
	MaxPlanners  int `yaml:"max_planners"`
	MaxWorkers   int `yaml:"max_workers"`
	MaxReviewers int `yaml:"max_reviewers"`

	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`

	// MetricsDBPath enables the file-backed metrics repository when set.
	MetricsDBPath string `yaml:"metrics_db_path"`
}

func defaults() *Config {
	return &Config{
		Label:               "hydra",
		ListenAddr:          ":8080",
		MaxTriagers:         2,
		MaxPlanners:         2,
		MaxWorkers:          3,
		MaxReviewers:        2,
		SnapshotIntervalSec: 300,
	}
}

// Load builds the configuration. path names the optional YAML overlay; an
// empty path or a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var overlay Config
			if err := yaml.Unmarshal(ExpandEnv(data), &overlay); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
			}
			if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	var envErr error
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			envErr = errors.Join(envErr, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, v))
			return
		}
		*dst = n
	}

	setStr("ISSUE_HOST_URL", &cfg.HostURL)
	setStr("ISSUE_HOST_TOKEN", &cfg.HostToken)
	setStr("ISSUE_LABEL", &cfg.Label)
	setStr("AGENT_COMMAND", &cfg.AgentCommand)
	setStr("LISTEN_ADDR", &cfg.ListenAddr)
	setStr("METRICS_DB_PATH", &cfg.MetricsDBPath)
	setInt("MAX_TRIAGERS", &cfg.MaxTriagers)
	setInt("MAX_PLANNERS", &cfg.MaxPlanners)
	setInt("MAX_WORKERS", &cfg.MaxWorkers)
	setInt("MAX_REVIEWERS", &cfg.MaxReviewers)
	setInt("SNAPSHOT_INTERVAL_SEC", &cfg.SnapshotIntervalSec)
	return envErr
}

// Validate rejects configuration the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HostURL == "" {
		errs = append(errs, fmt.Errorf("%w: ISSUE_HOST_URL is required", ErrInvalid))
	}
	if c.HostToken == "" {
		errs = append(errs, fmt.Errorf("%w: ISSUE_HOST_TOKEN is required", ErrInvalid))
	}
	if c.AgentCommand == "" {
		errs = append(errs, fmt.Errorf("%w: AGENT_COMMAND is required", ErrInvalid))
	}
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("%w: LISTEN_ADDR must not be empty", ErrInvalid))
	}
	for name, v := range map[string]int{
		"MAX_TRIAGERS":  c.MaxTriagers,
		"MAX_PLANNERS":  c.MaxPlanners,
		"MAX_WORKERS":   c.MaxWorkers,
		"MAX_REVIEWERS": c.MaxReviewers,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%w: %s must be at least 1", ErrInvalid, name))
		}
	}
	if c.SnapshotIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("%w: SNAPSHOT_INTERVAL_SEC must be at least 1", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Caps maps the configured limits onto the work stages.
func (c *Config) Caps() map[models.Stage]int {
	return map[models.Stage]int{
		models.StageTriage:    c.MaxTriagers,
		models.StagePlan:      c.MaxPlanners,
		models.StageImplement: c.MaxWorkers,
		models.StageReview:    c.MaxReviewers,
	}
}
