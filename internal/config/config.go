// Package config loads the service configuration from a JSON document.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Directory DirectoryConfig `json:"directory"`
	Probe     ProbeConfig     `json:"probe"`
	Planner   PlannerConfig   `json:"planner"`
	Actions   ActionsConfig   `json:"actions"`
	Autopilot AutopilotConfig `json:"autopilot"`
}

type ServerConfig struct {
	HTTPAddr string `json:"http_addr"`
}

type StorageConfig struct {
	PostgresDSN string `json:"postgres_dsn"`
}

// DirectoryConfig points at the target directory service, or carries a
// static target list for deployments without one.
type DirectoryConfig struct {
	BaseURL string         `json:"base_url"`
	Token   string         `json:"token"`
	Limit   int            `json:"limit"`
	Targets []TargetConfig `json:"targets"`
}

type TargetConfig struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
}

type ProbeConfig struct {
	TimeoutMS          int `json:"timeout_ms"`
	Retries            int `json:"retries"`
	BackoffBaseMS      int `json:"backoff_base_ms"`
	BackoffMaxMS       int `json:"backoff_max_ms"`
	BudgetMS           int `json:"budget_ms"`
	Concurrency        int `json:"concurrency"`
	LatencyThresholdMS int `json:"latency_threshold_ms"`
}

type PlannerConfig struct {
	BaseURL   string `json:"base_url"`
	Token     string `json:"token"`
	TimeoutMS int    `json:"timeout_ms"`
	Retries   int    `json:"retries"`
	MaxSteps  int    `json:"max_steps"`
}

type ActionsConfig struct {
	BaseURL   string `json:"base_url"`
	Token     string `json:"token"`
	TimeoutMS int    `json:"timeout_ms"`
	Retries   int    `json:"retries"`
}

type AutopilotConfig struct {
	IntervalSecs int    `json:"interval_secs"`
	Cron         string `json:"cron"`
	PolicyPath   string `json:"policy_path"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr required")
	}
	if strings.TrimSpace(c.Planner.BaseURL) == "" {
		return errors.New("planner.base_url required")
	}
	if strings.TrimSpace(c.Actions.BaseURL) == "" {
		return errors.New("actions.base_url required")
	}
	if strings.TrimSpace(c.Directory.BaseURL) == "" && len(c.Directory.Targets) == 0 {
		return errors.New("directory.base_url or directory.targets required")
	}
	for _, t := range c.Directory.Targets {
		if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Address) == "" {
			return errors.New("directory.targets entries need id and address")
		}
	}
	return nil
}
