package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	return Config{
		Server:  ServerConfig{HTTPAddr: ":8080"},
		Planner: PlannerConfig{BaseURL: "http://planner:9000"},
		Actions: ActionsConfig{BaseURL: "http://agent:9100"},
		Directory: DirectoryConfig{
			Targets: []TargetConfig{{ID: "svc-1", Address: "http://svc-1/health", Protocol: "http"}},
		},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http_addr", func(c *Config) { c.Server.HTTPAddr = "" }},
		{"planner", func(c *Config) { c.Planner.BaseURL = "" }},
		{"actions", func(c *Config) { c.Actions.BaseURL = "" }},
		{"directory", func(c *Config) { c.Directory.Targets = nil }},
		{"target id", func(c *Config) { c.Directory.Targets[0].ID = "" }},
	}
	for _, tt := range tests {
		cfg := validConfig()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	doc := `{
		"server": {"http_addr": ":8080"},
		"planner": {"base_url": "http://planner:9000"},
		"actions": {"base_url": "http://agent:9100"},
		"directory": {"base_url": "http://hub:8000", "limit": 100},
		"autopilot": {"interval_secs": 30, "policy_path": "policy.yaml"}
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Directory.Limit != 100 || cfg.Autopilot.IntervalSecs != 30 {
		t.Fatalf("config: %+v", cfg)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error")
	}
}
