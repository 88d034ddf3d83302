package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile mirrors the document layout: policy settings nested under
// autopilot.policy so one file can carry other operator settings too.
type policyFile struct {
	Autopilot struct {
		Policy Config `yaml:"policy"`
	} `yaml:"autopilot"`
}

// Load reads the policy document. On any failure it returns DefaultConfig
// (safe mode on) together with the error, so a broken or missing file can
// never open the gate.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes a policy document, filling unset thresholds and limits from
// the defaults.
func Parse(data []byte) (Config, error) {
	var file policyFile
	file.Autopilot.Policy = DefaultConfig()
	if err := yaml.Unmarshal(data, &file); err != nil {
		return DefaultConfig(), fmt.Errorf("parse policy: %w", err)
	}
	cfg := file.Autopilot.Policy
	defaults := DefaultConfig()
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = defaults.Thresholds
	}
	if cfg.Thresholds.Low > cfg.Thresholds.Medium || cfg.Thresholds.Medium > cfg.Thresholds.High {
		return DefaultConfig(), fmt.Errorf("parse policy: thresholds must be ordered low <= medium <= high")
	}
	if cfg.MaxActionsPerHour < 0 {
		return DefaultConfig(), fmt.Errorf("parse policy: max_actions_per_hour must be >= 0")
	}
	return cfg, nil
}
