package subagent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RolePreset fixes the tool surface and budgets for one task role.
type RolePreset struct {
	// Mode is "readonly" or "worker". Readonly roles never see mutating tools.
	Mode string `yaml:"mode"`
	// Tools restricts the role to the named tools. Empty means every
	// non-spawning tool the base registry offers.
	Tools []string `yaml:"tools"`
	// MaxSteps bounds the number of model turns. Zero falls back to the
	// manager default.
	MaxSteps int `yaml:"max_steps"`
	// TimeoutSec bounds wall-clock runtime. Zero falls back to the manager
	// default.
	TimeoutSec int `yaml:"timeout_sec"`
	// Prompt is extra system-prompt text appended for this role.
	Prompt string `yaml:"prompt"`
}

const (
	RoleExplore  = "explore"
	RoleWorker   = "worker"
	RoleReviewer = "reviewer"
)

// DefaultPresets returns the built-in roles.
func DefaultPresets() map[string]RolePreset {
	return map[string]RolePreset{
		RoleExplore: {
			Mode:  "readonly",
			Tools: []string{"fs.read_file", "fs.list_dir", "fs.grep"},
			Prompt: "You explore the workspace and report findings. " +
				"You cannot modify anything.",
		},
		RoleWorker: {
			Mode:  "worker",
			Tools: []string{"fs.read_file", "fs.write_file", "fs.list_dir", "fs.grep", "terminal.exec"},
			Prompt: "You carry out the assigned change end to end, " +
				"then summarize what you did.",
		},
		RoleReviewer: {
			Mode:  "readonly",
			Tools: []string{"fs.read_file", "fs.list_dir", "fs.grep"},
			Prompt: "You review the named code for defects and report " +
				"concrete findings with file and line references.",
		},
	}
}

// LoadPresets merges a YAML preset file over the built-in roles. A missing
// path returns the defaults unchanged.
func LoadPresets(path string) (map[string]RolePreset, error) {
	presets := DefaultPresets()
	path = strings.TrimSpace(path)
	if path == "" {
		return presets, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return presets, nil
		}
		return nil, fmt.Errorf("read presets: %w", err)
	}
	var fromFile map[string]RolePreset
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	for name, preset := range fromFile {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if err := validatePreset(name, preset); err != nil {
			return nil, err
		}
		presets[name] = preset
	}
	return presets, nil
}

func validatePreset(name string, p RolePreset) error {
	switch strings.ToLower(strings.TrimSpace(p.Mode)) {
	case "readonly", "worker":
	default:
		return fmt.Errorf("preset %q: mode must be readonly or worker", name)
	}
	if p.MaxSteps < 0 || p.TimeoutSec < 0 {
		return fmt.Errorf("preset %q: negative budget", name)
	}
	return nil
}
