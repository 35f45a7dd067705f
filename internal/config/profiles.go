package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskherd/taskherd/internal/task"
)

// Profile is a named preset of task options. Presets fill request options
// that the caller left unset; explicit request values always win.
type Profile struct {
	Model          string  `yaml:"model,omitempty"`
	MaxTokens      int     `yaml:"max_tokens,omitempty"`
	Temperature    float64 `yaml:"temperature,omitempty"`
	TimeoutMs      int64   `yaml:"timeout_ms,omitempty"`
	PermissionMode string  `yaml:"permission_mode,omitempty"`
}

type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfiles reads the named-profile YAML file. A missing path is not an
// error; it just yields no profiles.
func LoadProfiles(path string) (map[string]Profile, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f profileFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("invalid profile file %s: %w", p, err)
	}
	return f.Profiles, nil
}

// ApplyProfile overlays a preset onto opts, filling only unset fields.
func ApplyProfile(opts task.Options, p Profile) task.Options {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = p.Model
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = p.MaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = p.Temperature
	}
	if opts.TimeoutMs == 0 {
		opts.TimeoutMs = p.TimeoutMs
	}
	if strings.TrimSpace(opts.PermissionMode) == "" {
		opts.PermissionMode = p.PermissionMode
	}
	return opts
}
