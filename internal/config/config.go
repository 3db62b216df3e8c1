// Package config loads the control plane's own settings: the default bind
// host/port, the default scope applied when a client omits one, and the
// resize/coalesce timings the renderer and orchestrator use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the control plane's on-disk settings file, ~/.harness-mux/config.yaml.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	DefaultScope DefaultScopeConfig `yaml:"defaultScope"`
	Render       RenderConfig       `yaml:"render"`
}

// ServerConfig holds listener settings parsed from the settings file. The
// CLI picks its control plane from flags, environment variables and daemon
// discovery; it does not read these fields.
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

// DefaultScopeConfig is the wire.Scope applied to commands that omit a
// tenant/user/workspace, so a single-user embedded deployment never has to
// thread those fields through every command.
type DefaultScopeConfig struct {
	TenantID    string `yaml:"tenantId"`
	UserID      string `yaml:"userId"`
	WorkspaceID string `yaml:"workspaceId"`
}

// RenderConfig controls the dual-pane renderer's resize coalescing.
type RenderConfig struct {
	ResizeCoalesceMS int `yaml:"resizeCoalesceMs"`
	PTYSettleDelayMS int `yaml:"ptySettleDelayMs"`
}

// ResizeCoalesce returns the configured coalesce window, falling back to
// 33ms when unset.
func (c RenderConfig) ResizeCoalesce() time.Duration {
	if c.ResizeCoalesceMS <= 0 {
		return 33 * time.Millisecond
	}
	return time.Duration(c.ResizeCoalesceMS) * time.Millisecond
}

// PTYSettleDelay returns the configured settle delay, falling back to
// 75ms when unset.
func (c RenderConfig) PTYSettleDelay() time.Duration {
	if c.PTYSettleDelayMS <= 0 {
		return 75 * time.Millisecond
	}
	return time.Duration(c.PTYSettleDelayMS) * time.Millisecond
}

// ConfigDir returns the harness-mux configuration directory (~/.harness-mux/).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".harness-mux")
	}
	return filepath.Join(home, ".harness-mux")
}

// Load reads the config from ~/.harness-mux/config.yaml. If the file does
// not exist, it returns a zero-value Config (all defaults) with no error.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(ConfigDir(), "config.yaml"))
}

// LoadFrom reads the config from the given path, applying the same
// missing-file-is-not-an-error rule as Load.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
