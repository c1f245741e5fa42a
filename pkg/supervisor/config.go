// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the daemon configuration. Durations are plain integers in the
// unit named by the field; zero means the built-in default.
type Config struct {
	// ListenAddr is the control API listen address. Defaults to ":3001".
	ListenAddr string `yaml:"listen_addr"`
	// AuthToken protects every control API route except /health. Empty
	// disables auth.
	AuthToken string `yaml:"auth_token"`
	// AuthDir is where per-instance credential stores live.
	AuthDir string `yaml:"auth_dir"`
	// SnapshotFile persists the fleet roster across restarts.
	SnapshotFile string `yaml:"snapshot_file"`

	Webhook struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"webhook"`

	ControlPlane struct {
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		APIKey string `yaml:"api_key"`
	} `yaml:"control_plane"`

	Reconcile struct {
		IntervalMinutes     int `yaml:"interval_minutes"`
		CooldownMinutes     int `yaml:"cooldown_minutes"`
		PacingSeconds       int `yaml:"pacing_seconds"`
		StartupDelaySeconds int `yaml:"startup_delay_seconds"`
	} `yaml:"reconcile"`

	Session struct {
		ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
		MaxAttempts           int `yaml:"max_attempts"`
		BlacklistTTLMinutes   int `yaml:"blacklist_ttl_minutes"`
		EchoTTLMinutes        int `yaml:"echo_ttl_minutes"`
	} `yaml:"session"`

	Logging zeroconfig.Config `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and validates what has no sensible default.
func (c *Config) PostProcess() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3001"
	}
	if c.AuthDir == "" {
		c.AuthDir = "./auth"
	}
	if c.SnapshotFile == "" {
		c.SnapshotFile = "./instances.json"
	}
	if c.Reconcile.IntervalMinutes <= 0 {
		c.Reconcile.IntervalMinutes = 10
	}
	if c.Session.MaxAttempts <= 0 {
		c.Session.MaxAttempts = MaxAttemptsPerInstance
	}
	if c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required")
	}
	return nil
}

// Duration accessors translating the integer fields, zero falling back to
// the package defaults.

func (c *Config) ReconnectDelay() time.Duration {
	if c.Session.ReconnectDelaySeconds <= 0 {
		return ReconnectDelay
	}
	return time.Duration(c.Session.ReconnectDelaySeconds) * time.Second
}

func (c *Config) BlacklistTTL() time.Duration {
	if c.Session.BlacklistTTLMinutes <= 0 {
		return BlacklistTTL
	}
	return time.Duration(c.Session.BlacklistTTLMinutes) * time.Minute
}

func (c *Config) EchoTTL() time.Duration {
	if c.Session.EchoTTLMinutes <= 0 {
		return EchoTTL
	}
	return time.Duration(c.Session.EchoTTLMinutes) * time.Minute
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalMinutes) * time.Minute
}

func (c *Config) ReconcileCooldown() time.Duration {
	if c.Reconcile.CooldownMinutes <= 0 {
		return ReconcileCooldown
	}
	return time.Duration(c.Reconcile.CooldownMinutes) * time.Minute
}

func (c *Config) ReconcilePacing() time.Duration {
	if c.Reconcile.PacingSeconds <= 0 {
		return ReconcilePacing
	}
	return time.Duration(c.Reconcile.PacingSeconds) * time.Second
}

func (c *Config) ReconcileStartupDelay() time.Duration {
	if c.Reconcile.StartupDelaySeconds <= 0 {
		return ReconcileStartupDelay
	}
	return time.Duration(c.Reconcile.StartupDelaySeconds) * time.Second
}

// LoadConfig reads and post-processes the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
