// Package config provides configuration management for the simulate tool
// using Viper for flexible configuration loading from files, environment
// variables, and command-line flags.
//
// The configuration system supports YAML files, environment variable
// overrides with SIMULATE_ prefix, validation, and path security checks. It
// manages the server listen options, the live-reload propagation engine, and
// simulation-host UI resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSimHostRoot is the bundled simulation-host UI shipped with the tool.
const DefaultSimHostRoot = "sim-host/ui"

// Default timings for the propagation engine.
const (
	DefaultPrepareAttempts = 2
	DefaultPrepareDelay    = 100 * time.Millisecond
	DefaultSettleDelay     = 125 * time.Millisecond
)

// Config is the immutable option snapshot assembled once at startup. All
// collaborators read it; nothing mutates it after Load returns.
type Config struct {
	Platform       string `yaml:"platform"`
	Port           int    `yaml:"port"`
	Dir            string `yaml:"dir"`
	SimHostUI      string `yaml:"simhostui"`
	SimulationPath string `yaml:"simulationpath"`
	Telemetry      bool   `yaml:"telemetry"`
	LiveReload     bool   `yaml:"livereload"`
	ForcePrepare   bool   `yaml:"forceprepare"`
	CORSProxy      bool   `yaml:"corsproxy"`
	TouchEvents    bool   `yaml:"touchevents"`
	PrepareCmd     string `yaml:"preparecmd"`
}

// Load assembles a Config from whatever viper currently holds (config file,
// environment, bound flags) and applies the defaults table.
func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Booleans default to true unless the key was explicitly set.
	if !viper.IsSet("livereload") {
		config.LiveReload = true
	}
	if !viper.IsSet("corsproxy") {
		config.CORSProxy = true
	}
	if !viper.IsSet("touchevents") {
		config.TouchEvents = true
	}

	if config.Platform == "" {
		config.Platform = "browser"
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// ResolveSimHostRoot returns the simulation-host UI root: the configured
// override if it exists on disk, else the bundled default.
func (c *Config) ResolveSimHostRoot() string {
	if c.SimHostUI != "" {
		if info, err := os.Stat(c.SimHostUI); err == nil && info.IsDir() {
			return c.SimHostUI
		}
	}
	return DefaultSimHostRoot
}

// ResolveSimulationPath returns where simulation state files are written:
// the configured override, else <projectRoot>/simulation.
func (c *Config) ResolveSimulationPath(projectRoot string) string {
	if c.SimulationPath != "" {
		return c.SimulationPath
	}
	return filepath.Join(projectRoot, "simulation")
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	// Allow 0 for system-assigned ports.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	// The prepare strategy has no meaning without a command to run.
	if config.ForcePrepare && config.PrepareCmd == "" {
		return fmt.Errorf("forceprepare requires preparecmd to be set")
	}

	for key, path := range map[string]string{
		"dir":            config.Dir,
		"simhostui":      config.SimHostUI,
		"simulationpath": config.SimulationPath,
	} {
		if path == "" {
			continue
		}
		if err := validatePath(path); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
