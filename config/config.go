// Package config loads server configuration from a YAML file, filling
// unset fields with defaults that suit a single-node deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "250ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full hatchd configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir holds the bundle store and the deployment history database.
	DataDir string `yaml:"data_dir"`
	// DefaultApp receives requests whose Host header matches no application.
	DefaultApp string `yaml:"default_app"`
	// MaxBundleMB caps the size of an uploaded bundle archive.
	MaxBundleMB int `yaml:"max_bundle_mb"`
	// PoolCeiling is the per-version sandbox instance ceiling.
	PoolCeiling int `yaml:"pool_ceiling"`
	// RetainVersions is how many versions stay loaded per application for
	// instant rollback; older ones are reloaded from the store on demand.
	RetainVersions int `yaml:"retain_versions"`
	// MemoryPages is the per-instance linear memory ceiling in 64KiB pages.
	MemoryPages uint32 `yaml:"memory_pages"`
	// ExecBudget is the wall-clock budget for one sandbox invocation.
	ExecBudget Duration `yaml:"exec_budget"`
	// GCInterval is how often retired bundles are swept; GCGrace is how long
	// a bundle must stay unreferenced before removal.
	GCInterval Duration `yaml:"gc_interval"`
	GCGrace    Duration `yaml:"gc_grace"`
	// DeployTokenSecret signs deploy tokens. Empty disables deploy auth,
	// which is only sensible on a loopback listener.
	DeployTokenSecret string `yaml:"deploy_token_secret"`
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		DataDir:        "./data",
		MaxBundleMB:    64,
		PoolCeiling:    8,
		RetainVersions: 5,
		MemoryPages:    256,
		ExecBudget:     Duration(5 * time.Second),
		GCInterval:     Duration(10 * time.Minute),
		GCGrace:        Duration(time.Hour),
		LogLevel:       "info",
	}
}

// Load reads a YAML config file. Unset fields keep their defaults; an empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.MaxBundleMB <= 0 {
		return fmt.Errorf("max_bundle_mb must be positive")
	}
	if c.PoolCeiling <= 0 {
		return fmt.Errorf("pool_ceiling must be positive")
	}
	if c.ExecBudget <= 0 {
		return fmt.Errorf("exec_budget must be positive")
	}
	return nil
}

// MaxBundleBytes is MaxBundleMB in bytes.
func (c Config) MaxBundleBytes() int64 {
	return int64(c.MaxBundleMB) << 20
}
