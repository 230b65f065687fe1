// Package config holds the ~/.mitosis/config.toml file: the build-time
// options of spec.md §6 (cow, prefetch, eager-resume, resume-profile)
// plus RDMA device defaults, and a free-form per-session override table
// decoded with mapstructure.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.mitosis/config.toml file.
type Config struct {
	Build   Build             `toml:"build,omitempty" json:"build"`
	RDMA    RDMA              `toml:"rdma,omitempty" json:"rdma"`
	Session map[string]any    `toml:"session,omitempty" json:"session"`
}

// Build holds the spec's enumerated build-time options.
type Build struct {
	// COW selects copy-on-write prepare; false means eager copy.
	COW bool `toml:"cow,omitempty" json:"cow"`
	// Prefetch is N in the N-ahead speculative fetch. Zero disables it.
	Prefetch int `toml:"prefetch,omitempty" json:"prefetch"`
	// EagerResume pre-faults every VMA page during apply_to.
	EagerResume bool `toml:"eager_resume,omitempty" json:"eager_resume"`
	// ResumeProfile emits latency counters around ResumeRemote.
	ResumeProfile bool `toml:"resume_profile,omitempty" json:"resume_profile"`
}

// RDMA holds the device defaults used to build a real verbs Device.
type RDMA struct {
	GIDIndex    int    `toml:"gid_index,omitempty" json:"gid_index"`
	NICID       string `toml:"nic_id,omitempty" json:"nic_id"`
	TimeoutMS   int    `toml:"timeout_ms,omitempty" json:"timeout_ms"`
}

// SessionOverrides decodes the free-form [session] table into dst using
// mapstructure, so per-resume overrides don't need a fixed Go field for
// every possible key (spec.md's build-time options are a small fixed
// set, but a deployment may stage experimental per-session knobs ahead
// of promoting them into Build).
func (c *Config) SessionOverrides(dst any) error {
	if len(c.Session) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           dst,
	})
	if err != nil {
		return fmt.Errorf("config: building session decoder: %w", err)
	}
	if err := dec.Decode(c.Session); err != nil {
		return fmt.Errorf("config: decoding session overrides: %w", err)
	}
	return nil
}

// configDirOverride is set by the --config-dir flag or MITOSIS_HOME env
// var.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir / MITOSIS_HOME
// value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > MITOSIS_HOME env > ~/.mitosis
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("MITOSIS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mitosis")
	}
	return filepath.Join(home, ".mitosis")
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// EnsureDir creates the mitosis home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Default returns the config defaults every field falls back to absent
// an on-disk file: no COW, prefetch disabled, eager-resume off, a
// 1 s RDMA timeout matching spec.md §5's mandated deadline.
func Default() *Config {
	return &Config{
		RDMA: RDMA{TimeoutMS: 1000},
	}
}

// Load reads config.toml and returns a Config struct.
// If the file does not exist, it returns Default().
func Load() (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// validKeys lists the dot-separated keys that can be used with Get/Set.
var validKeys = map[string]bool{
	"build.cow":            true,
	"build.prefetch":       true,
	"build.eager_resume":   true,
	"build.resume_profile": true,
	"rdma.gid_index":       true,
	"rdma.nic_id":          true,
	"rdma.timeout_ms":      true,
}

// Get retrieves a single config value by dot-separated key.
func Get(key string) (string, error) {
	if !validKeys[key] {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return getField(cfg, key)
}

// Set sets a single config value by dot-separated key.
func Set(key, value string) error {
	if !validKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := setField(cfg, key, value); err != nil {
		return err
	}
	return Save(cfg)
}

func getField(cfg *Config, key string) (string, error) {
	switch key {
	case "build.cow":
		return strconv.FormatBool(cfg.Build.COW), nil
	case "build.prefetch":
		return strconv.Itoa(cfg.Build.Prefetch), nil
	case "build.eager_resume":
		return strconv.FormatBool(cfg.Build.EagerResume), nil
	case "build.resume_profile":
		return strconv.FormatBool(cfg.Build.ResumeProfile), nil
	case "rdma.gid_index":
		return strconv.Itoa(cfg.RDMA.GIDIndex), nil
	case "rdma.nic_id":
		return cfg.RDMA.NICID, nil
	case "rdma.timeout_ms":
		return strconv.Itoa(cfg.RDMA.TimeoutMS), nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func setField(cfg *Config, key, value string) error {
	switch key {
	case "build.cow":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("build.cow: %w", err)
		}
		cfg.Build.COW = b
	case "build.prefetch":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("build.prefetch: %w", err)
		}
		cfg.Build.Prefetch = n
	case "build.eager_resume":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("build.eager_resume: %w", err)
		}
		cfg.Build.EagerResume = b
	case "build.resume_profile":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("build.resume_profile: %w", err)
		}
		cfg.Build.ResumeProfile = b
	case "rdma.gid_index":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("rdma.gid_index: %w", err)
		}
		cfg.RDMA.GIDIndex = n
	case "rdma.nic_id":
		cfg.RDMA.NICID = value
	case "rdma.timeout_ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("rdma.timeout_ms: %w", err)
		}
		cfg.RDMA.TimeoutMS = n
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
