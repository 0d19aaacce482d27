// Package config loads machine configuration from YAML. Malformed or
// inconsistent configuration aborts setup before the machine runs a
// single step.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sw882882/riscv-emu/internal/rv64"
)

// TimingConfig tunes the cycle cost model.
type TimingConfig struct {
	BaseCycles       uint64 `yaml:"base_cycles"`
	CacheMissPenalty uint64 `yaml:"cache_miss_penalty"`
	WritebackPenalty uint64 `yaml:"writeback_penalty"`
	MMIOLatency      uint64 `yaml:"mmio_latency"`
}

// Config is the machine configuration file.
type Config struct {
	MemoryMB uint64       `yaml:"memory_mb"`
	Timing   TimingConfig `yaml:"timing"`

	// ADPolicy is "trap" (fault on first touch) or "hardware" (set A/D
	// during the walk).
	ADPolicy string `yaml:"ad_policy"`

	Cmdline string `yaml:"cmdline"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	t := rv64.DefaultTiming()
	return Config{
		MemoryMB: 128,
		Timing: TimingConfig{
			BaseCycles:       t.BaseCycles,
			CacheMissPenalty: t.CacheMissPenalty,
			WritebackPenalty: t.WritebackPenalty,
			MMIOLatency:      t.MMIOLatency,
		},
		ADPolicy: "trap",
	}
}

// Load reads and validates a configuration file, filling unset fields
// from the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration is runnable.
func (c *Config) Validate() error {
	if c.MemoryMB < 1 {
		return fmt.Errorf("memory_mb must be at least 1, got %d", c.MemoryMB)
	}
	if c.Timing.BaseCycles == 0 {
		return fmt.Errorf("timing.base_cycles must be nonzero")
	}
	if c.ADPolicy != "trap" && c.ADPolicy != "hardware" {
		return fmt.Errorf("ad_policy must be %q or %q, got %q", "trap", "hardware", c.ADPolicy)
	}
	return nil
}

// MachineTiming converts the config into the core's cost model.
func (c *Config) MachineTiming() rv64.Timing {
	return rv64.Timing{
		BaseCycles:       c.Timing.BaseCycles,
		CacheMissPenalty: c.Timing.CacheMissPenalty,
		WritebackPenalty: c.Timing.WritebackPenalty,
		MMIOLatency:      c.Timing.MMIOLatency,
	}
}

// MachineADPolicy converts the ad_policy string.
func (c *Config) MachineADPolicy() rv64.ADPolicy {
	if c.ADPolicy == "hardware" {
		return rv64.ADPolicyHardware
	}
	return rv64.ADPolicyTrap
}
