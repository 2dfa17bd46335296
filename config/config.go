// Package config implements the ambient configuration layer from
// spec.md §6, decoded from YAML via gopkg.in/yaml.v3. Grounded on the
// teacher's core/main.go loadConfig (which builds a typed config object
// consumed by server.NewServer), generalized from SA-MP-specific fields
// (ServerName, GameMode, Weather, ...) to the spec's reliability-layer
// configuration surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option §6 recognizes.
type Config struct {
	MaxConnections            int `yaml:"maxConnections"`
	MTU                       int `yaml:"mtu"`
	TimeoutMs                 int `yaml:"timeoutMs"`
	PingIntervalMs            int `yaml:"pingIntervalMs"`
	MaxSendAttempts           int `yaml:"maxSendAttempts"`
	MinRtoMs                  int `yaml:"minRtoMs"`
	MaxRtoMs                  int `yaml:"maxRtoMs"`
	AckDelayMs                int `yaml:"ackDelayMs"`
	MaxSplitPacketsPerPeer    int `yaml:"maxSplitPacketsPerPeer"`
	MaxReassemblyBytesPerPeer int `yaml:"maxReassemblyBytesPerPeer"`
}

// Default returns the spec's §6 default values.
func Default() Config {
	return Config{
		MaxConnections:            64,
		MTU:                       1492,
		TimeoutMs:                 10000,
		PingIntervalMs:            5000,
		MaxSendAttempts:           10,
		MinRtoMs:                  100,
		MaxRtoMs:                  3000,
		AckDelayMs:                5,
		MaxSplitPacketsPerPeer:    128,
		MaxReassemblyBytesPerPeer: 4 << 20,
	}
}

// Load reads and decodes a YAML config file, filling any field the file
// omits with Default()'s value, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces §6's documented ranges.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: maxConnections must be positive, got %d", c.MaxConnections)
	}
	if c.MTU < 576 || c.MTU > 1500 {
		return fmt.Errorf("config: mtu must be in [576, 1500], got %d", c.MTU)
	}
	if c.MinRtoMs <= 0 || c.MaxRtoMs < c.MinRtoMs {
		return fmt.Errorf("config: minRtoMs/maxRtoMs invalid (%d/%d)", c.MinRtoMs, c.MaxRtoMs)
	}
	return nil
}

func (c Config) Timeout() time.Duration      { return time.Duration(c.TimeoutMs) * time.Millisecond }
func (c Config) PingInterval() time.Duration { return time.Duration(c.PingIntervalMs) * time.Millisecond }
func (c Config) MinRTO() time.Duration       { return time.Duration(c.MinRtoMs) * time.Millisecond }
func (c Config) MaxRTO() time.Duration       { return time.Duration(c.MaxRtoMs) * time.Millisecond }
func (c Config) AckDelay() time.Duration     { return time.Duration(c.AckDelayMs) * time.Millisecond }
