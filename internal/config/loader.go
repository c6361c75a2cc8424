// ABOUTME: YAML configuration loading and validation
// ABOUTME: Strict decoding with joined validation errors
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns
// a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if cfg.Player.Volume < 0 || cfg.Player.Volume > 100 {
		errs = append(errs, fmt.Errorf("player.volume %d is out of range [0, 100]", cfg.Player.Volume))
	}
	if d := cfg.Output.Driver; d != "" && d != "malgo" && d != "oto" {
		errs = append(errs, fmt.Errorf("output.driver %q is invalid; valid values: malgo, oto", d))
	}
	if cfg.Output.BlockFrames < 0 {
		errs = append(errs, fmt.Errorf("output.block_frames %d must not be negative", cfg.Output.BlockFrames))
	}
	if cfg.Sync.MaxRate < 0 || cfg.Sync.MaxRate > 0.1 {
		errs = append(errs, fmt.Errorf("sync.max_rate %.3f is out of range [0, 0.1]", cfg.Sync.MaxRate))
	}
	if cfg.Sync.HardLimitMs < 0 {
		errs = append(errs, fmt.Errorf("sync.hard_limit_ms %d must not be negative", cfg.Sync.HardLimitMs))
	}
	if cfg.Sync.MinLeadMs > 0 && cfg.Sync.StartLeadMs > 0 && cfg.Sync.StartLeadMs < cfg.Sync.MinLeadMs {
		errs = append(errs, fmt.Errorf("sync.start_lead_ms %d must not be below sync.min_lead_ms %d",
			cfg.Sync.StartLeadMs, cfg.Sync.MinLeadMs))
	}

	return errors.Join(errs...)
}
