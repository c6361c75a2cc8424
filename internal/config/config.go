// ABOUTME: Player configuration schema
// ABOUTME: YAML-backed settings for connection, output, and sync tuning
package config

import "time"

// Config is the player configuration tree
type Config struct {
	Server ServerConfig `yaml:"server"`
	Player PlayerConfig `yaml:"player"`
	Output OutputConfig `yaml:"output"`
	Sync   SyncConfig   `yaml:"sync"`
}

// ServerConfig names the session server to join
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PlayerConfig identifies this player
type PlayerConfig struct {
	Name          string `yaml:"name"`
	Volume        int    `yaml:"volume"`
	StaticDelayMs int    `yaml:"static_delay_ms"`
	LogFile       string `yaml:"log_file"`
}

// OutputConfig selects and tunes the output driver
type OutputConfig struct {
	Driver      string `yaml:"driver"` // "malgo" or "oto"
	BlockFrames int    `yaml:"block_frames"`
}

// SyncConfig tunes the synchronization behavior. Zero values take
// engine defaults.
type SyncConfig struct {
	MinLeadMs       int     `yaml:"min_lead_ms"`
	StartLeadMs     int     `yaml:"start_lead_ms"`
	DeadBandMs      int     `yaml:"dead_band_ms"`
	MaxRate         float64 `yaml:"max_rate"`
	HardLimitMs     int     `yaml:"hard_limit_ms"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
	MaxReanchors    int     `yaml:"max_reanchors"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: "localhost:8927"},
		Player: PlayerConfig{
			Name:   "Chorus Player",
			Volume: 100,
		},
		Output: OutputConfig{Driver: "malgo"},
	}
}

// MinLead returns the configured minimum lead as a duration
func (s SyncConfig) MinLead() time.Duration {
	return time.Duration(s.MinLeadMs) * time.Millisecond
}

// StartLead returns the configured start lead as a duration
func (s SyncConfig) StartLead() time.Duration {
	return time.Duration(s.StartLeadMs) * time.Millisecond
}
