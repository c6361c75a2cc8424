// ABOUTME: Tests for YAML configuration loading
// ABOUTME: Covers defaults, overrides, and validation failures
package config

import (
	"strings"
	"testing"
)

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
server:
  addr: music.local:8927
player:
  name: Kitchen
  volume: 80
  static_delay_ms: 35
output:
  driver: oto
  block_frames: 1024
sync:
  min_lead_ms: 100
  start_lead_ms: 200
  hard_limit_ms: 500
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != "music.local:8927" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Player.Name != "Kitchen" || cfg.Player.Volume != 80 {
		t.Errorf("player = %+v", cfg.Player)
	}
	if cfg.Player.StaticDelayMs != 35 {
		t.Errorf("static delay = %d", cfg.Player.StaticDelayMs)
	}
	if cfg.Output.Driver != "oto" || cfg.Output.BlockFrames != 1024 {
		t.Errorf("output = %+v", cfg.Output)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("player:\n  name: Den\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr == "" {
		t.Error("default server addr missing")
	}
	if cfg.Output.Driver != "malgo" {
		t.Errorf("default driver = %q, want malgo", cfg.Output.Driver)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("playr:\n  name: typo\n")); err == nil {
		t.Error("unknown top-level key accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"volume out of range", "player:\n  volume: 150\n"},
		{"bad driver", "output:\n  driver: pulse\n"},
		{"negative hard limit", "sync:\n  hard_limit_ms: -1\n"},
		{"max rate too high", "sync:\n  max_rate: 0.5\n"},
		{"start lead below min lead", "sync:\n  min_lead_ms: 200\n  start_lead_ms: 100\n"},
	}

	for _, c := range cases {
		if _, err := LoadFromReader(strings.NewReader(c.yaml)); err == nil {
			t.Errorf("%s: accepted", c.name)
		}
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("player:\n  volume: 150\noutput:\n  driver: pulse\n"))
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	msg := err.Error()
	if !strings.Contains(msg, "player.volume") || !strings.Contains(msg, "output.driver") {
		t.Errorf("joined error missing failures: %v", err)
	}
}
