package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseServiceConfig_Defaults(t *testing.T) {
	cfg, err := ParseServiceConfig([]byte("version: 1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.UIPort() != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.UIPort())
	}
	if cfg.GraphPath() != "graph.json" {
		t.Errorf("expected default graph path, got %q", cfg.GraphPath())
	}
	if cfg.StreamPath() != "/api/conversation/stream" {
		t.Errorf("unexpected stream path %q", cfg.StreamPath())
	}
	if cfg.SettleDelay() != 500*time.Millisecond {
		t.Errorf("expected 500ms settle delay, got %v", cfg.SettleDelay())
	}
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms poll interval, got %v", cfg.PollInterval())
	}
	if cfg.DefaultPlayMode() != PlayModeText {
		t.Errorf("expected text mode, got %q", cfg.DefaultPlayMode())
	}
	if cfg.ConversationMode() != ConversationAutonomous {
		t.Errorf("expected autonomous mode, got %q", cfg.ConversationMode())
	}
}

func TestLoadServiceConfig(t *testing.T) {
	yml := `version: 1
service:
  id: studio-1
  name: Studio One
network:
  ui_port: 9090
graph:
  path: /data/graph.json
generation:
  base_url: http://gen:8000
  timeout: 5s
playback:
  settle_delay: 1s
  poll_interval: 100ms
  default_mode: audio
  conversation_mode: human-control
mqtt:
  client_id: colloquy-test
  username: orchestrator
  optional: true
  speak_timeout: 30s
humans:
  - Dana
`
	path := filepath.Join(t.TempDir(), "colloquy.yaml")
	if err := os.WriteFile(path, []byte(yml), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Service.ID != "studio-1" {
		t.Errorf("expected service id studio-1, got %q", cfg.Service.ID)
	}
	if cfg.UIPort() != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.UIPort())
	}
	if cfg.GenerationBaseURL() != "http://gen:8000" {
		t.Errorf("unexpected base url %q", cfg.GenerationBaseURL())
	}
	if cfg.GenerationTimeout() != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.GenerationTimeout())
	}
	if cfg.SettleDelay() != time.Second {
		t.Errorf("expected 1s settle delay, got %v", cfg.SettleDelay())
	}
	if cfg.DefaultPlayMode() != PlayModeAudio {
		t.Errorf("expected audio mode, got %q", cfg.DefaultPlayMode())
	}
	if cfg.ConversationMode() != ConversationHumanControl {
		t.Errorf("expected human-control, got %q", cfg.ConversationMode())
	}
	if cfg.MQTTClientID() != "colloquy-test" {
		t.Errorf("unexpected client id %q", cfg.MQTTClientID())
	}
	if cfg.MQTTUsername() != "orchestrator" || !cfg.MQTTOptional() {
		t.Errorf("unexpected mqtt settings %q, optional=%v", cfg.MQTTUsername(), cfg.MQTTOptional())
	}
	if cfg.SpeakTimeout() != 30*time.Second {
		t.Errorf("expected 30s speak timeout, got %v", cfg.SpeakTimeout())
	}
	if len(cfg.Humans) != 1 || cfg.Humans[0] != "Dana" {
		t.Errorf("unexpected humans %v", cfg.Humans)
	}
}

func TestParseServiceConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"wrong version", "version: 2\n"},
		{"bad mode", "version: 1\nplayback:\n  default_mode: video\n"},
		{"bad conversation mode", "version: 1\nplayback:\n  conversation_mode: chaos\n"},
		{"bad yaml", "version: [\n"},
		{"tls cert without key", "version: 1\nnetwork:\n  tls_cert: /etc/colloquy/cert.pem\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServiceConfig([]byte(tt.yml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseDuration_FallsBack(t *testing.T) {
	if got := parseDuration("nonsense", time.Second); got != time.Second {
		t.Errorf("expected fallback 1s, got %v", got)
	}
	if got := parseDuration("-5s", time.Second); got != time.Second {
		t.Errorf("expected fallback for negative, got %v", got)
	}
}

func TestTLSFiles(t *testing.T) {
	yml := "version: 1\nnetwork:\n  tls_cert: /etc/colloquy/cert.pem\n  tls_key: /etc/colloquy/key.pem\n"
	tests := []struct {
		name     string
		yml      string
		envCert  string
		envKey   string
		wantCert string
		wantKey  string
		enabled  bool
	}{
		{"unset", "version: 1\n", "", "", "", "", false},
		{"from file", yml, "", "", "/etc/colloquy/cert.pem", "/etc/colloquy/key.pem", true},
		{"env overrides file", yml, "/run/cert.pem", "/run/key.pem", "/run/cert.pem", "/run/key.pem", true},
		{"env only cert", "version: 1\n", "/run/cert.pem", "", "/run/cert.pem", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COLLOQUY_TLS_CERT", tt.envCert)
			t.Setenv("COLLOQUY_TLS_KEY", tt.envKey)

			cfg, err := ParseServiceConfig([]byte(tt.yml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			f := cfg.TLS()
			if f.CertFile != tt.wantCert || f.KeyFile != tt.wantKey {
				t.Errorf("unexpected files: %+v", f)
			}
			if f.Enabled() != tt.enabled {
				t.Errorf("expected enabled=%v", tt.enabled)
			}
		})
	}
}
