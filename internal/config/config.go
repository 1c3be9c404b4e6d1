package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Conversation modes understood by the generation service.
const (
	ConversationHumanControl = "human-control"
	ConversationAutonomous   = "autonomous"
)

// Playback modes.
const (
	PlayModeText  = "text"
	PlayModeAudio = "audio"
)

type ServiceConfig struct {
	Version int `yaml:"version"`
	Service struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"service"`
	Network struct {
		UIPort  int    `yaml:"ui_port"`
		TLSCert string `yaml:"tls_cert"`
		TLSKey  string `yaml:"tls_key"`
	} `yaml:"network"`
	Graph struct {
		Path string `yaml:"path"`
	} `yaml:"graph"`
	Generation struct {
		BaseURL        string `yaml:"base_url"`
		StreamPath     string `yaml:"stream_path"`
		RegeneratePath string `yaml:"regenerate_path"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"generation"`
	Playback struct {
		SettleDelay      string `yaml:"settle_delay"`
		PollInterval     string `yaml:"poll_interval"`
		DefaultMode      string `yaml:"default_mode"`
		ConversationMode string `yaml:"conversation_mode"`
	} `yaml:"playback"`
	MQTT struct {
		ClientID     string `yaml:"client_id"`
		Username     string `yaml:"username"`
		SpeakTimeout string `yaml:"speak_timeout"`
		Optional     bool   `yaml:"optional"`
	} `yaml:"mqtt"`
	Humans []string `yaml:"humans"`
}

// UIPort returns the configured UI port, defaulting to 8080 if not set.
func (c *ServiceConfig) UIPort() int {
	if c.Network.UIPort == 0 {
		return 8080
	}
	return c.Network.UIPort
}

// TLSFiles locates the certificate and key served by the API.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether both files are set.
func (f TLSFiles) Enabled() bool {
	return f.CertFile != "" && f.KeyFile != ""
}

// TLS returns the API certificate paths. COLLOQUY_TLS_CERT and
// COLLOQUY_TLS_KEY override the file values.
func (c *ServiceConfig) TLS() TLSFiles {
	f := TLSFiles{CertFile: c.Network.TLSCert, KeyFile: c.Network.TLSKey}
	if v := os.Getenv("COLLOQUY_TLS_CERT"); v != "" {
		f.CertFile = v
	}
	if v := os.Getenv("COLLOQUY_TLS_KEY"); v != "" {
		f.KeyFile = v
	}
	return f
}

// GraphPath returns the snippet graph file, defaulting to graph.json.
func (c *ServiceConfig) GraphPath() string {
	if c.Graph.Path == "" {
		return "graph.json"
	}
	return c.Graph.Path
}

// GenerationBaseURL returns the generation service root URL.
func (c *ServiceConfig) GenerationBaseURL() string {
	if c.Generation.BaseURL == "" {
		return "http://localhost:5000"
	}
	return c.Generation.BaseURL
}

func (c *ServiceConfig) StreamPath() string {
	if c.Generation.StreamPath == "" {
		return "/api/conversation/stream"
	}
	return c.Generation.StreamPath
}

func (c *ServiceConfig) RegeneratePath() string {
	if c.Generation.RegeneratePath == "" {
		return "/api/derailer/regenerate"
	}
	return c.Generation.RegeneratePath
}

// GenerationTimeout bounds a single regeneration call. Streams are not
// bounded by it.
func (c *ServiceConfig) GenerationTimeout() time.Duration {
	return parseDuration(c.Generation.Timeout, 60*time.Second)
}

// SettleDelay is the pause after actors are (re)initialized before the first
// utterance is dispatched.
func (c *ServiceConfig) SettleDelay() time.Duration {
	return parseDuration(c.Playback.SettleDelay, 500*time.Millisecond)
}

// PollInterval is the wall-clock progress polling period.
func (c *ServiceConfig) PollInterval() time.Duration {
	return parseDuration(c.Playback.PollInterval, 250*time.Millisecond)
}

func (c *ServiceConfig) DefaultPlayMode() string {
	if c.Playback.DefaultMode == PlayModeAudio {
		return PlayModeAudio
	}
	return PlayModeText
}

func (c *ServiceConfig) ConversationMode() string {
	if c.Playback.ConversationMode == ConversationHumanControl {
		return ConversationHumanControl
	}
	return ConversationAutonomous
}

func (c *ServiceConfig) MQTTClientID() string {
	if c.MQTT.ClientID == "" {
		return "colloquy-orchestrator"
	}
	return c.MQTT.ClientID
}

// MQTTUsername is the broker user; the password comes from MQTT_PASSWORD.
func (c *ServiceConfig) MQTTUsername() string {
	return c.MQTT.Username
}

// MQTTOptional reports whether the orchestrator may run without a broker.
// Without one no actors are available and every node aborts.
func (c *ServiceConfig) MQTTOptional() bool {
	return c.MQTT.Optional
}

// SpeakTimeout bounds how long an actor may take to acknowledge speech.
func (c *ServiceConfig) SpeakTimeout() time.Duration {
	return parseDuration(c.MQTT.SpeakTimeout, 2*time.Minute)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func LoadServiceConfig(path string) (*ServiceConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseServiceConfig(b)
}

func ParseServiceConfig(b []byte) (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported colloquy.yaml version: %d", cfg.Version)
	}

	switch cfg.Playback.DefaultMode {
	case "", PlayModeText, PlayModeAudio:
	default:
		return nil, fmt.Errorf("invalid playback.default_mode: %q", cfg.Playback.DefaultMode)
	}

	switch cfg.Playback.ConversationMode {
	case "", ConversationHumanControl, ConversationAutonomous:
	default:
		return nil, fmt.Errorf("invalid playback.conversation_mode: %q", cfg.Playback.ConversationMode)
	}

	if (cfg.Network.TLSCert == "") != (cfg.Network.TLSKey == "") {
		return nil, fmt.Errorf("network.tls_cert and network.tls_key must be set together")
	}

	return &cfg, nil
}
