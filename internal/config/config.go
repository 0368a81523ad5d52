// Package config loads and validates the agent configuration.
// Precedence: environment variables > YAML file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for all environment variable overrides.
const envPrefix = "ECHOMATRIX_"

// Config is the full runtime configuration.
type Config struct {
	AgentID   string          `yaml:"agent_id"`
	Log       LogConfig       `yaml:"log"`
	SIP       SIPConfig       `yaml:"sip"`
	Media     MediaConfig     `yaml:"media"`
	Silence   SilenceConfig   `yaml:"silence"`
	Call      CallConfig      `yaml:"call"`
	Recording RecordingConfig `yaml:"recording"`
	AI        AIConfig        `yaml:"ai"`
	Registry  RegistryConfig  `yaml:"registry"`
	API       APIConfig       `yaml:"api"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	// File enables rotated file output when non-empty; stderr otherwise.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	// Dir receives per-call transcript YAML files.
	Dir string `yaml:"dir"`
}

// SIPConfig covers signalling, registration and NAT traversal.
type SIPConfig struct {
	PublicIP    string `yaml:"public_ip"`
	PublicPort  int    `yaml:"public_port"`
	BindAddress string `yaml:"bind_address"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Domain      string `yaml:"domain"`
	Proxy       string `yaml:"proxy"`
	ContactURI  string `yaml:"contact_uri"`
	// Register sends a REGISTER to the domain registrar on startup.
	Register     bool   `yaml:"register"`
	STUNServer   string `yaml:"stun_server"`
	NATTypeInSDP int    `yaml:"nat_type_in_sdp"`
	KeepaliveSec int    `yaml:"keepalive_sec"`
}

// Codec names a payload format and its negotiation priority (0 disables).
type Codec struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

// MediaConfig covers the RTP/audio path.
type MediaConfig struct {
	Codecs         []Codec `yaml:"codecs"`
	ClockRate      int     `yaml:"clock_rate"`
	SoundClockRate int     `yaml:"sound_clock_rate"`
	Channels       int     `yaml:"channels"`
	PtimeMS        int     `yaml:"ptime_ms"`
	ECTailMS       int     `yaml:"ec_tail_ms"`
	ECOptions      int     `yaml:"ec_options"`
	VAD            bool    `yaml:"vad"`
	TxDropPercent  int     `yaml:"tx_drop_percent"`
}

// SilenceConfig tunes the end-of-utterance detector.
type SilenceConfig struct {
	// ThresholdRMS is the amplitude below which audio counts as silence.
	ThresholdRMS float64 `yaml:"threshold_rms"`
	// DurationMS is how long RMS must stay below threshold to end a segment.
	DurationMS int `yaml:"duration_ms"`
	// CheckIntervalMS is the media-loop polling period for recorders.
	CheckIntervalMS int `yaml:"check_interval_ms"`
	// MinAnalysisSpacingMS caps how often the tail-RMS file read runs.
	MinAnalysisSpacingMS int `yaml:"min_analysis_spacing_ms"`
}

// CallConfig covers per-call behavior.
type CallConfig struct {
	AutoAnswer        bool   `yaml:"auto_answer"`
	WelcomeDelayMS    int    `yaml:"welcome_delay_ms"`
	WelcomeMaxMS      int    `yaml:"welcome_max_ms"`
	MaxCallSec        int    `yaml:"max_call_sec"`
	WelcomeMessage    string `yaml:"welcome_message"`
	DisconnectMessage string `yaml:"disconnect_message"`
}

// RecordingConfig covers caller-audio capture.
type RecordingConfig struct {
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"` // pcm, wav
	// SampleRate and SampleWidth describe the captured PCM stream.
	SampleRate  int `yaml:"sample_rate"`
	SampleWidth int `yaml:"sample_width"`
	// RetentionHours deletes recordings older than this; 0 keeps forever.
	RetentionHours     int `yaml:"retention_hours"`
	CleanupIntervalMin int `yaml:"cleanup_interval_min"`
}

// AIConfig names the speech/language collaborators.
type AIConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	TranscribeModel string `yaml:"transcribe_model"`
	ChatModel       string `yaml:"chat_model"`
	TTSModel        string `yaml:"tts_model"`
	TTSVoice        string `yaml:"tts_voice"`
	// SystemPrompt seeds the reply generator's conversation.
	SystemPrompt string `yaml:"system_prompt"`
}

// RegistryConfig locates the sqlite registry.
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// APIConfig covers the operator HTTP surface.
type APIConfig struct {
	Addr        string  `yaml:"addr"`
	BearerToken string  `yaml:"bearer_token"`
	RateLimit   float64 `yaml:"rate_limit"` // requests/second per client
	RateBurst   int     `yaml:"rate_burst"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Dir:        "./logs",
		},
		SIP: SIPConfig{
			PublicPort:   5060,
			BindAddress:  "0.0.0.0",
			KeepaliveSec: 15,
		},
		Media: MediaConfig{
			Codecs: []Codec{
				{Name: "PCMU/8000", Priority: 255},
				{Name: "PCMA/8000", Priority: 254},
			},
			ClockRate:      8000,
			SoundClockRate: 8000,
			Channels:       1,
			PtimeMS:        20,
		},
		Silence: SilenceConfig{
			ThresholdRMS:         100,
			DurationMS:           1000,
			CheckIntervalMS:      100,
			MinAnalysisSpacingMS: 500,
		},
		Call: CallConfig{
			AutoAnswer:     true,
			WelcomeDelayMS: 500,
			WelcomeMaxMS:   15000,
			MaxCallSec:     600,
		},
		Recording: RecordingConfig{
			Dir:                "./recordings",
			Format:             "pcm",
			SampleRate:         8000,
			SampleWidth:        2,
			CleanupIntervalMin: 60,
		},
		AI: AIConfig{
			TranscribeModel: "whisper-1",
			ChatModel:       "gpt-4o-mini",
			TTSModel:        "tts-1",
			TTSVoice:        "alloy",
		},
		Registry: RegistryConfig{
			Path: "./data/echomatrix.db",
		},
		API: APIConfig{
			Addr:      ":8080",
			RateLimit: 10,
			RateBurst: 20,
		},
	}
}

// Load reads the YAML file at path (skipped when empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment-sensitive values be injected without
// editing the config file.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("AGENT_ID", &cfg.AgentID)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)
	setString("SIP_PUBLIC_IP", &cfg.SIP.PublicIP)
	setInt("SIP_PUBLIC_PORT", &cfg.SIP.PublicPort)
	setString("SIP_USERNAME", &cfg.SIP.Username)
	setString("SIP_PASSWORD", &cfg.SIP.Password)
	setString("SIP_DOMAIN", &cfg.SIP.Domain)
	setBool("SIP_REGISTER", &cfg.SIP.Register)
	setString("RECORDING_DIR", &cfg.Recording.Dir)
	setString("OPENAI_API_KEY", &cfg.AI.APIKey)
	setString("OPENAI_BASE_URL", &cfg.AI.BaseURL)
	setString("REGISTRY_PATH", &cfg.Registry.Path)
	setString("API_ADDR", &cfg.API.Addr)
	setString("API_TOKEN", &cfg.API.BearerToken)
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the whole configuration and returns every violation
// joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if !logLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}

	if c.SIP.PublicPort < 1 || c.SIP.PublicPort > 65535 {
		errs = append(errs, fmt.Errorf("sip.public_port: %d out of range", c.SIP.PublicPort))
	}
	if c.SIP.Register && (c.SIP.Username == "" || c.SIP.Domain == "") {
		errs = append(errs, errors.New("sip.register: requires sip.username and sip.domain"))
	}

	if c.Media.ClockRate <= 0 {
		errs = append(errs, fmt.Errorf("media.clock_rate: must be positive, got %d", c.Media.ClockRate))
	}
	if c.Media.Channels != 1 {
		errs = append(errs, fmt.Errorf("media.channels: only mono is supported, got %d", c.Media.Channels))
	}
	if c.Media.PtimeMS <= 0 {
		errs = append(errs, fmt.Errorf("media.ptime_ms: must be positive, got %d", c.Media.PtimeMS))
	}
	if c.Media.TxDropPercent < 0 || c.Media.TxDropPercent > 100 {
		errs = append(errs, fmt.Errorf("media.tx_drop_percent: %d out of range", c.Media.TxDropPercent))
	}
	if len(c.Media.Codecs) == 0 {
		errs = append(errs, errors.New("media.codecs: at least one codec required"))
	}

	if c.Silence.ThresholdRMS < 0 {
		errs = append(errs, fmt.Errorf("silence.threshold_rms: must be non-negative, got %v", c.Silence.ThresholdRMS))
	}
	if c.Silence.DurationMS <= 0 {
		errs = append(errs, fmt.Errorf("silence.duration_ms: must be positive, got %d", c.Silence.DurationMS))
	}
	if c.Silence.CheckIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("silence.check_interval_ms: must be positive, got %d", c.Silence.CheckIntervalMS))
	}
	if c.Silence.MinAnalysisSpacingMS < c.Silence.CheckIntervalMS {
		errs = append(errs, fmt.Errorf("silence.min_analysis_spacing_ms: must be >= check_interval_ms (%d < %d)",
			c.Silence.MinAnalysisSpacingMS, c.Silence.CheckIntervalMS))
	}

	if c.Call.MaxCallSec < 0 {
		errs = append(errs, fmt.Errorf("call.max_call_sec: must be non-negative, got %d", c.Call.MaxCallSec))
	}
	if c.Call.WelcomeDelayMS < 0 {
		errs = append(errs, fmt.Errorf("call.welcome_delay_ms: must be non-negative, got %d", c.Call.WelcomeDelayMS))
	}
	for _, p := range []struct{ key, path string }{
		{"call.welcome_message", c.Call.WelcomeMessage},
		{"call.disconnect_message", c.Call.DisconnectMessage},
	} {
		if p.path == "" {
			continue
		}
		if _, err := os.Stat(p.path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.key, err))
		}
	}

	if c.Recording.Format != "pcm" && c.Recording.Format != "wav" {
		errs = append(errs, fmt.Errorf("recording.format: must be pcm or wav, got %q", c.Recording.Format))
	}
	if c.Recording.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("recording.sample_rate: must be positive, got %d", c.Recording.SampleRate))
	}
	switch c.Recording.SampleWidth {
	case 1, 2, 4:
	default:
		errs = append(errs, fmt.Errorf("recording.sample_width: must be 1, 2 or 4 bytes, got %d", c.Recording.SampleWidth))
	}
	if c.Recording.Dir == "" {
		errs = append(errs, errors.New("recording.dir: required"))
	}

	if c.API.Addr != "" {
		if c.API.RateLimit <= 0 {
			errs = append(errs, fmt.Errorf("api.rate_limit: must be positive, got %v", c.API.RateLimit))
		}
		if c.API.RateBurst <= 0 {
			errs = append(errs, fmt.Errorf("api.rate_burst: must be positive, got %d", c.API.RateBurst))
		}
	}

	return errors.Join(errs...)
}
