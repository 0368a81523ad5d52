package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Silence.DurationMS != 1000 {
		t.Errorf("silence.duration_ms = %d, want 1000", cfg.Silence.DurationMS)
	}
	if cfg.Recording.Format != "pcm" {
		t.Errorf("recording.format = %q, want pcm", cfg.Recording.Format)
	}
	if cfg.Media.ClockRate != 8000 {
		t.Errorf("media.clock_rate = %d, want 8000", cfg.Media.ClockRate)
	}
	if len(cfg.Media.Codecs) != 2 {
		t.Errorf("default codecs = %d, want 2", len(cfg.Media.Codecs))
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent_id: agent-1
silence:
  threshold_rms: 250
  duration_ms: 1500
recording:
  format: wav
  dir: /tmp/rec
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AgentID != "agent-1" {
		t.Errorf("agent_id = %q, want agent-1", cfg.AgentID)
	}
	if cfg.Silence.ThresholdRMS != 250 {
		t.Errorf("threshold_rms = %v, want 250", cfg.Silence.ThresholdRMS)
	}
	if cfg.Recording.Format != "wav" {
		t.Errorf("format = %q, want wav", cfg.Recording.Format)
	}
	// Untouched sections keep their defaults.
	if cfg.Call.MaxCallSec != 600 {
		t.Errorf("max_call_sec = %d, want 600", cfg.Call.MaxCallSec)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "no_such_section:\n  x: 1\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown config key")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "sip:\n  password: from-file\n")
	t.Setenv("ECHOMATRIX_SIP_PASSWORD", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SIP.Password != "from-env" {
		t.Errorf("sip.password = %q, want from-env", cfg.SIP.Password)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Recording.Format = "mp3"
	cfg.Silence.DurationMS = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"log.level", "recording.format", "silence.duration_ms"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidateRegisterRequiresCredentials(t *testing.T) {
	cfg := Default()
	cfg.SIP.Register = true

	if err := cfg.Validate(); err == nil {
		t.Error("expected error: register without username/domain")
	}

	cfg.SIP.Username = "alice"
	cfg.SIP.Domain = "sip.example.com"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateMissingWelcomeFile(t *testing.T) {
	cfg := Default()
	cfg.Call.WelcomeMessage = filepath.Join(t.TempDir(), "missing.wav")

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing welcome message file")
	}
}
