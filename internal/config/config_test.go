package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected in-memory sessions by default, got %q", cfg.EventStore.RetentionMode)
	}
	if cfg.Listening.SilenceRestartMS != 3000 || cfg.Listening.RestartPauseMS != 100 {
		t.Fatalf("unexpected listening defaults: %+v", cfg.Listening)
	}
	if cfg.Recovery.InitialResilience != 75 {
		t.Fatalf("expected initial resilience 75, got %v", cfg.Recovery.InitialResilience)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.yaml")
	data := []byte(`runtime_name: stage-coach
capture:
  sample_rate: 16000
  fft_size: 1024
advisor:
  personality: supportive
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "stage-coach" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.FFTSize != 1024 {
		t.Fatalf("unexpected capture config: %+v", cfg.Capture)
	}
	if cfg.Capture.Smoothing != 0.8 {
		t.Fatalf("expected untouched defaults to survive, got smoothing %v", cfg.Capture.Smoothing)
	}
	if cfg.Advisor.Personality != "supportive" {
		t.Fatalf("expected supportive personality, got %q", cfg.Advisor.Personality)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COACH_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("COACH_BUS_USERNAME", "alice")
	t.Setenv("COACH_BUS_PASSWORD", "secret")
	t.Setenv("COACH_BUS_TLS_INSECURE", "true")
	t.Setenv("COACH_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("COACH_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("COACH_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("COACH_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("COACH_CAPTURE_TICK_INTERVAL_MS", "33")
	t.Setenv("COACH_LISTENING_MAX_RESTARTS", "2")
	t.Setenv("COACH_RECOVERY_INITIAL_RESILIENCE", "60.5")
	t.Setenv("COACH_ADVISOR_PERSONALITY", "strategic")
	t.Setenv("COACH_CAPTURE_SOURCE", "wav")
	t.Setenv("COACH_CAPTURE_WAV_PATH", "talk.wav")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.Capture.TickIntervalMS != 33 {
		t.Fatalf("expected tick interval override, got %d", cfg.Capture.TickIntervalMS)
	}
	if cfg.Listening.MaxRestarts != 2 {
		t.Fatalf("expected max restarts override, got %d", cfg.Listening.MaxRestarts)
	}
	if cfg.Recovery.InitialResilience != 60.5 {
		t.Fatalf("expected initial resilience override, got %v", cfg.Recovery.InitialResilience)
	}
	if cfg.Advisor.Personality != "strategic" {
		t.Fatalf("expected personality override")
	}
	if cfg.Capture.Source != "wav" || cfg.Capture.WAVPath != "talk.wav" {
		t.Fatalf("expected capture source override, got %+v", cfg.Capture)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"fft not power of two": func(c *Config) { c.Capture.FFTSize = 1000 },
		"decibel range":        func(c *Config) { c.Capture.MinDecibels = -10 },
		"retention mode":       func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"stt exec no command":  func(c *Config) { c.STT.Enabled = true; c.STT.Mode = "exec" },
		"personality":          func(c *Config) { c.Advisor.Personality = "grumpy" },
		"initial resilience":   func(c *Config) { c.Recovery.InitialResilience = 120 },
		"wav source no path":   func(c *Config) { c.Capture.Source = "wav" },
		"bus source no bus":    func(c *Config) { c.Bus.Enabled = false },
		"stream max age":       func(c *Config) { c.Bus.StreamMaxAgeSec = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
