package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	Listening   ListeningConfig  `yaml:"listening"`
	STT         STTConfig        `yaml:"stt"`
	Recovery    RecoveryConfig   `yaml:"recovery"`
	Advisor     AdvisorConfig    `yaml:"advisor"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// Stream names the JetStream stream retaining coach output subjects.
	// Empty disables it.
	Stream          string `yaml:"stream"`
	StreamMaxAgeSec int    `yaml:"stream_max_age_sec"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig tunes the acoustic analysis loop. The analyser fields mirror
// the knobs of a browser analyser node so recorded sessions stay comparable.
type CaptureConfig struct {
	// Source is where session audio comes from: bus frames or a WAV file
	// streamed at real-time pace.
	Source  string `yaml:"source"`
	WAVPath string `yaml:"wav_path"`

	SampleRate      int     `yaml:"sample_rate"`
	FFTSize         int     `yaml:"fft_size"`
	Smoothing       float64 `yaml:"smoothing"`
	MinDecibels     float64 `yaml:"min_decibels"`
	MaxDecibels     float64 `yaml:"max_decibels"`
	TickIntervalMS  int     `yaml:"tick_interval_ms"`
	HistoryWindowMS int     `yaml:"history_window_ms"`
	BaselineSamples int     `yaml:"baseline_samples"`
}

type ListeningConfig struct {
	Language         string `yaml:"language"`
	SilenceRestartMS int    `yaml:"silence_restart_ms"`
	RestartPauseMS   int    `yaml:"restart_pause_ms"`
	MaxRestarts      int    `yaml:"max_restarts"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type RecoveryConfig struct {
	ProgressIntervalMS int     `yaml:"progress_interval_ms"`
	HistoryLimit       int     `yaml:"history_limit"`
	TrendLimit         int     `yaml:"trend_limit"`
	InitialResilience  float64 `yaml:"initial_resilience"`
	CatalogPath        string  `yaml:"catalog_path"`
}

type AdvisorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	IntervalMS  int    `yaml:"interval_ms"`
	Personality string `yaml:"personality"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-coach",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:         true,
			Embedded:        true,
			Port:            4222,
			StoreDir:        "./data/nats",
			Servers:         []string{"nats://localhost:4222"},
			ConnectTimeout:  2000,
			Stream:          "COACH",
			StreamMaxAgeSec: 3600,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/coach-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Source:          "bus",
			SampleRate:      48000,
			FFTSize:         2048,
			Smoothing:       0.8,
			MinDecibels:     -90,
			MaxDecibels:     -10,
			TickIntervalMS:  16,
			HistoryWindowMS: 30000,
			BaselineSamples: 20,
		},
		Listening: ListeningConfig{
			Language:         "en-US",
			SilenceRestartMS: 3000,
			RestartPauseMS:   100,
			MaxRestarts:      5,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
		},
		Recovery: RecoveryConfig{
			ProgressIntervalMS: 1000,
			HistoryLimit:       20,
			TrendLimit:         20,
			InitialResilience:  75,
		},
		Advisor: AdvisorConfig{
			Enabled:     true,
			IntervalMS:  10000,
			Personality: "analytical",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COACH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COACH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COACH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COACH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COACH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COACH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COACH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "COACH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "COACH_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "COACH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COACH_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "COACH_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "COACH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COACH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COACH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COACH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COACH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COACH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Stream, "COACH_BUS_STREAM")
	overrideInt(&cfg.Bus.StreamMaxAgeSec, "COACH_BUS_STREAM_MAX_AGE_SEC")
	overrideString(&cfg.EventStore.Path, "COACH_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COACH_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COACH_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "COACH_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COACH_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Source, "COACH_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.WAVPath, "COACH_CAPTURE_WAV_PATH")
	overrideInt(&cfg.Capture.SampleRate, "COACH_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.FFTSize, "COACH_CAPTURE_FFT_SIZE")
	overrideFloat(&cfg.Capture.Smoothing, "COACH_CAPTURE_SMOOTHING")
	overrideInt(&cfg.Capture.TickIntervalMS, "COACH_CAPTURE_TICK_INTERVAL_MS")
	overrideInt(&cfg.Capture.HistoryWindowMS, "COACH_CAPTURE_HISTORY_WINDOW_MS")
	overrideInt(&cfg.Capture.BaselineSamples, "COACH_CAPTURE_BASELINE_SAMPLES")
	overrideString(&cfg.Listening.Language, "COACH_LISTENING_LANGUAGE")
	overrideInt(&cfg.Listening.SilenceRestartMS, "COACH_LISTENING_SILENCE_RESTART_MS")
	overrideInt(&cfg.Listening.RestartPauseMS, "COACH_LISTENING_RESTART_PAUSE_MS")
	overrideInt(&cfg.Listening.MaxRestarts, "COACH_LISTENING_MAX_RESTARTS")
	overrideBool(&cfg.STT.Enabled, "COACH_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "COACH_STT_MODE")
	overrideString(&cfg.STT.Command, "COACH_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "COACH_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "COACH_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "COACH_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "COACH_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "COACH_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "COACH_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.Recovery.ProgressIntervalMS, "COACH_RECOVERY_PROGRESS_INTERVAL_MS")
	overrideInt(&cfg.Recovery.HistoryLimit, "COACH_RECOVERY_HISTORY_LIMIT")
	overrideInt(&cfg.Recovery.TrendLimit, "COACH_RECOVERY_TREND_LIMIT")
	overrideFloat(&cfg.Recovery.InitialResilience, "COACH_RECOVERY_INITIAL_RESILIENCE")
	overrideString(&cfg.Recovery.CatalogPath, "COACH_RECOVERY_CATALOG_PATH")
	overrideBool(&cfg.Advisor.Enabled, "COACH_ADVISOR_ENABLED")
	overrideInt(&cfg.Advisor.IntervalMS, "COACH_ADVISOR_INTERVAL_MS")
	overrideString(&cfg.Advisor.Personality, "COACH_ADVISOR_PERSONALITY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.StreamMaxAgeSec < 0 {
		return errors.New("bus.stream_max_age_sec must be >= 0")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Source {
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.source=bus requires bus.enabled")
		}
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when capture.source=wav")
		}
	default:
		return errors.New("capture.source must be one of bus|wav")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.FFTSize < 32 || cfg.Capture.FFTSize&(cfg.Capture.FFTSize-1) != 0 {
		return errors.New("capture.fft_size must be a power of two >= 32")
	}
	if cfg.Capture.Smoothing < 0 || cfg.Capture.Smoothing >= 1 {
		return errors.New("capture.smoothing must be in [0,1)")
	}
	if cfg.Capture.MinDecibels >= cfg.Capture.MaxDecibels {
		return errors.New("capture.min_decibels must be below capture.max_decibels")
	}
	if cfg.Capture.TickIntervalMS <= 0 {
		return errors.New("capture.tick_interval_ms must be positive")
	}
	if cfg.Capture.HistoryWindowMS <= 0 {
		return errors.New("capture.history_window_ms must be positive")
	}
	if cfg.Capture.BaselineSamples < 5 {
		return errors.New("capture.baseline_samples must be >= 5")
	}
	if cfg.Listening.SilenceRestartMS <= 0 {
		return errors.New("listening.silence_restart_ms must be positive")
	}
	if cfg.Listening.RestartPauseMS < 0 {
		return errors.New("listening.restart_pause_ms must be >= 0")
	}
	if cfg.Listening.MaxRestarts < 0 {
		return errors.New("listening.max_restarts must be >= 0")
	}
	if cfg.STT.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("stt requires bus.enabled")
		}
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	if cfg.Recovery.ProgressIntervalMS <= 0 {
		return errors.New("recovery.progress_interval_ms must be positive")
	}
	if cfg.Recovery.HistoryLimit <= 0 {
		return errors.New("recovery.history_limit must be >= 1")
	}
	if cfg.Recovery.TrendLimit <= 0 {
		return errors.New("recovery.trend_limit must be >= 1")
	}
	if cfg.Recovery.InitialResilience < 0 || cfg.Recovery.InitialResilience > 100 {
		return errors.New("recovery.initial_resilience must be in [0,100]")
	}
	if cfg.Advisor.Enabled {
		if cfg.Advisor.IntervalMS <= 0 {
			return errors.New("advisor.interval_ms must be positive")
		}
		switch cfg.Advisor.Personality {
		case "analytical", "supportive", "strategic":
		default:
			return errors.New("advisor.personality must be one of analytical|supportive|strategic")
		}
	}
	return nil
}
