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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig selects and parameterizes the capture backend.
type AudioConfig struct {
	Backend       string `yaml:"backend"` // portaudio, pulse, mock, or empty for auto
	Device        int    `yaml:"device"`  // -1 picks the default input device
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	ChunkSize     int    `yaml:"chunk_size"`
	RecordCommand string `yaml:"record_command"` // pulse backend capture command override
	ListCommand   string `yaml:"list_command"`   // pulse backend enumeration command override
	StreamEnabled bool   `yaml:"stream_enabled"`
}

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // mock, exec, whisper
	Command        string `yaml:"command"`
	Endpoint       string `yaml:"endpoint"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type ListenConfig struct {
	TimeoutMS       int     `yaml:"timeout_ms"`
	PhraseLimitMS   int     `yaml:"phrase_limit_ms"`
	StopPhrase      string  `yaml:"stop_phrase"`
	EnergyThreshold float64 `yaml:"energy_threshold"`
	DynamicEnergy   bool    `yaml:"dynamic_energy"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	STT         STTConfig       `yaml:"stt"`
	Listen      ListenConfig    `yaml:"listen"`
	History     HistoryConfig   `yaml:"history"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicebridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Backend:       "",
			Device:        -1,
			SampleRate:    16000,
			Channels:      1,
			ChunkSize:     1024,
			StreamEnabled: true,
		},
		STT: STTConfig{
			Enabled:        true,
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
		},
		Listen: ListenConfig{
			TimeoutMS:       5000,
			PhraseLimitMS:   5000,
			StopPhrase:      "stop listening",
			EnergyThreshold: 300,
			DynamicEnergy:   true,
		},
		History: HistoryConfig{
			Path:          "./data/voicebridge.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "VOICEBRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEBRIDGE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "VOICEBRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEBRIDGE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Backend, "VOICEBRIDGE_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.Device, "VOICEBRIDGE_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "VOICEBRIDGE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "VOICEBRIDGE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkSize, "VOICEBRIDGE_AUDIO_CHUNK_SIZE")
	overrideString(&cfg.Audio.RecordCommand, "VOICEBRIDGE_AUDIO_RECORD_COMMAND")
	overrideString(&cfg.Audio.ListCommand, "VOICEBRIDGE_AUDIO_LIST_COMMAND")
	overrideBool(&cfg.Audio.StreamEnabled, "VOICEBRIDGE_AUDIO_STREAM_ENABLED")
	overrideBool(&cfg.STT.Enabled, "VOICEBRIDGE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "VOICEBRIDGE_STT_MODE")
	overrideString(&cfg.STT.Command, "VOICEBRIDGE_STT_COMMAND")
	overrideString(&cfg.STT.Endpoint, "VOICEBRIDGE_STT_ENDPOINT")
	overrideString(&cfg.STT.ModelPath, "VOICEBRIDGE_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "VOICEBRIDGE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "VOICEBRIDGE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOICEBRIDGE_STT_CHANNELS")
	overrideInt(&cfg.STT.PartialEveryMS, "VOICEBRIDGE_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "VOICEBRIDGE_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.Listen.TimeoutMS, "VOICEBRIDGE_LISTEN_TIMEOUT_MS")
	overrideInt(&cfg.Listen.PhraseLimitMS, "VOICEBRIDGE_LISTEN_PHRASE_LIMIT_MS")
	overrideString(&cfg.Listen.StopPhrase, "VOICEBRIDGE_LISTEN_STOP_PHRASE")
	overrideFloat(&cfg.Listen.EnergyThreshold, "VOICEBRIDGE_LISTEN_ENERGY_THRESHOLD")
	overrideBool(&cfg.Listen.DynamicEnergy, "VOICEBRIDGE_LISTEN_DYNAMIC_ENERGY")
	overrideString(&cfg.History.Path, "VOICEBRIDGE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "VOICEBRIDGE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "VOICEBRIDGE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "VOICEBRIDGE_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "VOICEBRIDGE_HISTORY_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Audio.Backend {
	case "", "portaudio", "pulse", "mock":
	default:
		return errors.New("audio.backend must be one of portaudio|pulse|mock or empty for auto")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkSize <= 0 {
		return errors.New("audio.chunk_size must be positive")
	}
	if cfg.Audio.Device < -1 {
		return errors.New("audio.device must be -1 (auto) or a device index")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "whisper":
		default:
			return errors.New("stt.mode must be one of mock|exec|whisper")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.Mode == "whisper" && cfg.STT.Endpoint == "" {
			return errors.New("stt.endpoint must be set when mode=whisper")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	}
	if cfg.Listen.TimeoutMS <= 0 {
		return errors.New("listen.timeout_ms must be positive")
	}
	if cfg.Listen.PhraseLimitMS <= 0 {
		return errors.New("listen.phrase_limit_ms must be positive")
	}
	if cfg.Listen.EnergyThreshold < 0 {
		return errors.New("listen.energy_threshold must be >= 0")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
