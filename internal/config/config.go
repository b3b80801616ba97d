package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	SentryDSN    string `yaml:"sentry_dsn"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Cycle       CycleConfig      `yaml:"cycle"`
	Sink        SinkConfig       `yaml:"sink"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// CaptureConfig selects the audio input. Zero values mean "use the device default".
type CaptureConfig struct {
	Mode            string `yaml:"mode"` // portaudio, wav
	Device          string `yaml:"device"`
	SampleFormat    string `yaml:"sample_format"` // f32, u16, i16
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	WAVPath         string `yaml:"wav_path"`
	WAVLoop         bool   `yaml:"wav_loop"`
}

type STTConfig struct {
	Mode            string `yaml:"mode"` // vosk, whisper, exec, mock
	Command         string `yaml:"command"`
	ModelPath       string `yaml:"model_path"`
	Language        string `yaml:"language"`
	MaxAlternatives int    `yaml:"max_alternatives"`
	Words           bool   `yaml:"words"`
	PartialWords    bool   `yaml:"partial_words"`
}

type CycleConfig struct {
	WindowMS     int    `yaml:"window_ms"`
	AnnounceText string `yaml:"announce_text"`
	MaxWindows   int    `yaml:"max_windows"`
}

type SinkConfig struct {
	OSCEnabled  bool   `yaml:"osc_enabled"`
	LocalAddr   string `yaml:"local_addr"`
	RemoteAddr  string `yaml:"remote_addr"`
	Address     string `yaml:"address"`
	FailFast    bool   `yaml:"fail_fast"`
	NATSSubject string `yaml:"nats_subject"`
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
	// Presence heartbeats are published only while the bus is enabled.
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-chatbox",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Capture: CaptureConfig{
			Mode:         "portaudio",
			SampleFormat: "f32",
		},
		STT: STTConfig{
			Mode:            "vosk",
			ModelPath:       "./models/vosk-model-fr-0.22",
			Language:        "fr",
			MaxAlternatives: 0,
			Words:           true,
			PartialWords:    true,
		},
		Cycle: CycleConfig{
			WindowMS:     5000,
			AnnounceText: "STT Initialized",
		},
		Sink: SinkConfig{
			OSCEnabled:  true,
			LocalAddr:   "127.0.0.1:8000",
			RemoteAddr:  "127.0.0.1:9000",
			Address:     "/chatbox/input",
			NATSSubject: "stt.text.final",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout:    2000,
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-chatbox.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxRuns:       1000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.SentryDSN, "LOQA_TELEMETRY_SENTRY_DSN")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.SampleFormat, "LOQA_CAPTURE_SAMPLE_FORMAT")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "LOQA_CAPTURE_FRAMES_PER_BUFFER")
	overrideString(&cfg.Capture.WAVPath, "LOQA_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.WAVLoop, "LOQA_CAPTURE_WAV_LOOP")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.MaxAlternatives, "LOQA_STT_MAX_ALTERNATIVES")
	overrideBool(&cfg.STT.Words, "LOQA_STT_WORDS")
	overrideBool(&cfg.STT.PartialWords, "LOQA_STT_PARTIAL_WORDS")
	overrideInt(&cfg.Cycle.WindowMS, "LOQA_CYCLE_WINDOW_MS")
	overrideString(&cfg.Cycle.AnnounceText, "LOQA_CYCLE_ANNOUNCE_TEXT")
	overrideInt(&cfg.Cycle.MaxWindows, "LOQA_CYCLE_MAX_WINDOWS")
	overrideBool(&cfg.Sink.OSCEnabled, "LOQA_SINK_OSC_ENABLED")
	overrideString(&cfg.Sink.LocalAddr, "LOQA_SINK_LOCAL_ADDR")
	overrideString(&cfg.Sink.RemoteAddr, "LOQA_SINK_REMOTE_ADDR")
	overrideString(&cfg.Sink.Address, "LOQA_SINK_ADDRESS")
	overrideBool(&cfg.Sink.FailFast, "LOQA_SINK_FAIL_FAST")
	overrideString(&cfg.Sink.NATSSubject, "LOQA_SINK_NATS_SUBJECT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.HeartbeatInterval, "LOQA_BUS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Bus.HeartbeatTimeout, "LOQA_BUS_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRuns, "LOQA_EVENT_STORE_MAX_RUNS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}

	switch cfg.Capture.Mode {
	case "portaudio":
		if cfg.Capture.SampleFormat == "u16" {
			return errors.New("capture.sample_format u16 is not supported by portaudio")
		}
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when mode=wav")
		}
	default:
		return errors.New("capture.mode must be one of portaudio|wav")
	}
	switch cfg.Capture.SampleFormat {
	case "f32", "u16", "i16":
	default:
		return errors.New("capture.sample_format must be one of f32|u16|i16")
	}
	if cfg.Capture.SampleRate < 0 {
		return errors.New("capture.sample_rate must be >= 0")
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		return errors.New("capture.channels must be 0 (device default), 1 or 2")
	}
	if cfg.Capture.FramesPerBuffer < 0 {
		return errors.New("capture.frames_per_buffer must be >= 0")
	}

	switch cfg.STT.Mode {
	case "vosk", "whisper":
		if cfg.STT.ModelPath == "" {
			return fmt.Errorf("stt.model_path must be set when mode=%s", cfg.STT.Mode)
		}
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of vosk|whisper|exec|mock")
	}
	if cfg.STT.MaxAlternatives != 0 {
		return errors.New("stt.max_alternatives must be 0 (single best result)")
	}

	if cfg.Cycle.WindowMS <= 0 {
		return errors.New("cycle.window_ms must be positive")
	}
	if cfg.Cycle.AnnounceText == "" {
		return errors.New("cycle.announce_text must not be empty")
	}
	if cfg.Cycle.MaxWindows < 0 {
		return errors.New("cycle.max_windows must be >= 0")
	}

	if cfg.Sink.OSCEnabled {
		if _, _, err := net.SplitHostPort(cfg.Sink.LocalAddr); err != nil {
			return fmt.Errorf("sink.local_addr is invalid: %w", err)
		}
		if _, _, err := net.SplitHostPort(cfg.Sink.RemoteAddr); err != nil {
			return fmt.Errorf("sink.remote_addr is invalid: %w", err)
		}
		if !strings.HasPrefix(cfg.Sink.Address, "/") {
			return errors.New("sink.address must start with /")
		}
	}
	if !cfg.Sink.OSCEnabled && !cfg.Bus.Enabled && cfg.EventStore.RetentionMode == "ephemeral" {
		return errors.New("at least one sink must be enabled (sink.osc_enabled, bus.enabled or event_store)")
	}

	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Sink.NATSSubject == "" {
			return errors.New("sink.nats_subject must not be empty when bus is enabled")
		}
		if cfg.Bus.HeartbeatInterval <= 0 {
			return errors.New("bus.heartbeat_interval_ms must be positive")
		}
		if cfg.Bus.HeartbeatTimeout < cfg.Bus.HeartbeatInterval {
			return errors.New("bus.heartbeat_timeout_ms must be >= bus.heartbeat_interval_ms")
		}
	}

	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
