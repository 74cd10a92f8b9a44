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
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`
	FeedPath string `yaml:"feed_path"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	STT         STTConfig        `yaml:"stt"`
	Session     SessionConfig    `yaml:"session"`
	Channel     ChannelConfig    `yaml:"channel"`
	Presence    PresenceConfig   `yaml:"presence"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	ClientName     string   `yaml:"client_name"`
	// MaxPayload bounds a single message, which caps the PCM carried by one
	// bus audio frame. Zero keeps the server default.
	MaxPayload int `yaml:"max_payload_bytes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig selects and tunes the capture device. The sample format itself
// is fixed at 16 kHz mono PCM16 and is not configurable.
type AudioConfig struct {
	Mode                 string `yaml:"mode"` // exec, wav
	Command              string `yaml:"command"`
	File                 string `yaml:"file"`
	Realtime             bool   `yaml:"realtime"`
	FrameDurationMS      int    `yaml:"frame_duration_ms"`
	BufferFactor         int    `yaml:"buffer_factor"`
	MicrophonePermission string `yaml:"microphone_permission"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Script         string `yaml:"script"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	// PartialWindowMS caps how much trailing audio a partial decode sees.
	// Zero decodes the whole utterance.
	PartialWindowMS int `yaml:"partial_window_ms"`
	TimeoutMS       int `yaml:"timeout_ms"`
}

type SessionConfig struct {
	EventBuffer int  `yaml:"event_buffer"`
	AutoInit    bool `yaml:"auto_init"`
}

type ChannelConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
	IngestFrames  bool   `yaml:"ingest_frames"`
}

// PresenceConfig controls how the node announces itself on the bus.
type PresenceConfig struct {
	Enabled           bool   `yaml:"enabled"`
	NodeID            string `yaml:"node_id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:     "0.0.0.0",
			Port:     8080,
			FeedPath: "/ws/transcripts",
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			ClientName:     "loqa-listen",
			MaxPayload:     1 << 20,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-listen.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Mode:                 "exec",
			Command:              "arecord -q -t raw -f S16_LE -r 16000 -c 1",
			Realtime:             true,
			FrameDurationMS:      20,
			BufferFactor:         2,
			MicrophonePermission: "granted",
		},
		STT: STTConfig{
			Mode:           "mock",
			Language:       "en",
			PartialEveryMS:  800,
			PartialWindowMS: 4000,
			TimeoutMS:       45000,
		},
		Session: SessionConfig{
			EventBuffer: 32,
			AutoInit:    true,
		},
		Channel: ChannelConfig{
			Enabled:       true,
			SubjectPrefix: "stt",
			IngestFrames:  true,
		},
		Presence: PresenceConfig{
			Enabled:           true,
			NodeID:            "listen-1",
			Role:              "listener",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.HTTP.FeedPath, "LOQA_HTTP_FEED_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.ClientName, "LOQA_BUS_CLIENT_NAME")
	overrideInt(&cfg.Bus.MaxPayload, "LOQA_BUS_MAX_PAYLOAD_BYTES")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Mode, "LOQA_AUDIO_MODE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideString(&cfg.Audio.File, "LOQA_AUDIO_FILE")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.FrameDurationMS, "LOQA_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.BufferFactor, "LOQA_AUDIO_BUFFER_FACTOR")
	overrideString(&cfg.Audio.MicrophonePermission, "LOQA_AUDIO_MICROPHONE_PERMISSION")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideString(&cfg.STT.Script, "LOQA_STT_SCRIPT")
	overrideInt(&cfg.STT.PartialEveryMS, "LOQA_STT_PARTIAL_EVERY_MS")
	overrideInt(&cfg.STT.PartialWindowMS, "LOQA_STT_PARTIAL_WINDOW_MS")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.Session.EventBuffer, "LOQA_SESSION_EVENT_BUFFER")
	overrideBool(&cfg.Session.AutoInit, "LOQA_SESSION_AUTO_INIT")
	overrideBool(&cfg.Channel.Enabled, "LOQA_CHANNEL_ENABLED")
	overrideString(&cfg.Channel.SubjectPrefix, "LOQA_CHANNEL_SUBJECT_PREFIX")
	overrideBool(&cfg.Channel.IngestFrames, "LOQA_CHANNEL_INGEST_FRAMES")
	overrideBool(&cfg.Presence.Enabled, "LOQA_PRESENCE_ENABLED")
	overrideString(&cfg.Presence.NodeID, "LOQA_PRESENCE_NODE_ID")
	overrideString(&cfg.Presence.Role, "LOQA_PRESENCE_ROLE")
	overrideInt(&cfg.Presence.HeartbeatInterval, "LOQA_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeout, "LOQA_PRESENCE_HEARTBEAT_TIMEOUT_MS")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.FeedPath != "" && !strings.HasPrefix(cfg.HTTP.FeedPath, "/") {
		return errors.New("http.feed_path must start with /")
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
	if cfg.Bus.MaxPayload < 0 {
		return errors.New("bus.max_payload_bytes must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Mode {
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when mode=exec")
		}
	case "wav":
		if cfg.Audio.File == "" {
			return errors.New("audio.file must be set when mode=wav")
		}
	default:
		return errors.New("audio.mode must be one of exec|wav")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.BufferFactor < 1 {
		return errors.New("audio.buffer_factor must be >= 1")
	}
	switch cfg.Audio.MicrophonePermission {
	case "granted", "denied":
	default:
		return errors.New("audio.microphone_permission must be one of granted|denied")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.PartialEveryMS < 0 {
		return errors.New("stt.partial_every_ms must be >= 0")
	}
	if cfg.STT.PartialWindowMS < 0 {
		return errors.New("stt.partial_window_ms must be >= 0")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.Session.EventBuffer <= 0 {
		return errors.New("session.event_buffer must be >= 1")
	}
	if cfg.Channel.Enabled && cfg.Channel.SubjectPrefix == "" {
		return errors.New("channel.subject_prefix must not be empty when channel is enabled")
	}
	if cfg.Presence.Enabled {
		if cfg.Presence.NodeID == "" {
			return errors.New("presence.node_id must not be empty")
		}
		if cfg.Presence.HeartbeatInterval <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be positive")
		}
		if cfg.Presence.HeartbeatTimeout <= cfg.Presence.HeartbeatInterval {
			return errors.New("presence.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
		}
	}
	return nil
}
