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
	TraceStdout    bool   `yaml:"trace_stdout"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Feed        FeedConfig      `yaml:"feed"`
	Ingest      IngestConfig    `yaml:"ingest"`
	Ack         AckConfig       `yaml:"ack"`
	Speech      SpeechConfig    `yaml:"speech"`
	Journal     JournalConfig   `yaml:"journal"`
	Publisher   PublisherConfig `yaml:"publisher"`
	Presence    PresenceConfig  `yaml:"presence"`
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
}

// FeedConfig selects where symbols come from.
type FeedConfig struct {
	Mode      string   `yaml:"mode"` // http, bus, mock
	URL       string   `yaml:"url"`
	Field     string   `yaml:"field"`
	Subject   string   `yaml:"subject"`
	TimeoutMS int      `yaml:"timeout_ms"`
	Script    []string `yaml:"script"`
}

type IngestConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
}

type AckConfig struct {
	TTLMS int `yaml:"ttl_ms"`
}

type SpeechConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Mode            string   `yaml:"mode"` // mock, exec
	Command         string   `yaml:"command"`
	Locale          string   `yaml:"locale"`
	DefaultVoice    string   `yaml:"default_voice"`
	PreferredVoices []string `yaml:"preferred_voices"`
	Voices          []string `yaml:"voices"`
	SampleRate      int      `yaml:"sample_rate"`
	Channels        int      `yaml:"channels"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	Sink            string   `yaml:"sink"` // discard, bus, wav
	WAVDirectory    string   `yaml:"wav_directory"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PublisherConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PresenceConfig controls node announcement on the bus.
type PresenceConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Role                string `yaml:"role"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "fingerspell",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Feed: FeedConfig{
			Mode:      "http",
			URL:       "http://localhost:8000/detect",
			Field:     "alphabet",
			Subject:   "feed.symbol.poll",
			TimeoutMS: 800,
		},
		Ingest: IngestConfig{
			Enabled:    true,
			IntervalMS: 1000,
		},
		Ack: AckConfig{
			TTLMS: 800,
		},
		Speech: SpeechConfig{
			Enabled: true,
			Mode:    "mock",
			Locale:  "en-US",
			PreferredVoices: []string{
				"Google US English",
				"Microsoft David Desktop - English (United States)",
			},
			SampleRate: 22050,
			Channels:   1,
			TimeoutMS:  45000,
			Sink:       "discard",
		},
		Journal: JournalConfig{
			Path:          "./data/fingerspell-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Publisher: PublisherConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "fingerspell.utterances",
		},
		Presence: PresenceConfig{
			Enabled:             true,
			Role:                "composer",
			HeartbeatIntervalMS: 5000,
			HeartbeatTimeoutMS:  15000,
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "FINGERSPELL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "FINGERSPELL_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "FINGERSPELL_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "FINGERSPELL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FINGERSPELL_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FINGERSPELL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FINGERSPELL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FINGERSPELL_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "FINGERSPELL_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "FINGERSPELL_TELEMETRY_METRICS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "FINGERSPELL_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "FINGERSPELL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FINGERSPELL_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "FINGERSPELL_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "FINGERSPELL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FINGERSPELL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FINGERSPELL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FINGERSPELL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FINGERSPELL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FINGERSPELL_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Feed.Mode, "FINGERSPELL_FEED_MODE")
	overrideString(&cfg.Feed.URL, "FINGERSPELL_FEED_URL")
	overrideString(&cfg.Feed.Field, "FINGERSPELL_FEED_FIELD")
	overrideString(&cfg.Feed.Subject, "FINGERSPELL_FEED_SUBJECT")
	overrideInt(&cfg.Feed.TimeoutMS, "FINGERSPELL_FEED_TIMEOUT_MS")
	overrideStringSlice(&cfg.Feed.Script, "FINGERSPELL_FEED_SCRIPT")
	overrideBool(&cfg.Ingest.Enabled, "FINGERSPELL_INGEST_ENABLED")
	overrideInt(&cfg.Ingest.IntervalMS, "FINGERSPELL_INGEST_INTERVAL_MS")
	overrideInt(&cfg.Ack.TTLMS, "FINGERSPELL_ACK_TTL_MS")
	overrideBool(&cfg.Speech.Enabled, "FINGERSPELL_SPEECH_ENABLED")
	overrideString(&cfg.Speech.Mode, "FINGERSPELL_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "FINGERSPELL_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Locale, "FINGERSPELL_SPEECH_LOCALE")
	overrideString(&cfg.Speech.DefaultVoice, "FINGERSPELL_SPEECH_DEFAULT_VOICE")
	overrideStringSlice(&cfg.Speech.PreferredVoices, "FINGERSPELL_SPEECH_PREFERRED_VOICES")
	overrideStringSlice(&cfg.Speech.Voices, "FINGERSPELL_SPEECH_VOICES")
	overrideInt(&cfg.Speech.SampleRate, "FINGERSPELL_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "FINGERSPELL_SPEECH_CHANNELS")
	overrideInt(&cfg.Speech.TimeoutMS, "FINGERSPELL_SPEECH_TIMEOUT_MS")
	overrideString(&cfg.Speech.Sink, "FINGERSPELL_SPEECH_SINK")
	overrideString(&cfg.Speech.WAVDirectory, "FINGERSPELL_SPEECH_WAV_DIRECTORY")
	overrideString(&cfg.Journal.Path, "FINGERSPELL_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "FINGERSPELL_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "FINGERSPELL_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxSessions, "FINGERSPELL_JOURNAL_MAX_SESSIONS")
	overrideBool(&cfg.Journal.VacuumOnStart, "FINGERSPELL_JOURNAL_VACUUM_ON_START")
	overrideBool(&cfg.Publisher.Enabled, "FINGERSPELL_PUBLISHER_ENABLED")
	overrideStringSlice(&cfg.Publisher.Brokers, "FINGERSPELL_PUBLISHER_BROKERS")
	overrideString(&cfg.Publisher.Topic, "FINGERSPELL_PUBLISHER_TOPIC")
	overrideBool(&cfg.Presence.Enabled, "FINGERSPELL_PRESENCE_ENABLED")
	overrideString(&cfg.Presence.Role, "FINGERSPELL_PRESENCE_ROLE")
	overrideInt(&cfg.Presence.HeartbeatIntervalMS, "FINGERSPELL_PRESENCE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Presence.HeartbeatTimeoutMS, "FINGERSPELL_PRESENCE_HEARTBEAT_TIMEOUT_MS")
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

func validate(cfg *Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled {
		if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
			return errors.New("http.port must be between 1 and 65535")
		}
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
	switch cfg.Feed.Mode {
	case "http":
		if cfg.Feed.URL == "" {
			return errors.New("feed.url must be set when mode=http")
		}
		if cfg.Feed.Field == "" {
			cfg.Feed.Field = "alphabet"
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("feed.mode=bus requires bus.enabled")
		}
		if cfg.Feed.Subject == "" {
			return errors.New("feed.subject must be set when mode=bus")
		}
	case "mock":
	default:
		return errors.New("feed.mode must be one of http|bus|mock")
	}
	if cfg.Feed.TimeoutMS <= 0 {
		return errors.New("feed.timeout_ms must be positive")
	}
	if cfg.Ingest.IntervalMS <= 0 {
		return errors.New("ingest.interval_ms must be positive")
	}
	if cfg.Ack.TTLMS <= 0 {
		return errors.New("ack.ttl_ms must be positive")
	}
	if cfg.Speech.Enabled {
		switch cfg.Speech.Mode {
		case "mock", "exec":
		default:
			return errors.New("speech.mode must be one of mock|exec")
		}
		if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
			return errors.New("speech.command must be set when mode=exec")
		}
		if cfg.Speech.SampleRate <= 0 {
			return errors.New("speech.sample_rate must be positive")
		}
		if cfg.Speech.Channels <= 0 {
			return errors.New("speech.channels must be positive")
		}
		switch cfg.Speech.Sink {
		case "", "discard":
		case "bus":
			if !cfg.Bus.Enabled {
				return errors.New("speech.sink=bus requires bus.enabled")
			}
		case "wav":
			if cfg.Speech.WAVDirectory == "" {
				return errors.New("speech.wav_directory must be set when sink=wav")
			}
		default:
			return errors.New("speech.sink must be one of discard|bus|wav")
		}
		if cfg.Speech.Locale == "" {
			cfg.Speech.Locale = "en-US"
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Publisher.Enabled {
		if len(cfg.Publisher.Brokers) == 0 {
			return errors.New("publisher.brokers must not be empty when the publisher is enabled")
		}
		if cfg.Publisher.Topic == "" {
			return errors.New("publisher.topic must not be empty when the publisher is enabled")
		}
	}
	if cfg.Presence.Enabled && cfg.Bus.Enabled {
		if cfg.Presence.HeartbeatIntervalMS <= 0 {
			return errors.New("presence.heartbeat_interval_ms must be positive")
		}
		if cfg.Presence.HeartbeatTimeoutMS < cfg.Presence.HeartbeatIntervalMS {
			return errors.New("presence.heartbeat_timeout_ms must be >= heartbeat_interval_ms")
		}
		if cfg.Presence.Role == "" {
			cfg.Presence.Role = "composer"
		}
	}
	return nil
}
