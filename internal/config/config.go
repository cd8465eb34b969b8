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

// GatewayConfig controls the WebSocket bridge served on the HTTP port.
type GatewayConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Path             string   `yaml:"path"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Gateway     GatewayConfig    `yaml:"gateway"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	Image       ImageConfig      `yaml:"image"`
	TTS         TTSConfig        `yaml:"tts"`
	Chat        ChatConfig       `yaml:"chat"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this daemon in presence announcements.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, openai, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	APIKey      string  `yaml:"api_key"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type ImageConfig struct {
	Mode      string `yaml:"mode"` // disabled, mock, gemini, exec
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Command   string `yaml:"command"`
	Model     string `yaml:"model"`
	MaxEdge   int    `yaml:"max_edge"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode          string  `yaml:"mode"` // mock, http, exec
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Command       string  `yaml:"command"`
	VoiceID       string  `yaml:"voice_id"`
	Language      string  `yaml:"language"`
	Style         string  `yaml:"style"`
	Model         string  `yaml:"model"`
	Speed         float64 `yaml:"speed"`
	PitchShift    float64 `yaml:"pitch_shift"`
	PitchVariance float64 `yaml:"pitch_variance"`
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	TimeoutMS     int     `yaml:"timeout_ms"`
}

type ChatConfig struct {
	HistoryWindow       int               `yaml:"history_window"`
	RevealDelayMS       int               `yaml:"reveal_delay_ms"`
	AudioReadyTimeoutMS int               `yaml:"audio_ready_timeout_ms"`
	IdleTimeoutMS       int               `yaml:"idle_timeout_ms"`
	WelcomeTrigger      string            `yaml:"welcome_trigger"`
	FallbackMessage     string            `yaml:"fallback_message"`
	DefaultPersona      string            `yaml:"default_persona"`
	Personas            map[string]string `yaml:"personas"`
}

// HistoryWindow is the number of history entries (user and assistant
// messages) sent with every model request.
const HistoryWindow = 8

// Model names used when llm.model is left empty.
const (
	DefaultOpenAIModel = "gpt-4.1-mini"
	DefaultOllamaModel = "llama3.2:latest"
)

func Default() Config {
	return Config{
		RuntimeName: "loqa-chat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Gateway: GatewayConfig{
			Enabled:          true,
			Path:             "/ws",
			RequestTimeoutMS: 65000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-chat-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-chat.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "https://api.openai.com/v1",
			Model:       DefaultOpenAIModel,
			MaxTokens:   350,
			Temperature: 0.9,
			TopP:        0.95,
			TimeoutMS:   60000,
		},
		Image: ImageConfig{
			Mode:      "disabled",
			Endpoint:  "https://generativelanguage.googleapis.com/v1beta",
			Model:     "gemini-2.5-flash-image-preview",
			MaxEdge:   1024,
			TimeoutMS: 90000,
		},
		TTS: TTSConfig{
			Mode:          "mock",
			Endpoint:      "https://quiet-ink-groq.vercel.app/api/tts",
			VoiceID:       "weKbNjMh2V5MuXziwHwjoT",
			Language:      "ko",
			Style:         "neutral",
			Model:         "sona_speech_1",
			Speed:         1.4,
			PitchShift:    0,
			PitchVariance: 1,
			SampleRate:    24000,
			Channels:      1,
			TimeoutMS:     30000,
		},
		Chat: ChatConfig{
			HistoryWindow:       HistoryWindow,
			RevealDelayMS:       3000,
			AudioReadyTimeoutMS: 5000,
			IdleTimeoutMS:       30 * 60 * 1000,
			WelcomeTrigger:      "환영 인사를 해주세요",
			FallbackMessage:     "죄송합니다. 오류가 발생했습니다. 다시 시도해주세요.",
			DefaultPersona:      "1",
			Personas: map[string]string{
				"1": "쿠마모토현의 대표 캐릭터인 쿠마몬이야.",
				"2": "고객의 말을 일단 무시하고 자기 맘대로 행동하는, 하지만 아슬아슬한선에서 최소한의 예의를 지키는 매우 거친 캐릭터야. 반말과 욕은 아니지만 비속어를 마음껏 사용해도 되. 막말해도 되는데 주제와 흐름은 회사를 대표하는 캐릭터임을 잊지마.",
				"3": "제스프리의 키위 캐릭터",
				"4": "산리오의 쿠루미",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	// filled per mode below unless the file or env names one
	cfg.LLM.Model = ""

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
	applyModelDefault(&cfg.LLM)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyModelDefault(cfg *LLMConfig) {
	if cfg.Model != "" {
		return
	}
	switch cfg.Mode {
	case "ollama":
		cfg.Model = DefaultOllamaModel
	case "exec":
	default:
		cfg.Model = DefaultOpenAIModel
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
	overrideString(&cfg.Gateway.Path, "LOQA_GATEWAY_PATH")
	overrideStringSlice(&cfg.Gateway.AllowedOrigins, "LOQA_GATEWAY_ALLOWED_ORIGINS")
	overrideInt(&cfg.Gateway.RequestTimeoutMS, "LOQA_GATEWAY_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")

	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideFloat(&cfg.LLM.TopP, "LOQA_LLM_TOP_P")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")

	overrideString(&cfg.Image.Mode, "LOQA_IMAGE_MODE")
	overrideString(&cfg.Image.Endpoint, "LOQA_IMAGE_ENDPOINT")
	overrideString(&cfg.Image.APIKey, "GOOGLE_API_KEY")
	overrideString(&cfg.Image.APIKey, "LOQA_IMAGE_API_KEY")
	overrideString(&cfg.Image.Command, "LOQA_IMAGE_COMMAND")
	overrideString(&cfg.Image.Model, "LOQA_IMAGE_MODEL")
	overrideInt(&cfg.Image.MaxEdge, "LOQA_IMAGE_MAX_EDGE")
	overrideInt(&cfg.Image.TimeoutMS, "LOQA_IMAGE_TIMEOUT_MS")

	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "LOQA_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "SUPERTONE_API_KEY")
	overrideString(&cfg.TTS.APIKey, "LOQA_TTS_API_KEY")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.VoiceID, "LOQA_TTS_VOICE_ID")
	overrideString(&cfg.TTS.Language, "LOQA_TTS_LANGUAGE")
	overrideString(&cfg.TTS.Style, "LOQA_TTS_STYLE")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideFloat(&cfg.TTS.Speed, "LOQA_TTS_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")

	overrideInt(&cfg.Chat.RevealDelayMS, "LOQA_CHAT_REVEAL_DELAY_MS")
	overrideInt(&cfg.Chat.AudioReadyTimeoutMS, "LOQA_CHAT_AUDIO_READY_TIMEOUT_MS")
	overrideInt(&cfg.Chat.IdleTimeoutMS, "LOQA_CHAT_IDLE_TIMEOUT_MS")
	overrideString(&cfg.Chat.WelcomeTrigger, "LOQA_CHAT_WELCOME_TRIGGER")
	overrideString(&cfg.Chat.FallbackMessage, "LOQA_CHAT_FALLBACK_MESSAGE")
	overrideString(&cfg.Chat.DefaultPersona, "LOQA_CHAT_DEFAULT_PERSONA")
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
	if cfg.Gateway.Enabled {
		if !strings.HasPrefix(cfg.Gateway.Path, "/") || cfg.Gateway.Path == "/" {
			return errors.New("gateway.path must be an absolute path other than /")
		}
		if cfg.Gateway.RequestTimeoutMS <= 0 {
			return errors.New("gateway.request_timeout_ms must be positive")
		}
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}

	switch cfg.LLM.Mode {
	case "mock", "openai", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|openai|ollama|exec")
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=openai")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}

	switch cfg.Image.Mode {
	case "disabled", "mock", "gemini", "exec":
	default:
		return errors.New("image.mode must be one of disabled|mock|gemini|exec")
	}
	if cfg.Image.Mode == "gemini" && (cfg.Image.Endpoint == "" || cfg.Image.APIKey == "") {
		return errors.New("image.endpoint and image.api_key must be set when mode=gemini")
	}
	if cfg.Image.Mode == "exec" && cfg.Image.Command == "" {
		return errors.New("image.command must be set when mode=exec")
	}
	if cfg.Image.MaxEdge <= 0 {
		return errors.New("image.max_edge must be positive")
	}

	switch cfg.TTS.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("tts.mode must be one of mock|http|exec")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}

	if cfg.Chat.HistoryWindow != HistoryWindow {
		return fmt.Errorf("chat.history_window is fixed at %d", HistoryWindow)
	}
	if cfg.Chat.RevealDelayMS < 0 {
		return errors.New("chat.reveal_delay_ms must be >= 0")
	}
	if cfg.Chat.AudioReadyTimeoutMS <= 0 {
		return errors.New("chat.audio_ready_timeout_ms must be positive")
	}
	if cfg.Chat.IdleTimeoutMS < 0 {
		return errors.New("chat.idle_timeout_ms must be >= 0")
	}
	if strings.TrimSpace(cfg.Chat.WelcomeTrigger) == "" {
		return errors.New("chat.welcome_trigger must not be empty")
	}
	if strings.TrimSpace(cfg.Chat.FallbackMessage) == "" {
		return errors.New("chat.fallback_message must not be empty")
	}
	if _, ok := cfg.Chat.Personas[cfg.Chat.DefaultPersona]; !ok {
		return errors.New("chat.default_persona must name an entry of chat.personas")
	}
	return nil
}
