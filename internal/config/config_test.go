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
	if cfg.Chat.HistoryWindow != 8 {
		t.Fatalf("expected history window 8, got %d", cfg.Chat.HistoryWindow)
	}
	if cfg.Chat.RevealDelayMS != 3000 {
		t.Fatalf("expected reveal delay 3000ms, got %d", cfg.Chat.RevealDelayMS)
	}
	if cfg.LLM.Model != "gpt-4.1-mini" || cfg.LLM.MaxTokens != 350 {
		t.Fatalf("unexpected llm defaults: %+v", cfg.LLM)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral event store by default, got %s", cfg.EventStore.RetentionMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("OPENAI_API_KEY", "sk-provider")
	t.Setenv("LOQA_LLM_API_KEY", "sk-loqa")
	t.Setenv("LOQA_LLM_MODE", "openai")
	t.Setenv("LOQA_LLM_TEMPERATURE", "0.5")
	t.Setenv("LOQA_TTS_SPEED", "1.1")
	t.Setenv("LOQA_CHAT_REVEAL_DELAY_MS", "1500")
	t.Setenv("LOQA_BUS_HOST", "127.0.0.1")
	t.Setenv("LOQA_NODE_ID", "kiosk-7")

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
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.LLM.APIKey != "sk-loqa" {
		t.Fatalf("expected LOQA_LLM_API_KEY to win over OPENAI_API_KEY, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Temperature != 0.5 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
	if cfg.TTS.Speed != 1.1 {
		t.Fatalf("expected tts speed override, got %v", cfg.TTS.Speed)
	}
	if cfg.Chat.RevealDelayMS != 1500 {
		t.Fatalf("expected reveal delay override, got %d", cfg.Chat.RevealDelayMS)
	}
	if cfg.Bus.Host != "127.0.0.1" || cfg.Node.ID != "kiosk-7" {
		t.Fatalf("expected bus host and node id overrides, got %q %q", cfg.Bus.Host, cfg.Node.ID)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-chat.yaml")
	data := []byte(`
llm:
  mode: exec
  command: "python3 reply.py"
chat:
  default_persona: "9"
  personas:
    "9": "바다를 좋아하는 펭귄"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Mode != "exec" || cfg.LLM.Command != "python3 reply.py" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Chat.Personas["9"] != "바다를 좋아하는 펭귄" {
		t.Fatalf("expected persona from file, got %v", cfg.Chat.Personas)
	}
}

func TestModelDefaultFollowsMode(t *testing.T) {
	t.Setenv("LOQA_LLM_MODE", "ollama")
	t.Setenv("LOQA_LLM_ENDPOINT", "http://localhost:11434")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Model != DefaultOllamaModel {
		t.Fatalf("expected ollama default model, got %q", cfg.LLM.Model)
	}

	t.Setenv("LOQA_LLM_MODEL", "gemma3:4b")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Model != "gemma3:4b" {
		t.Fatalf("expected configured model to be kept, got %q", cfg.LLM.Model)
	}
}

func TestValidateRejectsInvalid(t *testing.T) {
	cases := map[string]func(*Config){
		"history window": func(c *Config) { c.Chat.HistoryWindow = 12 },
		"openai key":     func(c *Config) { c.LLM.Mode = "openai"; c.LLM.APIKey = "" },
		"tts mode":       func(c *Config) { c.TTS.Mode = "carrier-pigeon" },
		"image exec":     func(c *Config) { c.Image.Mode = "exec" },
		"persona":        func(c *Config) { c.Chat.DefaultPersona = "missing" },
		"fallback":       func(c *Config) { c.Chat.FallbackMessage = "  " },
		"gateway path":   func(c *Config) { c.Gateway.Path = "ws" },
		"heartbeat":      func(c *Config) { c.Node.HeartbeatTimeout = c.Node.HeartbeatInterval },
		"idle timeout":   func(c *Config) { c.Chat.IdleTimeoutMS = -1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
