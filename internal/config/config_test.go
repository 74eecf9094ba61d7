package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
server:
  addr: "127.0.0.1:8787"
  secret: "topsecret"
telegram:
  token: "123:abc"
  allowed_chat_ids: [42, 99]
sessions:
  ttl: "2h"
  reap_every: "5m"
delivery:
  rate_per_sec: 5
  retry_max: 3
actions:
  done_tokens: ["/done", "done", "ship it"]
logging:
  level: "debug"
`

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseYAML(t *testing.T) {
	m := writeConfig(t, sampleYAML)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8787" || cfg.Server.Secret != "topsecret" {
		t.Fatalf("server: %+v", cfg.Server)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token: %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AllowedChatIDs) != 2 || cfg.Telegram.AllowedChatIDs[0] != 42 {
		t.Fatalf("chat ids: %v", cfg.Telegram.AllowedChatIDs)
	}
	if cfg.Sessions.TTL != "2h" || cfg.Delivery.RetryMax != 3 {
		t.Fatalf("cfg: %+v", cfg)
	}
	if len(cfg.Actions.DoneTokens) != 3 || cfg.Actions.DoneTokens[2] != "ship it" {
		t.Fatalf("done tokens: %v", cfg.Actions.DoneTokens)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	m := writeConfig(t, sampleYAML+"\nmystery_knob: true\n")
	if _, err := m.Parse(); err == nil {
		t.Fatalf("unknown top-level field accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_TELEGRAM_TOKEN", "999:zzz")
	t.Setenv("RELAY_API_SECRET", "fromenv")
	t.Setenv("RELAY_ALLOWED_CHAT_IDS", "1, 2 ,3")

	m := writeConfig(t, sampleYAML)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "999:zzz" || cfg.Server.Secret != "fromenv" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.Telegram.AllowedChatIDs) != 3 || cfg.Telegram.AllowedChatIDs[2] != 3 {
		t.Fatalf("chat ids: %v", cfg.Telegram.AllowedChatIDs)
	}
}

func TestEnvOverrideBadChatIDs(t *testing.T) {
	t.Setenv("RELAY_ALLOWED_CHAT_IDS", "42,notanumber")
	m := writeConfig(t, sampleYAML)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("bad chat id env accepted")
	}
}

func TestValidateErrors(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Secret: "s"},
			Telegram: TelegramConfig{Token: "t", AllowedChatIDs: []int64{1}},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"no chats", func(c *Config) { c.Telegram.AllowedChatIDs = nil }, "allowed_chat_ids"},
		{"missing secret", func(c *Config) { c.Server.Secret = "" }, "server.secret"},
		{"bad ttl", func(c *Config) { c.Sessions.TTL = "soon" }, "sessions.ttl"},
		{"negative rate", func(c *Config) { c.Delivery.RatePerSec = -1 }, "rate_per_sec"},
		{"bad driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.driver"},
	}
	for _, c := range cases {
		cfg := base()
		c.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: validate accepted", c.name)
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: err = %v, want mention of %q", c.name, err, c.want)
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid base rejected: %v", err)
	}
}

func TestParseChatIDs(t *testing.T) {
	ids, err := ParseChatIDs("42, -100123 ,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ids) != 2 || ids[0] != 42 || ids[1] != -100123 {
		t.Fatalf("ids = %v", ids)
	}
	if _, err := ParseChatIDs("x"); err == nil {
		t.Fatalf("bad id accepted")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	m := writeConfig(t, sampleYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestParseJSONConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"server":{"addr":"127.0.0.1:1","secret":"s"},"telegram":{"token":"t","allowed_chat_ids":[7]}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Telegram.AllowedChatIDs[0] != 7 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
