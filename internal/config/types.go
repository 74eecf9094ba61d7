package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Telegram TelegramConfig `json:"telegram"`
	Sessions SessionsConfig `json:"sessions"`
	Delivery DeliveryConfig `json:"delivery"`
	Actions  ActionsConfig  `json:"actions"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage controls the optional audit/dedup persistence layer.
	// Sessions themselves are never persisted.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type ServerConfig struct {
	// Addr is the HTTP bind address, e.g. "127.0.0.1:8787".
	Addr string `json:"addr"`
	// Secret is the shared bearer credential for /notify, /reply, /ack.
	// Overridable via RELAY_API_SECRET.
	Secret string `json:"secret"`

	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type TelegramConfig struct {
	// Token is the bot token. Overridable via RELAY_TELEGRAM_TOKEN.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`

	// AllowedChatIDs is the operator allow-list. The first entry is the
	// delivery destination; inbound updates from any other chat are ignored.
	// Overridable via RELAY_ALLOWED_CHAT_IDS (comma-separated).
	AllowedChatIDs []int64 `json:"allowed_chat_ids"`
}

// SessionsConfig drives the reaper. All durations are Go duration strings.
type SessionsConfig struct {
	// TTL should stay >= the hook client's poll timeout so expiry doesn't
	// race an active poller.
	TTL       string `json:"ttl,omitempty"`        // default 1h
	ReapEvery string `json:"reap_every,omitempty"` // default 10m
}

// DeliveryConfig bounds outbound sends toward the chat transport.
type DeliveryConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`    // default 3
	RetryMax      int    `json:"retry_max,omitempty"`       // default 2 (attempts = 1+retry_max)
	RetryBase     string `json:"retry_base,omitempty"`      // default 500ms
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default 5s
	SendTimeout   string `json:"send_timeout,omitempty"`    // default 10s
	DedupWindow   string `json:"dedup_window,omitempty"`    // default 30s; 0 disables
}

// ActionsConfig maps free-text replies to actions. Matching is
// case-insensitive on the trimmed text; anything unmatched is "continue".
type ActionsConfig struct {
	DoneTokens   []string `json:"done_tokens,omitempty"`   // default ["/done", "done"]
	CancelTokens []string `json:"cancel_tokens,omitempty"` // default ["/cancel", "cancel"]
}

type LoggingConfig struct {
	Level    string            `json:"level,omitempty"`
	Console  *bool             `json:"console,omitempty"` // default true
	File     FileLogConfig     `json:"file,omitempty"`
	Telegram TelegramLogConfig `json:"telegram,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// TelegramLogConfig mirrors warnings into the operator chat.
type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the audit/dedup backend.
//
// Driver values: "file" (jsonl + snapshot), "sqlite", "" / "none" (disabled).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

func (c *LoggingConfig) ConsoleEnabled() bool {
	return c.Console == nil || *c.Console
}

// applyEnvOverrides lets secrets live outside the config file.
func (c *Config) applyEnvOverrides() error {
	if v := strings.TrimSpace(os.Getenv("RELAY_TELEGRAM_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_API_SECRET")); v != "" {
		c.Server.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ALLOWED_CHAT_IDS")); v != "" {
		ids, err := ParseChatIDs(v)
		if err != nil {
			return fmt.Errorf("RELAY_ALLOWED_CHAT_IDS: %w", err)
		}
		c.Telegram.AllowedChatIDs = ids
	}
	return nil
}

// ParseChatIDs parses a comma-separated chat id list.
func ParseChatIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if len(c.Telegram.AllowedChatIDs) == 0 {
		return fmt.Errorf("telegram.allowed_chat_ids must not be empty")
	}
	if strings.TrimSpace(c.Server.Secret) == "" {
		return fmt.Errorf("server.secret is required")
	}
	if c.Delivery.RatePerSec < 0 {
		return fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	if c.Delivery.RetryMax < 0 {
		return fmt.Errorf("delivery.retry_max must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"sessions.ttl", c.Sessions.TTL},
		{"sessions.reap_every", c.Sessions.ReapEvery},
		{"delivery.retry_base", c.Delivery.RetryBase},
		{"delivery.retry_max_delay", c.Delivery.RetryMaxDelay},
		{"delivery.send_timeout", c.Delivery.SendTimeout},
		{"delivery.dedup_window", c.Delivery.DedupWindow},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	return nil
}
