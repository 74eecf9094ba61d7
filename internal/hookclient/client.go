// Package hookclient implements the agent-side half of the relay
// protocol: one notify call, bounded polling for the operator's reply,
// then an acknowledgment. Every failure path is bounded and silent so a
// relay outage never blocks the agent.
package hookclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultURL          = "http://127.0.0.1:8787"
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = time.Hour
	maxSummaryLen       = 500
	notifyAttempts      = 3
)

// Shrunk by tests.
var notifyBackoffBase = 500 * time.Millisecond

type Config struct {
	URL          string
	Secret       string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// ConfigFromEnv reads RELAY_HOOK_* variables, falling back to defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		URL:          strings.TrimSpace(os.Getenv("RELAY_HOOK_URL")),
		Secret:       strings.TrimSpace(os.Getenv("RELAY_HOOK_SECRET")),
		PollInterval: envDuration("RELAY_HOOK_POLL_INTERVAL", defaultPollInterval),
		PollTimeout:  envDuration("RELAY_HOOK_POLL_TIMEOUT", defaultPollTimeout),
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	return cfg
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	// Bare numbers are seconds, for parity with shell-based hooks.
	if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
		return d
	}
	return def
}

// Disabled reports whether the hook should exit without doing anything:
// either RELAY_HOOK_DISABLED=1 or the sentinel file ~/.relaybot/disabled.
func Disabled() bool {
	if os.Getenv("RELAY_HOOK_DISABLED") == "1" {
		return true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(home, ".relaybot", "disabled"))
	return err == nil
}

// Event is the hook payload the agent writes to stdin.
type Event struct {
	SessionID      string `json:"session_id"`
	StopHookActive bool   `json:"stop_hook_active"`
	CWD            string `json:"cwd"`
	Message        string `json:"message"`
	TranscriptPath string `json:"transcript_path"`
	HookEventName  string `json:"hook_event_name"`
}

// Decision is the agent-facing verdict. A nil decision from Run means
// "allow the stop"; a block decision injects Reason as the next prompt.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// DeriveStatus maps the hook event kind to a notify status.
func DeriveStatus(ev Event) string {
	switch ev.HookEventName {
	case "Stop":
		return "completed"
	case "Notification":
		return "permission"
	}
	return "idle"
}

// Summary picks the notification text: the event message if present,
// otherwise the tail of the transcript, truncated to 500 characters.
func Summary(ev Event) string {
	if s := strings.TrimSpace(ev.Message); s != "" {
		return truncate(s, maxSummaryLen)
	}
	if s := transcriptTail(ev.TranscriptPath); s != "" {
		return truncate(s, maxSummaryLen)
	}
	return "(no summary)"
}

// transcriptTail extracts the last assistant text from a jsonl transcript.
// Best effort: any parse failure falls back to the raw last line.
func transcriptTail(path string) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	const tailSize = 64 << 10
	st, err := f.Stat()
	if err != nil {
		return ""
	}
	off := st.Size() - tailSize
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return ""
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	lines := strings.Split(string(b), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if text := assistantText(line); text != "" {
			return text
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func assistantText(line string) string {
	var entry struct {
		Type    string `json:"type"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return ""
	}
	if entry.Type != "assistant" {
		return ""
	}
	for i := len(entry.Message.Content) - 1; i >= 0; i-- {
		if entry.Message.Content[i].Type == "text" {
			return strings.TrimSpace(entry.Message.Content[i].Text)
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "…"
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Notify posts the event, retrying transient failures a fixed number of
// times with exponential backoff.
func (c *Client) Notify(ctx context.Context, ev Event) error {
	body := map[string]any{
		"session_id": ev.SessionID,
		"status":     DeriveStatus(ev),
		"summary":    Summary(ev),
		"cwd":        ev.CWD,
	}
	var lastErr error
	backoff := notifyBackoffBase
	for attempt := 0; attempt < notifyAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			backoff *= 2
		}
		var out struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		err := c.post(ctx, "/notify", body, &out)
		if err == nil && out.OK {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("notify rejected: %s", out.Error)
		}
		lastErr = err
	}
	return lastErr
}

// PollReply asks for the pending reply once.
func (c *Client) PollReply(ctx context.Context, sessionID string) (text, action string, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"/reply/"+sessionID, nil)
	if err != nil {
		return "", "", false, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", false, fmt.Errorf("reply: status %d", resp.StatusCode)
	}
	var out struct {
		HasReply bool   `json:"has_reply"`
		Reply    string `json:"reply"`
		Action   string `json:"action"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", false, err
	}
	return out.Reply, out.Action, out.HasReply, nil
}

// Ack marks the reply consumed. Best effort.
func (c *Client) Ack(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/ack/"+sessionID, nil, nil)
}

// Run executes the full protocol for one event. It returns a block
// decision when the operator wants the task to continue, or nil when the
// stop should proceed (done, cancel, timeout, or any relay failure).
func (c *Client) Run(ctx context.Context, ev Event) (*Decision, error) {
	if err := c.Notify(ctx, ev); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.PollTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		text, action, ok, err := c.PollReply(ctx, ev.SessionID)
		if err == nil && ok {
			ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = c.Ack(ackCtx, ev.SessionID)
			cancel()

			switch action {
			case "done", "cancel":
				return nil, nil
			}
			reason := strings.TrimSpace(text)
			if reason == "" {
				reason = "continue"
			}
			return &Decision{Decision: "block", Reason: reason}, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
