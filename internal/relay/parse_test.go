package relay

import (
	"testing"

	"relaybot/internal/session"
)

func TestParseDefaultTokens(t *testing.T) {
	m := NewActionMatcher(nil, nil)
	cases := []struct {
		in     string
		action session.Action
		text   string
	}{
		{"/done", session.ActionDone, "/done"},
		{"done", session.ActionDone, "done"},
		{"  DONE  ", session.ActionDone, "DONE"},
		{"/cancel", session.ActionCancel, "/cancel"},
		{"Cancel", session.ActionCancel, "Cancel"},
		{"keep going, then run the tests", session.ActionContinue, "keep going, then run the tests"},
		{"", session.ActionContinue, ""},
		{"done and dusted", session.ActionContinue, "done and dusted"},
	}
	for _, c := range cases {
		action, text := m.Parse(c.in)
		if action != c.action || text != c.text {
			t.Fatalf("Parse(%q) = (%q, %q), want (%q, %q)", c.in, action, text, c.action, c.text)
		}
	}
}

func TestParseCustomTokens(t *testing.T) {
	m := NewActionMatcher([]string{"ship it"}, []string{"abort"})
	if a, _ := m.Parse("Ship It"); a != session.ActionDone {
		t.Fatalf("custom done token not matched: %q", a)
	}
	if a, _ := m.Parse("abort"); a != session.ActionCancel {
		t.Fatalf("custom cancel token not matched: %q", a)
	}
	// Defaults are replaced, not merged.
	if a, _ := m.Parse("/done"); a != session.ActionContinue {
		t.Fatalf("replaced token still matched: %q", a)
	}
}

func TestApplyFallsBackToDefaults(t *testing.T) {
	m := NewActionMatcher([]string{"ship it"}, nil)
	m.Apply(nil, nil)
	if a, _ := m.Parse("/done"); a != session.ActionDone {
		t.Fatalf("defaults not restored: %q", a)
	}
}

func TestParseCallback(t *testing.T) {
	cases := []struct {
		in, kind, value string
	}{
		{"action:done", "action", "done"},
		{"action:continue", "action", "continue"},
		{"btn:Deploy", "btn", "Deploy"},
		{"btn:", "btn", ""},
		{"detail", "detail", ""},
		{"garbage", "", "garbage"},
	}
	for _, c := range cases {
		kind, value := parseCallback(c.in)
		if kind != c.kind || value != c.value {
			t.Fatalf("parseCallback(%q) = (%q, %q), want (%q, %q)", c.in, kind, value, c.kind, c.value)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 500); got != "short" {
		t.Fatalf("short string modified: %q", got)
	}
	long := make([]rune, 600)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), 500)
	if len([]rune(got)) != 501 {
		t.Fatalf("truncated length = %d runes", len([]rune(got)))
	}
}
