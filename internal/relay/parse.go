package relay

import (
	"strings"
	"sync"

	"relaybot/internal/session"
)

// Callback payloads carried in inline keyboard buttons.
const (
	callbackActionPrefix = "action:"
	callbackButtonPrefix = "btn:"
	callbackDetail       = "detail"
)

// ActionMatcher maps free-text replies to canonical actions. Matching is
// case-insensitive on the trimmed text; anything unmatched means the
// operator wants the task to continue with that text as instruction.
//
// Token sets are hot-reloadable via Apply.
type ActionMatcher struct {
	mu     sync.RWMutex
	done   map[string]struct{}
	cancel map[string]struct{}
}

func defaultDoneTokens() []string   { return []string{"/done", "done"} }
func defaultCancelTokens() []string { return []string{"/cancel", "cancel"} }

func NewActionMatcher(done, cancel []string) *ActionMatcher {
	m := &ActionMatcher{}
	m.Apply(done, cancel)
	return m
}

// Apply replaces both token sets. Empty slices fall back to the defaults.
func (m *ActionMatcher) Apply(done, cancel []string) {
	if len(done) == 0 {
		done = defaultDoneTokens()
	}
	if len(cancel) == 0 {
		cancel = defaultCancelTokens()
	}
	m.mu.Lock()
	m.done = tokenSet(done)
	m.cancel = tokenSet(cancel)
	m.mu.Unlock()
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// Parse classifies operator text. It returns the canonical action and the
// trimmed text to record as the reply.
func (m *ActionMatcher) Parse(text string) (session.Action, string) {
	text = strings.TrimSpace(text)
	key := strings.ToLower(text)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.done[key]; ok {
		return session.ActionDone, text
	}
	if _, ok := m.cancel[key]; ok {
		return session.ActionCancel, text
	}
	return session.ActionContinue, text
}

// parseCallback splits an inline keyboard payload into its kind and value:
// ("action", "done") for action:done, ("btn", "Deploy") for btn:Deploy,
// ("detail", "") for the detail button.
func parseCallback(data string) (kind, value string) {
	switch {
	case strings.HasPrefix(data, callbackActionPrefix):
		return "action", strings.TrimPrefix(data, callbackActionPrefix)
	case strings.HasPrefix(data, callbackButtonPrefix):
		return "btn", strings.TrimPrefix(data, callbackButtonPrefix)
	case data == callbackDetail:
		return "detail", ""
	}
	return "", data
}
