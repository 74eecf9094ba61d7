package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
)

// fakeAdapter records transport calls; the first failSends SendText calls
// return an error to exercise the retry path.
type fakeAdapter struct {
	mu        sync.Mutex
	nextID    int
	failSends int

	sent     []sentMsg
	edits    []editMsg
	deleted  []kit.MessageRef
	answered []string
}

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

type editMsg struct {
	ref  kit.MessageRef
	text string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		return kit.MessageRef{}, errors.New("transport unavailable")
	}
	f.nextID++
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: o})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editMsg{ref: ref, text: text})
	return nil
}

func (f *fakeAdapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, text)
	return nil
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAdapter) lastSent() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func kitRef(chatID int64, messageID int) kit.MessageRef {
	return kit.MessageRef{ChatID: chatID, MessageID: messageID}
}

// memStore is an in-memory storage.Store for dedup/audit assertions.
type memStore struct {
	mu    sync.Mutex
	audit []storage.AuditEntry
	dedup map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{dedup: map[string]time.Time{}}
}

func (m *memStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audit))
	for _, e := range m.audit {
		out = append(out, e.Event)
	}
	return out
}
