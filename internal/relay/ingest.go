package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Ingestor consumes inbound transport updates and turns recognized
// operator replies into store transitions. Updates from chats outside the
// allow-list are dropped without side effects; correlation is strictly by
// thread ref, so a reply that doesn't target a known notification message
// is a logged drop, never queued.
type Ingestor struct {
	adapter kit.Adapter
	store   *session.Store
	matcher *ActionMatcher
	audit   storage.Store // may be nil
	log     logx.Logger

	mu      sync.RWMutex
	allowed map[int64]struct{}
}

func NewIngestor(adapter kit.Adapter, store *session.Store, matcher *ActionMatcher, audit storage.Store, allowed []int64, log logx.Logger) *Ingestor {
	if log.IsZero() {
		log = logx.Nop()
	}
	in := &Ingestor{
		adapter: adapter,
		store:   store,
		matcher: matcher,
		audit:   audit,
		log:     log,
	}
	in.SetAllowed(allowed)
	return in
}

// SetAllowed replaces the inbound chat allow-list.
func (in *Ingestor) SetAllowed(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	in.mu.Lock()
	in.allowed = set
	in.mu.Unlock()
}

func (in *Ingestor) isAllowed(chatID int64) bool {
	in.mu.RLock()
	_, ok := in.allowed[chatID]
	in.mu.RUnlock()
	return ok
}

// Run drains updates until the channel closes or ctx is canceled.
// Meant to be driven by a supervisor goroutine.
func (in *Ingestor) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			in.Handle(ctx, u)
		}
	}
}

// Handle processes one inbound update.
func (in *Ingestor) Handle(ctx context.Context, u kit.Update) {
	switch u.Kind {
	case kit.UpdateMessage:
		if u.Message != nil {
			in.handleMessage(ctx, u.Message)
		}
	case kit.UpdateCallback:
		if u.Callback != nil {
			in.handleCallback(ctx, u.Callback)
		}
	}
}

func (in *Ingestor) handleMessage(ctx context.Context, m *kit.Message) {
	if !in.isAllowed(m.ChatID) {
		in.log.Warn("message from chat outside allow-list dropped",
			logx.Int64("chat_id", m.ChatID),
			logx.Int64("from_id", m.FromID))
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "/status" {
		in.reply(ctx, m, formatWaiting(in.store.Waiting()))
		return
	}

	if m.ReplyToID == 0 {
		in.log.Debug("message without thread ref dropped",
			logx.Int64("chat_id", m.ChatID),
			logx.Int("message_id", m.ID))
		in.reply(ctx, m, "⚠️ No session matches this message. Reply directly to a notification.")
		return
	}

	action, replyText := in.matcher.Parse(text)
	s, ok := in.store.RecordReply(kit.MessageRef{ChatID: m.ChatID, MessageID: m.ReplyToID}, replyText, action)
	if !ok {
		in.log.Warn("reply did not correlate to a session",
			logx.Int64("chat_id", m.ChatID),
			logx.Int("reply_to", m.ReplyToID))
		in.reply(ctx, m, "⚠️ No session matches this message. Reply directly to a notification.")
		return
	}

	in.writeAudit(storage.AuditEntry{
		SessionID: s.ID,
		Event:     "reply",
		ChatID:    m.ChatID,
		MessageID: m.ID,
		Action:    string(action),
	})

	switch action {
	case session.ActionDone:
		in.reply(ctx, m, "✅ Task marked done")
	case session.ActionCancel:
		in.reply(ctx, m, "❌ Task cancelled")
	default:
		in.reply(ctx, m, "\U0001F4E8 Sent to session #"+s.ShortID())
	}
}

func (in *Ingestor) handleCallback(ctx context.Context, cb *kit.Callback) {
	if !in.isAllowed(cb.ChatID) {
		in.log.Warn("callback from chat outside allow-list dropped",
			logx.Int64("chat_id", cb.ChatID),
			logx.Int64("from_id", cb.FromID))
		return
	}

	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	kind, value := parseCallback(cb.Data)
	var action session.Action
	var replyText string
	switch kind {
	case "detail":
		// Informational only, no state transition.
		s, ok := in.store.ByThread(ref)
		if !ok {
			in.answer(ctx, cb.ID, "Session expired")
			return
		}
		in.answer(ctx, cb.ID, "")
		in.sendTo(ctx, cb.ChatID, cb.MessageID, formatDetail(&s))
		return
	case "action":
		action = session.Action(value)
		if !action.Valid() {
			in.log.Warn("unknown callback action dropped", logx.String("data", cb.Data))
			in.answer(ctx, cb.ID, "")
			return
		}
		replyText = "/" + value
	case "btn":
		action, replyText = in.matcher.Parse(value)
	default:
		in.log.Warn("unrecognized callback payload dropped", logx.String("data", cb.Data))
		in.answer(ctx, cb.ID, "")
		return
	}

	s, ok := in.store.RecordReply(ref, replyText, action)
	if !ok {
		in.log.Warn("callback did not correlate to a session",
			logx.Int64("chat_id", cb.ChatID),
			logx.Int("message_id", cb.MessageID))
		in.answer(ctx, cb.ID, "Session expired")
		return
	}

	in.writeAudit(storage.AuditEntry{
		SessionID: s.ID,
		Event:     "reply",
		ChatID:    cb.ChatID,
		MessageID: cb.MessageID,
		Action:    string(action),
	})

	switch action {
	case session.ActionDone:
		in.answer(ctx, cb.ID, "Done")
		// Remove the prompt once the task is closed; edit as fallback.
		if err := in.adapter.DeleteMessage(ctx, ref); err != nil {
			in.log.Debug("delete prompt failed, editing instead", logx.Err(err))
			_ = in.adapter.EditText(ctx, ref, "✅ Task marked done", nil)
		}
	case session.ActionCancel:
		in.answer(ctx, cb.ID, "Cancelled")
		_ = in.adapter.EditText(ctx, ref, "❌ Task cancelled", nil)
	default:
		in.answer(ctx, cb.ID, "Sent: "+replyText)
	}
}

func (in *Ingestor) reply(ctx context.Context, to *kit.Message, text string) {
	in.sendTo(ctx, to.ChatID, to.ID, text)
}

func (in *Ingestor) sendTo(ctx context.Context, chatID int64, replyTo int, text string) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := in.adapter.SendText(sctx, kit.ChatTarget{ChatID: chatID}, text,
		&kit.SendOptions{ReplyTo: replyTo})
	if err != nil {
		in.log.Warn("confirmation send failed", logx.Err(err))
	}
}

func (in *Ingestor) answer(ctx context.Context, callbackID, text string) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := in.adapter.AnswerCallback(sctx, callbackID, text); err != nil {
		in.log.Debug("callback answer failed", logx.Err(err))
	}
}

func (in *Ingestor) writeAudit(e storage.AuditEntry) {
	if in.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := in.audit.AppendAudit(ctx, e); err != nil {
		in.log.Debug("audit append failed", logx.Err(err))
	}
}
