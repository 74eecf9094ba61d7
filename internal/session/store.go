package session

import (
	"sync"
	"time"

	"relaybot/internal/eventbus"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Store is the authoritative, concurrency-safe session state.
//
// Locking discipline: the store-level RWMutex guards only map/index
// structure (insert, thread index, reap iteration); each session carries
// its own mutex for field mutation, so unrelated sessions never serialize
// on one another. No lock is ever held across transport I/O; delivery
// happens entirely outside the store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	threads map[threadKey]string // thread ref -> session id

	bus eventbus.Bus
	log logx.Logger
}

type entry struct {
	mu sync.Mutex
	s  Session
}

type threadKey struct {
	chatID    int64
	messageID int
}

func NewStore(bus eventbus.Bus, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		entries: map[string]*entry{},
		threads: map[threadKey]string{},
		bus:     bus,
		log:     log,
	}
}

func (st *Store) publish(typ string, s *Session) {
	if st.bus == nil {
		return
	}
	d := EventData{SessionID: s.ID, Status: string(s.Status)}
	if s.Reply != nil {
		d.Action = string(s.Reply.Action)
	}
	if s.ThreadBound() {
		d.ChatID = s.ThreadRef.ChatID
		d.MessageID = s.ThreadRef.MessageID
	}
	st.bus.Publish(eventbus.Event{Type: typ, Data: d})
}

// CreateOrUpdate creates the session in pending, or refreshes the payload
// of a known one. A session that already reached acked/expired is revived
// to pending: a reused id means a new notify event on the same logical
// task (e.g. permission prompt then completion). The bound thread ref is
// kept on revival so follow-ups land in the same chat thread.
func (st *Store) CreateOrUpdate(id, summary, cwd string, buttons []string) Session {
	now := time.Now()

	st.mu.Lock()
	e := st.entries[id]
	if e == nil {
		e = &entry{s: Session{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: now,
		}}
		st.entries[id] = e
	}
	st.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.Summary = summary
	e.s.CWD = cwd
	e.s.Buttons = append([]string(nil), buttons...)
	e.s.LastActivityAt = now
	if e.s.Status == StatusAcked || e.s.Status == StatusExpired {
		e.s.Status = StatusPending
		e.s.Reply = nil
		e.s.expiredAt = time.Time{}
	}
	return e.s
}

// MarkNotified records a successful delivery. The root ThreadRef is bound
// on first delivery and immutable afterwards, but every delivered message
// id is indexed, so a reply quoting the prompt of a later notify on the
// same session still correlates. A session that vanished under heavy
// delay is a lost notification: logged, not an error.
func (st *Store) MarkNotified(id string, ref kit.MessageRef) {
	st.mu.Lock()
	e := st.entries[id]
	if e == nil {
		st.mu.Unlock()
		st.log.Warn("mark notified for unknown session", logx.String("session_id", id))
		return
	}
	e.mu.Lock()
	if ref.MessageID != 0 {
		key := threadKey{ref.ChatID, ref.MessageID}
		if _, dup := st.threads[key]; !dup {
			st.threads[key] = id
			e.s.threadRefs = append(e.s.threadRefs, ref)
		}
		if !e.s.ThreadBound() {
			e.s.ThreadRef = ref
		}
	}
	st.mu.Unlock()

	e.s.Status = StatusNotified
	e.s.LastActivityAt = time.Now()
	snap := e.s
	e.mu.Unlock()

	st.publish(EventNotified, &snap)
}

// RecordReply correlates an inbound operator reply by thread ref.
// Single-slot, last-reply-wins: a second reply before ack overwrites the
// first. Returns the updated session and whether a session matched; an
// orphaned or late reply is the caller's to log.
func (st *Store) RecordReply(ref kit.MessageRef, text string, action Action) (Session, bool) {
	st.mu.RLock()
	id, ok := st.threads[threadKey{ref.ChatID, ref.MessageID}]
	var e *entry
	if ok {
		e = st.entries[id]
	}
	st.mu.RUnlock()
	if e == nil {
		return Session{}, false
	}

	e.mu.Lock()
	e.s.Reply = &Reply{Text: text, Action: action}
	e.s.Status = StatusReplied
	e.s.LastActivityAt = time.Now()
	snap := e.s
	e.mu.Unlock()

	st.publish(EventReplied, &snap)
	return snap, true
}

// PeekReply is the non-destructive read behind reply polling. Repeated
// polls are idempotent; only Ack consumes the reply.
func (st *Store) PeekReply(id string) (text string, action Action, ok bool) {
	st.mu.RLock()
	e := st.entries[id]
	st.mu.RUnlock()
	if e == nil {
		return "", "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Reply == nil {
		return "", "", false
	}
	return e.s.Reply.Text, e.s.Reply.Action, true
}

// Ack clears the pending reply and retires the session to acked.
// Idempotent by contract: acking an unknown, already-acked or expired
// session is a no-op success, because client-side network retries must be
// safe. The second return reports whether a pending reply was consumed.
func (st *Store) Ack(id string) (Session, bool) {
	st.mu.RLock()
	e := st.entries[id]
	st.mu.RUnlock()
	if e == nil {
		return Session{}, false
	}

	e.mu.Lock()
	consumed := e.s.Reply != nil
	e.s.Reply = nil
	if e.s.Status != StatusExpired {
		e.s.Status = StatusAcked
	}
	e.s.LastActivityAt = time.Now()
	snap := e.s
	e.mu.Unlock()

	if consumed {
		st.publish(EventAcked, &snap)
	}
	return snap, consumed
}

// ByThread returns a snapshot of the session a delivered message belongs
// to, if any.
func (st *Store) ByThread(ref kit.MessageRef) (Session, bool) {
	st.mu.RLock()
	id, ok := st.threads[threadKey{ref.ChatID, ref.MessageID}]
	var e *entry
	if ok {
		e = st.entries[id]
	}
	st.mu.RUnlock()
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, true
}

// Get returns a snapshot of the session, if known.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.RLock()
	e := st.entries[id]
	st.mu.RUnlock()
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, true
}

// Waiting lists sessions that have been delivered but have no pending
// reply yet, the ones an operator can still answer.
func (st *Store) Waiting() []Session {
	st.mu.RLock()
	es := make([]*entry, 0, len(st.entries))
	for _, e := range st.entries {
		es = append(es, e)
	}
	st.mu.RUnlock()

	out := make([]Session, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		if e.s.Reply == nil && (e.s.Status == StatusPending || e.s.Status == StatusNotified) {
			out = append(out, e.s)
		}
		e.mu.Unlock()
	}
	return out
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}

// Reap expires sessions idle longer than ttl and returns how many it
// retired. Expiry drops any unconsumed reply, so polls on an expired
// session answer has_reply=false. Expiry is advisory cleanup toward an
// absent client, never a correctness requirement toward a live one, so
// ttl should stay >= the hook client's poll timeout.
//
// Expired records are not removed immediately: they stay queryable as
// expired for one further ttl so a late poll observes a deterministic
// answer, then the record and its thread index entry are dropped.
func (st *Store) Reap(now time.Time, ttl time.Duration) int {
	st.mu.RLock()
	es := make(map[string]*entry, len(st.entries))
	for id, e := range st.entries {
		es[id] = e
	}
	st.mu.RUnlock()

	expired := 0
	type removal struct {
		id   string
		refs []kit.MessageRef
	}
	var remove []removal
	for id, e := range es {
		e.mu.Lock()
		switch e.s.Status {
		case StatusPending, StatusNotified, StatusReplied:
			if now.Sub(e.s.LastActivityAt) > ttl {
				e.s.Status = StatusExpired
				e.s.expiredAt = now
				e.s.Reply = nil
				expired++
				snap := e.s
				e.mu.Unlock()
				st.publish(EventExpired, &snap)
				continue
			}
		case StatusExpired:
			if !e.s.expiredAt.IsZero() && now.Sub(e.s.expiredAt) > ttl {
				remove = append(remove, removal{id, append([]kit.MessageRef(nil), e.s.threadRefs...)})
			}
		case StatusAcked:
			if now.Sub(e.s.LastActivityAt) > ttl {
				remove = append(remove, removal{id, append([]kit.MessageRef(nil), e.s.threadRefs...)})
			}
		}
		e.mu.Unlock()
	}

	if len(remove) > 0 {
		st.mu.Lock()
		for _, r := range remove {
			delete(st.entries, r.id)
			for _, ref := range r.refs {
				delete(st.threads, threadKey{ref.ChatID, ref.MessageID})
			}
		}
		st.mu.Unlock()
	}

	if expired > 0 {
		st.log.Info("sessions expired", logx.Int("count", expired))
	}
	return expired
}
