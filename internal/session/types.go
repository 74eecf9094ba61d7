package session

import (
	"time"

	kit "relaybot/internal/transport"
)

// Status is the session lifecycle state as seen through the relay API.
//
//	pending --deliver--> notified --reply--> replied --ack--> acked
//	   |                                                        ^
//	   +---TTL expiry (pending/notified/replied)---> expired ---+
//	                                  (ack on expired is a no-op success)
//
// A fresh notify on the same id revives acked/expired back to pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusNotified Status = "notified"
	StatusReplied  Status = "replied"
	StatusAcked    Status = "acked"
	StatusExpired  Status = "expired"
)

// Action is the operator's decision encoded in a reply.
type Action string

const (
	ActionContinue Action = "continue"
	ActionDone     Action = "done"
	ActionCancel   Action = "cancel"
)

func (a Action) Valid() bool {
	switch a {
	case ActionContinue, ActionDone, ActionCancel:
		return true
	}
	return false
}

// Reply is the single-slot operator reply awaiting acknowledgment.
type Reply struct {
	Text   string
	Action Action
}

// Session is one correlated notify→reply cycle.
type Session struct {
	ID      string
	Status  Status
	Summary string
	CWD     string
	Buttons []string

	// ThreadRef binds the session to the root chat message it was first
	// delivered under. Bound at most once; later notifies on the same
	// session thread their prompts beneath it.
	ThreadRef kit.MessageRef

	// threadRefs holds every delivered message id, root included, so a
	// reply quoting any prompt of this session correlates back to it.
	threadRefs []kit.MessageRef

	// Reply holds the pending operator reply (nil until one arrives,
	// cleared on ack). Last reply wins if several arrive before ack.
	Reply *Reply

	CreatedAt      time.Time
	LastActivityAt time.Time

	// expiredAt tracks when the reaper retired the session; the record is
	// kept queryable for a grace period so late polls get a deterministic
	// answer instead of "unknown session".
	expiredAt time.Time
}

// ThreadBound reports whether delivery has bound a chat thread yet.
func (s *Session) ThreadBound() bool {
	return s.ThreadRef.MessageID != 0
}

// ShortID returns the first 8 characters of the session id, for chat text.
func (s *Session) ShortID() string {
	if len(s.ID) <= 8 {
		return s.ID
	}
	return s.ID[:8]
}

// Event types published on the bus at each transition.
const (
	EventNotified = "session.notified"
	EventReplied  = "session.replied"
	EventAcked    = "session.acked"
	EventExpired  = "session.expired"
)

// EventData is the bus payload for session lifecycle events.
type EventData struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Action    string `json:"action,omitempty"`
	ChatID    int64  `json:"chat_id,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
}
