package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is a provider-agnostic inbound event (chat message or button press).
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	// ReplyToID is the message this one replies to (0 if none).
	// The relay correlates replies to sessions through it.
	ReplyToID int
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies a sent message; the relay uses it as the
// session's thread reference.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Button is a single inline keyboard button. Data is the callback
// payload delivered back through Update.Callback.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	DisablePreview bool
	// ReplyTo threads the outgoing message under an existing one (0 = none).
	ReplyTo int
	// Buttons lays out an inline keyboard, row-major.
	Buttons [][]Button
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
