package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"relaybot/internal/eventbus"
	"relaybot/internal/session"
	logx "relaybot/pkg/logx"
)

func fastDeliverConfig() DeliverConfig {
	return DeliverConfig{
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
	}
}

func testSession(id string) session.Session {
	st := session.NewStore(eventbus.New(), logx.Nop())
	return st.CreateOrUpdate(id, "build finished", "/srv/app", nil)
}

func TestDeliverSendsFormattedMessage(t *testing.T) {
	fa := &fakeAdapter{}
	d := NewDeliverer(fa, nil, fastDeliverConfig(), []int64{42}, logx.Nop())

	s := testSession("abcdef1234")
	ref, err := d.Deliver(context.Background(), s, StatusCompleted)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if ref.ChatID != 42 || ref.MessageID == 0 {
		t.Fatalf("ref = %+v", ref)
	}

	msg := fa.lastSent()
	if msg.to.ChatID != 42 {
		t.Fatalf("sent to chat %d, want 42", msg.to.ChatID)
	}
	for _, want := range []string{"#abcdef12", "/srv/app", "build finished", "Task completed"} {
		if !strings.Contains(msg.text, want) {
			t.Fatalf("message missing %q:\n%s", want, msg.text)
		}
	}
	if len(msg.opt.Buttons) != 2 || len(msg.opt.Buttons[0]) != 3 || len(msg.opt.Buttons[1]) != 1 {
		t.Fatalf("default keyboard shape: %v", msg.opt.Buttons)
	}
	if msg.opt.Buttons[0][1].Data != "action:done" {
		t.Fatalf("done button data = %q", msg.opt.Buttons[0][1].Data)
	}
	if msg.opt.Buttons[1][0].Data != "detail" {
		t.Fatalf("detail button data = %q", msg.opt.Buttons[1][0].Data)
	}
}

func TestDeliverCustomButtons(t *testing.T) {
	fa := &fakeAdapter{}
	d := NewDeliverer(fa, nil, fastDeliverConfig(), []int64{42}, logx.Nop())

	st := session.NewStore(eventbus.New(), logx.Nop())
	s := st.CreateOrUpdate("abc", "s", "/tmp", []string{"Deploy", "Rollback"})

	if _, err := d.Deliver(context.Background(), s, StatusPermission); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	kb := fa.lastSent().opt.Buttons
	if len(kb) != 2 || kb[0][0].Data != "btn:Deploy" || kb[1][0].Data != "btn:Rollback" {
		t.Fatalf("custom keyboard: %v", kb)
	}
}

func TestDeliverRetriesTransientFailure(t *testing.T) {
	fa := &fakeAdapter{failSends: 2}
	audit := newMemStore()
	d := NewDeliverer(fa, audit, fastDeliverConfig(), []int64{42}, logx.Nop())

	if _, err := d.Deliver(context.Background(), testSession("abc"), StatusIdle); err != nil {
		t.Fatalf("deliver after transient failures: %v", err)
	}
	if fa.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", fa.sentCount())
	}
	found := false
	for _, e := range audit.events() {
		if e == "delivered" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no delivered audit entry: %v", audit.events())
	}
}

func TestDeliverExhaustedReturnsDeliveryError(t *testing.T) {
	fa := &fakeAdapter{failSends: 100}
	audit := newMemStore()
	d := NewDeliverer(fa, audit, fastDeliverConfig(), []int64{42}, logx.Nop())

	_, err := d.Deliver(context.Background(), testSession("abc"), StatusCompleted)
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DeliveryError", err)
	}
	if de.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", de.Attempts)
	}
	if got := audit.events(); len(got) != 1 || got[0] != "delivery_failed" {
		t.Fatalf("audit = %v", got)
	}
}

func TestDeliverNoAllowedChat(t *testing.T) {
	d := NewDeliverer(&fakeAdapter{}, nil, fastDeliverConfig(), nil, logx.Nop())
	if _, err := d.Deliver(context.Background(), testSession("abc"), StatusCompleted); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("err = %v, want ErrNotAllowed", err)
	}
}

func TestDeliverDedupWindow(t *testing.T) {
	fa := &fakeAdapter{}
	audit := newMemStore()
	cfg := fastDeliverConfig()
	cfg.DedupWindow = time.Minute
	d := NewDeliverer(fa, audit, cfg, []int64{42}, logx.Nop())

	st := session.NewStore(eventbus.New(), logx.Nop())
	s := st.CreateOrUpdate("abc", "same payload", "/tmp", nil)

	ref, err := d.Deliver(context.Background(), s, StatusCompleted)
	if err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	st.MarkNotified("abc", ref)

	// A retried notify with the identical payload inside the window must
	// not hit the transport again.
	s2, _ := st.Get("abc")
	ref2, err := d.Deliver(context.Background(), s2, StatusCompleted)
	if err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	if ref2 != ref {
		t.Fatalf("dedup returned %+v, want %+v", ref2, ref)
	}
	if fa.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", fa.sentCount())
	}

	// A changed payload is a new notification.
	s3 := st.CreateOrUpdate("abc", "different payload", "/tmp", nil)
	if _, err := d.Deliver(context.Background(), s3, StatusCompleted); err != nil {
		t.Fatalf("third deliver: %v", err)
	}
	if fa.sentCount() != 2 {
		t.Fatalf("sent %d messages, want 2", fa.sentCount())
	}
}

func TestDeliverThreadedRevival(t *testing.T) {
	fa := &fakeAdapter{}
	d := NewDeliverer(fa, nil, fastDeliverConfig(), []int64{42}, logx.Nop())

	st := session.NewStore(eventbus.New(), logx.Nop())
	s := st.CreateOrUpdate("abc", "first", "/tmp", nil)
	ref, err := d.Deliver(context.Background(), s, StatusPermission)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	st.MarkNotified("abc", ref)
	st.Ack("abc")

	// Follow-up notify on the same id lands in the same chat thread.
	s2 := st.CreateOrUpdate("abc", "second", "/tmp", nil)
	if _, err := d.Deliver(context.Background(), s2, StatusCompleted); err != nil {
		t.Fatalf("deliver revival: %v", err)
	}
	if got := fa.lastSent().opt.ReplyTo; got != ref.MessageID {
		t.Fatalf("revival ReplyTo = %d, want %d", got, ref.MessageID)
	}
}

func TestSendAck(t *testing.T) {
	fa := &fakeAdapter{}
	d := NewDeliverer(fa, nil, fastDeliverConfig(), []int64{42}, logx.Nop())

	st := session.NewStore(eventbus.New(), logx.Nop())
	st.CreateOrUpdate("abc", "s", "/tmp", nil)
	st.MarkNotified("abc", kitRef(42, 7))
	s, _ := st.Get("abc")

	if err := d.SendAck(context.Background(), s); err != nil {
		t.Fatalf("send ack: %v", err)
	}
	msg := fa.lastSent()
	if msg.opt.ReplyTo != 7 || !strings.Contains(msg.text, "Reply received") {
		t.Fatalf("ack message: %+v", msg)
	}

	// Unbound session: silent no-op.
	st.CreateOrUpdate("raw", "s", "/tmp", nil)
	raw, _ := st.Get("raw")
	if err := d.SendAck(context.Background(), raw); err != nil {
		t.Fatalf("ack unbound: %v", err)
	}
	if fa.sentCount() != 1 {
		t.Fatalf("ack on unbound session sent a message")
	}
}
