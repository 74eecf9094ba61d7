package relay

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// DeliverConfig bounds outbound sends toward the chat transport.
// Zero values take the defaults below.
type DeliverConfig struct {
	RatePerSec    int           // default 3
	RetryMax      int           // default 2; attempts = 1 + RetryMax
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 5s
	SendTimeout   time.Duration // per attempt, default 10s
	DedupWindow   time.Duration // default 30s; 0 disables
}

func (c DeliverConfig) withDefaults() DeliverConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Deliverer sends notification messages to the operator chat. The first
// allowed chat id is the destination; sends are rate limited and retried
// with exponential backoff before a DeliveryError surfaces to the caller.
type Deliverer struct {
	adapter kit.Adapter
	audit   storage.Store // may be nil
	log     logx.Logger

	mu      sync.Mutex
	cfg     DeliverConfig
	allowed []int64
	limiter *rate.Limiter
}

func NewDeliverer(adapter kit.Adapter, audit storage.Store, cfg DeliverConfig, allowed []int64, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Deliverer{adapter: adapter, audit: audit, log: log}
	d.Apply(cfg, allowed)
	return d
}

// Apply reconfigures rate/retry knobs and the destination allow-list.
func (d *Deliverer) Apply(cfg DeliverConfig, allowed []int64) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiter == nil || cfg.RatePerSec != d.cfg.RatePerSec {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	d.cfg = cfg
	d.allowed = append([]int64(nil), allowed...)
}

func (d *Deliverer) snapshot() (DeliverConfig, []int64, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.allowed, d.limiter
}

// Deliver sends the notification for s to the operator chat and returns
// the message ref to bind as the session's thread.
//
// A send that repeats an identical payload inside the dedup window against
// an already-bound session returns the existing ref without touching the
// transport, so a hook-client retry after a network timeout does not
// double-post.
func (d *Deliverer) Deliver(ctx context.Context, s session.Session, status string) (kit.MessageRef, error) {
	cfg, allowed, limiter := d.snapshot()
	if len(allowed) == 0 {
		return kit.MessageRef{}, ErrNotAllowed
	}
	target := kit.ChatTarget{ChatID: allowed[0]}

	dedupKey := deliveryKey(&s, status)
	if cfg.DedupWindow > 0 && s.ThreadBound() && d.audit != nil {
		if until, ok, err := d.audit.GetDedup(ctx, dedupKey); err == nil && ok && time.Now().Before(until) {
			d.log.Debug("delivery deduped",
				logx.String("session_id", s.ID),
				logx.Time("until", until))
			return s.ThreadRef, nil
		}
	}

	text := formatNotification(&s, status, time.Now())
	opt := &kit.SendOptions{
		DisablePreview: true,
		ReplyTo:        s.ThreadRef.MessageID,
		Buttons:        keyboardFor(s.Buttons),
	}

	start := time.Now()
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(cfg.RetryBase, cfg.RetryMaxDelay, attempt)); err != nil {
				lastErr = err
				break
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := d.adapter.SendText(sctx, target, text, opt)
		cancel()
		if err == nil {
			d.writeAudit(storage.AuditEntry{
				SessionID: s.ID,
				Event:     "delivered",
				ChatID:    ref.ChatID,
				MessageID: ref.MessageID,
				TookMS:    time.Since(start).Milliseconds(),
			})
			if cfg.DedupWindow > 0 && d.audit != nil {
				pctx, pcancel := context.WithTimeout(context.Background(), time.Second)
				if perr := d.audit.PutDedup(pctx, dedupKey, time.Now().Add(cfg.DedupWindow)); perr != nil {
					d.log.Debug("dedup put failed", logx.Err(perr))
				}
				pcancel()
			}
			return ref, nil
		}
		lastErr = err
		d.log.Warn("delivery attempt failed",
			logx.String("session_id", s.ID),
			logx.Int("attempt", attempt+1),
			logx.Err(err))
	}

	d.writeAudit(storage.AuditEntry{
		SessionID: s.ID,
		Event:     "delivery_failed",
		ChatID:    target.ChatID,
		Error:     fmt.Sprint(lastErr),
		TookMS:    time.Since(start).Milliseconds(),
	})
	return kit.MessageRef{}, &DeliveryError{SessionID: s.ID, Attempts: attempts, Err: lastErr}
}

// SendAck drops a short confirmation into the session's chat thread after
// the hook client acknowledged the reply. Best effort, single attempt.
func (d *Deliverer) SendAck(ctx context.Context, s session.Session) error {
	cfg, allowed, limiter := d.snapshot()
	if len(allowed) == 0 || !s.ThreadBound() {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := d.adapter.SendText(sctx, kit.ChatTarget{ChatID: s.ThreadRef.ChatID},
		"✅ Reply received, continuing...",
		&kit.SendOptions{ReplyTo: s.ThreadRef.MessageID})
	if err != nil {
		d.log.Warn("ack confirmation failed", logx.String("session_id", s.ID), logx.Err(err))
	}
	return err
}

func (d *Deliverer) writeAudit(e storage.AuditEntry) {
	if d.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.audit.AppendAudit(ctx, e); err != nil {
		d.log.Debug("audit append failed", logx.Err(err))
	}
}

func deliveryKey(s *session.Session, status string) string {
	h := fnv.New64a()
	h.Write([]byte(s.ID))
	h.Write([]byte{0})
	h.Write([]byte(status))
	h.Write([]byte{0})
	h.Write([]byte(s.Summary))
	h.Write([]byte{0})
	h.Write([]byte(s.CWD))
	return fmt.Sprintf("deliver:%016x", h.Sum64())
}

// backoff returns the delay before retry attempt n (n >= 1), exponential
// from base with +-25% jitter, capped at max.
func backoff(base, max time.Duration, n int) time.Duration {
	d := base << (n - 1)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	if d += jitter; d <= 0 {
		d = base
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
