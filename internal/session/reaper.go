package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

// ReaperConfig drives periodic session expiry.
type ReaperConfig struct {
	TTL   time.Duration // default 1h
	Every time.Duration // default 10m
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.Every <= 0 {
		c.Every = 10 * time.Minute
	}
	return c
}

// Reaper runs Store.Reap on a cron schedule. Apply() reconfigures it live.
type Reaper struct {
	store *Store
	log   logx.Logger

	mu      sync.Mutex
	cfg     ReaperConfig
	cron    *cron.Cron
	running bool
}

func NewReaper(store *Store, cfg ReaperConfig, log logx.Logger) *Reaper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reaper{store: store, cfg: cfg.withDefaults(), log: log}
}

func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.startLocked()

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

func (r *Reaper) startLocked() {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.cfg.Every)
	ttl := r.cfg.TTL
	if _, err := c.AddFunc(spec, func() {
		r.store.Reap(time.Now(), ttl)
	}); err != nil {
		// "@every <duration>" only fails on a malformed duration, which
		// withDefaults rules out; log and run without a schedule.
		r.log.Error("reaper schedule rejected", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	r.cron = c
	r.log.Info("reaper started", logx.Duration("ttl", ttl), logx.Duration("every", r.cfg.Every))
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
}

// Apply reconfigures TTL/interval; restarts the schedule if running.
func (r *Reaper) Apply(cfg ReaperConfig) {
	cfg = cfg.withDefaults()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg == r.cfg {
		return
	}
	r.cfg = cfg
	if r.running {
		if r.cron != nil {
			r.cron.Stop()
			r.cron = nil
		}
		r.startLocked()
	}
}
