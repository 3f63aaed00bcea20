// Package reconcile keeps the durable presence mirror consistent with the
// in-memory store.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/presence"
	"helpdesk/cmd/internal/userstore"
)

// BridgeConfig controls the write pool.
type BridgeConfig struct {
	Workers      int
	WriteTimeout time.Duration
	// DrainTimeout bounds how long Run keeps writing queued records after its
	// context is cancelled.
	DrainTimeout time.Duration
}

// DefaultBridgeConfig returns 2 workers, a 3s write timeout and a 2s drain.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{Workers: 2, WriteTimeout: 3 * time.Second, DrainTimeout: 2 * time.Second}
}

type write struct {
	online bool
	at     time.Time
}

// Bridge asynchronously mirrors presence decisions into a userstore.Mirror.
//
// Concurrency model:
//   - Record never blocks on I/O. The latest record per user replaces any
//     record still waiting, so a burst of heartbeats costs one write.
//   - A user id is queued in ready iff it has a pending record and no write in
//     flight. Writes for one user are therefore never concurrent and land in
//     Record order.
type Bridge struct {
	log     *slog.Logger
	mirror  userstore.Mirror
	cfg     BridgeConfig
	metrics *metrics.Recorder

	mu       sync.Mutex
	cond     *sync.Cond
	pending  map[string]write
	inflight map[string]struct{}
	ready    []string
	stopped  bool
}

// NewBridge constructs a Bridge. Call Run to start writing.
func NewBridge(log *slog.Logger, mirror userstore.Mirror, cfg BridgeConfig, rec *metrics.Recorder) (*Bridge, error) {
	if mirror == nil {
		return nil, userstore.ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultBridgeConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.DrainTimeout < 0 {
		cfg.DrainTimeout = 0
	}

	b := &Bridge{
		log:      log,
		mirror:   mirror,
		cfg:      cfg,
		metrics:  rec,
		pending:  make(map[string]write),
		inflight: make(map[string]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Attach subscribes the bridge to transitions that do not come from a heartbeat
// (expiry, forced offline, removal). Heartbeats are recorded by their transport.
func (b *Bridge) Attach(bus *presence.Bus) (detach func()) {
	return bus.Subscribe(func(ev presence.Event) {
		if ev.Cause == presence.CauseHeartbeat {
			return
		}
		b.Record(ev.UserID, ev.Online, ev.At)
	})
}

// Record schedules a durable write. It never blocks and never fails; records
// arriving after Run has stopped are dropped. A waiting record is only
// replaced by one that is not older.
func (b *Bridge) Record(userID string, online bool, at time.Time) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	prev, queued := b.pending[userID]
	if queued {
		b.metrics.ReconcileCoalesced()
		// Listeners run outside the store lock, so records can arrive out of order.
		if at.Before(prev.at) {
			return
		}
	}
	b.pending[userID] = write{online: online, at: at}

	if _, busy := b.inflight[userID]; !queued && !busy {
		b.ready = append(b.ready, userID)
		b.cond.Signal()
	}
}

// Pending returns the number of users with a record waiting to be written.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run writes records until ctx is cancelled, then drains what it can within
// DrainTimeout and drops the rest.
func (b *Bridge) Run(ctx context.Context) error {
	writeCtx, cancelWrites := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWrites()

	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(writeCtx)
		}()
	}

	<-ctx.Done()

	b.mu.Lock()
	b.stopped = true
	b.cond.Broadcast()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(b.cfg.DrainTimeout):
		cancelWrites()
		<-done
	}

	b.mu.Lock()
	dropped := len(b.pending)
	b.pending = make(map[string]write)
	b.ready = nil
	b.mu.Unlock()

	if dropped > 0 {
		b.log.Warn("reconcile.drain.dropped", "records", dropped)
	}
	return nil
}

func (b *Bridge) worker(ctx context.Context) {
	for {
		userID, w, ok := b.next(ctx)
		if !ok {
			return
		}
		b.write(ctx, userID, w)
		b.finish(userID)
	}
}

// next blocks until a record is ready. After stop it keeps handing out queued
// records until the queue is empty or ctx is cancelled.
func (b *Bridge) next(ctx context.Context) (string, write, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.ready) == 0 {
		if b.stopped {
			return "", write{}, false
		}
		b.cond.Wait()
	}
	if ctx.Err() != nil {
		return "", write{}, false
	}

	userID := b.ready[0]
	b.ready = b.ready[1:]
	w := b.pending[userID]
	delete(b.pending, userID)
	b.inflight[userID] = struct{}{}
	return userID, w, true
}

func (b *Bridge) finish(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, userID)
	if _, ok := b.pending[userID]; ok {
		b.ready = append(b.ready, userID)
		b.cond.Signal()
	}
}

func (b *Bridge) write(ctx context.Context, userID string, w write) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()

	err := b.mirror.SetPresence(ctx, userID, w.online, w.at)
	switch {
	case err == nil:
		b.metrics.ReconcileWrite("ok")
	case errors.Is(err, userstore.ErrNotFound):
		// Users created outside the CRUD backend (dev tokens, deleted accounts).
		b.metrics.ReconcileWrite("not_found")
		b.log.Debug("reconcile.write.skip", "user_id", userID, "reason", "not_found")
	default:
		b.metrics.ReconcileWrite("error")
		b.log.Warn("reconcile.write.fail", "user_id", userID, "online", w.online, "err", err)
	}
}
