package presence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cause explains why a transition happened.
type Cause string

const (
	CauseHeartbeat Cause = "heartbeat"
	CauseExpired   Cause = "expired"
	CauseForced    Cause = "forced"
	CauseRemoved   Cause = "removed"
)

// Event is a single online/offline transition of one user.
type Event struct {
	UserID string
	Online bool
	Cause  Cause
	At     time.Time

	// Seq increases with every event of the publishing store. Consumers that
	// deliver asynchronously can use it to drop reordered events per user.
	Seq uint64
}

// Listener receives transitions. It must not block for long: it runs on the
// goroutine that caused the transition.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Bus is an in-process observer list.
//
// Concurrency guarantees:
//   - Subscribe/unsubscribe are safe during Publish, including from inside a listener.
//   - Publish iterates an immutable snapshot, so a listener added or removed
//     mid-dispatch neither corrupts nor changes the in-flight dispatch.
//   - A panicking listener is recovered and logged; the others still run.
type Bus struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []subscription // copy-on-write
}

// NewBus constructs an empty Bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers fn and returns a function that removes it (idempotent).
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	next := make([]subscription, 0, len(b.subs)+1)
	next = append(next, b.subs...)
	next = append(next, subscription{id: id, fn: fn})
	b.subs = next
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs = next
}

// Len returns the number of registered listeners.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to every listener registered at the time of the call.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	snap := b.subs
	b.mu.Unlock()

	for _, s := range snap {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("presence.listener.panic",
				"listener_id", s.id,
				"user_id", ev.UserID,
				"online", ev.Online,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	s.fn(ev)
}
