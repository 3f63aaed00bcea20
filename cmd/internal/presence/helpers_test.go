package presence

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newTestStore returns a store with the background sweeper disabled.
func newTestStore(t *testing.T) (*Store, *fakeClock, *recorder) {
	t.Helper()

	clk := newFakeClock()
	s := NewStore(discardLogger(), Config{TTL: 90 * time.Second, SweepInterval: -1}, WithClock(clk.Now))
	rec := &recorder{}
	s.Subscribe(rec.listen)
	t.Cleanup(s.Shutdown)
	return s, clk, rec
}

func boolPtr(v bool) *bool { return &v }
