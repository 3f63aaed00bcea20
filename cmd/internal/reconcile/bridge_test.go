package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"helpdesk/cmd/internal/presence"
	"helpdesk/cmd/internal/userstore"
)

type setCall struct {
	userID string
	online bool
	at     time.Time
}

// fakeMirror records writes and can hold them until released.
type fakeMirror struct {
	userstore.Mirror

	mu       sync.Mutex
	calls    []setCall
	active   map[string]int
	overlaps int
	gate     chan struct{}
	entered  chan string
	err      error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{active: make(map[string]int), entered: make(chan string, 64)}
}

func (m *fakeMirror) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	m.mu.Lock()
	m.active[userID]++
	if m.active[userID] > 1 {
		m.overlaps++
	}
	gate := m.gate
	m.mu.Unlock()

	select {
	case m.entered <- userID:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[userID]--
	m.calls = append(m.calls, setCall{userID: userID, online: online, at: at})
	return m.err
}

func (m *fakeMirror) snapshot() []setCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]setCall(nil), m.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startBridge(t *testing.T, m userstore.Mirror, cfg BridgeConfig) (*Bridge, func()) {
	t.Helper()

	b, err := NewBridge(discardLogger(), m, cfg, nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return b, stop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNewBridge_RequiresMirror(t *testing.T) {
	t.Parallel()

	if _, err := NewBridge(nil, nil, DefaultBridgeConfig(), nil); !errors.Is(err, userstore.ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
}

func TestBridge_WritesRecord(t *testing.T) {
	t.Parallel()

	m := newFakeMirror()
	b, _ := startBridge(t, m, DefaultBridgeConfig())

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b.Record("u1", true, at)
	b.Record(" ", true, at)

	waitFor(t, func() bool { return len(m.snapshot()) == 1 })
	got := m.snapshot()[0]
	if got.userID != "u1" || !got.online || !got.at.Equal(at) {
		t.Fatalf("unexpected write: %+v", got)
	}
}

func TestBridge_CoalescesWhileInFlight(t *testing.T) {
	t.Parallel()

	m := newFakeMirror()
	m.gate = make(chan struct{})
	b, _ := startBridge(t, m, BridgeConfig{Workers: 4, WriteTimeout: 5 * time.Second})

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	b.Record("u1", true, base)
	<-m.entered

	// These arrive while the first write is blocked; only the last survives.
	for i := 1; i <= 5; i++ {
		b.Record("u1", i%2 == 0, base.Add(time.Duration(i)*time.Second))
	}
	if got := b.Pending(); got != 1 {
		t.Fatalf("Pending=%d want=1", got)
	}

	close(m.gate)
	waitFor(t, func() bool { return len(m.snapshot()) == 2 })

	calls := m.snapshot()
	if !calls[0].at.Equal(base) {
		t.Fatalf("first write out of order: %+v", calls[0])
	}
	last := calls[1]
	if last.online || !last.at.Equal(base.Add(5*time.Second)) {
		t.Fatalf("expected the latest record to win, got %+v", last)
	}
	m.mu.Lock()
	overlaps := m.overlaps
	m.mu.Unlock()
	if overlaps != 0 {
		t.Fatalf("concurrent writes for one user: %d", overlaps)
	}
}

func TestBridge_OlderRecordDoesNotReplaceNewer(t *testing.T) {
	t.Parallel()

	m := newFakeMirror()
	b, err := NewBridge(discardLogger(), m, DefaultBridgeConfig(), nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}

	t1 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)
	b.Record("u1", false, t2)
	b.Record("u1", true, t1)
	if got := b.Pending(); got != 1 {
		t.Fatalf("Pending=%d want=1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, func() bool { return len(m.snapshot()) == 1 })
	got := m.snapshot()[0]
	if got.online || !got.at.Equal(t2) {
		t.Fatalf("write=%+v want offline at %v", got, t2)
	}
}

func TestBridge_FailuresAreSwallowed(t *testing.T) {
	t.Parallel()

	m := newFakeMirror()
	m.err = errors.New("db down")
	b, _ := startBridge(t, m, DefaultBridgeConfig())

	b.Record("u1", true, time.Now())
	b.Record("u2", false, time.Now())
	waitFor(t, func() bool { return len(m.snapshot()) == 2 })

	// Bridge keeps working after failures.
	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()
	b.Record("u3", true, time.Now())
	waitFor(t, func() bool { return len(m.snapshot()) == 3 })
}

func TestBridge_AttachIgnoresHeartbeatTransitions(t *testing.T) {
	t.Parallel()

	m := newFakeMirror()
	b, _ := startBridge(t, m, DefaultBridgeConfig())

	bus := presence.NewBus(discardLogger())
	detach := b.Attach(bus)
	defer detach()

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bus.Publish(presence.Event{UserID: "hb", Online: true, Cause: presence.CauseHeartbeat, At: at})
	bus.Publish(presence.Event{UserID: "gone", Online: false, Cause: presence.CauseExpired, At: at})
	bus.Publish(presence.Event{UserID: "kicked", Online: false, Cause: presence.CauseForced, At: at})

	waitFor(t, func() bool { return len(m.snapshot()) == 2 })
	for _, c := range m.snapshot() {
		if c.userID == "hb" {
			t.Fatalf("heartbeat transition was mirrored by the bus listener")
		}
	}
}

func TestBridge_DrainsOnStopAndDropsAfter(t *testing.T) {
	t.Parallel()

	m := newFakeMirror()
	m.gate = make(chan struct{})
	b, stop := startBridge(t, m, BridgeConfig{Workers: 1, WriteTimeout: 5 * time.Second, DrainTimeout: 2 * time.Second})

	b.Record("u1", true, time.Now())
	<-m.entered
	b.Record("u2", true, time.Now())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(m.gate)
	}()
	stop()

	if got := len(m.snapshot()); got != 2 {
		t.Fatalf("expected queued record to be drained, writes=%d", got)
	}

	b.Record("u3", true, time.Now())
	if b.Pending() != 0 {
		t.Fatalf("record accepted after stop")
	}
}

func TestBridge_DrainTimeoutCancelsWrites(t *testing.T) {
	t.Parallel()

	m := newFakeMirror()
	m.gate = make(chan struct{}) // never released
	b, stop := startBridge(t, m, BridgeConfig{Workers: 1, WriteTimeout: time.Minute, DrainTimeout: 20 * time.Millisecond})

	b.Record("u1", true, time.Now())
	<-m.entered
	b.Record("u2", true, time.Now())

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after drain timeout")
	}
	if b.Pending() != 0 {
		t.Fatalf("pending records not dropped")
	}
}
