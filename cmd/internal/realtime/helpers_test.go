package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/presence"
	v1 "helpdesk/contracts/presence/v1"

	"github.com/coder/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

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

type durableCall struct {
	UserID string
	Online bool
}

type fakeDurable struct {
	mu    sync.Mutex
	calls []durableCall
}

func (d *fakeDurable) Record(userID string, online bool, _ time.Time) {
	d.mu.Lock()
	d.calls = append(d.calls, durableCall{UserID: userID, Online: online})
	d.mu.Unlock()
}

func (d *fakeDurable) snapshot() []durableCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]durableCall(nil), d.calls...)
}

type gatewayEnv struct {
	store *presence.Store
	gw    *Gateway
	ts    *httptest.Server
}

func newGatewayEnv(t *testing.T, cfg GatewayConfig, opts ...GatewayOption) *gatewayEnv {
	t.Helper()

	store := presence.NewStore(discardLogger(), presence.Config{TTL: 90 * time.Second, SweepInterval: -1})
	t.Cleanup(store.Shutdown)

	gw, err := NewGateway(discardLogger(), store, auth.NewHeaderAuthenticator(nil), cfg, opts...)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	ts := httptest.NewServer(gw)
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	return &gatewayEnv{store: store, gw: gw, ts: ts}
}

func (e *gatewayEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http")
}

// dialRaw opens a connection without consuming anything.
func (e *gatewayEnv) dialRaw(t *testing.T, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	if userID != "" {
		h.Set(auth.HeaderUserID, userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, e.wsURL(), &websocket.DialOptions{HTTPHeader: h})
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

// dial opens a connection for userID and consumes the initial own-status update,
// which guarantees the session is registered.
func (e *gatewayEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	conn, resp, err := e.dialRaw(t, userID)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}

	msg := mustRead(t, conn)
	if msg.Type != v1.TypePresenceUpdate || msg.PresenceData == nil || msg.PresenceData.UserID != userID {
		t.Fatalf("expected own presence_update for %s, got %+v", userID, msg)
	}
	return conn
}

func readMessage(conn *websocket.Conn) (v1.ServerMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.ServerMessage{}, err
	}
	var msg v1.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return v1.ServerMessage{}, err
	}
	return msg, nil
}

func mustRead(t *testing.T, conn *websocket.Conn) v1.ServerMessage {
	t.Helper()

	msg, err := readMessage(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil returns the first message matching pred and every message skipped before it.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(v1.ServerMessage) bool) (v1.ServerMessage, []v1.ServerMessage) {
	t.Helper()

	var skipped []v1.ServerMessage
	for i := 0; i < 50; i++ {
		msg := mustRead(t, conn)
		if pred(msg) {
			return msg, skipped
		}
		skipped = append(skipped, msg)
	}
	t.Fatalf("no matching message after %d reads", len(skipped))
	return v1.ServerMessage{}, nil
}

func isType(typ string) func(v1.ServerMessage) bool {
	return func(m v1.ServerMessage) bool { return m.Type == typ }
}

func isUpdateFor(userID string, online bool) func(v1.ServerMessage) bool {
	return func(m v1.ServerMessage) bool {
		return m.Type == v1.TypePresenceUpdate &&
			m.PresenceData != nil &&
			m.PresenceData.UserID == userID &&
			m.PresenceData.IsOnline == online
	}
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write %q: %v", raw, err)
	}
}

// expectClose reads until the connection fails and checks the close code.
func expectClose(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()

	for i := 0; i < 50; i++ {
		if _, err := readMessage(conn); err != nil {
			if got := websocket.CloseStatus(err); got != want {
				t.Fatalf("close status: got %d want %d (err=%v)", got, want, err)
			}
			return
		}
	}
	t.Fatalf("connection was not closed")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
