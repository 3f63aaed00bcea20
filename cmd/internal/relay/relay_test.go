package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"helpdesk/cmd/internal/presence"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func TestRelay_ForwardsTransitions(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	r := New(slog.New(slog.NewJSONHandler(io.Discard, nil)), pub, "", "node-a", nil)

	bus := presence.NewBus(nil)
	detach := r.Attach(bus)
	defer detach()

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bus.Publish(presence.Event{UserID: "u1", Online: true, Cause: presence.CauseHeartbeat, At: at, Seq: 7})

	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(pub.msgs))
	}
	if pub.msgs[0].subject != "helpdesk.presence.u1" {
		t.Fatalf("subject=%q", pub.msgs[0].subject)
	}

	var m Message
	if err := json.Unmarshal(pub.msgs[0].data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := Message{UserID: "u1", IsOnline: true, Cause: "heartbeat", At: at.UnixMilli(), Seq: 7, Node: "node-a"}
	if m != want {
		t.Fatalf("message=%+v want=%+v", m, want)
	}
}

func TestRelay_SubjectSanitizesUserID(t *testing.T) {
	t.Parallel()

	r := New(nil, &fakePublisher{}, "ops.presence.", "", nil)
	if got := r.Subject("a.b*c>d"); got != "ops.presence.a_b_c_d" {
		t.Fatalf("Subject=%q", got)
	}
}

func TestRelay_PublishErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	r := New(slog.New(slog.NewJSONHandler(io.Discard, nil)), pub, "", "", nil)

	// Must not panic or block.
	r.Forward(presence.Event{UserID: "u1", Online: false, Cause: presence.CauseExpired, At: time.Now()})
}
