package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	v1 "helpdesk/contracts/presence/v1"

	"github.com/coder/websocket"
)

// Client represents one connected websocket session.
//
// Design notes:
//   - Send is never closed by the server; concurrent fan-out could panic otherwise.
//   - done signals the session goroutines to stop. The first Close wins and its
//     status is what the peer receives.
type Client struct {
	SessionID string
	UserID    string
	Send      chan v1.ServerMessage

	openedAt time.Time
	lastPing atomic.Int64 // unix nanos of the last inbound frame or pong

	// ping sends a protocol-level ping and waits for the pong; nil until the session starts.
	ping func(ctx context.Context) error

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID, sessionID string, sendQueueSize int, now time.Time) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = wsDefaultSendQueueSize
	}
	c := &Client{
		SessionID: sessionID,
		UserID:    userID,
		Send:      make(chan v1.ServerMessage, sendQueueSize),
		openedAt:  now,
		done:      make(chan struct{}),
	}
	c.Touch(now)
	return c
}

// Touch records liveness evidence from the peer.
func (c *Client) Touch(now time.Time) {
	c.lastPing.Store(now.UnixNano())
}

// LastPing returns when the peer was last heard from.
func (c *Client) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load()).UTC()
}

// Enqueue offers msg to the writer without blocking. It reports false when the
// client is closing or its queue is full.
func (c *Client) Enqueue(msg v1.ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close asks the session to terminate with the given status (idempotent).
// It does NOT close Send.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// CloseStatus returns the status passed to the winning Close. Only meaningful after Done.
func (c *Client) CloseStatus() (websocket.StatusCode, string) {
	<-c.done
	return c.closeCode, c.closeReason
}
