// Package main provides a CI-friendly WebSocket smoke test for the presence server.
//
// It validates:
//   - handshake + own presence_update on open
//   - subscribe
//   - heartbeat -> ack, and fan-out of the online transition to a watcher
//   - disconnect -> offline transition delivered to the watcher
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"helpdesk/cmd/internal/auth"
	v1 "helpdesk/contracts/presence/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	defaultSubprotocol = "helpdesk.presence.v1"
	maxReadBytes       = 1 << 20 // 1MiB
	closeReason        = "smoke done"
)

type credentials func(userID string, h http.Header)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.ServerMessage
	errCh chan error
}

func main() {
	var (
		wsURL      = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin     = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		mode       = flag.String("auth", auth.ModeHeader, "Identity mode: header | paseto")
		pasetoKey  = flag.String("paseto-secret", os.Getenv("HELPDESK_SMOKE_PASETO_SECRET_HEX"), "v4 secret key (hex) used to sign tokens in paseto mode")
		issuer     = flag.String("issuer", "", "Token issuer in paseto mode")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
		userPrefix = flag.String("user-prefix", "smoke", "Prefix for the generated user ids")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	creds, err := newCredentials(*mode, *pasetoKey, *issuer)
	if err != nil {
		fatalf("credentials: %v", err)
	}

	root := context.Background()
	run := strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())

	agentID := fmt.Sprintf("%s-agent-%s", *userPrefix, run)
	watcherID := fmt.Sprintf("%s-watcher-%s", *userPrefix, run)

	agent := mustConnect(root, "agent", agentID, *wsURL, *origin, creds, *timeout)
	watcher := mustConnect(root, "watcher", watcherID, *wsURL, *origin, creds, *timeout)
	defer closeWS(watcher.conn, closeReason)

	if *verbose {
		fmt.Printf("connected: agent=%s watcher=%s origin=%q\n", agentID, watcherID, *origin)
	}

	mustWrite(root, watcher.conn, map[string]any{"type": v1.TypeSubscribe, "subscribeToUsers": []string{agentID}}, *timeout)
	mustWrite(root, watcher.conn, map[string]any{"type": v1.TypePing}, *timeout)
	watcher.mustReadUntil(root, "pong after subscribe", *timeout, func(m v1.ServerMessage) bool { return m.Type == v1.TypePong })

	mustWrite(root, agent.conn, map[string]any{"type": v1.TypeHeartbeat, "isActive": true}, *timeout)
	ack := agent.mustReadUntil(root, "heartbeat ack", *timeout, func(m v1.ServerMessage) bool { return m.Type == v1.TypeHeartbeat })
	if ack.PresenceData == nil || !ack.PresenceData.IsOnline {
		fatalf("heartbeat ack not online: %+v", ack)
	}

	online := watcher.mustReadUntil(root, "agent online", *timeout, updateFor(agentID, true))
	if *verbose {
		fmt.Printf("watcher saw agent online lastSeen=%d\n", online.PresenceData.LastSeen)
	}

	closeWS(agent.conn, closeReason)
	watcher.mustReadUntil(root, "agent offline", *timeout, updateFor(agentID, false))

	fmt.Printf("OK: agent=%s watcher=%s\n", agentID, watcherID)
}

func newCredentials(mode, secretHex, issuer string) (credentials, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", auth.ModeHeader:
		return func(userID string, h http.Header) {
			h.Set(auth.HeaderUserID, userID)
		}, nil
	case auth.ModePaseto:
		iss, err := auth.NewPasetoIssuer(secretHex, issuer, 5*time.Minute)
		if err != nil {
			return nil, err
		}
		return func(userID string, h http.Header) {
			h.Set("Authorization", "Bearer "+iss.Issue(userID, "", time.Now().UTC()))
		}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

func updateFor(userID string, online bool) func(v1.ServerMessage) bool {
	return func(m v1.ServerMessage) bool {
		return m.Type == v1.TypePresenceUpdate &&
			m.PresenceData != nil &&
			m.PresenceData.UserID == userID &&
			m.PresenceData.IsOnline == online
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, creds credentials, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	creds(userID, h)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.ServerMessage, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	c.mustReadUntil(parent, "own status", stepTimeout, updateFor(userID, false))
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var msg v1.ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}

			select {
			case c.inbox <- msg:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustReadUntil(parent context.Context, what string, stepTimeout time.Duration, match func(v1.ServerMessage) bool) v1.ServerMessage {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s): %v", what, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %s (%s): close=%d %v", what, c.name, websocket.CloseStatus(err), err)
		case msg, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", what, c.name)
			}
			if msg.Type == v1.TypeError && msg.Error != nil {
				fatalf("server error (%s): code=%q msg=%q", c.name, msg.Error.Code, msg.Error.Message)
			}
			if match(msg) {
				return msg
			}
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal message: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn, reason string) {
	_ = conn.Close(websocket.StatusNormalClosure, reason)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
