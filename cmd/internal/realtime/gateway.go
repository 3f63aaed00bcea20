package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/presence"
	v1 "helpdesk/contracts/presence/v1"

	"github.com/coder/websocket"
)

const (
	// wsSubprotocolV1 is offered but not required; browser clients commonly omit it.
	wsSubprotocolV1 = "helpdesk.presence.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
)

var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// Close reasons sent to peers. Each maps to a metrics label in closeLabel.
const (
	reasonAuthRequired = "authentication required"
	reasonMalformed    = "malformed message"
	reasonRateLimited  = "rate limited"
	reasonTimeout      = "connection timeout"
	reasonShutdown     = "server shutdown"
	reasonQueueFull    = "send queue full"
	reasonPeerClosed   = "peer closed"
	reasonWriteFailed  = "write failed"
	reasonReadFailed   = "read failed"
	reasonBye          = "bye"
)

// ErrGatewayConfig is returned when required gateway dependencies are missing.
var ErrGatewayConfig = errors.New("realtime: store and authenticator are required")

// GatewayConfig holds transport knobs. Zero values select defaults.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification (dev only).
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	SendQueueSize int
	WriteTimeout  time.Duration

	// PingInterval is the health-check period; connections silent for longer
	// than ConnTimeout are terminated on the next check.
	PingInterval time.Duration
	ConnTimeout  time.Duration
	PingTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired: wsDefaultOriginRequired,
		AllowedOrigins: append([]string(nil), wsDefaultAllowedOrigins...),
		SendQueueSize:  wsDefaultSendQueueSize,
		WriteTimeout:   wsDefaultWriteTimeout,
		PingInterval:   pingInterval,
		ConnTimeout:    connTimeout,
		PingTimeout:    pingTimeout,
		RateEvents:     rateLimitEvents,
		RateWindow:     rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = def.ConnTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// DurableRecorder receives every heartbeat verdict for the durable mirror.
type DurableRecorder interface {
	Record(userID string, online bool, at time.Time)
}

// GatewayOption configures optional Gateway dependencies.
type GatewayOption func(*Gateway)

// WithDurable mirrors heartbeat verdicts through d.
func WithDurable(d DurableRecorder) GatewayOption {
	return func(g *Gateway) { g.durable = d }
}

// WithMetrics records connection and heartbeat metrics.
func WithMetrics(m *metrics.Recorder) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithGatewayClock overrides the wall clock used for liveness bookkeeping (tests).
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway is the WebSocket entrypoint for presence.
//
// It authenticates the handshake, registers each connection in the Hub, relays
// inbound heartbeats to the presence store, and fans store transitions out to
// interested connections through a single bus subscription.
type Gateway struct {
	log     *slog.Logger
	store   *presence.Store
	auth    auth.Authenticator
	hub     *Hub
	durable DurableRecorder
	metrics *metrics.Recorder
	now     func() time.Time

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	unsubscribe func()

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup

	stop         chan struct{}
	loopDone     chan struct{}
	shutdownOnce sync.Once
}

// NewGateway constructs a Gateway, subscribes it to the store's transitions and
// starts its health loop. Release it with Shutdown.
func NewGateway(log *slog.Logger, store *presence.Store, authn auth.Authenticator, cfg GatewayConfig, opts ...GatewayOption) (*Gateway, error) {
	if store == nil || authn == nil {
		return nil, ErrGatewayConfig
	}
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		log:      log,
		store:    store,
		auth:     authn,
		hub:      NewHub(log),
		now:      func() time.Time { return time.Now().UTC() },
		cfg:      cfg.withDefaults(),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)

	g.unsubscribe = store.Subscribe(func(ev presence.Event) {
		g.hub.Deliver(ev)
	})

	go g.healthLoop()
	return g, nil
}

// Hub exposes the connection registry.
func (g *Gateway) Hub() *Hub { return g.hub }

// ConnectionCount returns the number of registered connections.
func (g *Gateway) ConnectionCount() int { return g.hub.Len() }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a presence session and runs it until close.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.isClosed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ident, authErr := g.auth.Authenticate(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}

	// Identity is checked after the upgrade so the client sees an explicit
	// close code rather than an opaque handshake failure.
	if authErr != nil {
		g.log.Info("ws.reject.auth", "err", authErr, "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusPolicyViolation, reasonAuthRequired)
		return
	}

	now := g.now()
	sessionID, err := NewSessionID(now)
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(ident.UserID, sessionID, g.cfg.SendQueueSize, now)
	client.ping = conn.Ping

	if !g.admit(client) {
		_ = conn.Close(websocket.StatusGoingAway, reasonShutdown)
		return
	}
	defer g.sessions.Done()

	g.runSession(r, conn, client)
}

// admit registers client unless the gateway is shutting down.
func (g *Gateway) admit(c *Client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	g.sessions.Add(1)
	g.hub.Register(c)
	return true
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gateway) runSession(r *http.Request, conn *websocket.Conn, client *Client) {
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID := client.UserID
	sessionID := client.SessionID
	openedAt := client.openedAt
	userAgent := r.UserAgent()
	remoteIP := ClientIP(r, g.cfg.TrustProxy)

	g.metrics.ConnOpened()
	g.log.Info("ws.open", "session_id", sessionID, "user_id", userID, "remote", remoteIP)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The user is forced offline before the close handshake, which may take
	// seconds against a dead peer.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close(code, reason)
			code, reason = client.CloseStatus()

			g.hub.Unregister(client)
			g.store.ForceOffline(userID)

			g.metrics.ConnClosed(closeLabel(reason))
			g.log.Info("ws.close",
				"session_id", sessionID,
				"user_id", userID,
				"code", int(code),
				"reason", reason,
				"duration_ms", g.now().Sub(openedAt).Milliseconds(),
			)

			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// Closes requested from elsewhere (reaper, backpressure, server shutdown).
	go func() {
		select {
		case <-ctx.Done():
		case <-client.Done():
			code, reason := client.CloseStatus()
			shutdown(code, reason)
		}
	}()

	// Own status first, so the client can render itself without a round trip.
	own := v1.NewPresenceUpdate(userID, false, time.Time{})
	if e, ok := g.store.GetPresence(userID); ok {
		own = v1.NewPresenceUpdate(userID, e.IsOnline, e.LastHeartbeat)
	}
	client.Enqueue(own)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case msg := <-client.Send:
				if err := writeMessage(ctx, conn, msg, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusGoingAway, reasonWriteFailed)
					return
				}
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, reasonPeerClosed)
			case readErrCtxDone, readErrConnClosed:
				shutdown(websocket.StatusGoingAway, reasonPeerClosed)
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusInternalError, reasonReadFailed)
			}
			break readLoop
		}

		now := g.now()
		client.Touch(now)

		if !rl.Allow(now) {
			g.log.Info("ws.rate_limited", "session_id", sessionID, "user_id", userID)
			shutdown(websocket.StatusPolicyViolation, reasonRateLimited)
			break readLoop
		}

		msg, err := v1.ParseClientMessage(data)
		if err != nil {
			if v1.IsUnknownType(err) {
				g.log.Info("ws.message.unknown", "session_id", sessionID, "err", err)
				continue readLoop
			}
			g.log.Info("ws.message.malformed", "session_id", sessionID, "err", err)
			shutdown(websocket.StatusInvalidFramePayloadData, reasonMalformed)
			break readLoop
		}

		g.handle(client, msg, now, userAgent, remoteIP)
	}

	shutdown(websocket.StatusNormalClosure, reasonBye)
	<-writerDone
}

func (g *Gateway) handle(client *Client, msg v1.ClientMessage, now time.Time, userAgent, remoteIP string) {
	switch m := msg.(type) {
	case v1.Heartbeat:
		g.onHeartbeat(client, m, userAgent, remoteIP)

	case v1.Subscribe:
		g.onSubscribe(client, m.SubscribeToUsers)

	case v1.Unsubscribe:
		g.hub.Unsubscribe(client, m.UnsubscribeFromUsers)

	case v1.Ping:
		g.send(client, v1.NewPong(now))
	}
}

func (g *Gateway) onHeartbeat(client *Client, m v1.Heartbeat, userAgent, remoteIP string) {
	sessionID := strings.TrimSpace(m.SessionID)
	if sessionID == "" {
		sessionID = client.SessionID
	}

	res, err := g.store.ProcessHeartbeat(presence.Heartbeat{
		UserID:       client.UserID,
		SessionID:    sessionID,
		IsActive:     m.IsActive,
		PageHidden:   m.PageHidden,
		PageVisible:  m.PageVisible,
		PageUnload:   m.PageUnload,
		LastActivity: m.LastActivity,
		UserAgent:    userAgent,
		IP:           remoteIP,
		Extra:        m.Metadata,
	})
	if err != nil {
		g.send(client, v1.NewError("heartbeat_failed", err.Error()))
		return
	}
	g.metrics.Heartbeat("ws")

	if g.durable != nil {
		g.durable.Record(client.UserID, res.IsOnline, res.LastSeen)
	}
	g.send(client, v1.NewHeartbeatAck(client.UserID, res.IsOnline, res.LastSeen))
}

func (g *Gateway) onSubscribe(client *Client, ids []string) {
	if len(ids) > maxSubscribeIDs {
		g.send(client, v1.NewError("subscribe_limit", "too many user ids"))
		return
	}
	for _, id := range g.hub.Subscribe(client, ids) {
		e, ok := g.store.GetPresence(id)
		if !ok || !e.IsOnline {
			continue
		}
		g.hub.Push(client, id, true, e.LastHeartbeat, e.Seq)
	}
}

func (g *Gateway) send(client *Client, msg v1.ServerMessage) {
	if !client.Enqueue(msg) {
		g.log.Info("ws.send.drop", "session_id", client.SessionID, "type", msg.Type)
	}
}

// ---- health ----

func (g *Gateway) healthLoop() {
	defer close(g.loopDone)

	t := time.NewTicker(g.cfg.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-t.C:
			g.CheckConnections()
		}
	}
}

// CheckConnections terminates connections silent for longer than ConnTimeout
// and pings the rest. It returns the number of connections terminated.
func (g *Gateway) CheckConnections() int {
	now := g.now()
	reaped := 0

	for _, c := range g.hub.Clients() {
		silent := now.Sub(c.LastPing())
		if silent > g.cfg.ConnTimeout {
			g.log.Info("ws.reap", "session_id", c.SessionID, "user_id", c.UserID, "silent_ms", silent.Milliseconds())
			c.Close(websocket.StatusGoingAway, reasonTimeout)
			reaped++
			continue
		}

		c.Enqueue(v1.NewPing(now))
		if ping := c.ping; ping != nil {
			go func(c *Client) {
				ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PingTimeout)
				defer cancel()
				if err := ping(ctx); err == nil {
					c.Touch(g.now())
				}
			}(c)
		}
	}
	return reaped
}

// Shutdown rejects new handshakes, closes every connection with 1001 "server
// shutdown", stops the health loop and drops the bus subscription. It waits for
// sessions to finish until ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()

		close(g.stop)
		<-g.loopDone

		for _, c := range g.hub.Clients() {
			c.Close(websocket.StatusGoingAway, reasonShutdown)
		}
		g.unsubscribe()
	})

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeLabel(reason string) string {
	switch reason {
	case reasonPeerClosed, reasonBye:
		return "client"
	case reasonTimeout:
		return "reaped"
	case reasonShutdown:
		return "shutdown"
	case reasonQueueFull:
		return "backpressure"
	case reasonMalformed:
		return "protocol"
	case reasonRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}
