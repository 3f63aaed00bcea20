package presenceapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/presence"
	"helpdesk/cmd/internal/realtime"
	"helpdesk/cmd/internal/userstore"
	v1 "helpdesk/contracts/presence/v1"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultMaxBodyBytes      = 16 << 10
	defaultHealthTimeout     = 1 * time.Second
)

// Config controls the HTTP presence endpoints.
type Config struct {
	// HeartbeatInterval is advertised to clients in heartbeat responses.
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64
	TrustProxy        bool
	// HealthTimeout bounds the durable ping in /presence/health.
	HealthTimeout time.Duration
}

// DurableRecorder queues durable presence writes.
type DurableRecorder interface {
	Record(userID string, online bool, at time.Time)
}

// ConnectionCounter reports live realtime connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler wires HTTP presence endpoints to the presence store.
type Handler struct {
	log   *slog.Logger
	cfg   Config
	store *presence.Store
	auth  auth.Authenticator

	mirror  userstore.Mirror
	durable DurableRecorder
	conns   ConnectionCounter
	metrics *metrics.Recorder
	now     func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithMirror enables the durable fallback for status reads and the health probe.
func WithMirror(m userstore.Mirror) HandlerOption {
	return func(h *Handler) { h.mirror = m }
}

// WithDurable mirrors heartbeat verdicts and forced offlines through d.
func WithDurable(d DurableRecorder) HandlerOption {
	return func(h *Handler) { h.durable = d }
}

// WithConnections reports c in /presence/health.
func WithConnections(c ConnectionCounter) HandlerOption {
	return func(h *Handler) { h.conns = c }
}

// WithMetrics records heartbeat metrics.
func WithMetrics(m *metrics.Recorder) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler constructs a presence Handler.
func NewHandler(log *slog.Logger, store *presence.Store, authn auth.Authenticator, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if store == nil || authn == nil {
		return nil, errors.New("presenceapi: store and authenticator are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}

	h := &Handler{
		log:   log,
		cfg:   cfg,
		store: store,
		auth:  authn,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires presence routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /presence/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("GET /presence/status", h.handleStatus)
	mux.HandleFunc("GET /presence/status/{userId}", h.handleStatus)
	mux.HandleFunc("GET /presence/online", h.handleOnline)
	mux.HandleFunc("POST /presence/force-offline/{userId}", h.handleForceOffline)
	mux.HandleFunc("GET /presence/health", h.handleHealth)
	mux.HandleFunc("GET /presence/stats", h.handleStats)
	mux.HandleFunc("DELETE /presence/users/{userId}", h.handleRemoveUser)
}

// ---- handlers ----

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return
	}
	hb, err := v1.DecodeHeartbeat(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}

	res, err := h.store.ProcessHeartbeat(presence.Heartbeat{
		UserID:       ident.UserID,
		SessionID:    hb.SessionID,
		IsActive:     hb.IsActive,
		PageHidden:   hb.PageHidden,
		PageVisible:  hb.PageVisible,
		PageUnload:   hb.PageUnload,
		LastActivity: hb.LastActivity,
		UserAgent:    r.UserAgent(),
		IP:           realtime.ClientIP(r, h.cfg.TrustProxy),
		Extra:        hb.Metadata,
	})
	if err != nil {
		if errors.Is(err, presence.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "presence store is shutting down")
			return
		}
		h.log.Error("presence.heartbeat.fail", "err", err, "user_id", ident.UserID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	h.metrics.Heartbeat("http")

	if h.durable != nil {
		h.durable.Record(ident.UserID, res.IsOnline, res.LastSeen)
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{
		UserID:              ident.UserID,
		IsOnline:            res.IsOnline,
		StatusChanged:       res.StatusChanged,
		WasOnline:           res.WasOnline,
		LastSeen:            v1.EpochMillis(res.LastSeen),
		HeartbeatIntervalMs: h.cfg.HeartbeatInterval.Milliseconds(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	target := strings.TrimSpace(r.PathValue("userId"))
	if target == "" {
		target = ident.UserID
	}
	if target != ident.UserID && !ident.Privileged {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to read this user's presence")
		return
	}

	if e, ok := h.store.GetPresence(target); ok {
		writeJSON(w, http.StatusOK, statusResponse{
			UserID:       target,
			IsOnline:     e.IsOnline,
			LastSeen:     v1.EpochMillis(e.LastHeartbeat),
			LastActivity: v1.EpochMillis(e.LastActivity),
			Source:       sourceMemory,
		})
		return
	}

	none := statusResponse{UserID: target, Source: sourceNone}
	if h.mirror == nil {
		writeJSON(w, http.StatusOK, none)
		return
	}

	rec, err := h.mirror.GetPresence(r.Context(), target)
	switch {
	case errors.Is(err, userstore.ErrNotFound):
		writeJSON(w, http.StatusOK, none)
	case err != nil:
		h.log.Error("presence.status.durable.fail", "err", err, "user_id", target)
		writeError(w, http.StatusServiceUnavailable, "durable_unavailable", "durable presence unavailable")
	default:
		writeJSON(w, http.StatusOK, statusResponse{
			UserID:   target,
			IsOnline: rec.Online,
			LastSeen: v1.EpochMillis(rec.LastSeen),
			Source:   sourceDurable,
		})
	}
}

func (h *Handler) handleOnline(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePrivileged(w, r); !ok {
		return
	}

	entries := h.store.GetOnlineUsers()
	users := make([]onlineUser, 0, len(entries))
	for _, e := range entries {
		users = append(users, onlineUser{
			UserID:       e.UserID,
			SessionID:    e.SessionID,
			LastSeen:     v1.EpochMillis(e.LastHeartbeat),
			LastActivity: v1.EpochMillis(e.LastActivity),
		})
	}
	writeJSON(w, http.StatusOK, onlineResponse{Count: len(users), Users: users})
}

func (h *Handler) handleForceOffline(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.requirePrivileged(w, r)
	if !ok {
		return
	}

	target := strings.TrimSpace(r.PathValue("userId"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "user id is required")
		return
	}

	changed := h.store.ForceOffline(target)
	// A transition reaches the mirror through the bus; otherwise the durable
	// record may still say online (for example after a restart).
	if !changed && h.durable != nil {
		h.durable.Record(target, false, h.now())
	}

	h.log.Info("presence.force_offline", "user_id", target, "by", ident.UserID, "changed", changed)
	writeJSON(w, http.StatusOK, forceOfflineResponse{UserID: target, Changed: changed})
}

func (h *Handler) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.requirePrivileged(w, r)
	if !ok {
		return
	}

	target := strings.TrimSpace(r.PathValue("userId"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "user id is required")
		return
	}

	removed := h.store.RemoveUser(target)
	h.log.Info("presence.user.remove", "user_id", target, "by", ident.UserID, "removed", removed)
	writeJSON(w, http.StatusOK, removeUserResponse{UserID: target, Removed: removed})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requirePrivileged(w, r); !ok {
		return
	}

	st := h.store.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Total:    st.Total,
		Online:   st.Online,
		Stale:    st.Stale,
		MinAgeMs: st.MinAge.Milliseconds(),
		MaxAgeMs: st.MaxAge.Milliseconds(),
		AvgAgeMs: st.AvgAge.Milliseconds(),
	})
}

// handleHealth always answers 200; degraded dependencies are reported in the body.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		StoreSize:   h.store.Len(),
		OnlineCount: len(h.store.GetOnlineUsers()),
		Durable:     durableDisabled,
	}
	if h.conns != nil {
		resp.Connections = h.conns.ConnectionCount()
	}

	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.HealthTimeout)
		defer cancel()

		if err := h.mirror.Ping(ctx); err != nil {
			h.log.Info("presence.health.durable.unreachable", "err", err)
			resp.Durable = durableUnreachable
			resp.Status = "degraded"
		} else {
			resp.Durable = durableOK
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---- auth helpers ----

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	ident, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return auth.Identity{}, false
	}
	return ident, true
}

func (h *Handler) requirePrivileged(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if !ident.Privileged {
		writeError(w, http.StatusForbidden, "forbidden", "privileged role required")
		return auth.Identity{}, false
	}
	return ident, true
}
