// Package v1 defines the presence wire protocol v1.
//
// It has no dependencies outside the standard library and is shared with the
// smoke client.
// Every client message is parsed into a closed set of variants before it reaches
// business logic; server messages are plain JSON objects keyed by "type".
package v1

import (
	"time"
)

// Type constants (wire-stable).
const (
	// TypeHeartbeat is a liveness report (client -> server) and its ack (server -> client).
	TypeHeartbeat = "heartbeat"

	// TypeSubscribe adds users to the connection's watch list (client -> server).
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe removes users from the connection's watch list (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypePing is a keepalive in both directions.
	TypePing = "ping"
	// TypePong answers a client ping (server -> client).
	TypePong = "pong"

	// TypePresenceUpdate carries one user's online state (server -> client).
	TypePresenceUpdate = "presence_update"

	// TypeError is a generic error message (server -> client).
	TypeError = "error"
)

// ---- client -> server ----

// ClientMessage is the closed set of messages a client may send.
// Implementations: Heartbeat, Subscribe, Unsubscribe, Ping.
type ClientMessage interface {
	MessageType() string
	isClientMessage()
}

// Heartbeat reports that a client tab is alive and how visible/active it is.
// Optional flags that are missing or malformed decode to their zero value.
type Heartbeat struct {
	SessionID   string
	IsActive    *bool
	PageHidden  bool
	PageVisible bool
	PageUnload  bool

	// LastActivity is zero when the client did not report it.
	LastActivity time.Time

	Metadata map[string]string
}

// Subscribe asks for presence updates about the listed users.
type Subscribe struct {
	SubscribeToUsers []string `json:"subscribeToUsers"`
}

// Unsubscribe stops presence updates about the listed users.
type Unsubscribe struct {
	UnsubscribeFromUsers []string `json:"unsubscribeFromUsers"`
}

// Ping is a client keepalive.
type Ping struct{}

func (Heartbeat) MessageType() string   { return TypeHeartbeat }
func (Subscribe) MessageType() string   { return TypeSubscribe }
func (Unsubscribe) MessageType() string { return TypeUnsubscribe }
func (Ping) MessageType() string        { return TypePing }

func (Heartbeat) isClientMessage()   {}
func (Subscribe) isClientMessage()   {}
func (Unsubscribe) isClientMessage() {}
func (Ping) isClientMessage()        {}

// ---- server -> client ----

// PresenceData is the presence snapshot of a single user.
type PresenceData struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	// LastSeen is epoch milliseconds (0 when unknown).
	LastSeen int64 `json:"lastSeen"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerMessage is any message sent by the server.
type ServerMessage struct {
	Type         string        `json:"type"`
	PresenceData *PresenceData `json:"presenceData,omitempty"`
	Error        *ErrorPayload `json:"error,omitempty"`
	Timestamp    int64         `json:"timestamp,omitempty"`
}

// NewPresenceUpdate builds a presence_update message.
func NewPresenceUpdate(userID string, online bool, lastSeen time.Time) ServerMessage {
	return ServerMessage{
		Type:         TypePresenceUpdate,
		PresenceData: &PresenceData{UserID: userID, IsOnline: online, LastSeen: EpochMillis(lastSeen)},
	}
}

// NewHeartbeatAck builds the acknowledgment sent back to the heartbeat's sender.
func NewHeartbeatAck(userID string, online bool, lastSeen time.Time) ServerMessage {
	return ServerMessage{
		Type:         TypeHeartbeat,
		PresenceData: &PresenceData{UserID: userID, IsOnline: online, LastSeen: EpochMillis(lastSeen)},
	}
}

// NewPing builds a server keepalive.
func NewPing(now time.Time) ServerMessage {
	return ServerMessage{Type: TypePing, Timestamp: EpochMillis(now)}
}

// NewPong builds the answer to a client ping.
func NewPong(now time.Time) ServerMessage {
	return ServerMessage{Type: TypePong, Timestamp: EpochMillis(now)}
}

// NewError builds an error message.
func NewError(code, msg string) ServerMessage {
	return ServerMessage{Type: TypeError, Error: &ErrorPayload{Code: code, Message: msg}}
}

// EpochMillis converts t to Unix milliseconds; the zero time maps to 0.
func EpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromEpochMillis converts Unix milliseconds to UTC time; ms <= 0 maps to the zero time.
func FromEpochMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
