// Package relay republishes presence transitions on NATS so other processes
// (the CRUD backend, analytics) can observe them without polling.
package relay

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/presence"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "helpdesk.presence"

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON body published for each transition.
type Message struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	Cause    string `json:"cause"`
	At       int64  `json:"at"` // epoch milliseconds
	Seq      uint64 `json:"seq"`
	Node     string `json:"node,omitempty"`
}

// Relay forwards bus events to "<prefix>.<userId>".
type Relay struct {
	log     *slog.Logger
	pub     Publisher
	prefix  string
	node    string
	metrics *metrics.Recorder
}

// New constructs a Relay. node identifies this process in published messages.
func New(log *slog.Logger, pub Publisher, prefix, node string, rec *metrics.Recorder) *Relay {
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Relay{log: log, pub: pub, prefix: prefix, node: node, metrics: rec}
}

// Attach subscribes the relay to bus.
func (r *Relay) Attach(bus *presence.Bus) (detach func()) {
	return bus.Subscribe(r.Forward)
}

// Subject returns the subject a user's transitions are published on.
func (r *Relay) Subject(userID string) string {
	return r.prefix + "." + subjectToken(userID)
}

// Forward publishes one event. Failures are logged and counted.
func (r *Relay) Forward(ev presence.Event) {
	data, err := json.Marshal(Message{
		UserID:   ev.UserID,
		IsOnline: ev.Online,
		Cause:    string(ev.Cause),
		At:       ev.At.UnixMilli(),
		Seq:      ev.Seq,
		Node:     r.node,
	})
	if err != nil {
		r.metrics.RelayPublish(false)
		r.log.Error("relay.encode.fail", "user_id", ev.UserID, "err", err)
		return
	}
	if err := r.pub.Publish(r.Subject(ev.UserID), data); err != nil {
		r.metrics.RelayPublish(false)
		r.log.Warn("relay.publish.fail", "user_id", ev.UserID, "err", err)
		return
	}
	r.metrics.RelayPublish(true)
}

// subjectToken keeps a user id from introducing extra subject tokens or wildcards.
func subjectToken(userID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, userID)
}

// Connect dials NATS with unlimited reconnects and logs connection state changes.
func Connect(log *slog.Logger, url, name string) (*nats.Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("relay.nats.disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("relay.nats.reconnected", "url", nc.ConnectedUrl())
		}),
	)
}
