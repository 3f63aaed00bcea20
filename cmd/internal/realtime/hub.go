package realtime

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"helpdesk/cmd/internal/presence"
	v1 "helpdesk/contracts/presence/v1"

	"github.com/coder/websocket"
)

// Hub is the connection registry: who is connected, and who watches whom.
//
// Concurrency model:
//   - mu guards every map; fan-out collects recipients under the lock and
//     enqueues after releasing it.
//   - lastSeq drops transitions that arrive out of order for a user, since the
//     presence store publishes outside its own lock. It only holds users that
//     have a session or a watcher.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	clients  map[string]*Client             // session id -> client
	byUser   map[string]map[string]*Client  // user id -> sessions
	subs     map[string]map[string]struct{} // session id -> watched user ids
	watchers map[string]map[string]*Client  // watched user id -> sessions
	lastSeq  map[string]uint64              // user id -> last delivered event seq
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		clients:  make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
		subs:     make(map[string]map[string]struct{}),
		watchers: make(map[string]map[string]*Client),
		lastSeq:  make(map[string]uint64),
	}
}

// Register adds c with an empty subscription set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.SessionID] = c
	set := h.byUser[c.UserID]
	if set == nil {
		set = make(map[string]*Client)
		h.byUser[c.UserID] = set
	}
	set[c.SessionID] = c
	h.subs[c.SessionID] = make(map[string]struct{})
}

// Unregister removes c and its subscriptions. It reports whether c was registered.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.SessionID]; !ok {
		return false
	}
	delete(h.clients, c.SessionID)

	if set := h.byUser[c.UserID]; set != nil {
		delete(set, c.SessionID)
		if len(set) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	for watched := range h.subs[c.SessionID] {
		h.dropWatcherLocked(watched, c.SessionID)
	}
	delete(h.subs, c.SessionID)
	h.pruneSeqLocked(c.UserID)
	return true
}

// Subscribe adds userIDs to c's watch list and returns the ids that were not
// already watched, in input order.
func (h *Hub) Subscribe(c *Client, userIDs []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	mine, ok := h.subs[c.SessionID]
	if !ok {
		return nil
	}

	var added []string
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := mine[id]; dup {
			continue
		}
		mine[id] = struct{}{}
		set := h.watchers[id]
		if set == nil {
			set = make(map[string]*Client)
			h.watchers[id] = set
		}
		set[c.SessionID] = c
		added = append(added, id)
	}
	return added
}

// Unsubscribe removes userIDs from c's watch list.
func (h *Hub) Unsubscribe(c *Client, userIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mine, ok := h.subs[c.SessionID]
	if !ok {
		return
	}
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if _, ok := mine[id]; !ok {
			continue
		}
		delete(mine, id)
		h.dropWatcherLocked(id, c.SessionID)
	}
}

func (h *Hub) dropWatcherLocked(watched, sessionID string) {
	set := h.watchers[watched]
	if set == nil {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(h.watchers, watched)
		h.pruneSeqLocked(watched)
	}
}

func (h *Hub) pruneSeqLocked(userID string) {
	if len(h.byUser[userID]) == 0 && len(h.watchers[userID]) == 0 {
		delete(h.lastSeq, userID)
	}
}

// Subscriptions returns c's watched ids, sorted.
func (h *Hub) Subscriptions(c *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.subs[c.SessionID]))
	for id := range h.subs[c.SessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Deliver fans a transition out to the user's own sessions and every session
// watching the user. A recipient whose queue is full is closed; the loop
// continues. It returns the number of sessions the update was queued for.
func (h *Hub) Deliver(ev presence.Event) int {
	h.mu.Lock()
	if ev.Seq != 0 && ev.Seq <= h.lastSeq[ev.UserID] {
		h.mu.Unlock()
		h.log.Debug("ws.deliver.stale", "user_id", ev.UserID, "seq", ev.Seq)
		return 0
	}

	targets := make(map[string]*Client, len(h.byUser[ev.UserID])+len(h.watchers[ev.UserID]))
	for sid, c := range h.byUser[ev.UserID] {
		targets[sid] = c
	}
	for sid, c := range h.watchers[ev.UserID] {
		targets[sid] = c
	}
	if len(targets) == 0 {
		h.mu.Unlock()
		return 0
	}
	if ev.Seq != 0 {
		h.lastSeq[ev.UserID] = ev.Seq
	}
	h.mu.Unlock()

	msg := v1.NewPresenceUpdate(ev.UserID, ev.Online, ev.At)
	delivered := 0
	for _, c := range targets {
		if c.Enqueue(msg) {
			delivered++
			continue
		}
		h.log.Info("ws.send.drop", "session_id", c.SessionID, "user_id", c.UserID, "about", ev.UserID)
		c.Close(websocket.StatusTryAgainLater, reasonQueueFull)
	}
	return delivered
}

// Push queues a snapshot of userID's state for c alone. seq is the store
// sequence the snapshot was read at; the push is skipped when a newer
// transition for userID was already delivered. It reports whether msg was queued.
func (h *Hub) Push(c *Client, userID string, online bool, at time.Time, seq uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if seq < h.lastSeq[userID] {
		return false
	}
	// Enqueue under mu so a later Deliver for userID cannot overtake this snapshot.
	if !c.Enqueue(v1.NewPresenceUpdate(userID, online, at)) {
		h.log.Info("ws.send.drop", "session_id", c.SessionID, "user_id", c.UserID, "about", userID)
		return false
	}
	return true
}

// Clients returns a snapshot of registered clients.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnections returns how many sessions userID has open.
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}
