package presence

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is the maximum heartbeat age of an online user.
	DefaultTTL = 90 * time.Second
	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = 30 * time.Second
)

// Config controls expiry timing.
type Config struct {
	TTL time.Duration

	// SweepInterval <= 0 selects the default; a negative value disables the
	// background sweeper (Sweep can still be called directly).
	SweepInterval time.Duration
}

// DefaultConfig returns the production timing: 90s TTL, 30s sweep.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, SweepInterval: DefaultSweepInterval}
}

// Option configures optional Store dependencies.
type Option func(*Store)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBus publishes transitions on an existing bus instead of a private one.
func WithBus(b *Bus) Option {
	return func(s *Store) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithSweepObserver is called after every background or manual sweep.
func WithSweepObserver(fn func(SweepResult)) Option {
	return func(s *Store) {
		s.onSweep = fn
	}
}

// Store is the authoritative in-memory presence table.
//
// Concurrency model:
//   - mu guards entries, seq and closed; every read-modify-write happens under it.
//   - Events are collected under mu and published after it is released, so a
//     listener may call back into the store.
type Store struct {
	log *slog.Logger
	cfg Config
	now func() time.Time
	bus *Bus

	onSweep func(SweepResult)

	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64
	closed  bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore constructs a Store and starts its sweeper.
func NewStore(log *slog.Logger, cfg Config, opts ...Option) *Store {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	s := &Store{
		log:     log,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*Entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	if s.bus == nil {
		s.bus = NewBus(log)
	}

	if cfg.SweepInterval > 0 {
		go s.runSweeper(cfg.SweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration { return s.cfg.TTL }

// Bus returns the bus transitions are published on.
func (s *Store) Bus() *Bus { return s.bus }

// Subscribe registers a transition listener; see Bus.Subscribe.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// ProcessHeartbeat records a heartbeat and reports whether the user's state flipped.
func (s *Store) ProcessHeartbeat(hb Heartbeat) (HeartbeatResult, error) {
	userID := strings.TrimSpace(hb.UserID)
	if userID == "" {
		return HeartbeatResult{}, ErrMissingUserID
	}

	online := decideOnline(hb)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return HeartbeatResult{}, ErrClosed
	}

	now := s.now()
	var events []Event

	wasOnline := false
	if prev := s.entries[userID]; prev != nil {
		if s.expiredLocked(prev, now) {
			// The entry is logically gone; observers must see the offline edge
			// before any new online edge.
			delete(s.entries, userID)
			if prev.IsOnline {
				events = append(events, s.eventLocked(userID, false, CauseExpired, now))
			}
		} else {
			wasOnline = prev.IsOnline
		}
	}

	lastActivity := hb.LastActivity
	if lastActivity.IsZero() {
		lastActivity = now
	}

	s.entries[userID] = &Entry{
		UserID:        userID,
		IsOnline:      online,
		LastHeartbeat: now,
		LastActivity:  lastActivity,
		SessionID:     hb.SessionID,
		Metadata: Metadata{
			UserAgent:   hb.UserAgent,
			IP:          hb.IP,
			PageHidden:  hb.PageHidden,
			PageVisible: hb.PageVisible,
			PageUnload:  hb.PageUnload,
			Extra:       hb.Extra,
		},
	}

	changed := wasOnline != online
	if changed {
		events = append(events, s.eventLocked(userID, online, CauseHeartbeat, now))
	}
	s.mu.Unlock()

	s.publish(events)

	return HeartbeatResult{
		StatusChanged: changed,
		WasOnline:     wasOnline,
		IsOnline:      online,
		LastSeen:      now,
	}, nil
}

// GetPresence returns the user's entry, or false when absent or expired.
// An expired entry is removed and, if it was online, an offline event is published.
func (s *Store) GetPresence(userID string) (Entry, bool) {
	userID = strings.TrimSpace(userID)

	s.mu.Lock()
	e := s.entries[userID]
	if e == nil {
		s.mu.Unlock()
		return Entry{}, false
	}

	now := s.now()
	if s.expiredLocked(e, now) {
		delete(s.entries, userID)
		var events []Event
		if e.IsOnline {
			events = append(events, s.eventLocked(userID, false, CauseExpired, now))
		}
		s.mu.Unlock()
		s.publish(events)
		return Entry{}, false
	}

	out := e.clone()
	out.Seq = s.seq
	s.mu.Unlock()
	return out, true
}

// IsOnline reports the user's current verdict (with lazy expiry).
func (s *Store) IsOnline(userID string) bool {
	e, ok := s.GetPresence(userID)
	return ok && e.IsOnline
}

// GetOnlineUsers returns all online entries sorted by user id, lazily expiring stale ones.
func (s *Store) GetOnlineUsers() []Entry {
	s.mu.Lock()
	now := s.now()

	var (
		events []Event
		out    = make([]Entry, 0, len(s.entries))
	)
	for id, e := range s.entries {
		if s.expiredLocked(e, now) {
			delete(s.entries, id)
			if e.IsOnline {
				events = append(events, s.eventLocked(id, false, CauseExpired, now))
			}
			continue
		}
		if e.IsOnline {
			c := e.clone()
			c.Seq = s.seq
			out = append(out, c)
		}
	}
	s.mu.Unlock()

	s.publish(events)

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stats returns counts and heartbeat ages without mutating the table.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := Stats{Total: len(s.entries)}
	if st.Total == 0 {
		return st
	}

	var sum time.Duration
	first := true
	for _, e := range s.entries {
		age := e.Age(now)
		sum += age
		if first || age < st.MinAge {
			st.MinAge = age
		}
		if first || age > st.MaxAge {
			st.MaxAge = age
		}
		first = false

		if s.expiredLocked(e, now) {
			st.Stale++
			continue
		}
		if e.IsOnline {
			st.Online++
		}
	}
	st.AvgAge = sum / time.Duration(st.Total)
	return st
}

// Len returns the number of entries, including stale ones not yet removed.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ForceOffline marks an existing entry offline (logout, kick, closed connection).
// It reports whether an offline transition was published.
func (s *Store) ForceOffline(userID string) bool {
	userID = strings.TrimSpace(userID)

	s.mu.Lock()
	e := s.entries[userID]
	if e == nil || !e.IsOnline {
		s.mu.Unlock()
		return false
	}
	e.IsOnline = false
	ev := s.eventLocked(userID, false, CauseForced, s.now())
	s.mu.Unlock()

	s.bus.Publish(ev)
	return true
}

// RemoveUser deletes the user's entry (account deletion). If the entry was
// online an offline transition is published. It reports whether an entry existed.
func (s *Store) RemoveUser(userID string) bool {
	userID = strings.TrimSpace(userID)

	s.mu.Lock()
	e := s.entries[userID]
	if e == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, userID)

	var events []Event
	if e.IsOnline {
		events = append(events, s.eventLocked(userID, false, CauseRemoved, s.now()))
	}
	s.mu.Unlock()

	s.publish(events)
	return true
}

// Sweep evicts every entry past TTL and publishes offline events for those that were online.
func (s *Store) Sweep() SweepResult {
	s.mu.Lock()
	now := s.now()

	res := SweepResult{Scanned: len(s.entries)}
	var events []Event
	for id, e := range s.entries {
		if !s.expiredLocked(e, now) {
			continue
		}
		delete(s.entries, id)
		res.Evicted++
		if e.IsOnline {
			events = append(events, s.eventLocked(id, false, CauseExpired, now))
			res.Notified++
		}
	}
	s.mu.Unlock()

	s.publish(events)

	if s.onSweep != nil {
		s.onSweep(res)
	}
	return res
}

// Shutdown stops the sweeper and clears the table. In-memory state is not
// persisted; the durable mirror is the backstop. Idempotent.
func (s *Store) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done

		s.mu.Lock()
		n := len(s.entries)
		s.entries = make(map[string]*Entry)
		s.closed = true
		s.mu.Unlock()

		s.log.Info("presence.store.shutdown", "cleared_entries", n)
	})
}

func (s *Store) expiredLocked(e *Entry, now time.Time) bool {
	return now.Sub(e.LastHeartbeat) >= s.cfg.TTL
}

func (s *Store) eventLocked(userID string, online bool, cause Cause, now time.Time) Event {
	s.seq++
	return Event{UserID: userID, Online: online, Cause: cause, At: now, Seq: s.seq}
}

func (s *Store) publish(events []Event) {
	for _, ev := range events {
		s.bus.Publish(ev)
	}
}
