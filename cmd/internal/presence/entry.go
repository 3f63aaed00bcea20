package presence

import (
	"maps"
	"time"
)

// Entry is the latest known liveness state of one user.
type Entry struct {
	UserID   string
	IsOnline bool

	// LastHeartbeat drives TTL expiry.
	LastHeartbeat time.Time
	// LastActivity may lag LastHeartbeat when an idle tab keeps heartbeating.
	LastActivity time.Time

	// SessionID is the connection/tab that produced the latest heartbeat (diagnostics only).
	SessionID string

	Metadata Metadata

	// Seq is the store sequence when the entry was read. Events with a higher
	// Seq for this user happened after the read.
	Seq uint64
}

// Metadata is advisory diagnostic data; it never affects online decisions.
type Metadata struct {
	UserAgent   string
	IP          string
	PageHidden  bool
	PageVisible bool
	PageUnload  bool
	Extra       map[string]string
}

// Age returns how long ago the last heartbeat was accepted.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastHeartbeat)
}

func (e Entry) clone() Entry {
	e.Metadata.Extra = maps.Clone(e.Metadata.Extra)
	return e
}

// Heartbeat is one liveness report for a user.
type Heartbeat struct {
	UserID    string
	SessionID string

	// IsActive defaults to true when nil.
	IsActive    *bool
	PageHidden  bool
	PageVisible bool
	PageUnload  bool

	// LastActivity defaults to the processing time when zero.
	LastActivity time.Time

	UserAgent string
	IP        string
	Extra     map[string]string
}

// HeartbeatResult reports the decision taken for a heartbeat.
type HeartbeatResult struct {
	StatusChanged bool
	WasOnline     bool
	IsOnline      bool
	LastSeen      time.Time
}

// Stats is a diagnostic snapshot of the table.
type Stats struct {
	Total  int
	Online int
	// Stale counts entries past TTL that no read or sweep has removed yet.
	Stale  int
	MinAge time.Duration
	MaxAge time.Duration
	AvgAge time.Duration
}

// SweepResult summarizes one eager expiry pass.
type SweepResult struct {
	Scanned  int
	Evicted  int
	Notified int
}
