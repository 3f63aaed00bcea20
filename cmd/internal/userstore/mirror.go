package userstore

import (
	"context"
	"time"
)

// Record is the durable view of one user's presence.
type Record struct {
	UserID   string
	Online   bool
	LastSeen time.Time // zero when never seen
}

// Mirror is the durable presence boundary.
//
// SetPresence must ignore writes older than the stored LastSeen so that a
// delayed write cannot overwrite a fresher one. MarkStaleOffline flips every
// online record whose LastSeen is before cutoff and returns the affected ids.
type Mirror interface {
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
	GetPresence(ctx context.Context, userID string) (Record, error)
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
