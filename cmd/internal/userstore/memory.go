package userstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryMirror is a process-local Mirror used when no durable backend is configured.
// It creates records on first write.
type MemoryMirror struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryMirror constructs an empty MemoryMirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{records: make(map[string]Record)}
}

func (m *MemoryMirror) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[userID]
	if ok && lastSeen.Before(cur.LastSeen) {
		return nil
	}
	m.records[userID] = Record{UserID: userID, Online: online, LastSeen: lastSeen.UTC()}
	return nil
}

func (m *MemoryMirror) GetPresence(ctx context.Context, userID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[strings.TrimSpace(userID)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryMirror) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var flipped []string
	for id, rec := range m.records {
		if rec.Online && rec.LastSeen.Before(cutoff) {
			rec.Online = false
			m.records[id] = rec
			flipped = append(flipped, id)
		}
	}
	sort.Strings(flipped)
	return flipped, nil
}

func (m *MemoryMirror) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryMirror) Close() error { return nil }
