package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"helpdesk/cmd/internal/userstore"
)

type liveSet map[string]bool

func (l liveSet) IsOnline(userID string) bool { return l[userID] }

func TestStaleSweeper_FlipsAndReasserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mirror := userstore.NewMemoryMirror()
	_ = mirror.SetPresence(ctx, "crashed", true, now.Add(-10*time.Minute))
	_ = mirror.SetPresence(ctx, "still-here", true, now.Add(-6*time.Minute))
	_ = mirror.SetPresence(ctx, "fresh", true, now.Add(-time.Minute))

	bridge, _ := startBridge(t, mirror, DefaultBridgeConfig())

	s, err := NewStaleSweeper(discardLogger(), mirror, liveSet{"still-here": true}, bridge, StaleConfig{}, nil)
	if err != nil {
		t.Fatalf("NewStaleSweeper: %v", err)
	}
	s.now = func() time.Time { return now }

	ids, err := s.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if len(ids) != 2 || ids[0] != "crashed" || ids[1] != "still-here" {
		t.Fatalf("unexpected flipped ids: %v", ids)
	}

	rec, _ := mirror.GetPresence(ctx, "crashed")
	if rec.Online {
		t.Fatalf("crashed user still online")
	}

	// The live user is written back online through the bridge.
	waitFor(t, func() bool {
		rec, _ := mirror.GetPresence(ctx, "still-here")
		return rec.Online && rec.LastSeen.Equal(now)
	})

	rec, _ = mirror.GetPresence(ctx, "fresh")
	if !rec.Online {
		t.Fatalf("fresh user flipped")
	}
}

func TestStaleSweeper_Defaults(t *testing.T) {
	t.Parallel()

	if _, err := NewStaleSweeper(nil, nil, nil, nil, StaleConfig{}, nil); !errors.Is(err, userstore.ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
	s, err := NewStaleSweeper(nil, userstore.NewMemoryMirror(), nil, nil, StaleConfig{}, nil)
	if err != nil {
		t.Fatalf("NewStaleSweeper: %v", err)
	}
	if s.cfg != DefaultStaleConfig() {
		t.Fatalf("defaults not applied: %+v", s.cfg)
	}
}

func TestStaleSweeper_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := NewStaleSweeper(discardLogger(), userstore.NewMemoryMirror(), nil, nil, StaleConfig{Interval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewStaleSweeper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
