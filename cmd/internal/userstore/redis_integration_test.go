package userstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Integration tests are enabled when HELPDESK_REDIS_URL is set. Each test uses
// its own key prefix and deletes it on cleanup.

func TestRedisMirror_SetGetMarkStale(t *testing.T) {
	t.Parallel()

	rdb := mustOpenTestRedis(t)
	prefix := "helpdesk_it:" + uuid.NewString() + ":"
	t.Cleanup(func() { mustDeletePrefix(t, rdb, prefix) })

	m, err := NewRedisMirror(rdb, WithKeyPrefix(prefix))
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if _, err := m.GetPresence(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.SetPresence(ctx, "u1", true, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("set u1: %v", err)
	}
	if err := m.SetPresence(ctx, "u2", true, now); err != nil {
		t.Fatalf("set u2: %v", err)
	}

	// Older write ignored.
	if err := m.SetPresence(ctx, "u2", false, now.Add(-time.Second)); err != nil {
		t.Fatalf("set u2 older: %v", err)
	}
	rec, err := m.GetPresence(ctx, "u2")
	if err != nil {
		t.Fatalf("get u2: %v", err)
	}
	if !rec.Online || !rec.LastSeen.Equal(now) {
		t.Fatalf("unexpected u2 record: %+v", rec)
	}

	ids, err := m.MarkStaleOffline(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "u1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	rec, _ = m.GetPresence(ctx, "u1")
	if rec.Online {
		t.Fatalf("u1 still online")
	}

	ids, err = m.MarkStaleOffline(ctx, now.Add(-5*time.Minute))
	if err != nil || len(ids) != 0 {
		t.Fatalf("second pass ids=%v err=%v", ids, err)
	}
}

func mustOpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HELPDESK_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HELPDESK_REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse HELPDESK_REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Redis unreachable (HELPDESK_REDIS_URL set): %v", err)
		}
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func mustDeletePrefix(t *testing.T, rdb *redis.Client, prefix string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		_ = rdb.Del(ctx, iter.Val()).Err()
	}
}
