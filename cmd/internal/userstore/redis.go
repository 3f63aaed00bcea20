package userstore

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const backendRedis = "redis"

// setPresenceScript applies a write unless the stored last_seen is newer.
// KEYS[1]=user hash, KEYS[2]=online zset; ARGV = online flag, last_seen ms, user id.
var setPresenceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'last_seen')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'online', ARGV[1], 'last_seen', ARGV[2])
if ARGV[1] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
else
  redis.call('ZREM', KEYS[2], ARGV[3])
end
return 1
`)

// markStaleScript flips every online member scored before the cutoff.
// KEYS[1]=online zset; ARGV = cutoff ms (exclusive), user hash key prefix.
var markStaleScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HSET', ARGV[2] .. id, 'online', '0')
end
return ids
`)

// RedisMirror keeps one hash per user ({online, last_seen}) and a sorted set of
// online users scored by last_seen in epoch milliseconds.
//
// It needs a single Redis node: markStaleScript writes user hashes it cannot
// declare in KEYS, which Redis Cluster rejects.
type RedisMirror struct {
	rdb    *redis.Client
	prefix string
}

// RedisOption configures RedisMirror.
type RedisOption func(*RedisMirror)

// WithKeyPrefix namespaces every key (default: "helpdesk:presence:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(m *RedisMirror) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			m.prefix = prefix
		}
	}
}

// NewRedisMirror constructs a RedisMirror. The client stays owned by the caller.
func NewRedisMirror(rdb *redis.Client, opts ...RedisOption) (*RedisMirror, error) {
	if rdb == nil {
		return nil, ErrInvalidInput
	}
	m := &RedisMirror{rdb: rdb, prefix: "helpdesk:presence:"}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func (m *RedisMirror) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}

	flag := "0"
	if online {
		flag = "1"
	}
	err := setPresenceScript.Run(ctx, m.rdb,
		[]string{m.userKey(userID), m.onlineKey()},
		flag, lastSeen.UnixMilli(), userID,
	).Err()
	return opErr(backendRedis, "set_presence", err)
}

func (m *RedisMirror) GetPresence(ctx context.Context, userID string) (Record, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Record{}, ErrInvalidInput
	}

	vals, err := m.rdb.HGetAll(ctx, m.userKey(userID)).Result()
	if err != nil {
		return Record{}, opErr(backendRedis, "get_presence", err)
	}
	if len(vals) == 0 {
		return Record{}, ErrNotFound
	}

	rec := Record{UserID: userID, Online: vals["online"] == "1"}
	if raw := vals["last_seen"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, opErr(backendRedis, "get_presence", err)
		}
		rec.LastSeen = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

func (m *RedisMirror) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := markStaleScript.Run(ctx, m.rdb,
		[]string{m.onlineKey()},
		cutoff.UnixMilli(), m.prefix+"user:",
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, opErr(backendRedis, "mark_stale_offline", err)
	}
	return ids, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return opErr(backendRedis, "ping", m.rdb.Ping(ctx).Err())
}

// Close is a no-op; the client belongs to the caller.
func (m *RedisMirror) Close() error { return nil }

func (m *RedisMirror) userKey(userID string) string { return m.prefix + "user:" + userID }

func (m *RedisMirror) onlineKey() string { return m.prefix + "online" }
