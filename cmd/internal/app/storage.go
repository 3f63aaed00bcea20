package app

import (
	"context"
	"fmt"
	"strings"

	"helpdesk/cmd/internal/userstore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// storage owns the durable mirror and the clients behind it.
//
// Ownership model:
//   - app owns pool / client lifecycle
//   - the mirrors' Close is a no-op for shared clients
type storage struct {
	kind   string
	mirror userstore.Mirror // nil when kind is StorageNone

	pool *pgxpool.Pool
	rdb  *redis.Client
}

func (s *storage) Close() {
	if s == nil {
		return
	}
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
}

// resolveStorage maps "auto" onto a concrete mode from the configured URLs.
func resolveStorage(cfg Config) string {
	mode := strings.ToLower(strings.TrimSpace(cfg.Storage))
	if mode != "" && mode != StorageAuto {
		return mode
	}
	switch {
	case cfg.DatabaseURL != "":
		return StoragePostgres
	case cfg.RedisURL != "":
		return StorageRedis
	default:
		return StorageMemory
	}
}

// newStorage connects the durable mirror selected by cfg.
func newStorage(ctx context.Context, cfg Config, log Logger) (*storage, error) {
	kind := resolveStorage(cfg)

	switch kind {
	case StorageNone:
		log.Info("durable.disabled")
		return &storage{kind: kind}, nil

	case StorageMemory:
		log.Info("durable.enabled.memory")
		return &storage{kind: kind, mirror: userstore.NewMemoryMirror()}, nil

	case StoragePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		m, err := userstore.NewPostgresMirror(pool, userstore.WithSchema(cfg.DBSchema), userstore.WithTable(cfg.DBTable))
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("durable.enabled.postgres", "schema", cfg.DBSchema, "table", cfg.DBTable)
		return &storage{kind: kind, mirror: m, pool: pool}, nil

	case StorageRedis:
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		m, err := userstore.NewRedisMirror(rdb, userstore.WithKeyPrefix(cfg.RedisPrefix))
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		log.Info("durable.enabled.redis", "prefix", cfg.RedisPrefix)
		return &storage{kind: kind, mirror: m, rdb: rdb}, nil

	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Storage)
	}
}
