package app

import (
	"errors"
	"fmt"

	"helpdesk/cmd/internal/auth"
)

// ValidateConfig reports every configuration problem the server cannot run
// with, joined into one error.
func ValidateConfig(cfg Config) error {
	var errs []error

	if _, err := auth.New(cfg.AuthConfig()); err != nil {
		errs = append(errs, fmt.Errorf("auth: %w", err))
	}

	if cfg.HeartbeatInterval >= cfg.PresenceTTL {
		errs = append(errs, fmt.Errorf("presence: heartbeat interval %s must be shorter than TTL %s", cfg.HeartbeatInterval, cfg.PresenceTTL))
	}
	if cfg.WSPingInterval >= cfg.WSConnTimeout {
		errs = append(errs, fmt.Errorf("ws: ping interval %s must be shorter than connection timeout %s", cfg.WSPingInterval, cfg.WSConnTimeout))
	}

	switch mode := resolveStorage(cfg); mode {
	case StorageMemory, StorageNone:
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			errs = append(errs, errors.New("storage: postgres selected but HELPDESK_DATABASE_URL is empty"))
		}
	case StorageRedis:
		if cfg.RedisURL == "" {
			errs = append(errs, errors.New("storage: redis selected but HELPDESK_REDIS_URL is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown mode %q", mode))
	}

	if cfg.ReadinessRequireDurable && resolveStorage(cfg) == StorageNone {
		errs = append(errs, errors.New("readiness requires a durable store but storage is disabled"))
	}

	return errors.Join(errs...)
}
