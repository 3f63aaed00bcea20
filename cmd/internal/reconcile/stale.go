package reconcile

import (
	"context"
	"log/slog"
	"time"

	"helpdesk/cmd/internal/metrics"
	"helpdesk/cmd/internal/userstore"
)

// StaleConfig controls the durable sweep. Both values are independent of the
// in-memory TTL and are expected to be coarser.
type StaleConfig struct {
	Threshold time.Duration
	Interval  time.Duration
}

// DefaultStaleConfig returns a 5m threshold checked every minute.
func DefaultStaleConfig() StaleConfig {
	return StaleConfig{Threshold: 5 * time.Minute, Interval: time.Minute}
}

// OnlineChecker reports what the in-memory store currently believes.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// StaleSweeper flips durable records offline when nothing has refreshed them
// for Threshold. It catches users whose offline transition was lost, e.g. when
// a previous process crashed with the user online.
type StaleSweeper struct {
	log     *slog.Logger
	mirror  userstore.Mirror
	live    OnlineChecker
	bridge  *Bridge
	cfg     StaleConfig
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewStaleSweeper constructs a StaleSweeper. live and bridge are optional; when
// both are set, users the in-memory store still sees online are re-asserted.
func NewStaleSweeper(log *slog.Logger, mirror userstore.Mirror, live OnlineChecker, bridge *Bridge, cfg StaleConfig, rec *metrics.Recorder) (*StaleSweeper, error) {
	if mirror == nil {
		return nil, userstore.ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	def := DefaultStaleConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &StaleSweeper{
		log:     log,
		mirror:  mirror,
		live:    live,
		bridge:  bridge,
		cfg:     cfg,
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("reconcile.stale.fail", "err", err)
			}
		}
	}
}

// SweepOnce runs a single pass and returns the ids flipped offline.
func (s *StaleSweeper) SweepOnce(ctx context.Context) ([]string, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.Threshold)

	ids, err := s.mirror.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	s.metrics.DurableFlipped(len(ids))

	reasserted := 0
	if s.live != nil && s.bridge != nil {
		for _, id := range ids {
			if s.live.IsOnline(id) {
				s.bridge.Record(id, true, now)
				reasserted++
			}
		}
	}

	s.log.Info("reconcile.stale.done",
		"flipped", len(ids),
		"reasserted", reasserted,
		"threshold_s", int(s.cfg.Threshold.Seconds()),
	)
	return ids, nil
}
