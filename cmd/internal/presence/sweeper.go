package presence

import (
	"fmt"
	"time"
)

// runSweeper performs eager expiry every interval until Shutdown.
func (s *Store) runSweeper(interval time.Duration) {
	defer close(s.done)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce isolates the ticker loop from panics raised by listeners or observers.
func (s *Store) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("presence.sweep.panic", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	res := s.Sweep()
	if res.Evicted == 0 {
		s.log.Debug("presence.sweep.done", "scanned", res.Scanned)
		return
	}
	s.log.Info("presence.sweep.done",
		"scanned", res.Scanned,
		"evicted", res.Evicted,
		"notified", res.Notified,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
