package trader

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Overdue grace: a position whose timeout passed this long ago with no close
// means its monitor is gone or wedged.
const overdueGrace = 2 * time.Minute

// Supervisor audits the exit optimizer: every active position must have a
// live monitor, and no position may sit past its timeout. A failed audit
// tears down all monitors and respawns them from the database.
type Supervisor struct {
	store    monitorStore
	monitors *MonitorManager
	interval time.Duration
	logger   zerolog.Logger
}

// NewSupervisor wires the supervisor. A non-positive interval defaults to one
// minute.
func NewSupervisor(store monitorStore, monitors *MonitorManager, interval time.Duration, logger zerolog.Logger) *Supervisor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Supervisor{
		store:    store,
		monitors: monitors,
		interval: interval,
		logger:   logger.With().Str("component", "MonitorSupervisor").Logger(),
	}
}

// Run audits until the context ends.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.audit(ctx)
		}
	}
}

func (s *Supervisor) audit(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	positions, err := s.store.GetActivePositions(opCtx, s.monitors.cfg.AccountID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("audit skipped, position load failed")
		return
	}

	monitored := s.monitors.MonitoredIDs()
	now := time.Now().UTC()
	healthy := true

	for _, p := range positions {
		if !monitored[p.ID] {
			s.logger.Warn().Int64("position_id", p.ID).Str("symbol", p.Symbol).
				Msg("active position has no monitor")
			healthy = false
		}
		if p.TimeoutAt != nil && now.Sub(*p.TimeoutAt) > overdueGrace && p.Quantity > 0 {
			s.logger.Warn().Int64("position_id", p.ID).Str("symbol", p.Symbol).
				Time("timeout_at", *p.TimeoutAt).Msg("position overdue past timeout")
			healthy = false
		}
	}
	for id := range monitored {
		found := false
		for _, p := range positions {
			if p.ID == id {
				found = true
				break
			}
		}
		if !found {
			s.logger.Warn().Int64("position_id", id).Msg("monitor without a live position")
			healthy = false
		}
	}

	if healthy {
		return
	}

	s.logger.Error().Int("positions", len(positions)).Int("monitors", len(monitored)).
		Msg("monitor audit failed, respawning all monitors")
	s.monitors.CancelAll()
	if err := s.monitors.Respawn(opCtx); err != nil {
		s.logger.Error().Err(err).Msg("respawn failed")
	}
}
