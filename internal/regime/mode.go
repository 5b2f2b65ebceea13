package regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
)

// modeStore is the slice of the state store the switcher needs.
type modeStore interface {
	GetModeState(ctx context.Context, accountID int64) (*database.ModeState, error)
	SaveModeState(ctx context.Context, m *database.ModeState) error
	HasBuildingPositions(ctx context.Context, accountID int64) (bool, error)
}

// ModeSwitcher moves the engine between trend and range mode. A switch needs
// the new classification to persist across a confirmation window, the
// per-switch cooldown to have elapsed, and no batched entry to be in flight.
type ModeSwitcher struct {
	store     modeStore
	bus       *events.Bus
	cache     *cache.Service
	log       *logging.Logger
	accountID int64

	confirmNeeded int
	cooldown      time.Duration

	mu            sync.Mutex
	current       string
	switchedAt    time.Time
	pendingMode   string
	pendingCount  int
}

// NewModeSwitcher restores the persisted mode (default trend) and returns the
// switcher ready for Evaluate calls.
func NewModeSwitcher(ctx context.Context, store modeStore, bus *events.Bus, cacheSvc *cache.Service,
	accountID int64, confirmNeeded int, cooldown time.Duration, log *logging.Logger) (*ModeSwitcher, error) {
	s := &ModeSwitcher{
		store:         store,
		bus:           bus,
		cache:         cacheSvc,
		accountID:     accountID,
		confirmNeeded: confirmNeeded,
		cooldown:      cooldown,
		log:           log.WithComponent("mode"),
		current:       database.ModeTrend,
	}

	state, err := store.GetModeState(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore mode state: %w", err)
	}
	if state != nil {
		s.current = state.ModeType
		s.switchedAt = state.SwitchedAt
		s.log.Info("mode restored", "mode", s.current, "switched_at", s.switchedAt.Format(time.RFC3339))
	}
	return s, nil
}

// Current returns the active mode.
func (s *ModeSwitcher) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Evaluate feeds one scan's classification into the confirmation window and
// performs the switch when all gates pass.
func (s *ModeSwitcher) Evaluate(ctx context.Context, c Classification, big4 *Result) error {
	s.mu.Lock()
	if c.Mode == s.current {
		s.pendingMode = ""
		s.pendingCount = 0
		s.mu.Unlock()
		return nil
	}
	if c.Mode != s.pendingMode {
		s.pendingMode = c.Mode
		s.pendingCount = 1
	} else {
		s.pendingCount++
	}
	confirmed := s.pendingCount >= s.confirmNeeded
	s.mu.Unlock()

	if !confirmed {
		s.log.Debug("mode switch pending confirmation",
			"target", c.Mode, "count", s.pendingCount, "needed", s.confirmNeeded)
		return nil
	}
	return s.trySwitch(ctx, c.Mode, c.Reason, big4, false)
}

// ForceSwitch is the manual override: it bypasses confirmation but still
// honors the cooldown and the no-building gate.
func (s *ModeSwitcher) ForceSwitch(ctx context.Context, mode, reason string, big4 *Result) error {
	return s.trySwitch(ctx, mode, reason, big4, true)
}

func (s *ModeSwitcher) trySwitch(ctx context.Context, mode, reason string, big4 *Result, manual bool) error {
	s.mu.Lock()
	if mode == s.current {
		s.mu.Unlock()
		return nil
	}
	if !s.switchedAt.IsZero() && time.Since(s.switchedAt) < s.cooldown {
		remaining := s.cooldown - time.Since(s.switchedAt)
		s.mu.Unlock()
		s.log.Info("mode switch blocked by cooldown", "target", mode, "remaining", remaining.Round(time.Second).String())
		return nil
	}
	from := s.current
	s.mu.Unlock()

	building, err := s.store.HasBuildingPositions(ctx, s.accountID)
	if err != nil {
		return fmt.Errorf("failed to check building positions: %w", err)
	}
	if building {
		s.log.Info("mode switch blocked by in-flight batched entry", "target", mode)
		return nil
	}

	now := time.Now().UTC()
	signal, strength := "", 0.0
	if big4 != nil {
		signal, strength = big4.OverallSignal, big4.SignalStrength
	}
	state := &database.ModeState{
		AccountID:       s.accountID,
		TradingType:     database.TradingTypeFutures,
		ModeType:        mode,
		SwitchedAt:      now,
		SwitchReason:    reason,
		TriggerSignal:   signal,
		TriggerStrength: strength,
	}
	if err := s.store.SaveModeState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist mode switch: %w", err)
	}

	s.mu.Lock()
	s.current = mode
	s.switchedAt = now
	s.pendingMode = ""
	s.pendingCount = 0
	s.mu.Unlock()

	if s.cache != nil && s.cache.IsHealthy() {
		mirrorCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = s.cache.Set(mirrorCtx, cache.ModeKey(s.accountID), state, cache.RegimeTTL)
		cancel()
	}
	if s.bus != nil {
		s.bus.PublishModeSwitch(from, mode, reason, signal, strength)
	}
	s.log.Info("mode switched", "from", from, "to", mode, "reason", reason, "manual", manual)
	return nil
}
