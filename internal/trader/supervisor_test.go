package trader

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/database"
)

func TestSupervisorRespawnsMissingMonitor(t *testing.T) {
	pos := openLong(nil, nil)
	store := &fakeMonitorStore{pos: pos}
	m := newTestMonitors(store, 50000, ExitConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Start itself respawns; drop the monitor to simulate a crash.
	m.CancelAll()
	if len(m.MonitoredIDs()) != 0 {
		t.Fatal("precondition: no monitors")
	}

	s := NewSupervisor(store, m, time.Minute, zerolog.Nop())
	s.audit(ctx)

	if !m.MonitoredIDs()[pos.ID] {
		t.Error("audit must respawn the missing monitor")
	}
	m.Stop()
}

func TestSupervisorFlagsOverduePosition(t *testing.T) {
	past := time.Now().UTC().Add(-10 * time.Minute)
	pos := openLong(nil, nil)
	pos.TimeoutAt = &past
	store := &fakeMonitorStore{pos: pos}
	m := newTestMonitors(store, 50000, ExitConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := NewSupervisor(store, m, time.Minute, zerolog.Nop())
	// Overdue position: the audit tears down and respawns from the store.
	s.audit(ctx)

	if !m.MonitoredIDs()[pos.ID] {
		t.Error("respawn must re-watch the overdue position")
	}
	m.Stop()
}

func TestSupervisorHealthyAuditLeavesMonitorsAlone(t *testing.T) {
	pos := openLong(nil, nil)
	pos.Status = database.PositionStatusOpen
	store := &fakeMonitorStore{pos: pos}
	m := newTestMonitors(store, 50000, ExitConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := m.MonitoredIDs()

	s := NewSupervisor(store, m, time.Minute, zerolog.Nop())
	s.audit(ctx)

	after := m.MonitoredIDs()
	if len(before) != 1 || len(after) != 1 {
		t.Errorf("monitors before/after = %d/%d, want 1/1", len(before), len(after))
	}
	m.Stop()
}
