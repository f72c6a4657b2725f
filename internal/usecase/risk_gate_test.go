package usecase

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vitos/futures_level_bot/internal/domain"
)

func newTestGate(t *testing.T, maxLosses int, maxDrawdown float64) (*RiskGate, *StateStore) {
	t.Helper()
	store := newTestStore(&memStateRepo{})
	if err := store.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	gate := NewRiskGate(store, maxLosses, maxDrawdown, testLogger())
	return gate, store
}

func TestDailyLossLimitBlocksEntries(t *testing.T) {
	gate, _ := newTestGate(t, 3, 0.1)
	day := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	gate.timeNow = func() time.Time { return day }

	for i := 0; i < 2; i++ {
		gate.RecordLoss()
		if !gate.CanOpenPosition() {
			t.Fatalf("expected entries allowed after %d losses", i+1)
		}
	}

	gate.RecordLoss()
	if gate.CanOpenPosition() {
		t.Error("expected entries blocked after third loss of the day")
	}
}

func TestDailyLossCounterRollsOverAtMidnight(t *testing.T) {
	gate, store := newTestGate(t, 3, 0.1)
	day := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
	gate.timeNow = func() time.Time { return day }

	gate.RecordLoss()
	gate.RecordLoss()
	gate.RecordLoss()
	if gate.CanOpenPosition() {
		t.Fatal("expected entries blocked at the limit")
	}

	day = day.Add(2 * time.Hour) // next calendar day
	if !gate.CanOpenPosition() {
		t.Error("expected loss counter to reset on the next calendar day")
	}
	if got := store.Risk().DailyLossCount; got != 0 {
		t.Errorf("expected persisted counter reset to 0, got %d", got)
	}
}

func TestRecordLossResetsCountOnNewDay(t *testing.T) {
	gate, store := newTestGate(t, 3, 0.1)
	day := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	gate.timeNow = func() time.Time { return day }

	gate.RecordLoss()
	gate.RecordLoss()

	day = day.AddDate(0, 0, 1)
	gate.RecordLoss()

	if got := store.Risk().DailyLossCount; got != 1 {
		t.Errorf("expected count 1 after first loss of a new day, got %d", got)
	}
}

func TestLossCounterSurvivesThroughStore(t *testing.T) {
	gate, store := newTestGate(t, 3, 0.1)
	day := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	gate.timeNow = func() time.Time { return day }

	gate.RecordLoss()

	// A second gate over the same store sees the persisted counter.
	other := NewRiskGate(store, 3, 0.1, testLogger())
	other.timeNow = gate.timeNow
	if got := store.Risk().DailyLossCount; got != 1 {
		t.Fatalf("expected persisted count 1, got %d", got)
	}
	if !other.CanOpenPosition() {
		t.Error("one loss should not block with a limit of 3")
	}
}

func TestRiskStateSurvivesReload(t *testing.T) {
	repo := &memStateRepo{}
	store := newTestStore(repo)
	if err := store.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	gate := NewRiskGate(store, 3, 0.1, testLogger())
	day := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	gate.timeNow = func() time.Time { return day }

	gate.RecordLoss()
	gate.RecordLoss()
	gate.RecordLoss()

	// Restart: a fresh store hydrated from the persisted document must see
	// the same counters.
	doc, _ := repo.Snapshot()
	var persisted domain.TradingState
	if err := json.Unmarshal(doc, &persisted); err != nil {
		t.Fatalf("unmarshal persisted state: %v", err)
	}
	reloaded := newTestStore(&memStateRepo{LoadState: &persisted})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	regate := NewRiskGate(reloaded, 3, 0.1, testLogger())
	regate.timeNow = gate.timeNow

	if got := reloaded.Risk().DailyLossCount; got != 3 {
		t.Fatalf("expected 3 persisted losses, got %d", got)
	}
	if regate.CanOpenPosition() {
		t.Error("the daily limit must still block after a restart on the same day")
	}
}

func TestCheckDrawdown(t *testing.T) {
	gate, _ := newTestGate(t, 3, 0.1)

	if !gate.CheckDrawdown(500) {
		t.Error("expected no drawdown constraint without a baseline")
	}

	gate.InitializeBaseline(1000)

	if !gate.CheckDrawdown(905) {
		t.Error("9.5% drawdown should pass a 10% limit")
	}
	if !gate.CheckDrawdown(900) {
		t.Error("exactly 10% drawdown should pass a 10% limit")
	}
	if gate.CheckDrawdown(899) {
		t.Error("10.1% drawdown should fail a 10% limit")
	}
	if !gate.CheckDrawdown(1200) {
		t.Error("a balance above baseline should always pass")
	}
}
