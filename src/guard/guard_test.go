package guard

import (
	"testing"
	"time"

	"signalpipeline/src/model"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func testSignal(ticker, signalType, direction string, createdAt time.Time) *model.Signal {
	return &model.Signal{
		SignalID:   "sig-" + ticker,
		Ticker:     ticker,
		Source:     model.SourceEMACloud,
		Direction:  direction,
		SignalType: signalType,
		Conviction: 60,
		CreatedAt:  createdAt,
	}
}

func TestGuardRejectsStaleSignal(t *testing.T) {
	now := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	g := New(
		func() time.Duration { return 2 * time.Minute },
		func() time.Duration { return 5 * time.Minute },
		WithClock(fixedClock(now)),
	)

	tests := []struct {
		name       string
		age        time.Duration
		wantAccept bool
		wantReason string
	}{
		{name: "fresh signal admitted", age: 30 * time.Second, wantAccept: true},
		{name: "at the boundary admitted", age: 2 * time.Minute, wantAccept: true},
		{name: "past max age rejected", age: 2*time.Minute + time.Second, wantAccept: false, wantReason: ReasonStale},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Distinct tickers so dedup never interferes with the age check.
			sig := testSignal(tickerFor(i), "ema_cross", model.DirectionLong, now.Add(-tt.age))
			adm := g.Admit(sig)

			if adm.Accepted != tt.wantAccept {
				t.Fatalf("Admit accepted = %v, want %v", adm.Accepted, tt.wantAccept)
			}
			if !tt.wantAccept && adm.Reason != tt.wantReason {
				t.Fatalf("Admit reason = %q, want %q", adm.Reason, tt.wantReason)
			}
		})
	}
}

func tickerFor(i int) string {
	return []string{"BTC-USD", "ETH-USD", "SOL-USD", "AVAX-USD"}[i]
}

func TestGuardRejectsDuplicateWithinWindow(t *testing.T) {
	now := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	clock := now
	g := New(
		func() time.Duration { return 2 * time.Minute },
		func() time.Duration { return 5 * time.Minute },
		WithClock(func() time.Time { return clock }),
	)

	first := testSignal("BTC-USD", "ema_cross", model.DirectionLong, now)
	if adm := g.Admit(first); !adm.Accepted {
		t.Fatalf("first signal should be admitted, got reason %q", adm.Reason)
	}

	dup := testSignal("BTC-USD", "ema_cross", model.DirectionLong, now)
	adm := g.Admit(dup)
	if adm.Accepted {
		t.Fatal("duplicate inside window should be rejected")
	}
	if adm.Reason != ReasonDuplicate {
		t.Fatalf("reason = %q, want %q", adm.Reason, ReasonDuplicate)
	}

	// Different direction is a different key, not a duplicate.
	opposite := testSignal("BTC-USD", "ema_cross", model.DirectionShort, now)
	if adm := g.Admit(opposite); !adm.Accepted {
		t.Fatalf("opposite direction should be admitted, got reason %q", adm.Reason)
	}

	// After the window the same key admits again.
	clock = now.Add(5*time.Minute + time.Second)
	later := testSignal("BTC-USD", "ema_cross", model.DirectionLong, clock)
	if adm := g.Admit(later); !adm.Accepted {
		t.Fatalf("signal after dedup window should be admitted, got reason %q", adm.Reason)
	}
}

func TestGuardSpikeAlertFires(t *testing.T) {
	now := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	fired := 0

	g := New(
		func() time.Duration { return time.Minute },
		func() time.Duration { return 5 * time.Minute },
		WithClock(fixedClock(now)),
		WithSpikeAlert(3, time.Minute, func(count int) { fired++ }),
	)

	stale := now.Add(-2 * time.Minute)
	for i := 0; i < 3; i++ {
		g.Admit(testSignal("BTC-USD", "ema_cross", model.DirectionLong, stale))
	}

	if fired != 1 {
		t.Fatalf("spike alert fired %d times, want 1", fired)
	}
}
