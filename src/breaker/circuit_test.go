package breaker

import (
	"context"
	"testing"
	"time"

	"signalpipeline/src/config"
	"signalpipeline/src/model"
)

type fakeEventStore struct {
	events []*model.BreakerEvent
}

func (f *fakeEventStore) Append(_ context.Context, event *model.BreakerEvent) error {
	f.events = append(f.events, event)
	return nil
}

func breakerCfg() config.BreakerConfig {
	return config.BreakerConfig{
		ConsecutiveLossTrip:  3,
		DailyDrawdownTrip:    5.0,
		HourlyLossTrip:       3.0,
		Cooldown:             config.Duration(30 * time.Minute),
		KillEquityFloor:      50000,
		KillDailyDrawdownPct: 10.0,
		KillConsecutiveErrs:  5,
	}
}

func newTestCircuit(clock *time.Time) (*Circuit, *fakeEventStore) {
	events := &fakeEventStore{}
	c := NewCircuit(func() config.BreakerConfig { return breakerCfg() }, events).
		WithClock(func() time.Time { return *clock })
	return c, events
}

func TestCircuitTripsOnConsecutiveLosses(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	c, events := newTestCircuit(&clock)

	for i := 0; i < 2; i++ {
		c.RecordOutcome(ctx, -100, 100000, 1.0)
		if got := c.State(); got != StateClosed {
			t.Fatalf("after %d losses state = %s, want CLOSED", i+1, got)
		}
	}

	c.RecordOutcome(ctx, -100, 100000, 1.0)
	if got := c.State(); got != StateOpen {
		t.Fatalf("after 3 losses state = %s, want OPEN", got)
	}
	if got := c.SizeMultiplier(); got != 0.0 {
		t.Fatalf("open multiplier = %v, want 0.0", got)
	}
	if len(events.events) != 1 || events.events[0].ToState != StateOpen {
		t.Fatalf("expected one CLOSED->OPEN event, got %+v", events.events)
	}
}

func TestCircuitWinResetsLossStreak(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCircuit(&clock)

	c.RecordOutcome(ctx, -100, 100000, 1.0)
	c.RecordOutcome(ctx, -100, 100000, 1.0)
	c.RecordOutcome(ctx, 50, 100000, 1.0)
	c.RecordOutcome(ctx, -100, 100000, 1.0)
	c.RecordOutcome(ctx, -100, 100000, 1.0)

	if got := c.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED (win reset the streak)", got)
	}
}

func TestCircuitCooldownAndProbe(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCircuit(&clock)

	for i := 0; i < 3; i++ {
		c.RecordOutcome(ctx, -100, 100000, 1.0)
	}
	if got := c.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}

	clock = clock.Add(29 * time.Minute)
	if got := c.State(); got != StateOpen {
		t.Fatalf("before cooldown state = %s, want OPEN", got)
	}

	clock = clock.Add(time.Minute)
	if got := c.State(); got != StateHalfOpen {
		t.Fatalf("after cooldown state = %s, want HALF_OPEN", got)
	}
	if got := c.SizeMultiplier(); got != 0.5 {
		t.Fatalf("half-open multiplier = %v, want 0.5", got)
	}

	// Winning probe closes the breaker fully.
	c.RecordOutcome(ctx, 80, 100000, 1.0)
	if got := c.State(); got != StateClosed {
		t.Fatalf("after winning probe state = %s, want CLOSED", got)
	}
}

func TestCircuitProbeLossRetrips(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCircuit(&clock)

	for i := 0; i < 3; i++ {
		c.RecordOutcome(ctx, -100, 100000, 1.0)
	}
	clock = clock.Add(31 * time.Minute)
	if got := c.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	c.RecordOutcome(ctx, -50, 100000, 1.0)
	if got := c.State(); got != StateOpen {
		t.Fatalf("after losing probe state = %s, want OPEN", got)
	}

	// The cooldown restarts from the re-trip.
	clock = clock.Add(29 * time.Minute)
	if got := c.State(); got != StateOpen {
		t.Fatalf("cooldown should restart after re-trip, state = %s", got)
	}
}

func TestCircuitTripsOnDailyDrawdown(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCircuit(&clock)

	c.RecordOutcome(ctx, 100, 100000, 5.5)
	if got := c.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN on daily drawdown breach", got)
	}
}

func TestCircuitTripsOnHourlyLossRate(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCircuit(&clock)

	// 3% of 100k over an hour trips. Two old losses age out of the window.
	c.RecordOutcome(ctx, -2000, 100000, 1.0)
	clock = clock.Add(2 * time.Hour)
	c.RecordOutcome(ctx, 50, 100000, 1.0)

	c.RecordOutcome(ctx, -1600, 100000, 1.0)
	if got := c.State(); got != StateClosed {
		t.Fatalf("1.55%% hourly loss should not trip, state = %s", got)
	}
	c.RecordOutcome(ctx, -1600, 100000, 1.0)
	if got := c.State(); got != StateOpen {
		t.Fatalf("3.2%% hourly loss should trip, state = %s", got)
	}
}

func TestCircuitTransitionHook(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	c, _ := newTestCircuit(&clock)

	var transitions []string
	c.OnTransition(func(from, to, reason string) {
		transitions = append(transitions, from+"->"+to)
	})

	for i := 0; i < 3; i++ {
		c.RecordOutcome(ctx, -100, 100000, 1.0)
	}
	if len(transitions) != 1 || transitions[0] != "CLOSED->OPEN" {
		t.Fatalf("transitions = %v, want one CLOSED->OPEN", transitions)
	}
}
