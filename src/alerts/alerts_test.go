package alerts

import (
	"context"
	"testing"
	"time"
)

type captureDispatcher struct {
	events []Event
}

func (c *captureDispatcher) Dispatch(_ context.Context, event Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestSendDedupsWithinWindow(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	capture := &captureDispatcher{}
	a := NewAlerter(5*time.Minute, capture).
		WithClock(func() time.Time { return clock })

	event := Event{
		Name:     AlertBreakerTripped,
		Severity: SeverityCritical,
		Message:  "circuit breaker tripped",
		DedupKey: "breaker:open",
	}

	if !a.Send(ctx, event) {
		t.Fatal("first send must dispatch")
	}
	if a.Send(ctx, event) {
		t.Fatal("repeat inside the window must be suppressed")
	}
	if len(capture.events) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(capture.events))
	}

	// A different key is not suppressed.
	other := event
	other.DedupKey = "breaker:half_open"
	if !a.Send(ctx, other) {
		t.Fatal("different dedup key must dispatch")
	}
}

func TestSendRefiresAfterWindow(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	capture := &captureDispatcher{}
	a := NewAlerter(5*time.Minute, capture).
		WithClock(func() time.Time { return clock })

	event := Event{Name: AlertSnapshotStale, Severity: SeverityWarning, DedupKey: "risk:stale"}

	if !a.Send(ctx, event) {
		t.Fatal("first send must dispatch")
	}
	clock = clock.Add(5*time.Minute + time.Second)
	if !a.Send(ctx, event) {
		t.Fatal("send after the window must dispatch again")
	}
	if len(capture.events) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(capture.events))
	}
}

func TestSendEmptyDedupKeyNeverSuppressed(t *testing.T) {
	ctx := context.Background()
	capture := &captureDispatcher{}
	a := NewAlerter(5*time.Minute, capture)

	event := Event{Name: AlertRoutingExhausted, Severity: SeverityCritical}
	for i := 0; i < 3; i++ {
		if !a.Send(ctx, event) {
			t.Fatalf("send %d suppressed without a dedup key", i+1)
		}
	}
	if len(capture.events) != 3 {
		t.Fatalf("dispatched %d events, want 3", len(capture.events))
	}
}

func TestSendStampsEventTime(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)
	capture := &captureDispatcher{}
	a := NewAlerter(time.Minute, capture).
		WithClock(func() time.Time { return at })

	a.Send(ctx, Event{Name: AlertKillSwitch, Severity: SeverityCritical})

	if !capture.events[0].At.Equal(at) {
		t.Fatalf("event time = %v, want stamped %v", capture.events[0].At, at)
	}
}
