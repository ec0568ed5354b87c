package breaker

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/config"
	"signalpipeline/src/model"
)

// Circuit breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// eventStore is the slice of the breaker event repository the machines need.
type eventStore interface {
	Append(ctx context.Context, event *model.BreakerEvent) error
}

// Circuit is the trading circuit breaker. CLOSED passes orders at full size,
// HALF_OPEN at half size while probing, OPEN blocks new entries entirely.
// Trips on consecutive losses, daily drawdown, or hourly loss rate; after the
// cooldown OPEN relaxes to HALF_OPEN, and the next trade outcome decides
// whether it re-trips or fully closes.
type Circuit struct {
	cfg    func() config.BreakerConfig
	events eventStore
	now    func() time.Time

	onTransition func(from, to, reason string)

	mu          sync.Mutex
	state       string
	trippedAt   time.Time
	lossStreak  int
	hourlyPnl   []pnlSample
	tripReason  string
}

type pnlSample struct {
	at  time.Time
	pnl float64
}

func NewCircuit(cfg func() config.BreakerConfig, events eventStore) *Circuit {
	return &Circuit{
		cfg:    cfg,
		events: events,
		now:    time.Now,
		state:  StateClosed,
	}
}

// WithClock overrides the time source. Useful for tests.
func (c *Circuit) WithClock(now func() time.Time) *Circuit {
	c.now = now
	return c
}

// OnTransition registers a callback invoked on every state change. Set once
// during wiring, before the breaker sees traffic.
func (c *Circuit) OnTransition(fn func(from, to, reason string)) *Circuit {
	c.onTransition = fn
	return c
}

// State returns the current state, applying the cooldown relaxation from
// OPEN to HALF_OPEN when it has elapsed.
func (c *Circuit) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(context.Background())
}

func (c *Circuit) stateLocked(ctx context.Context) string {
	if c.state == StateOpen && c.now().Sub(c.trippedAt) >= c.cfg().Cooldown.Std() {
		c.transitionLocked(ctx, StateHalfOpen, "cooldown elapsed", 0, 0)
	}
	return c.state
}

// SizeMultiplier maps state to the order size factor: 1.0 closed, 0.5
// half-open, 0.0 open.
func (c *Circuit) SizeMultiplier() float64 {
	switch c.State() {
	case StateClosed:
		return 1.0
	case StateHalfOpen:
		return 0.5
	default:
		return 0.0
	}
}

// RecordOutcome feeds one realized trade result into the trip evaluation.
// equity and dailyDrawdownPct describe the portfolio at close time.
func (c *Circuit) RecordOutcome(ctx context.Context, pnl, equity, dailyDrawdownPct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.stateLocked(ctx)
	cfg := c.cfg()

	if pnl < 0 {
		c.lossStreak++
	} else {
		c.lossStreak = 0
	}
	c.recordHourly(pnl)

	// A probe result in HALF_OPEN resolves the state: a win closes the
	// breaker, a loss re-trips it.
	if state == StateHalfOpen {
		if pnl >= 0 {
			c.transitionLocked(ctx, StateClosed, "probe trade won", equity, pnl)
		} else {
			c.tripLocked(ctx, "probe trade lost", equity, pnl)
		}
		return
	}

	if state != StateClosed {
		return
	}

	switch {
	case cfg.ConsecutiveLossTrip > 0 && c.lossStreak >= cfg.ConsecutiveLossTrip:
		c.tripLocked(ctx, "consecutive loss limit", equity, pnl)
	case cfg.DailyDrawdownTrip > 0 && dailyDrawdownPct >= cfg.DailyDrawdownTrip:
		c.tripLocked(ctx, "daily drawdown limit", equity, pnl)
	case cfg.HourlyLossTrip > 0 && equity > 0 && c.hourlyLossPct(equity) >= cfg.HourlyLossTrip:
		c.tripLocked(ctx, "hourly loss rate limit", equity, pnl)
	}
}

func (c *Circuit) recordHourly(pnl float64) {
	now := c.now()
	cutoff := now.Add(-time.Hour)

	kept := c.hourlyPnl[:0]
	for _, s := range c.hourlyPnl {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	c.hourlyPnl = append(kept, pnlSample{at: now, pnl: pnl})
}

func (c *Circuit) hourlyLossPct(equity float64) float64 {
	var sum float64
	for _, s := range c.hourlyPnl {
		sum += s.pnl
	}
	if sum >= 0 {
		return 0
	}
	return -sum / equity * 100
}

func (c *Circuit) tripLocked(ctx context.Context, reason string, equity, pnl float64) {
	c.trippedAt = c.now()
	c.tripReason = reason
	c.transitionLocked(ctx, StateOpen, reason, equity, pnl)
}

func (c *Circuit) transitionLocked(ctx context.Context, to, reason string, equity, pnl float64) {
	from := c.state
	if from == to {
		return
	}
	c.state = to

	logger.WithFields(map[string]interface{}{
		"machine": model.MachineCircuitBreaker,
		"from":    from,
		"to":      to,
		"reason":  reason,
	}).Warn("circuit breaker transition")

	if c.onTransition != nil {
		c.onTransition(from, to, reason)
	}

	if c.events == nil {
		return
	}
	event := &model.BreakerEvent{
		Machine:   model.MachineCircuitBreaker,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Equity:    equity,
		DailyPnl:  pnl,
	}
	if err := c.events.Append(ctx, event); err != nil {
		logger.WithError(err).Error("failed to persist breaker event")
	}
}
