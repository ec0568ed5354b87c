package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/config"
	"signalpipeline/src/model"
)

// Kill switch states.
const (
	KillDisarmed  = "DISARMED"
	KillArmed     = "ARMED"
	KillTriggered = "TRIGGERED"
)

// Trip reasons.
const (
	KillReasonEquityFloor = "equity floor breached"
	KillReasonDrawdown    = "extreme daily drawdown"
	KillReasonErrors      = "consecutive pipeline errors"
	KillReasonManual      = "manual trigger"
)

var ErrRearmNotTriggered = errors.New("kill switch is not triggered")

// CloseAllFunc liquidates every open position. Invoked exactly once per
// trigger; a failure is logged and the switch stays TRIGGERED regardless.
type CloseAllFunc func(ctx context.Context, reason string) error

// KillSwitch is the last-resort halt. While ARMED it watches equity, daily
// drawdown and the pipeline error streak; any breach moves it to TRIGGERED,
// closes all positions, and blocks every new order until a human rearms it.
type KillSwitch struct {
	cfg      func() config.BreakerConfig
	events   eventStore
	closeAll CloseAllFunc
	now      func() time.Time

	onTransition func(from, to, reason string)

	mu        sync.Mutex
	state     string
	errStreak int
	reason    string
}

func NewKillSwitch(cfg func() config.BreakerConfig, events eventStore, closeAll CloseAllFunc) *KillSwitch {
	return &KillSwitch{
		cfg:      cfg,
		events:   events,
		closeAll: closeAll,
		now:      time.Now,
		state:    KillArmed,
	}
}

// WithClock overrides the time source. Useful for tests.
func (k *KillSwitch) WithClock(now func() time.Time) *KillSwitch {
	k.now = now
	return k
}

// OnTransition registers a callback invoked on every state change. Set once
// during wiring, before the switch sees traffic.
func (k *KillSwitch) OnTransition(fn func(from, to, reason string)) *KillSwitch {
	k.onTransition = fn
	return k
}

func (k *KillSwitch) State() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Halted reports whether new orders must be rejected.
func (k *KillSwitch) Halted() bool {
	return k.State() == KillTriggered
}

// Disarm turns monitoring off. Allowed only from ARMED.
func (k *KillSwitch) Disarm(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != KillArmed {
		return fmt.Errorf("cannot disarm from %s", k.state)
	}
	k.transitionLocked(ctx, KillDisarmed, "manual disarm", 0, 0)
	return nil
}

// Arm turns monitoring on from DISARMED.
func (k *KillSwitch) Arm(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != KillDisarmed {
		return fmt.Errorf("cannot arm from %s", k.state)
	}
	k.errStreak = 0
	k.transitionLocked(ctx, KillArmed, "manual arm", 0, 0)
	return nil
}

// Rearm is the only path out of TRIGGERED. Manual, explicit, never
// automatic.
func (k *KillSwitch) Rearm(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != KillTriggered {
		return ErrRearmNotTriggered
	}
	k.errStreak = 0
	k.reason = ""
	k.transitionLocked(ctx, KillArmed, "manual rearm", 0, 0)
	return nil
}

// RecordError feeds one pipeline error into the consecutive-error trigger.
func (k *KillSwitch) RecordError(ctx context.Context, equity float64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != KillArmed {
		return
	}
	k.errStreak++

	limit := k.cfg().KillConsecutiveErrs
	if limit > 0 && k.errStreak >= limit {
		k.triggerLocked(ctx, KillReasonErrors, equity, 0)
	}
}

// RecordSuccess resets the error streak.
func (k *KillSwitch) RecordSuccess() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errStreak = 0
}

// Evaluate checks the equity-based triggers against a fresh portfolio
// reading.
func (k *KillSwitch) Evaluate(ctx context.Context, equity, dailyDrawdownPct float64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state != KillArmed {
		return
	}

	cfg := k.cfg()
	switch {
	case cfg.KillEquityFloor > 0 && equity <= cfg.KillEquityFloor:
		k.triggerLocked(ctx, KillReasonEquityFloor, equity, dailyDrawdownPct)
	case cfg.KillDailyDrawdownPct > 0 && dailyDrawdownPct >= cfg.KillDailyDrawdownPct:
		k.triggerLocked(ctx, KillReasonDrawdown, equity, dailyDrawdownPct)
	}
}

// Trigger fires the switch manually.
func (k *KillSwitch) Trigger(ctx context.Context, equity float64) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == KillTriggered {
		return
	}
	k.triggerLocked(ctx, KillReasonManual, equity, 0)
}

func (k *KillSwitch) triggerLocked(ctx context.Context, reason string, equity, drawdownPct float64) {
	k.reason = reason
	k.transitionLocked(ctx, KillTriggered, reason, equity, drawdownPct)

	if k.closeAll == nil {
		return
	}
	if err := k.closeAll(ctx, reason); err != nil {
		logger.WithError(err).WithField("reason", reason).
			Error("emergency close-all failed, manual intervention required")
	}
}

func (k *KillSwitch) transitionLocked(ctx context.Context, to, reason string, equity, drawdownPct float64) {
	from := k.state
	if from == to {
		return
	}
	k.state = to

	logger.WithFields(map[string]interface{}{
		"machine": model.MachineKillSwitch,
		"from":    from,
		"to":      to,
		"reason":  reason,
	}).Warn("kill switch transition")

	if k.onTransition != nil {
		k.onTransition(from, to, reason)
	}

	if k.events == nil {
		return
	}
	event := &model.BreakerEvent{
		Machine:   model.MachineKillSwitch,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Equity:    equity,
		DailyPnl:  -drawdownPct,
	}
	if err := k.events.Append(ctx, event); err != nil {
		logger.WithError(err).Error("failed to persist kill switch event")
	}
}
