package regime

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/config"
)

// Market regimes.
const (
	Bull     = "bull"
	Bear     = "bear"
	Sideways = "sideways"
	Crisis   = "crisis"
)

// Inputs are the market observations one evaluation cycle classifies from.
type Inputs struct {
	ReturnPct     float64 // trailing window return, percent
	VolatilityPct float64 // annualized volatility, percent
	TrendStrength float64 // ADX-equivalent, 0..100
	DrawdownPct   float64 // current peak-to-trough drawdown, percent
}

// Classification is a regime with the detector's confidence in it.
type Classification struct {
	Regime     string
	Confidence float64 // 0..1
}

// Router owns the active regime and its parameter profile. Transition
// detection is confidence-gated and rate-limited; on transition the profile
// is interpolated over a window instead of stepping, so open-position risk
// parameters never jump.
type Router struct {
	profiles func() map[string]config.RegimeConfig
	now      func() time.Time

	confidenceThreshold float64
	maxTransitionsHour  int
	interpolationWindow time.Duration

	mu           sync.RWMutex
	current      string
	previous     string
	transitionAt time.Time
	transitions  []time.Time // recent transition timestamps for the rate cap
}

func NewRouter(profiles func() map[string]config.RegimeConfig) *Router {
	return &Router{
		profiles:            profiles,
		now:                 time.Now,
		confidenceThreshold: 0.6,
		maxTransitionsHour:  5,
		interpolationWindow: 5 * time.Minute,
		current:             Sideways,
		previous:            Sideways,
		transitionAt:        time.Time{},
	}
}

// WithClock overrides the time source. Useful for tests.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Classify maps market inputs to a regime with a confidence score. Crisis
// dominates: a deep drawdown with high volatility is crisis regardless of
// trend.
func Classify(in Inputs) Classification {
	switch {
	case in.DrawdownPct >= 10 || (in.VolatilityPct >= 40 && in.ReturnPct < -5):
		conf := 0.5 + min(in.DrawdownPct/40, 0.5)
		return Classification{Regime: Crisis, Confidence: conf}
	case in.ReturnPct >= 3 && in.TrendStrength >= 25:
		conf := 0.5 + min(in.ReturnPct/20, 0.3) + min(in.TrendStrength/500, 0.2)
		return Classification{Regime: Bull, Confidence: conf}
	case in.ReturnPct <= -3 && in.TrendStrength >= 25:
		conf := 0.5 + min(-in.ReturnPct/20, 0.3) + min(in.TrendStrength/500, 0.2)
		return Classification{Regime: Bear, Confidence: conf}
	default:
		conf := 0.5 + min((25-min(in.TrendStrength, 25))/50, 0.3)
		return Classification{Regime: Sideways, Confidence: conf}
	}
}

// Evaluate runs one detection cycle. Returns true when a transition was
// applied.
func (r *Router) Evaluate(in Inputs) bool {
	c := Classify(in)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Regime == r.current {
		return false
	}
	if c.Confidence < r.confidenceThreshold {
		logger.WithFields(map[string]interface{}{
			"candidate":  c.Regime,
			"confidence": c.Confidence,
		}).Debug("regime transition below confidence threshold, holding")
		return false
	}

	// Whipsaw cap: drop transitions beyond the hourly budget.
	cutoff := now.Add(-time.Hour)
	kept := r.transitions[:0]
	for _, at := range r.transitions {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.transitions = kept
	if len(r.transitions) >= r.maxTransitionsHour {
		logger.WithFields(map[string]interface{}{
			"candidate":       c.Regime,
			"recent_switches": len(r.transitions),
		}).Warn("regime transition rate cap hit, holding current regime")
		return false
	}

	logger.WithFields(map[string]interface{}{
		"from":       r.current,
		"to":         c.Regime,
		"confidence": c.Confidence,
	}).Info("regime transition")

	r.previous = r.current
	r.current = c.Regime
	r.transitionAt = now
	r.transitions = append(r.transitions, now)

	return true
}

// Current returns the active regime name.
func (r *Router) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Profile returns the active parameter profile. During the interpolation
// window after a transition the previous and new profiles are blended
// linearly.
func (r *Router) Profile() config.RegimeConfig {
	r.mu.RLock()
	current, previous, transitionAt := r.current, r.previous, r.transitionAt
	r.mu.RUnlock()

	profiles := r.profiles()
	to := profiles[current]
	from, haveFrom := profiles[previous]

	elapsed := r.now().Sub(transitionAt)
	if !haveFrom || transitionAt.IsZero() || elapsed >= r.interpolationWindow {
		return to
	}

	t := elapsed.Seconds() / r.interpolationWindow.Seconds()
	return config.RegimeConfig{
		MaxPositions:    int(lerp(float64(from.MaxPositions), float64(to.MaxPositions), t) + 0.5),
		DailyLossLimit:  lerp(from.DailyLossLimit, to.DailyLossLimit, t),
		SignalThreshold: lerp(from.SignalThreshold, to.SignalThreshold, t),
		StopMultiplier:  lerp(from.StopMultiplier, to.StopMultiplier, t),
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
