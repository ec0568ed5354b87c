package regime

import (
	"fmt"
	"sync"

	logger "github.com/sirupsen/logrus"
)

// Strategy families.
const (
	FamilyMomentum      = "momentum"
	FamilyMeanReversion = "mean_reversion"
)

// trendingThreshold is the ADX-equivalent level above which the market is
// considered trending.
const trendingThreshold = 25.0

// familyBySignalType is the closed registry mapping signal types to the
// strategy family that produces them. Unknown types are compatible with both
// families.
var familyBySignalType = map[string]string{
	"ema_cross":         FamilyMomentum,
	"momentum_breakout": FamilyMomentum,
	"trend_follow":      FamilyMomentum,
	"mean_reversion":    FamilyMeanReversion,
	"rsi_oversold":      FamilyMeanReversion,
	"bollinger_revert":  FamilyMeanReversion,
}

// Selector picks the active strategy family from trend strength and
// validates incoming signal types against it.
type Selector struct {
	mu       sync.RWMutex
	family   string
	strength float64
}

func NewSelector() *Selector {
	return &Selector{family: FamilyMeanReversion}
}

// Update recomputes the active family from the latest trend-strength
// reading: trending conditions route momentum, non-trending route
// mean-reversion.
func (s *Selector) Update(trendStrength float64) {
	family := FamilyMeanReversion
	if trendStrength >= trendingThreshold {
		family = FamilyMomentum
	}

	s.mu.Lock()
	changed := family != s.family
	s.family = family
	s.strength = trendStrength
	s.mu.Unlock()

	if changed {
		logger.WithFields(map[string]interface{}{
			"family":         family,
			"trend_strength": trendStrength,
		}).Info("strategy family switched")
	}
}

// Family returns the currently selected strategy family.
func (s *Selector) Family() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.family
}

// ValidateSignalType rejects signal types incompatible with the selected
// family. The rejection reason is returned for logging and audit.
func (s *Selector) ValidateSignalType(signalType string) error {
	family, known := familyBySignalType[signalType]
	if !known {
		return nil
	}

	s.mu.RLock()
	active := s.family
	s.mu.RUnlock()

	if family != active {
		return fmt.Errorf("signal_type %q belongs to %s family, active family is %s", signalType, family, active)
	}

	return nil
}
