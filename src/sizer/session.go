package sizer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session labels for the New York trading day.
type Session string

const (
	SessionWeekend  Session = "weekend"
	SessionDeadZone Session = "dead_zone"
	SessionAsia     Session = "asia_session"
	SessionLondon   Session = "london_session"
	SessionUS       Session = "us_session"
	SessionDefault  Session = "default"
)

// SessionMultipliers scale position size by liquidity session. Defaults keep
// full size during the US session and cut size hard when books are thin.
type SessionMultipliers struct {
	Weekend  decimal.Decimal
	DeadZone decimal.Decimal
	Asia     decimal.Decimal
	London   decimal.Decimal
	US       decimal.Decimal
	Default  decimal.Decimal
}

func DefaultSessionMultipliers() SessionMultipliers {
	return SessionMultipliers{
		Weekend:  decimal.NewFromFloat(0.15),
		DeadZone: decimal.NewFromFloat(0.25),
		Asia:     decimal.NewFromFloat(0.75),
		London:   decimal.NewFromFloat(1.0),
		US:       decimal.NewFromFloat(1.0),
		Default:  decimal.NewFromFloat(0.5),
	}
}

// SessionMultiplier returns the size multiplier and the detected session for
// the given instant.
func SessionMultiplier(now time.Time, m SessionMultipliers) (decimal.Decimal, Session) {
	et := easternTime(now)
	sess := detectSession(et)

	switch sess {
	case SessionWeekend:
		return m.Weekend, sess
	case SessionDeadZone:
		return m.DeadZone, sess
	case SessionAsia:
		return m.Asia, sess
	case SessionLondon:
		return m.London, sess
	case SessionUS:
		return m.US, sess
	default:
		return m.Default, sess
	}
}

func easternTime(t time.Time) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return t.UTC()
	}
	return t.In(loc)
}

func detectSession(t time.Time) Session {
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return SessionWeekend
	}

	switch h := t.Hour(); {
	case h >= 17 && h < 20:
		return SessionDeadZone
	case h >= 20 || h < 3:
		return SessionAsia
	case h >= 3 && h < 9:
		return SessionLondon
	case h >= 9 && h <= 16:
		return SessionUS
	default:
		return SessionDefault
	}
}
