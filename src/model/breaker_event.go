package model

import "time"

const (
	MachineCircuitBreaker = "circuit_breaker"
	MachineKillSwitch     = "kill_switch"
)

// BreakerEvent is one immutable entry in the halt-machine event log. Every
// circuit-breaker and kill-switch transition is appended with the equity and
// P&L context at transition time.
type BreakerEvent struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Machine string `gorm:"size:20;index;not null" json:"machine"`

	FromState string `gorm:"size:20;not null" json:"from_state"`
	ToState   string `gorm:"size:20;not null" json:"to_state"`
	Reason    string `gorm:"size:255" json:"reason"`

	Equity   float64 `json:"equity"`
	DailyPnl float64 `json:"daily_pnl"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (BreakerEvent) TableName() string {
	return "breaker_events"
}
