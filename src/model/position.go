package model

import "time"

const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Position is an open exposure owned exclusively by the lifecycle manager:
// created on fill, marked on every price tick, closed on exit trigger or
// emergency close. Quantity is signed (negative for short) and its sign never
// flips without an intervening close.
type Position struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	Ticker string `gorm:"size:20;index;not null" json:"ticker"`
	Sector string `gorm:"size:50" json:"sector,omitempty"`

	Quantity          float64 `json:"quantity"`
	AverageEntryPrice float64 `json:"average_entry_price"`
	CurrentPrice      float64 `json:"current_price"`
	UnrealizedPnl     float64 `json:"unrealized_pnl"`

	StopLoss    *float64 `json:"stop_loss,omitempty"`
	TargetPrice *float64 `json:"target_price,omitempty"`

	// Sources that contributed to the entry, JSON array. Carried through to
	// the trade outcome so the feedback loop can attribute P&L per source.
	Sources string `gorm:"type:text" json:"sources,omitempty"`

	Status    string     `gorm:"size:20;not null;default:open" json:"status"`
	OrderID   *uint      `gorm:"index" json:"order_id,omitempty"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	ExitPrice *float64   `json:"exit_price,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// Side reports long/short from the quantity sign.
func (p *Position) Side() string {
	if p.Quantity < 0 {
		return DirectionShort
	}
	return DirectionLong
}
