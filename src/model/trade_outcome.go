package model

import "time"

// TradeOutcome is the realized result of one closed position, recorded by the
// lifecycle manager and consumed by the feedback loop for per-source weight
// recomputation.
type TradeOutcome struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	Ticker string `gorm:"size:20;index;not null" json:"ticker"`

	// Sources is JSON array of the producers that contributed to the entry.
	Sources string `gorm:"type:text" json:"sources"`

	Pnl       float64 `json:"pnl"`
	ReturnPct float64 `json:"return_pct"`
	Win       bool    `json:"win"`

	OpenedAt  time.Time `json:"opened_at"`
	ClosedAt  time.Time `gorm:"index" json:"closed_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (TradeOutcome) TableName() string {
	return "trade_outcomes"
}
