package model

import "time"

const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// Signal source constants enumerate the known producers. Unknown sources are
// still accepted by the normalizer but fuse with the default weight.
const (
	SourceEMACloud         = "ema_cloud"
	SourceMeanReversion    = "mean_reversion"
	SourceMomentumBreakout = "momentum_breakout"
	SourceSentiment        = "sentiment"
	SourceMLRanking        = "ml_ranking"
)

// Signal is the canonical record every producer output is normalized into.
// It is immutable after creation: downstream stages read it by reference and
// never write back.
type Signal struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	SignalID   string  `gorm:"size:36;uniqueIndex;not null" json:"signal_id"`
	Ticker     string  `gorm:"size:20;index;not null" json:"ticker"`
	Source     string  `gorm:"size:50;index;not null" json:"source"`
	Direction  string  `gorm:"size:10;not null" json:"direction"`
	Conviction float64 `json:"conviction"` // 0..100
	SignalType string  `gorm:"size:50;not null" json:"signal_type"`

	EntryPrice  float64  `json:"entry_price"`
	StopLoss    *float64 `json:"stop_loss,omitempty"`
	TargetPrice *float64 `json:"target_price,omitempty"`

	Metadata string `gorm:"type:text" json:"metadata,omitempty"` // opaque JSON key/value

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Signal) TableName() string {
	return "signals"
}

// DirectionSign maps long to +1 and short to -1.
func (s *Signal) DirectionSign() float64 {
	if s.Direction == DirectionShort {
		return -1
	}
	return 1
}
