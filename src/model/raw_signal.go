package model

import "time"

// RawProducerSignal is the row shape external producers write into the
// read-only signals database. Field meanings vary per producer (some emit
// 0..1 confidence, some 0..100; some use buy/sell actions instead of
// long/short) which is why everything goes through the normalizer before
// entering the pipeline.
type RawProducerSignal struct {
	ID         uint     `gorm:"primaryKey;column:id" json:"id"`
	Producer   string   `gorm:"column:producer" json:"producer"`
	Symbol     string   `gorm:"column:symbol" json:"symbol"`
	Action     string   `gorm:"column:action" json:"action"` // buy/sell/long/short
	SignalType string   `gorm:"column:signal_type" json:"signal_type"`
	Confidence float64  `gorm:"column:confidence" json:"confidence"`
	Scale      string   `gorm:"column:scale" json:"scale"` // "unit" (0..1) or "percent" (0..100)
	Price      *float64 `gorm:"column:price" json:"price,omitempty"`
	StopLoss   *float64 `gorm:"column:stop_loss" json:"stop_loss,omitempty"`
	Target     *float64 `gorm:"column:target" json:"target,omitempty"`
	Payload    string   `gorm:"column:payload;type:text" json:"payload,omitempty"`

	EmittedAt  *time.Time `gorm:"column:emitted_at" json:"emitted_at,omitempty"`
	ReceivedAt *time.Time `gorm:"column:received_at" json:"received_at,omitempty"`
}

// TableName ensures GORM uses the exact table name the producers write to.
func (RawProducerSignal) TableName() string {
	return "producer_signals"
}
