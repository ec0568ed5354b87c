package model

import "time"

// FusedSignalRecord is the persisted form of a fusion cycle's output for one
// ticker. Records are superseded by the next fusion cycle, never mutated;
// WeightVersion pins the weight snapshot that produced the composite so past
// records stay reproducible after a weight update.
type FusedSignalRecord struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	Ticker         string  `gorm:"size:20;index;not null" json:"ticker"`
	CompositeScore float64 `json:"composite_score"` // -100..+100
	AgreementRatio float64 `json:"agreement_ratio"` // 0..1
	DecayApplied   bool    `json:"decay_applied"`

	// Contributions is JSON: source -> {weight, raw, decay}.
	Contributions string `gorm:"type:text" json:"contributions"`

	WeightVersion uint      `gorm:"index" json:"weight_version"`
	FusedAt       time.Time `gorm:"index" json:"fused_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func (FusedSignalRecord) TableName() string {
	return "fused_signals"
}
