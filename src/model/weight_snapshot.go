package model

import "time"

const (
	WeightTriggerScheduled = "scheduled"
	WeightTriggerManual    = "manual"
	WeightTriggerRollback  = "rollback"
)

// WeightSnapshot is a versioned, append-only record of per-source fusion
// weights together with the performance context that produced them. The
// feedback loop is the sole writer; fusion reads only the latest version.
type WeightSnapshot struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	Version uint `gorm:"uniqueIndex;not null" json:"version"`

	// Weights is JSON: source -> weight, summing to 1.0.
	Weights string `gorm:"type:text;not null" json:"weights"`

	Trigger string `gorm:"size:20;not null" json:"trigger"`

	// Context is JSON: per-source sharpe, win rate, sample counts for the
	// window that produced this adjustment.
	Context string `gorm:"type:text" json:"context,omitempty"`

	// PrevVersion points at the snapshot this one superseded, enabling
	// rollback without deleting history.
	PrevVersion *uint `json:"prev_version,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (WeightSnapshot) TableName() string {
	return "weight_snapshots"
}
