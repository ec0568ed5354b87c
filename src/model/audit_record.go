package model

import "time"

// Audit record kinds.
const (
	AuditKindSignal         = "signal"
	AuditKindFusedSignal    = "fused_signal"
	AuditKindRiskDecision   = "risk_decision"
	AuditKindOrderEvent     = "order_event"
	AuditKindBreakerEvent   = "breaker_event"
	AuditKindWeightSnapshot = "weight_snapshot"
	AuditKindAlert          = "alert"
	AuditKindDrop           = "drop"
)

// AuditRecord is one link in the tamper-evident hash chain. Hash covers
// payload + prev hash; verification is a linear re-scan recomputing hashes.
type AuditRecord struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Seq  uint64 `gorm:"uniqueIndex;not null" json:"seq"`
	Kind string `gorm:"size:30;index;not null" json:"kind"`

	Payload  string `gorm:"type:text;not null" json:"payload"`
	PrevHash string `gorm:"size:64;not null" json:"prev_hash"`
	Hash     string `gorm:"size:64;not null" json:"hash"`

	CreatedAt time.Time `json:"created_at"`
}

func (AuditRecord) TableName() string {
	return "audit_records"
}
