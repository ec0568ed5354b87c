package model

import "time"

const (
	RiskVerdictAllow  = "allow"
	RiskVerdictDeny   = "deny"
	RiskVerdictResize = "resize"
)

// Risk gate denial reasons. These are persisted verbatim so compliance can
// reconstruct "why" post hoc.
const (
	RiskReasonDrawdownLimit   = "drawdown_limit_exceeded"
	RiskReasonInstrumentCap   = "instrument_exposure_cap_exceeded"
	RiskReasonSectorCap       = "sector_concentration_cap_exceeded"
	RiskReasonCorrelationCap  = "correlation_cap_exceeded"
	RiskReasonOrderVelocity   = "order_velocity_limit_exceeded"
	RiskReasonStaleSnapshot   = "risk_snapshot_stale"
	RiskReasonKillSwitch      = "kill_switch_triggered"
	RiskReasonBreakerOpen     = "circuit_breaker_open"
)

// RiskDecisionRecord persists one gate evaluation, regardless of outcome.
type RiskDecisionRecord struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	DecisionID string `gorm:"size:36;uniqueIndex;not null" json:"decision_id"`

	Ticker    string  `gorm:"size:20;index" json:"ticker"`
	Side      string  `gorm:"size:10" json:"side"`
	Quantity  float64 `json:"quantity"`
	SignalID  string  `gorm:"size:36;index" json:"signal_id"`

	Verdict        string   `gorm:"size:10;not null" json:"verdict"`
	Reason         string   `gorm:"size:255" json:"reason,omitempty"`
	ResizeQuantity *float64 `json:"resize_quantity,omitempty"`

	// Correlation context is logged for every decision, pass or fail.
	CorrBefore    float64 `json:"corr_before"`
	CorrAfter     float64 `json:"corr_after"`
	CorrThreshold float64 `json:"corr_threshold"`

	SnapshotAgeMs int64     `json:"snapshot_age_ms"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

func (RiskDecisionRecord) TableName() string {
	return "risk_decisions"
}
