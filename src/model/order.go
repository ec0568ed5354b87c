package model

import "time"

const (
	OrderStatusPending  = "pending"
	OrderStatusRouted   = "routed"
	OrderStatusFilled   = "filled"
	OrderStatusRejected = "rejected"
	OrderStatusFailed   = "failed"
)

const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Asset classes a broker adapter can declare support for.
const (
	AssetClassEquity     = "equity"
	AssetClassCrypto     = "crypto"
	AssetClassOption     = "option"
	AssetClassFractional = "fractional"
)

// PipelineOrder is the unit handed to the order router. Created by the sizer,
// mutated only by the router and the lifecycle manager as status transitions
// occur, retained until settlement for audit.
type PipelineOrder struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// ClientOrderID is assigned before the first submission attempt and reused
	// across failover retries so a retried submission cannot double-fill.
	ClientOrderID string `gorm:"size:36;uniqueIndex;not null" json:"client_order_id"`

	Ticker     string   `gorm:"size:20;index;not null" json:"ticker"`
	AssetClass string   `gorm:"size:20;not null;default:equity" json:"asset_class"`
	Side       string   `gorm:"size:10;not null" json:"side"`
	Quantity   float64  `json:"quantity"`
	OrderType  string   `gorm:"size:20;not null;default:market" json:"order_type"`
	LimitPrice *float64 `json:"limit_price,omitempty"`
	ReduceOnly bool     `json:"reduce_only"`

	StopLoss    *float64 `json:"stop_loss,omitempty"`
	TargetPrice *float64 `json:"target_price,omitempty"`

	// Back-references for audit reconstruction. Exactly one risk decision per
	// order.
	SignalID       string `gorm:"size:36;index" json:"signal_id"`
	RiskDecisionID string `gorm:"size:36;index;not null" json:"risk_decision_id"`

	Status     string   `gorm:"size:20;not null;default:pending" json:"status"`
	Broker     string   `gorm:"size:50" json:"broker,omitempty"`
	FillPrice  *float64 `json:"fill_price,omitempty"`
	FailReason string   `gorm:"size:255" json:"fail_reason,omitempty"`

	RoutedAt  *time.Time `json:"routed_at,omitempty"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	// One-to-many: every submission attempt is recorded, including failures.
	Attempts []OrderAttempt `gorm:"foreignKey:OrderID" json:"attempts,omitempty"`
}

func (PipelineOrder) TableName() string {
	return "pipeline_orders"
}

// OrderAttempt records a single broker submission attempt for post-hoc
// routing-quality analysis.
type OrderAttempt struct {
	ID      uint           `gorm:"primaryKey" json:"id"`
	OrderID uint           `gorm:"index" json:"order_id"`
	Order   *PipelineOrder `gorm:"constraint:OnDelete:CASCADE" json:"order,omitempty"`

	Broker    string    `gorm:"size:50;not null" json:"broker"`
	Outcome   string    `gorm:"size:20;not null" json:"outcome"` // submitted / timeout / error
	LatencyMs int64     `json:"latency_ms"`
	Error     string    `gorm:"size:512" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (OrderAttempt) TableName() string {
	return "order_attempts"
}
