package connectors

import (
	"context"
	"errors"
	"time"
)

// Terminal classification for a submission attempt. Transient failures are
// eligible for failover to the next broker; permanent ones are not.
var (
	ErrBrokerTransient = errors.New("broker transient failure")
	ErrBrokerPermanent = errors.New("broker permanent failure")
)

// Account is the broker-side account snapshot.
type Account struct {
	Equity    float64
	Cash      float64
	BuyingPow float64
	Currency  string
}

// BrokerPosition is a position as the broker reports it.
type BrokerPosition struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
}

// Quote is a current market price for one symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	At     time.Time
}

// Mid returns the bid/ask midpoint, falling back to last.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// OrderRequest is the broker-neutral submission payload. ClientOrderID must
// be stable across retries of the same logical order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string // buy / sell
	Quantity      float64
	OrderType     string // market / limit
	LimitPrice    *float64
	ReduceOnly    bool
}

// OrderAck is the broker's acceptance of a submission.
type OrderAck struct {
	BrokerOrderID string
	FillPrice     float64
	FilledQty     float64
	SubmittedAt   time.Time
}

// BrokerAdapter is the opaque venue interface the router fans out over.
// Implementations must honor ctx deadlines on every call: the router treats
// an exceeded deadline as a transient failure eligible for failover.
type BrokerAdapter interface {
	Name() string
	Connect(ctx context.Context) error
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	GetQuote(ctx context.Context, symbol string) (Quote, error)

	// SupportedAssets reports which asset classes the venue can execute so
	// the router can filter eligible brokers.
	SupportedAssets() []string

	// FeeBps is the venue's taker fee in basis points, used by the router's
	// cost scoring.
	FeeBps() float64
}
