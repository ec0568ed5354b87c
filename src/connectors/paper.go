package connectors

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
)

// PaperBroker fills every order instantly at the quoted mid. Used for
// dry-run operation and as the deterministic venue in tests.
type PaperBroker struct {
	name    string
	assets  []string
	feeBps  float64
	now     func() time.Time

	mu        sync.Mutex
	quotes    map[string]Quote
	positions map[string]BrokerPosition
	orders    map[string]OrderAck // client order id -> ack, for idempotency
	cash      float64
}

func NewPaperBroker(name string, assets []string, startingCash float64) *PaperBroker {
	if name == "" {
		name = "paper"
	}
	return &PaperBroker{
		name:      name,
		assets:    assets,
		feeBps:    0,
		now:       time.Now,
		quotes:    map[string]Quote{},
		positions: map[string]BrokerPosition{},
		orders:    map[string]OrderAck{},
		cash:      startingCash,
	}
}

// WithClock overrides the time source. Useful for tests.
func (b *PaperBroker) WithClock(now func() time.Time) *PaperBroker {
	b.now = now
	return b
}

// SetQuote seeds or updates the simulated market.
func (b *PaperBroker) SetQuote(symbol string, last float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = Quote{Symbol: symbol, Last: last, Bid: last, Ask: last, At: b.now()}
}

func (b *PaperBroker) Name() string              { return b.name }
func (b *PaperBroker) SupportedAssets() []string { return b.assets }
func (b *PaperBroker) FeeBps() float64           { return b.feeBps }

func (b *PaperBroker) Connect(ctx context.Context) error { return nil }

func (b *PaperBroker) GetAccount(ctx context.Context) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for _, pos := range b.positions {
		equity += pos.Quantity * pos.MarkPrice
	}
	return Account{Equity: equity, Cash: b.cash, BuyingPow: b.cash, Currency: "USD"}, nil
}

func (b *PaperBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	positions := make([]BrokerPosition, 0, len(b.positions))
	for _, pos := range b.positions {
		positions = append(positions, pos)
	}
	return positions, nil
}

func (b *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, fmt.Errorf("%w: %v", ErrBrokerTransient, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Idempotent resubmission: a repeated client order id returns the
	// original ack instead of double-filling.
	if ack, ok := b.orders[req.ClientOrderID]; ok {
		return ack, nil
	}

	quote, ok := b.quotes[req.Symbol]
	if !ok {
		return OrderAck{}, fmt.Errorf("%w: no quote for %s", ErrBrokerPermanent, req.Symbol)
	}

	price := quote.Mid()
	signed := req.Quantity
	if req.Side == "sell" {
		signed = -req.Quantity
	}

	pos := b.positions[req.Symbol]
	pos.Symbol = req.Symbol
	pos.Quantity += signed
	pos.MarkPrice = price
	if pos.Quantity == 0 {
		delete(b.positions, req.Symbol)
	} else {
		if pos.EntryPrice == 0 {
			pos.EntryPrice = price
		}
		b.positions[req.Symbol] = pos
	}
	b.cash -= signed * price

	ack := OrderAck{
		BrokerOrderID: fmt.Sprintf("paper-%s", req.ClientOrderID),
		FillPrice:     price,
		FilledQty:     req.Quantity,
		SubmittedAt:   b.now(),
	}
	b.orders[req.ClientOrderID] = ack

	logger.WithFields(map[string]interface{}{
		"broker": b.name,
		"symbol": req.Symbol,
		"side":   req.Side,
		"qty":    req.Quantity,
		"price":  price,
	}).Debug("paper fill")

	return ack, nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, clientOrderID string) error {
	// Paper fills are instantaneous; nothing is ever in flight to cancel.
	return nil
}

func (b *PaperBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	quote, ok := b.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no quote for %s", ErrBrokerPermanent, symbol)
	}
	return quote, nil
}
