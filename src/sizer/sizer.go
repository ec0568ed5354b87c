package sizer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/config"
	"signalpipeline/src/fusion"
	"signalpipeline/src/model"
)

// Sizer converts an approved fused signal into a concrete order: quantity,
// side and instrument. All money math runs through decimal and only the
// final quantity is converted back to float for the order record.
type Sizer struct {
	cfg      func() config.SizingConfig
	sessions SessionMultipliers
	now      func() time.Time
}

func New(cfg func() config.SizingConfig) *Sizer {
	return &Sizer{
		cfg:      cfg,
		sessions: DefaultSessionMultipliers(),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Useful for tests.
func (s *Sizer) WithClock(now func() time.Time) *Sizer {
	s.now = now
	return s
}

// Build sizes one order from a fused signal. sizeMultiplier is the circuit
// breaker's state multiplier (1.0 / 0.5 / 0.0); price is the current mark.
func (s *Sizer) Build(
	fs *fusion.FusedSignal,
	price float64,
	profile config.RegimeConfig,
	sizeMultiplier float64,
) (*model.PipelineOrder, error) {
	if price <= 0 {
		return nil, fmt.Errorf("no valid price for %s", fs.Ticker)
	}
	if sizeMultiplier <= 0 {
		return nil, fmt.Errorf("size multiplier is zero, no new entries")
	}

	cfg := s.cfg()

	// Conviction scaling: a composite of 100 earns the full base notional.
	notional := decimal.NewFromFloat(cfg.BaseNotional).
		Mul(decimal.NewFromFloat(abs(fs.CompositeScore) / 100)).
		Mul(decimal.NewFromFloat(sizeMultiplier))

	session := SessionDefault
	if cfg.SessionScaling {
		var mult decimal.Decimal
		mult, session = SessionMultiplier(s.now(), s.sessions)
		notional = notional.Mul(mult)
	}

	maxNotional := decimal.NewFromFloat(cfg.MaxNotional)
	if maxNotional.IsPositive() && notional.GreaterThan(maxNotional) {
		notional = maxNotional
	}

	if !notional.IsPositive() {
		return nil, fmt.Errorf("sized notional is zero for %s", fs.Ticker)
	}

	quantity := notional.Div(decimal.NewFromFloat(price)).Round(4)
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("sized quantity is zero for %s", fs.Ticker)
	}

	side := model.OrderSideBuy
	if fs.CompositeScore < 0 {
		side = model.OrderSideSell
	}

	order := &model.PipelineOrder{
		ClientOrderID: uuid.NewString(),
		Ticker:        fs.Ticker,
		AssetClass:    assetClassOf(fs.Ticker, quantity),
		Side:          side,
		Quantity:      quantity.InexactFloat64(),
		OrderType:     model.OrderTypeMarket,
		SignalID:      fs.SignalID,
		Status:        model.OrderStatusPending,
		StopLoss:      scaledStop(fs, price, profile.StopMultiplier),
		TargetPrice:   fs.TargetPrice,
	}

	logger.WithFields(map[string]interface{}{
		"ticker":   order.Ticker,
		"side":     order.Side,
		"quantity": order.Quantity,
		"notional": notional.String(),
		"session":  string(session),
	}).Info("sized order")

	return order, nil
}

// scaledStop applies the regime stop multiplier to the signal's stop
// distance. A tighter regime (multiplier < 1) pulls the stop toward entry.
func scaledStop(fs *fusion.FusedSignal, price, stopMultiplier float64) *float64 {
	if fs.StopLoss == nil || stopMultiplier <= 0 {
		return fs.StopLoss
	}

	distance := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(*fs.StopLoss)).
		Mul(decimal.NewFromFloat(stopMultiplier))

	stop := decimal.NewFromFloat(price).Sub(distance).InexactFloat64()
	return &stop
}

// assetClassOf infers asset class from ticker convention: crypto pairs carry
// a quote suffix, fractional equity orders are sub-share quantities.
func assetClassOf(ticker string, quantity decimal.Decimal) string {
	upper := strings.ToUpper(ticker)
	if strings.HasSuffix(upper, "-USD") || strings.HasSuffix(upper, "USDT") || strings.HasSuffix(upper, "USDC") {
		return model.AssetClassCrypto
	}
	if quantity.LessThan(decimal.NewFromInt(1)) {
		return model.AssetClassFractional
	}
	return model.AssetClassEquity
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
