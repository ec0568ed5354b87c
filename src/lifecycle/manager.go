package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/model"
	"signalpipeline/src/router"
)

// positionStore is the slice of the position repository the manager needs.
type positionStore interface {
	Create(ctx context.Context, pos *model.Position) error
	UpdateMark(ctx context.Context, pos *model.Position) error
	Close(ctx context.Context, pos *model.Position) error
	FindOpen(ctx context.Context) ([]model.Position, error)
}

type outcomeStore interface {
	Create(ctx context.Context, outcome *model.TradeOutcome) error
}

type orderStore interface {
	Create(ctx context.Context, order *model.PipelineOrder) error
}

// exitRouter submits the manager's reduce-only exit orders.
type exitRouter interface {
	Route(ctx context.Context, order *model.PipelineOrder, markPrice float64) (*router.Result, error)
}

// OutcomeSink receives each realized trade outcome after it is persisted.
// The circuit breaker and the feedback loop both register one.
type OutcomeSink func(outcome model.TradeOutcome)

// Manager is the exclusive owner of open positions. Fills open or adjust
// positions, the periodic sweep marks them and triggers exits, and the kill
// switch's emergency close-all liquidates everything. Sweep and close-all
// share one mutex so they can never interleave on the same position.
type Manager struct {
	positions positionStore
	outcomes  outcomeStore
	orders    orderStore
	exits     exitRouter
	price     func(ticker string) (float64, error)
	now       func() time.Time

	mu    sync.Mutex
	open  map[string]*model.Position
	sinks []OutcomeSink

	portfolio portfolioState
}

func NewManager(
	positions positionStore,
	outcomes outcomeStore,
	orders orderStore,
	exits exitRouter,
	price func(ticker string) (float64, error),
) *Manager {
	return &Manager{
		positions: positions,
		outcomes:  outcomes,
		orders:    orders,
		exits:     exits,
		price:     price,
		now:       time.Now,
		open:      map[string]*model.Position{},
	}
}

// WithClock overrides the time source. Useful for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// OnOutcome registers a sink invoked for every realized outcome. Must be
// called before the pipeline starts.
func (m *Manager) OnOutcome(sink OutcomeSink) {
	m.sinks = append(m.sinks, sink)
}

// Restore loads open positions from the database after a restart.
func (m *Manager) Restore(ctx context.Context) error {
	rows, err := m.positions.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range rows {
		pos := rows[i]
		m.open[pos.Ticker] = &pos
	}

	logger.WithField("positions", len(rows)).Info("restored open positions")
	return nil
}

// OpenCount returns the number of open positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// HasPosition reports whether ticker has an open position, and its side.
func (m *Manager) HasPosition(ticker string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.open[ticker]
	if !ok {
		return "", false
	}
	return pos.Side(), true
}

// ApplyFill folds one fill into the position book. Same-direction fills
// average into the entry; opposite-direction fills reduce and realize P&L. A
// fill large enough to flip the sign closes the position at zero first and
// opens the remainder as a new position, so a position's sign never flips in
// place.
func (m *Manager) ApplyFill(ctx context.Context, order *model.PipelineOrder, fillPrice float64, sector string, sources []string) error {
	signedQty := order.Quantity
	if order.Side == model.OrderSideSell {
		signedQty = -order.Quantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pos, held := m.open[order.Ticker]
	if !held {
		return m.openPositionLocked(ctx, order, signedQty, fillPrice, sector, sources)
	}

	sameDirection := (pos.Quantity > 0) == (signedQty > 0)
	if sameDirection {
		total := pos.Quantity + signedQty
		pos.AverageEntryPrice = (pos.AverageEntryPrice*math.Abs(pos.Quantity) + fillPrice*math.Abs(signedQty)) / math.Abs(total)
		pos.Quantity = total
		pos.CurrentPrice = fillPrice
		mergeSources(pos, sources)
		return m.positions.UpdateMark(ctx, pos)
	}

	remaining := pos.Quantity + signedQty
	switch {
	case math.Abs(signedQty) < math.Abs(pos.Quantity):
		// Partial reduce: realize the closed slice.
		closedQty := -signedQty
		pnl := (fillPrice - pos.AverageEntryPrice) * closedQty
		m.realizeLocked(ctx, pos, pnl, closedQty)
		pos.Quantity = remaining
		return m.positions.UpdateMark(ctx, pos)

	case remaining == 0:
		return m.closePositionLocked(ctx, pos, fillPrice)

	default:
		// Flip: close fully, open the remainder fresh at the fill price.
		if err := m.closePositionLocked(ctx, pos, fillPrice); err != nil {
			return err
		}
		return m.openPositionLocked(ctx, order, remaining, fillPrice, sector, sources)
	}
}

func (m *Manager) openPositionLocked(ctx context.Context, order *model.PipelineOrder, signedQty, fillPrice float64, sector string, sources []string) error {
	encoded, _ := json.Marshal(sources)
	pos := &model.Position{
		Ticker:            order.Ticker,
		Sector:            sector,
		Quantity:          signedQty,
		AverageEntryPrice: fillPrice,
		CurrentPrice:      fillPrice,
		StopLoss:          order.StopLoss,
		TargetPrice:       order.TargetPrice,
		Sources:           string(encoded),
		Status:            model.PositionStatusOpen,
		OrderID:           &order.ID,
		OpenedAt:          m.now().UTC(),
	}

	if err := m.positions.Create(ctx, pos); err != nil {
		return err
	}
	m.open[order.Ticker] = pos

	logger.WithFields(map[string]interface{}{
		"ticker":   pos.Ticker,
		"side":     pos.Side(),
		"quantity": pos.Quantity,
		"entry":    fillPrice,
	}).Info("position opened")

	return nil
}

func (m *Manager) closePositionLocked(ctx context.Context, pos *model.Position, exitPrice float64) error {
	pnl := (exitPrice - pos.AverageEntryPrice) * pos.Quantity
	m.realizeLocked(ctx, pos, pnl, pos.Quantity)

	closedAt := m.now().UTC()
	pos.Status = model.PositionStatusClosed
	pos.ExitPrice = &exitPrice
	pos.ClosedAt = &closedAt
	if err := m.positions.Close(ctx, pos); err != nil {
		return err
	}
	delete(m.open, pos.Ticker)

	logger.WithFields(map[string]interface{}{
		"ticker": pos.Ticker,
		"exit":   exitPrice,
		"pnl":    pnl,
	}).Info("position closed")

	return nil
}

// realizeLocked records a realized outcome and fans it out to the sinks.
func (m *Manager) realizeLocked(ctx context.Context, pos *model.Position, pnl, closedQty float64) {
	basis := math.Abs(pos.AverageEntryPrice * closedQty)
	returnPct := 0.0
	if basis > 0 {
		returnPct = pnl / basis * 100
	}

	outcome := model.TradeOutcome{
		Ticker:    pos.Ticker,
		Sources:   pos.Sources,
		Pnl:       pnl,
		ReturnPct: returnPct,
		Win:       pnl >= 0,
		OpenedAt:  pos.OpenedAt,
		ClosedAt:  m.now().UTC(),
	}
	if err := m.outcomes.Create(ctx, &outcome); err != nil {
		logger.WithError(err).Error("failed to persist trade outcome")
	}

	for _, sink := range m.sinks {
		sink(outcome)
	}
}

// Sweep marks every open position against the current price, ratchets
// trailing stops, and exits positions whose stop or target has been hit.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range m.open {
		price, err := m.price(pos.Ticker)
		if err != nil {
			logger.WithError(err).WithField("ticker", pos.Ticker).
				Warn("no mark price for sweep")
			continue
		}

		pos.CurrentPrice = price
		pos.UnrealizedPnl = (price - pos.AverageEntryPrice) * pos.Quantity
		ratchetStop(pos, price)

		if err := m.positions.UpdateMark(ctx, pos); err != nil {
			logger.WithError(err).WithField("ticker", pos.Ticker).
				Warn("failed to persist mark")
		}

		if reason, hit := exitTriggered(pos, price); hit {
			if err := m.submitExitLocked(ctx, pos, price, reason); err != nil {
				logger.WithError(err).WithFields(map[string]interface{}{
					"ticker": pos.Ticker,
					"reason": reason,
				}).Error("exit submission failed")
			}
		}
	}
}

// CloseAll liquidates every open position. Holds the same lock as Sweep so
// an in-flight sweep finishes before liquidation starts.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"reason":    reason,
		"positions": len(m.open),
	}).Warn("emergency close-all")

	var errs []error
	for _, pos := range m.open {
		price, err := m.price(pos.Ticker)
		if err != nil {
			price = pos.CurrentPrice
		}
		if err := m.submitExitLocked(ctx, pos, price, reason); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pos.Ticker, err))
		}
	}
	return errors.Join(errs...)
}

// submitExitLocked routes a reduce-only order for the full position and, on
// fill, closes the book entry.
func (m *Manager) submitExitLocked(ctx context.Context, pos *model.Position, markPrice float64, reason string) error {
	side := model.OrderSideSell
	if pos.Quantity < 0 {
		side = model.OrderSideBuy
	}

	order := &model.PipelineOrder{
		ClientOrderID: uuid.NewString(),
		Ticker:        pos.Ticker,
		AssetClass:    assetClassOf(pos.Ticker),
		Side:          side,
		Quantity:      math.Abs(pos.Quantity),
		OrderType:     model.OrderTypeMarket,
		ReduceOnly:    true,
		SignalID:      "",
		Status:        model.OrderStatusPending,
		FailReason:    "",
	}
	if err := m.orders.Create(ctx, order); err != nil {
		return fmt.Errorf("create exit order: %w", err)
	}

	result, err := m.exits.Route(ctx, order, markPrice)
	if err != nil {
		return fmt.Errorf("route exit: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"ticker": pos.Ticker,
		"reason": reason,
		"broker": result.Broker,
		"fill":   result.Ack.FillPrice,
	}).Info("exit filled")

	return m.closePositionLocked(ctx, pos, result.Ack.FillPrice)
}

// exitTriggered checks stop and target against the mark.
func exitTriggered(pos *model.Position, price float64) (string, bool) {
	long := pos.Quantity > 0
	if pos.StopLoss != nil {
		if (long && price <= *pos.StopLoss) || (!long && price >= *pos.StopLoss) {
			return "stop_loss", true
		}
	}
	if pos.TargetPrice != nil {
		if (long && price >= *pos.TargetPrice) || (!long && price <= *pos.TargetPrice) {
			return "target", true
		}
	}
	return "", false
}

// ratchetStop trails the stop behind a favorable move, preserving the
// original stop distance. The stop only ever tightens.
func ratchetStop(pos *model.Position, price float64) {
	if pos.StopLoss == nil {
		return
	}

	if pos.Quantity > 0 {
		distance := pos.AverageEntryPrice - *pos.StopLoss
		if distance <= 0 {
			return
		}
		if trailed := price - distance; trailed > *pos.StopLoss {
			pos.StopLoss = &trailed
		}
		return
	}

	distance := *pos.StopLoss - pos.AverageEntryPrice
	if distance <= 0 {
		return
	}
	if trailed := price + distance; trailed < *pos.StopLoss {
		pos.StopLoss = &trailed
	}
}

func mergeSources(pos *model.Position, sources []string) {
	var existing []string
	_ = json.Unmarshal([]byte(pos.Sources), &existing)

	seen := map[string]bool{}
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range sources {
		if !seen[s] {
			existing = append(existing, s)
			seen[s] = true
		}
	}

	encoded, _ := json.Marshal(existing)
	pos.Sources = string(encoded)
}

// assetClassOf mirrors the sizer's ticker convention for exit orders.
func assetClassOf(ticker string) string {
	upper := strings.ToUpper(ticker)
	if strings.HasSuffix(upper, "-USD") || strings.HasSuffix(upper, "USDT") || strings.HasSuffix(upper, "USDC") {
		return model.AssetClassCrypto
	}
	return model.AssetClassEquity
}
