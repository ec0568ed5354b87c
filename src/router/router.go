package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/config"
	"signalpipeline/src/connectors"
	"signalpipeline/src/model"
)

// ErrNoEligibleBroker means no registered venue supports the order's asset
// class.
var ErrNoEligibleBroker = errors.New("no eligible broker for order")

// orderStore is the slice of the order repository the router needs.
type orderStore interface {
	UpdateStatus(ctx context.Context, order *model.PipelineOrder) error
	AddAttempt(ctx context.Context, attempt *model.OrderAttempt) error
}

// Result is the terminal outcome of routing one order.
type Result struct {
	Order    *model.PipelineOrder
	Broker   string
	Ack      connectors.OrderAck
	Scores   []BrokerScore
	Attempts int
}

// Router picks the best venue for each order and fails over to the next
// candidate on transient errors. The client order id assigned at sizing time
// is reused across every attempt so a venue that already accepted the order
// returns its original ack instead of filling twice.
type Router struct {
	brokers []connectors.BrokerAdapter
	orders  orderStore
	cfg     func() config.RouterConfig
	card    *scorecard
	halted  func() bool
	now     func() time.Time
}

func New(brokers []connectors.BrokerAdapter, orders orderStore, cfg func() config.RouterConfig) *Router {
	return &Router{
		brokers: brokers,
		orders:  orders,
		cfg:     cfg,
		card:    newScorecard(),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Useful for tests.
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// WithHaltCheck wires the kill switch in: a halt raised while an order is
// failing over stops further attempts instead of trying the next venue.
func (r *Router) WithHaltCheck(halted func() bool) *Router {
	r.halted = halted
	return r
}

// eligible filters brokers to those declaring support for the asset class.
func (r *Router) eligible(assetClass string) []connectors.BrokerAdapter {
	var out []connectors.BrokerAdapter
	for _, b := range r.brokers {
		for _, cls := range b.SupportedAssets() {
			if cls == assetClass {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

func (r *Router) byName(name string) connectors.BrokerAdapter {
	for _, b := range r.brokers {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

// candidateOrder returns brokers best-first, honoring a class override by
// promoting the named broker to the front when it is eligible.
func (r *Router) candidateOrder(order *model.PipelineOrder, cfg config.RouterConfig) ([]connectors.BrokerAdapter, []BrokerScore, error) {
	eligible := r.eligible(order.AssetClass)
	if len(eligible) == 0 {
		return nil, nil, fmt.Errorf("%w: asset class %s", ErrNoEligibleBroker, order.AssetClass)
	}

	scores := r.card.rank(eligible, cfg.CostWeight, cfg.SpeedWeight, cfg.FillQualityWeight)

	ordered := make([]connectors.BrokerAdapter, 0, len(scores))
	for _, s := range scores {
		ordered = append(ordered, r.byName(s.Broker))
	}

	if override, ok := cfg.ClassOverrides[order.AssetClass]; ok {
		for i, b := range ordered {
			if b.Name() == override && i > 0 {
				ordered = append([]connectors.BrokerAdapter{b}, append(ordered[:i:i], ordered[i+1:]...)...)
				break
			}
		}
	}

	return ordered, scores, nil
}

// Route submits the order, failing over across venues on transient errors.
// Permanent rejections stop immediately. Every attempt is persisted.
func (r *Router) Route(ctx context.Context, order *model.PipelineOrder, markPrice float64) (*Result, error) {
	cfg := r.cfg()

	candidates, scores, err := r.candidateOrder(order, cfg)
	if err != nil {
		order.Status = model.OrderStatusFailed
		order.FailReason = err.Error()
		if uerr := r.orders.UpdateStatus(ctx, order); uerr != nil {
			logger.WithError(uerr).Error("failed to persist unroutable order")
		}
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if maxAttempts > len(candidates) {
		maxAttempts = len(candidates)
	}
	attemptTimeout := time.Duration(cfg.AttemptTimeoutMs) * time.Millisecond
	if attemptTimeout <= 0 {
		attemptTimeout = 5 * time.Second
	}

	req := connectors.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Ticker,
		Side:          order.Side,
		Quantity:      order.Quantity,
		OrderType:     order.OrderType,
		LimitPrice:    order.LimitPrice,
		ReduceOnly:    order.ReduceOnly,
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && r.halted != nil && r.halted() {
			order.Status = model.OrderStatusFailed
			order.FailReason = "kill switch preempted routing"
			if uerr := r.orders.UpdateStatus(ctx, order); uerr != nil {
				logger.WithError(uerr).Error("failed to persist preempted order")
			}
			return nil, fmt.Errorf("routing preempted by kill switch after %d attempts: %w", attempt, lastErr)
		}
		broker := candidates[attempt]

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		started := r.now()
		ack, err := broker.PlaceOrder(attemptCtx, req)
		latency := r.now().Sub(started).Milliseconds()
		cancel()

		if err == nil {
			slippage := slippageBps(markPrice, ack.FillPrice)
			r.card.success(broker.Name(), latency, slippage)
			r.recordAttempt(ctx, order, broker.Name(), "submitted", latency, "")

			routedAt := r.now().UTC()
			order.Status = model.OrderStatusFilled
			order.Broker = broker.Name()
			order.FillPrice = &ack.FillPrice
			order.RoutedAt = &routedAt
			if uerr := r.orders.UpdateStatus(ctx, order); uerr != nil {
				logger.WithError(uerr).Error("failed to persist routed order")
			}

			logger.WithFields(map[string]interface{}{
				"client_order_id": order.ClientOrderID,
				"ticker":          order.Ticker,
				"broker":          broker.Name(),
				"attempt":         attempt + 1,
				"latency_ms":      latency,
				"fill_price":      ack.FillPrice,
			}).Info("order routed")

			return &Result{
				Order:    order,
				Broker:   broker.Name(),
				Ack:      ack,
				Scores:   scores,
				Attempts: attempt + 1,
			}, nil
		}

		r.card.failure(broker.Name(), latency)
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		r.recordAttempt(ctx, order, broker.Name(), outcome, latency, err.Error())
		lastErr = err

		if !connectors.IsTransient(err) {
			order.Status = model.OrderStatusRejected
			order.Broker = broker.Name()
			order.FailReason = err.Error()
			if uerr := r.orders.UpdateStatus(ctx, order); uerr != nil {
				logger.WithError(uerr).Error("failed to persist rejected order")
			}
			return nil, err
		}

		logger.WithFields(map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"broker":          broker.Name(),
			"attempt":         attempt + 1,
		}).WithError(err).Warn("broker attempt failed, trying next venue")
	}

	order.Status = model.OrderStatusFailed
	order.FailReason = fmt.Sprintf("all %d attempts failed: %v", maxAttempts, lastErr)
	if uerr := r.orders.UpdateStatus(ctx, order); uerr != nil {
		logger.WithError(uerr).Error("failed to persist failed order")
	}
	return nil, fmt.Errorf("routing exhausted after %d attempts: %w", maxAttempts, lastErr)
}

func (r *Router) recordAttempt(ctx context.Context, order *model.PipelineOrder, broker, outcome string, latencyMs int64, errMsg string) {
	attempt := &model.OrderAttempt{
		OrderID:   order.ID,
		Broker:    broker,
		Outcome:   outcome,
		LatencyMs: latencyMs,
		Error:     errMsg,
	}
	if err := r.orders.AddAttempt(ctx, attempt); err != nil {
		logger.WithError(err).Error("failed to record order attempt")
	}
}

// slippageBps measures fill quality against the mark at decision time.
func slippageBps(mark, fill float64) float64 {
	if mark <= 0 || fill <= 0 {
		return 0
	}
	return (fill - mark) / mark * 10000
}
