package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"signalpipeline/src/alerts"
	"signalpipeline/src/audit"
	"signalpipeline/src/breaker"
	"signalpipeline/src/config"
	"signalpipeline/src/connectors"
	"signalpipeline/src/feedback"
	"signalpipeline/src/fusion"
	"signalpipeline/src/guard"
	"signalpipeline/src/lifecycle"
	"signalpipeline/src/model"
	"signalpipeline/src/normalizer"
	"signalpipeline/src/regime"
	"signalpipeline/src/risk"
	"signalpipeline/src/router"
	"signalpipeline/src/sizer"
)

var tickTime = time.Date(2025, time.June, 2, 12, 0, 0, 0, time.UTC)

type fakeSignalStore struct {
	raws    []model.RawProducerSignal
	findErr error
	created []*model.Signal
	fused   []*model.FusedSignalRecord
}

func (f *fakeSignalStore) FindRawAfterID(_ context.Context, lastID uint, limit int) ([]model.RawProducerSignal, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []model.RawProducerSignal
	for _, raw := range f.raws {
		if raw.ID > lastID {
			out = append(out, raw)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSignalStore) Create(_ context.Context, sig *model.Signal) error {
	f.created = append(f.created, sig)
	return nil
}

func (f *fakeSignalStore) CreateFused(_ context.Context, rec *model.FusedSignalRecord) error {
	f.fused = append(f.fused, rec)
	return nil
}

type fakeDecisionStore struct {
	recs []model.RiskDecisionRecord
}

func (f *fakeDecisionStore) Create(_ context.Context, rec *model.RiskDecisionRecord) error {
	f.recs = append(f.recs, *rec)
	return nil
}

type fakePipelineOrderStore struct {
	created       []*model.PipelineOrder
	statusUpdates int
}

func (f *fakePipelineOrderStore) Create(_ context.Context, order *model.PipelineOrder) error {
	order.ID = uint(len(f.created) + 1)
	f.created = append(f.created, order)
	return nil
}

func (f *fakePipelineOrderStore) UpdateStatus(_ context.Context, _ *model.PipelineOrder) error {
	f.statusUpdates++
	return nil
}

// fakeRouteSubmitter fills every order at the mark price, or fails everything
// when fail is set.
type fakeRouteSubmitter struct {
	fail   bool
	routed []*model.PipelineOrder
}

func (f *fakeRouteSubmitter) Route(_ context.Context, order *model.PipelineOrder, markPrice float64) (*router.Result, error) {
	f.routed = append(f.routed, order)
	if f.fail {
		order.Status = model.OrderStatusFailed
		return nil, errors.New("all venues exhausted")
	}
	order.Status = model.OrderStatusFilled
	fill := markPrice
	order.FillPrice = &fill
	return &router.Result{
		Order:    order,
		Broker:   "paper",
		Ack:      connectors.OrderAck{BrokerOrderID: "b-1", FillPrice: markPrice, FilledQty: order.Quantity},
		Attempts: 1,
	}, nil
}

type fakePositionRows struct {
	rows []*model.Position
}

func (f *fakePositionRows) Create(_ context.Context, pos *model.Position) error {
	f.rows = append(f.rows, pos)
	return nil
}
func (f *fakePositionRows) UpdateMark(_ context.Context, _ *model.Position) error { return nil }
func (f *fakePositionRows) Close(_ context.Context, _ *model.Position) error      { return nil }
func (f *fakePositionRows) FindOpen(_ context.Context) ([]model.Position, error)  { return nil, nil }

type fakeTradeOutcomes struct {
	outcomes []model.TradeOutcome
}

func (f *fakeTradeOutcomes) Create(_ context.Context, outcome *model.TradeOutcome) error {
	f.outcomes = append(f.outcomes, *outcome)
	return nil
}

func (f *fakeTradeOutcomes) FindWindow(_ context.Context, from, to time.Time) ([]model.TradeOutcome, error) {
	var out []model.TradeOutcome
	for _, o := range f.outcomes {
		if !o.ClosedAt.Before(from) && !o.ClosedAt.After(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeExitOrders struct {
	created []*model.PipelineOrder
}

func (f *fakeExitOrders) Create(_ context.Context, order *model.PipelineOrder) error {
	order.ID = uint(len(f.created) + 1)
	f.created = append(f.created, order)
	return nil
}

type fakeAuditStore struct {
	recs []model.AuditRecord
}

func (f *fakeAuditStore) Append(_ context.Context, rec *model.AuditRecord) error {
	f.recs = append(f.recs, *rec)
	return nil
}

func (f *fakeAuditStore) Last(_ context.Context) (*model.AuditRecord, error) {
	if len(f.recs) == 0 {
		return nil, nil
	}
	last := f.recs[len(f.recs)-1]
	return &last, nil
}

func (f *fakeAuditStore) Walk(_ context.Context, _ int, fn func(model.AuditRecord) error) error {
	for _, rec := range f.recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAuditStore) kindCount(kind string) int {
	n := 0
	for _, rec := range f.recs {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

type fakeBreakerEvents struct {
	events []*model.BreakerEvent
}

func (f *fakeBreakerEvents) Append(_ context.Context, event *model.BreakerEvent) error {
	f.events = append(f.events, event)
	return nil
}

type fakeWeightSnapshots struct {
	snaps []*model.WeightSnapshot
}

func (f *fakeWeightSnapshots) Append(_ context.Context, snap *model.WeightSnapshot) error {
	f.snaps = append(f.snaps, snap)
	return nil
}

func (f *fakeWeightSnapshots) Latest(_ context.Context) (*model.WeightSnapshot, error) {
	if len(f.snaps) == 0 {
		return nil, nil
	}
	return f.snaps[len(f.snaps)-1], nil
}

func (f *fakeWeightSnapshots) FindByVersion(_ context.Context, version uint) (*model.WeightSnapshot, error) {
	for _, snap := range f.snaps {
		if snap.Version == version {
			return snap, nil
		}
	}
	return nil, nil
}

type fakePortfolioSource struct {
	equity   float64
	drawdown float64
}

func (f *fakePortfolioSource) Equity() (float64, float64) { return f.equity, f.drawdown }
func (f *fakePortfolioSource) Exposures() (map[string]float64, map[string]float64, float64) {
	return map[string]float64{}, map[string]float64{}, 0
}
func (f *fakePortfolioSource) Correlations() (map[string]map[string]float64, float64) {
	return map[string]map[string]float64{}, 0
}

type captureAlerts struct {
	events []alerts.Event
}

func (c *captureAlerts) Dispatch(_ context.Context, event alerts.Event) error {
	c.events = append(c.events, event)
	return nil
}

type harness struct {
	signals   *fakeSignalStore
	decisions *fakeDecisionStore
	orders    *fakePipelineOrderStore
	routes    *fakeRouteSubmitter
	exits     *fakeRouteSubmitter

	positions  *fakePositionRows
	outcomes   *fakeTradeOutcomes
	exitOrders *fakeExitOrders

	auditStore *fakeAuditStore
	events     *fakeBreakerEvents
	alerts     *captureAlerts

	circuit *breaker.Circuit
	kill    *breaker.KillSwitch
	manager *lifecycle.Manager
	regimes *regime.Router

	prices map[string]float64
	series map[string][]float64

	advance func(d time.Duration)
}

func newTestPipeline(t *testing.T) (*Orchestrator, *harness) {
	t.Helper()

	cfg := config.Default()
	now := tickTime
	clock := func() time.Time { return now }

	h := &harness{
		signals:    &fakeSignalStore{},
		decisions:  &fakeDecisionStore{},
		orders:     &fakePipelineOrderStore{},
		routes:     &fakeRouteSubmitter{},
		exits:      &fakeRouteSubmitter{},
		positions:  &fakePositionRows{},
		outcomes:   &fakeTradeOutcomes{},
		exitOrders: &fakeExitOrders{},
		auditStore: &fakeAuditStore{},
		events:     &fakeBreakerEvents{},
		alerts:     &captureAlerts{},
		prices:     map[string]float64{},
		series:     map[string][]float64{},
		advance:    func(d time.Duration) { now = now.Add(d) },
	}

	price := func(ticker string) (float64, error) {
		if p, ok := h.prices[ticker]; ok {
			return p, nil
		}
		return 0, fmt.Errorf("no quote for %s", ticker)
	}
	returns := func(ticker string, n int) ([]float64, error) {
		if s, ok := h.series[ticker]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("no series for %s", ticker)
	}

	weights := fusion.NewWeightStore(fusion.WeightSet{Version: 1, Weights: cfg.Fusion.DefaultWeights})

	h.manager = lifecycle.NewManager(h.positions, h.outcomes, h.exitOrders, h.exits, price).
		WithClock(clock).
		WithPortfolioFeeds(func(context.Context) (connectors.Account, error) {
			return connectors.Account{Equity: 100000, Cash: 100000}, nil
		}, nil, "")

	h.circuit = breaker.NewCircuit(func() config.BreakerConfig { return cfg.Breaker }, h.events).WithClock(clock)
	h.kill = breaker.NewKillSwitch(func() config.BreakerConfig { return cfg.Breaker }, h.events, func(ctx context.Context, reason string) error {
		return h.manager.CloseAll(ctx, reason)
	}).WithClock(clock)

	loop := feedback.NewLoop(h.outcomes, &fakeWeightSnapshots{}, weights,
		func() config.FeedbackConfig { return cfg.Feedback }).WithClock(clock)
	h.manager.OnOutcome(loop.OnOutcome)

	provider := risk.NewProvider(&fakePortfolioSource{equity: 100000}).WithClock(clock)
	provider.Refresh()

	h.regimes = regime.NewRouter(func() map[string]config.RegimeConfig { return cfg.Regimes }).WithClock(clock)

	orch := NewOrchestrator(Deps{
		Config:    config.NewStore(""),
		Signals:   h.signals,
		Decisions: h.decisions,
		Orders:    h.orders,

		Normalizer: normalizer.New().WithClock(clock),
		Guard: guard.New(
			func() time.Duration { return time.Duration(cfg.Guard.MaxAgeSeconds) * time.Second },
			func() time.Duration { return time.Duration(cfg.Guard.DedupWindowSeconds) * time.Second },
			guard.WithClock(clock),
		),
		Fuser:    fusion.NewFuser(weights, func() float64 { return 0 }).WithClock(clock),
		Regimes:  h.regimes,
		Selector: regime.NewSelector(),
		Gate:     risk.NewGate(func() config.RiskConfig { return cfg.Risk }).WithClock(clock),
		Provider: provider,
		Sizer:    sizer.New(func() config.SizingConfig { return cfg.Sizing }).WithClock(clock),
		Router:   h.routes,
		Manager:  h.manager,
		Circuit:  h.circuit,
		Kill:     h.kill,
		Feedback: loop,
		Ledger:   audit.NewLedger(h.auditStore),
		Alerter:  alerts.NewAlerter(time.Minute, h.alerts).WithClock(clock),

		Price:     price,
		Returns:   returns,
		Benchmark: "SPY",
	}).WithClock(clock)

	return orch, h
}

// rawSignal builds a producer row that normalizes cleanly: unit-scale
// confidence, a mean-reversion signal type, emitted now.
func rawSignal(id uint, symbol string, confidence float64) model.RawProducerSignal {
	at := tickTime
	price := 200.0
	stop := 190.0
	return model.RawProducerSignal{
		ID:         id,
		Producer:   "ema",
		Symbol:     symbol,
		Action:     "buy",
		SignalType: "rsi_oversold",
		Confidence: confidence,
		Scale:      "unit",
		Price:      &price,
		StopLoss:   &stop,
		EmittedAt:  &at,
	}
}

func TestTickRoutesFusedSignal(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)

	h.prices["AAPL"] = 200
	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "aapl", 0.8)}

	orch.Tick(ctx)

	if len(h.signals.created) != 1 {
		t.Fatalf("normalized signals = %d, want 1", len(h.signals.created))
	}
	sig := h.signals.created[0]
	if sig.Ticker != "AAPL" || sig.Source != model.SourceEMACloud || sig.Conviction != 80 {
		t.Fatalf("unexpected normalized signal: %+v", sig)
	}

	if len(h.signals.fused) != 1 || h.signals.fused[0].CompositeScore != 80 {
		t.Fatalf("unexpected fused records: %+v", h.signals.fused)
	}

	if len(h.decisions.recs) != 1 {
		t.Fatalf("risk decisions = %d, want 1", len(h.decisions.recs))
	}
	decision := h.decisions.recs[0]
	if decision.Verdict != model.RiskVerdictAllow {
		t.Fatalf("verdict = %s (%s), want allow", decision.Verdict, decision.Reason)
	}

	if len(h.orders.created) != 1 {
		t.Fatalf("orders = %d, want 1", len(h.orders.created))
	}
	order := h.orders.created[0]
	// Base notional 2000 at 80% conviction is 1600: 8 shares at $200.
	if order.Quantity != 8 {
		t.Fatalf("quantity = %v, want 8", order.Quantity)
	}
	if order.Side != model.OrderSideBuy || order.Status != model.OrderStatusFilled {
		t.Fatalf("order = %+v, want filled buy", order)
	}
	if order.RiskDecisionID != decision.DecisionID {
		t.Fatalf("order decision id %q does not match recorded decision %q", order.RiskDecisionID, decision.DecisionID)
	}
	// $10 stop distance tightened by the sideways 0.9 multiplier.
	if order.StopLoss == nil || math.Abs(*order.StopLoss-191) > 1e-9 {
		t.Fatalf("stop = %v, want 191", order.StopLoss)
	}

	if len(h.routes.routed) != 1 {
		t.Fatalf("routed = %d, want 1", len(h.routes.routed))
	}
	if h.manager.OpenCount() != 1 {
		t.Fatalf("open positions = %d, want 1", h.manager.OpenCount())
	}
	if side, held := h.manager.HasPosition("AAPL"); !held || side != model.DirectionLong {
		t.Fatalf("position side = %q held=%v, want long", side, held)
	}

	for _, kind := range []string{
		model.AuditKindSignal, model.AuditKindFusedSignal,
		model.AuditKindRiskDecision, model.AuditKindOrderEvent,
	} {
		if h.auditStore.kindCount(kind) != 1 {
			t.Fatalf("audit kind %s count = %d, want 1", kind, h.auditStore.kindCount(kind))
		}
	}

	// The poll cursor advanced: a second tick re-processes nothing.
	orch.Tick(ctx)
	if len(h.routes.routed) != 1 {
		t.Fatalf("routed = %d after idle tick, want still 1", len(h.routes.routed))
	}
}

func TestTickDropsMalformedAndDuplicate(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)
	h.prices["AAPL"] = 200

	malformed := rawSignal(2, "AAPL", 0.7)
	malformed.Action = "hold"
	duplicate := rawSignal(3, "AAPL", 0.9)

	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "AAPL", 0.8), malformed, duplicate}

	orch.Tick(ctx)

	// The duplicate is persisted (it normalized fine) but the guard drops it
	// before fusion; the malformed row never persists.
	if len(h.signals.created) != 2 {
		t.Fatalf("persisted signals = %d, want 2", len(h.signals.created))
	}
	if got := h.auditStore.kindCount(model.AuditKindDrop); got != 2 {
		t.Fatalf("drop records = %d, want 2", got)
	}
	if len(h.signals.fused) != 1 {
		t.Fatalf("fused records = %d, want 1", len(h.signals.fused))
	}
	if h.signals.fused[0].CompositeScore != 80 {
		t.Fatalf("composite = %v, want 80 from the single admitted signal", h.signals.fused[0].CompositeScore)
	}
	if len(h.orders.created) != 1 {
		t.Fatalf("orders = %d, want 1", len(h.orders.created))
	}
}

func TestTickBelowRegimeThreshold(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)
	h.prices["AAPL"] = 200

	// Conviction 30 fuses to composite 30, under the sideways threshold 45.
	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "AAPL", 0.3)}

	orch.Tick(ctx)

	if len(h.signals.fused) != 1 {
		t.Fatalf("fused records = %d, want 1 (fusion still runs)", len(h.signals.fused))
	}
	if len(h.decisions.recs) != 0 || len(h.orders.created) != 0 {
		t.Fatalf("decisions=%d orders=%d, want none below threshold", len(h.decisions.recs), len(h.orders.created))
	}
}

func TestTickKillSwitchDeniesWithoutOrder(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)
	h.prices["AAPL"] = 200
	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "AAPL", 0.8)}

	h.kill.Trigger(ctx, 100000)

	orch.Tick(ctx)

	if len(h.decisions.recs) != 1 {
		t.Fatalf("decisions = %d, want 1 halt record", len(h.decisions.recs))
	}
	rec := h.decisions.recs[0]
	if rec.Verdict != model.RiskVerdictDeny || rec.Reason != model.RiskReasonKillSwitch {
		t.Fatalf("halt decision = %+v, want deny/kill_switch", rec)
	}
	if len(h.orders.created) != 0 {
		t.Fatalf("orders = %d, want none while halted", len(h.orders.created))
	}
}

func TestTickBreakerOpenDeniesWithoutOrder(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)
	h.prices["AAPL"] = 200
	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "AAPL", 0.8)}

	// Five consecutive losses trip the breaker at the default threshold.
	for i := 0; i < 5; i++ {
		h.circuit.RecordOutcome(ctx, -100, 100000, 0)
	}
	if h.circuit.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %s, want OPEN", h.circuit.State())
	}

	orch.Tick(ctx)

	if len(h.decisions.recs) != 1 {
		t.Fatalf("decisions = %d, want 1", len(h.decisions.recs))
	}
	if h.decisions.recs[0].Reason != model.RiskReasonBreakerOpen {
		t.Fatalf("reason = %s, want breaker open", h.decisions.recs[0].Reason)
	}
	if len(h.orders.created) != 0 {
		t.Fatalf("orders = %d, want none while open", len(h.orders.created))
	}
}

func TestTickRoutingFailureRaisesAlert(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)
	h.prices["AAPL"] = 200
	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "AAPL", 0.8)}
	h.routes.fail = true

	orch.Tick(ctx)

	if len(h.orders.created) != 1 || h.orders.created[0].Status != model.OrderStatusFailed {
		t.Fatalf("orders = %+v, want one failed order", h.orders.created)
	}
	if h.manager.OpenCount() != 0 {
		t.Fatalf("open positions = %d after failed routing, want 0", h.manager.OpenCount())
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Name != alerts.AlertRoutingExhausted {
		t.Fatalf("alerts = %+v, want routing-exhausted", h.alerts.events)
	}
}

func TestTickPollFailuresTripKillSwitch(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)
	h.signals.findErr = errors.New("signals db unreachable")

	// Default KillConsecutiveErrs is 10.
	for i := 0; i < 9; i++ {
		orch.Tick(ctx)
	}
	if h.kill.Halted() {
		t.Fatal("kill switch tripped early")
	}
	orch.Tick(ctx)
	if !h.kill.Halted() {
		t.Fatal("ten consecutive poll failures must trip the kill switch")
	}
}

func TestSweepCycleExitsStoppedPosition(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)
	h.prices["AAPL"] = 200
	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "AAPL", 0.8)}

	orch.Tick(ctx)
	if h.manager.OpenCount() != 1 {
		t.Fatalf("open positions = %d after tick, want 1", h.manager.OpenCount())
	}

	// Mark drops through the 191 scaled stop.
	h.prices["AAPL"] = 185
	orch.SweepCycle(ctx)

	if h.manager.OpenCount() != 0 {
		t.Fatalf("open positions = %d after sweep, want 0", h.manager.OpenCount())
	}
	if len(h.exitOrders.created) != 1 {
		t.Fatalf("exit orders = %d, want 1", len(h.exitOrders.created))
	}
	exit := h.exitOrders.created[0]
	if !exit.ReduceOnly || exit.Side != model.OrderSideSell || exit.Quantity != 8 {
		t.Fatalf("exit order = %+v, want reduce-only sell 8", exit)
	}

	if len(h.outcomes.outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(h.outcomes.outcomes))
	}
	outcome := h.outcomes.outcomes[0]
	// 8 shares from 200 down to 185.
	if math.Abs(outcome.Pnl-(-120)) > 1e-9 || outcome.Win {
		t.Fatalf("outcome = %+v, want -120 loss", outcome)
	}
}

func TestRegimeCycleTransitionsAndUpdatesSelector(t *testing.T) {
	ctx := context.Background()
	orch, h := newTestPipeline(t)

	// A steady rally: strong positive return, low noise, high trend strength.
	series := make([]float64, 48)
	for i := range series {
		if i%2 == 0 {
			series[i] = 0.01
		} else {
			series[i] = 0.02
		}
	}
	h.series["SPY"] = series

	orch.RegimeCycle(ctx)

	if h.regimes.Current() != regime.Bull {
		t.Fatalf("regime = %s, want bull", h.regimes.Current())
	}
	if got := h.auditStore.kindCount(model.AuditKindBreakerEvent); got != 1 {
		t.Fatalf("regime transition audit records = %d, want 1", got)
	}

	// The same trend reading routes the momentum family.
	h.prices["AAPL"] = 200
	h.signals.raws = []model.RawProducerSignal{rawSignal(1, "AAPL", 0.8)}
	orch.Tick(ctx)
	if got := h.auditStore.kindCount(model.AuditKindDrop); got != 1 {
		t.Fatalf("drop records = %d, want 1 (mean-reversion type under momentum family)", got)
	}
	if len(h.orders.created) != 0 {
		t.Fatalf("orders = %d, want none for a family-mismatched signal", len(h.orders.created))
	}
}

func TestRegimeInputs(t *testing.T) {
	if in := regimeInputs(nil); in != (regime.Inputs{}) {
		t.Fatalf("empty series inputs = %+v, want zero", in)
	}

	flat := []float64{0.01, 0.01, 0.01, 0.01}
	in := regimeInputs(flat)
	if in.TrendStrength != 0 {
		t.Fatalf("constant series trend = %v, want 0 (no dispersion)", in.TrendStrength)
	}
	if math.Abs(in.ReturnPct-(math.Pow(1.01, 4)-1)*100) > 1e-9 {
		t.Fatalf("return = %v, want compounded 4x 1%%", in.ReturnPct)
	}
}

func TestSectorOf(t *testing.T) {
	tests := []struct {
		ticker string
		want   string
	}{
		{ticker: "BTC-USD", want: "crypto"},
		{ticker: "ethusdt", want: "crypto"},
		{ticker: "SOLUSDC", want: "crypto"},
		{ticker: "AAPL", want: "equity"},
	}
	for _, tt := range tests {
		if got := sectorOf(tt.ticker); got != tt.want {
			t.Fatalf("sectorOf(%s) = %s, want %s", tt.ticker, got, tt.want)
		}
	}
}
