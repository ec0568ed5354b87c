package pipeline

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/alerts"
	"signalpipeline/src/audit"
	"signalpipeline/src/breaker"
	"signalpipeline/src/config"
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

const (
	defaultPollInterval   = time.Second
	defaultSweepInterval  = 5 * time.Second
	defaultRegimeInterval = 30 * time.Second
	pollBatchSize         = 100
)

// Store surfaces, narrowed to what the orchestrator calls.
type signalStore interface {
	FindRawAfterID(ctx context.Context, lastID uint, limit int) ([]model.RawProducerSignal, error)
	Create(ctx context.Context, sig *model.Signal) error
	CreateFused(ctx context.Context, rec *model.FusedSignalRecord) error
}

type decisionStore interface {
	Create(ctx context.Context, rec *model.RiskDecisionRecord) error
}

type orderStore interface {
	Create(ctx context.Context, order *model.PipelineOrder) error
	UpdateStatus(ctx context.Context, order *model.PipelineOrder) error
}

type routeSubmitter interface {
	Route(ctx context.Context, order *model.PipelineOrder, markPrice float64) (*router.Result, error)
}

// Orchestrator drives the whole signal-to-execution flow: it polls producer
// signals, runs them through normalize, guard, fuse, regime and risk, sizes
// and routes survivors, and owns the periodic sweep, regime and feedback
// cycles. One orchestrator per process.
type Orchestrator struct {
	cfg *config.Store

	signals   signalStore
	decisions decisionStore
	orders    orderStore

	normalizer *normalizer.Normalizer
	guard      *guard.Guard
	fuser      *fusion.Fuser
	regimes    *regime.Router
	selector   *regime.Selector
	gate       *risk.Gate
	provider   *risk.Provider
	sizer      *sizer.Sizer
	routes     routeSubmitter
	manager    *lifecycle.Manager
	circuit    *breaker.Circuit
	kill       *breaker.KillSwitch
	feedback   *feedback.Loop
	ledger     *audit.Ledger
	alerter    *alerts.Alerter

	price     func(ticker string) (float64, error)
	returns   func(ticker string, n int) ([]float64, error)
	benchmark string

	pollInterval   time.Duration
	sweepInterval  time.Duration
	regimeInterval time.Duration

	lastRawID uint
	tickers   tickerLocks
	now       func() time.Time
}

// tickerLocks serializes processing per ticker while distinct tickers
// proceed concurrently.
type tickerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *tickerLocks) lock(ticker string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[ticker]
	if !ok {
		l = &sync.Mutex{}
		t.locks[ticker] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config    *config.Store
	Signals   signalStore
	Decisions decisionStore
	Orders    orderStore

	Normalizer *normalizer.Normalizer
	Guard      *guard.Guard
	Fuser      *fusion.Fuser
	Regimes    *regime.Router
	Selector   *regime.Selector
	Gate       *risk.Gate
	Provider   *risk.Provider
	Sizer      *sizer.Sizer
	Router     routeSubmitter
	Manager    *lifecycle.Manager
	Circuit    *breaker.Circuit
	Kill       *breaker.KillSwitch
	Feedback   *feedback.Loop
	Ledger     *audit.Ledger
	Alerter    *alerts.Alerter

	Price     func(ticker string) (float64, error)
	Returns   func(ticker string, n int) ([]float64, error)
	Benchmark string
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:            d.Config,
		signals:        d.Signals,
		decisions:      d.Decisions,
		orders:         d.Orders,
		normalizer:     d.Normalizer,
		guard:          d.Guard,
		fuser:          d.Fuser,
		regimes:        d.Regimes,
		selector:       d.Selector,
		gate:           d.Gate,
		provider:       d.Provider,
		sizer:          d.Sizer,
		routes:         d.Router,
		manager:        d.Manager,
		circuit:        d.Circuit,
		kill:           d.Kill,
		feedback:       d.Feedback,
		ledger:         d.Ledger,
		alerter:        d.Alerter,
		price:          d.Price,
		returns:        d.Returns,
		benchmark:      d.Benchmark,
		pollInterval:   defaultPollInterval,
		sweepInterval:  defaultSweepInterval,
		regimeInterval: defaultRegimeInterval,
		now:            time.Now,
	}
}

// WithClock overrides the time source. Useful for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run blocks until ctx is cancelled, driving the poll, sweep and regime
// cadences. Each cycle runs under panic recovery: a panic in one cycle is
// logged and the next cycle proceeds.
func (o *Orchestrator) Run(ctx context.Context) {
	poll := time.NewTicker(o.pollInterval)
	sweep := time.NewTicker(o.sweepInterval)
	regimeTick := time.NewTicker(o.regimeInterval)
	defer poll.Stop()
	defer sweep.Stop()
	defer regimeTick.Stop()

	logger.WithFields(map[string]interface{}{
		"poll":   o.pollInterval.String(),
		"sweep":  o.sweepInterval.String(),
		"regime": o.regimeInterval.String(),
	}).Info("pipeline orchestrator started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("pipeline orchestrator stopping")
			return
		case <-poll.C:
			o.safe("tick", func() { o.Tick(ctx) })
		case <-sweep.C:
			o.safe("sweep", func() { o.SweepCycle(ctx) })
		case <-regimeTick.C:
			o.safe("regime", func() { o.RegimeCycle(ctx) })
		}
	}
}

func (o *Orchestrator) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"cycle": name,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("recovered from cycle panic")
		}
	}()
	fn()
}

// Tick runs one intake cycle: poll raw signals, normalize, guard, fuse, then
// push each fused consensus through regime, sizing, risk and routing.
// Distinct tickers are processed concurrently; work for one ticker is
// serialized by a keyed lock.
func (o *Orchestrator) Tick(ctx context.Context) {
	raws, err := o.signals.FindRawAfterID(ctx, o.lastRawID, pollBatchSize)
	if err != nil {
		o.kill.RecordError(ctx, o.equity())
		logger.WithError(transient(StageIntake, err)).Error("producer poll failed")
		return
	}
	if len(raws) == 0 {
		return
	}
	o.lastRawID = raws[len(raws)-1].ID

	admitted := make([]*model.Signal, 0, len(raws))
	for i := range raws {
		raw := &raws[i]

		sig, err := o.normalizer.Normalize(raw)
		if err != nil {
			o.audit(ctx, model.AuditKindDrop, map[string]interface{}{
				"stage":  StageNormalize,
				"raw_id": raw.ID,
				"error":  err.Error(),
			})
			continue
		}

		if err := o.signals.Create(ctx, sig); err != nil {
			o.kill.RecordError(ctx, o.equity())
			logger.WithError(transient(StageIntake, err)).Error("signal persist failed")
			continue
		}
		o.audit(ctx, model.AuditKindSignal, sig)

		if adm := o.guard.Admit(sig); !adm.Accepted {
			o.audit(ctx, model.AuditKindDrop, map[string]interface{}{
				"stage":     StageGuard,
				"signal_id": sig.SignalID,
				"reason":    adm.Reason,
			})
			continue
		}

		admitted = append(admitted, sig)
	}

	if len(admitted) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fused := range o.fuser.Fuse(admitted) {
		fs := fused
		rec := fs.Record()
		if err := o.signals.CreateFused(ctx, &rec); err != nil {
			logger.WithError(transient(StageFusion, err)).Error("fused signal persist failed")
		}
		o.audit(ctx, model.AuditKindFusedSignal, rec)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer o.tickers.lock(fs.Ticker)()
			o.safe("process", func() { o.processFused(ctx, &fs) })
		}()
	}
	wg.Wait()
}

// processFused takes one fused consensus through regime validation, halt
// checks, sizing, the risk gate and routing.
func (o *Orchestrator) processFused(ctx context.Context, fs *fusion.FusedSignal) {
	profile := o.regimes.Profile()

	if math.Abs(fs.CompositeScore) < profile.SignalThreshold {
		logger.WithFields(map[string]interface{}{
			"ticker":    fs.Ticker,
			"composite": fs.CompositeScore,
			"threshold": profile.SignalThreshold,
			"regime":    o.regimes.Current(),
		}).Debug("composite below regime threshold")
		return
	}

	if err := o.selector.ValidateSignalType(fs.SignalType); err != nil {
		o.audit(ctx, model.AuditKindDrop, map[string]interface{}{
			"stage":     StageRegime,
			"signal_id": fs.SignalID,
			"ticker":    fs.Ticker,
			"reason":    err.Error(),
		})
		return
	}

	if _, held := o.manager.HasPosition(fs.Ticker); !held && o.manager.OpenCount() >= profile.MaxPositions {
		logger.WithFields(map[string]interface{}{
			"ticker":        fs.Ticker,
			"open":          o.manager.OpenCount(),
			"max_positions": profile.MaxPositions,
		}).Debug("regime position budget full")
		return
	}

	if o.kill.Halted() {
		o.denyWithoutOrder(ctx, fs, model.RiskReasonKillSwitch)
		return
	}

	multiplier := o.circuit.SizeMultiplier()
	if multiplier == 0 {
		o.denyWithoutOrder(ctx, fs, model.RiskReasonBreakerOpen)
		return
	}

	price, err := o.price(fs.Ticker)
	if err != nil {
		o.kill.RecordError(ctx, o.equity())
		logger.WithError(transient(StageSizing, err)).
			WithField("ticker", fs.Ticker).Warn("no mark price, skipping entry")
		return
	}

	order, err := o.sizer.Build(fs, price, profile, multiplier)
	if err != nil {
		logger.WithError(permanent(StageSizing, err)).
			WithField("ticker", fs.Ticker).Debug("sizing declined entry")
		return
	}

	candidate := risk.Candidate{
		Ticker:   order.Ticker,
		Sector:   sectorOf(order.Ticker),
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    price,
		SignalID: fs.SignalID,
	}
	decision := o.gate.Evaluate(candidate, o.provider.Current())

	decRec := decision.Record(candidate)
	if err := o.decisions.Create(ctx, &decRec); err != nil {
		logger.WithError(transient(StageRisk, err)).Error("risk decision persist failed")
	}
	o.audit(ctx, model.AuditKindRiskDecision, decRec)

	switch decision.Verdict {
	case model.RiskVerdictDeny:
		if decision.Reason == model.RiskReasonStaleSnapshot {
			o.alerter.Send(ctx, alerts.Event{
				Name:     alerts.AlertSnapshotStale,
				Severity: alerts.SeverityWarning,
				Message:  "risk snapshot exceeded staleness bound, denying entries",
				DedupKey: alerts.AlertSnapshotStale,
			})
		}
		return
	case model.RiskVerdictResize:
		order.Quantity = decision.ResizeQuantity
	}

	order.RiskDecisionID = decision.DecisionID
	if err := o.orders.Create(ctx, order); err != nil {
		o.kill.RecordError(ctx, o.equity())
		logger.WithError(transient(StageRouting, err)).Error("order persist failed")
		return
	}

	result, err := o.routes.Route(ctx, order, price)
	if err != nil {
		o.kill.RecordError(ctx, o.equity())
		o.audit(ctx, model.AuditKindOrderEvent, map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"ticker":          order.Ticker,
			"status":          order.Status,
			"error":           err.Error(),
		})
		o.alerter.Send(ctx, alerts.Event{
			Name:     alerts.AlertRoutingExhausted,
			Severity: alerts.SeverityCritical,
			Message:  fmt.Sprintf("order for %s failed on every venue", order.Ticker),
			DedupKey: alerts.AlertRoutingExhausted + "|" + order.Ticker,
			Metadata: map[string]interface{}{"client_order_id": order.ClientOrderID},
		})
		return
	}
	o.kill.RecordSuccess()

	o.audit(ctx, model.AuditKindOrderEvent, map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"ticker":          order.Ticker,
		"broker":          result.Broker,
		"status":          order.Status,
		"fill_price":      result.Ack.FillPrice,
		"attempts":        result.Attempts,
	})

	if err := o.manager.ApplyFill(ctx, order, result.Ack.FillPrice, candidate.Sector, fs.Sources); err != nil {
		logger.WithError(permanent(StageLifecycle, err)).Error("fill application failed")
	}
}

// denyWithoutOrder records a halt-machine rejection for a fused signal that
// never reached sizing.
func (o *Orchestrator) denyWithoutOrder(ctx context.Context, fs *fusion.FusedSignal, reason string) {
	rec := model.RiskDecisionRecord{
		DecisionID: newDecisionID(),
		Ticker:     fs.Ticker,
		SignalID:   fs.SignalID,
		Verdict:    model.RiskVerdictDeny,
		Reason:     reason,
	}
	if err := o.decisions.Create(ctx, &rec); err != nil {
		logger.WithError(transient(StageRisk, err)).Error("halt decision persist failed")
	}
	o.audit(ctx, model.AuditKindRiskDecision, rec)
}

// SweepCycle refreshes portfolio aggregates and the risk snapshot, marks and
// exits positions, evaluates the kill switch, and runs a due feedback cycle.
func (o *Orchestrator) SweepCycle(ctx context.Context) {
	o.manager.RefreshPortfolio(ctx)
	o.provider.Refresh()
	o.manager.Sweep(ctx)

	equity, _ := o.manager.Equity()
	o.kill.Evaluate(ctx, equity, o.manager.DailyDrawdownPct())

	if err := o.feedback.MaybeRecompute(ctx); err != nil {
		logger.WithError(transient(StageFeedback, err)).Error("feedback recompute failed")
	}
}

// RegimeCycle classifies the market from the benchmark series and updates
// the regime router and strategy selector.
func (o *Orchestrator) RegimeCycle(ctx context.Context) {
	if o.returns == nil || o.benchmark == "" {
		return
	}

	series, err := o.returns(o.benchmark, 48)
	if err != nil {
		logger.WithError(transient(StageRegime, err)).
			Debug("no benchmark series for regime evaluation")
		return
	}

	in := regimeInputs(series)
	in.DrawdownPct = o.manager.DailyDrawdownPct()

	if o.regimes.Evaluate(in) {
		o.audit(ctx, model.AuditKindBreakerEvent, map[string]interface{}{
			"machine": "regime_router",
			"to":      o.regimes.Current(),
		})
	}
	o.selector.Update(in.TrendStrength)
}

// regimeInputs derives classification inputs from an hourly return series.
func regimeInputs(series []float64) regime.Inputs {
	if len(series) == 0 {
		return regime.Inputs{}
	}

	cumulative := 1.0
	mean := 0.0
	for _, r := range series {
		cumulative *= 1 + r
		mean += r
	}
	mean /= float64(len(series))

	variance := 0.0
	for _, r := range series {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(series))
	hourlyVol := math.Sqrt(variance)

	// Annualize hourly volatility; trend strength scales mean vs noise onto
	// the 0..100 ADX-like range.
	annualVolPct := hourlyVol * math.Sqrt(24*365) * 100
	trend := 0.0
	if hourlyVol > 0 {
		trend = math.Min(math.Abs(mean)/hourlyVol*100, 100)
	}

	return regime.Inputs{
		ReturnPct:     (cumulative - 1) * 100,
		VolatilityPct: annualVolPct,
		TrendStrength: trend,
	}
}

func (o *Orchestrator) audit(ctx context.Context, kind string, payload interface{}) {
	if err := o.ledger.Append(ctx, kind, payload); err != nil {
		logger.WithError(permanent(StageAudit, err)).
			WithField("kind", kind).Error("audit append failed")
	}
}

func (o *Orchestrator) equity() float64 {
	equity, _ := o.manager.Equity()
	return equity
}

func newDecisionID() string {
	return uuid.NewString()
}

// sectorOf buckets tickers for the sector concentration cap. Crypto pairs
// share one bucket; everything else falls back to a coarse equity bucket
// until a reference-data feed provides real sectors.
func sectorOf(ticker string) string {
	upper := strings.ToUpper(ticker)
	if strings.HasSuffix(upper, "-USD") || strings.HasSuffix(upper, "USDT") || strings.HasSuffix(upper, "USDC") {
		return "crypto"
	}
	return "equity"
}
