package risk

import (
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"signalpipeline/src/config"
	"signalpipeline/src/model"
)

// Candidate is the trade the gate evaluates.
type Candidate struct {
	Ticker     string
	Sector     string
	Side       string
	Quantity   float64
	Price      float64
	ReduceOnly bool
	SignalID   string
}

// Notional is the candidate's absolute notional value.
func (c Candidate) Notional() float64 {
	return c.Quantity * c.Price
}

// Decision is the gate's verdict plus the audit context recorded for every
// evaluation.
type Decision struct {
	DecisionID     string
	Verdict        string // allow / deny / resize
	Reason         string
	ResizeQuantity float64

	CorrBefore    float64
	CorrAfter     float64
	CorrThreshold float64
	SnapshotAge   time.Duration
}

// Record converts the decision to its persisted form.
func (d Decision) Record(c Candidate) model.RiskDecisionRecord {
	rec := model.RiskDecisionRecord{
		DecisionID:    d.DecisionID,
		Ticker:        c.Ticker,
		Side:          c.Side,
		Quantity:      c.Quantity,
		SignalID:      c.SignalID,
		Verdict:       d.Verdict,
		Reason:        d.Reason,
		CorrBefore:    d.CorrBefore,
		CorrAfter:     d.CorrAfter,
		CorrThreshold: d.CorrThreshold,
		SnapshotAgeMs: d.SnapshotAge.Milliseconds(),
	}
	if d.Verdict == model.RiskVerdictResize {
		q := d.ResizeQuantity
		rec.ResizeQuantity = &q
	}
	return rec
}

// Gate runs the ordered risk checks: drawdown, instrument cap, sector cap,
// correlation cap, order velocity. First failure short-circuits. All
// decisions are returned with before/after correlation for audit regardless
// of outcome.
type Gate struct {
	cfg     func() config.RiskConfig
	now     func() time.Time
	limiter *rate.Limiter
}

func NewGate(cfg func() config.RiskConfig) *Gate {
	perMinute := cfg().OrdersPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Gate{
		cfg:     cfg,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

// WithClock overrides the time source. Useful for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Evaluate gates one candidate against the given snapshot. Risk-reducing
// (reduce-only) trades bypass the exposure and correlation checks: a trade
// that shrinks the book is never blocked by the limits that exist to shrink
// the book.
func (g *Gate) Evaluate(c Candidate, snap *Snapshot) Decision {
	cfg := g.cfg()
	now := g.now()

	d := Decision{
		DecisionID:    uuid.NewString(),
		Verdict:       model.RiskVerdictAllow,
		CorrThreshold: cfg.CorrelationCap,
	}

	if snap == nil {
		d.Verdict = model.RiskVerdictDeny
		d.Reason = model.RiskReasonStaleSnapshot
		return g.logged(c, d)
	}

	d.CorrBefore = snap.AvgPairwiseCorr
	d.CorrAfter = snap.HypotheticalCorr(c.Ticker)
	d.SnapshotAge = snap.Age(now)

	staleness := time.Duration(cfg.SnapshotStalenessMs) * time.Millisecond
	if d.SnapshotAge > staleness {
		d.Verdict = model.RiskVerdictDeny
		d.Reason = model.RiskReasonStaleSnapshot
		return g.logged(c, d)
	}

	if !c.ReduceOnly {
		if snap.DrawdownPct >= cfg.MaxDrawdownPct {
			d.Verdict = model.RiskVerdictDeny
			d.Reason = model.RiskReasonDrawdownLimit
			return g.logged(c, d)
		}

		if verdict, qty := g.instrumentCap(c, snap, cfg); verdict != model.RiskVerdictAllow {
			d.Verdict = verdict
			d.ResizeQuantity = qty
			if verdict == model.RiskVerdictDeny {
				d.Reason = model.RiskReasonInstrumentCap
			}
			if verdict == model.RiskVerdictResize {
				d.Reason = model.RiskReasonInstrumentCap
				// Resize is not terminal; continue the remaining checks with
				// the reduced quantity.
				c.Quantity = qty
			} else {
				return g.logged(c, d)
			}
		}

		if g.sectorCapExceeded(c, snap, cfg) {
			d.Verdict = model.RiskVerdictDeny
			d.Reason = model.RiskReasonSectorCap
			return g.logged(c, d)
		}

		if d.CorrAfter > cfg.CorrelationCap {
			d.Verdict = model.RiskVerdictDeny
			d.Reason = model.RiskReasonCorrelationCap
			return g.logged(c, d)
		}
	}

	if !g.limiter.AllowN(now, 1) {
		d.Verdict = model.RiskVerdictDeny
		d.Reason = model.RiskReasonOrderVelocity
		return g.logged(c, d)
	}

	return g.logged(c, d)
}

// instrumentCap enforces the single-instrument exposure cap. When the full
// candidate does not fit but headroom remains, the verdict is resize with the
// largest fitting quantity.
func (g *Gate) instrumentCap(c Candidate, snap *Snapshot, cfg config.RiskConfig) (string, float64) {
	if snap.Equity <= 0 || c.Price <= 0 {
		return model.RiskVerdictAllow, 0
	}

	capNotional := snap.Equity * cfg.MaxInstrumentPct / 100
	existing := snap.ExposureByTicker[c.Ticker]
	headroom := capNotional - existing

	if c.Notional() <= headroom {
		return model.RiskVerdictAllow, 0
	}
	if headroom <= 0 {
		return model.RiskVerdictDeny, 0
	}
	return model.RiskVerdictResize, headroom / c.Price
}

func (g *Gate) sectorCapExceeded(c Candidate, snap *Snapshot, cfg config.RiskConfig) bool {
	if c.Sector == "" || snap.Equity <= 0 {
		return false
	}

	capNotional := snap.Equity * cfg.MaxSectorPct / 100
	return snap.ExposureBySector[c.Sector]+c.Notional() > capNotional
}

func (g *Gate) logged(c Candidate, d Decision) Decision {
	logger.WithFields(map[string]interface{}{
		"decision_id": d.DecisionID,
		"ticker":      c.Ticker,
		"side":        c.Side,
		"quantity":    c.Quantity,
		"verdict":     d.Verdict,
		"reason":      d.Reason,
		"corr_before": d.CorrBefore,
		"corr_after":  d.CorrAfter,
		"corr_cap":    d.CorrThreshold,
	}).Info("risk gate decision")
	return d
}
