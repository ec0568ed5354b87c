package risk

import (
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"
)

// Snapshot is the point-in-time portfolio aggregate every gate decision
// reads. Owned exclusively by the provider; consumers get an immutable copy
// and must check its age against the staleness bound.
type Snapshot struct {
	Equity            float64
	TotalExposure     float64
	OpenOrderExposure float64
	NetBeta           float64
	DrawdownPct       float64

	// ExposureByTicker and ExposureBySector are absolute notionals.
	ExposureByTicker map[string]float64
	ExposureBySector map[string]float64

	// Pairwise correlation between any two tickers the provider tracks,
	// symmetric. AvgPairwiseCorr is the mean over distinct held pairs.
	Pairwise        map[string]map[string]float64
	AvgPairwiseCorr float64

	AsOf time.Time
}

// Age reports how old the snapshot is.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.AsOf)
}

// PortfolioSource supplies the inputs a snapshot refresh aggregates.
type PortfolioSource interface {
	// Equity returns account equity and the current peak-to-trough drawdown
	// percent.
	Equity() (equity, drawdownPct float64)
	// Exposures returns per-ticker and per-sector absolute notional exposure
	// of open positions, plus unsettled open-order exposure.
	Exposures() (byTicker, bySector map[string]float64, openOrders float64)
	// Correlations returns the pairwise correlation matrix for tracked
	// tickers and the portfolio net beta.
	Correlations() (pairwise map[string]map[string]float64, netBeta float64)
}

// Provider refreshes and publishes snapshots on a fixed cadence. Single
// writer, atomic swap; readers always observe a fully written snapshot.
type Provider struct {
	source PortfolioSource
	now    func() time.Time

	current atomic.Pointer[Snapshot]
}

func NewProvider(source PortfolioSource) *Provider {
	p := &Provider{source: source, now: time.Now}
	p.Refresh()
	return p
}

// WithClock overrides the time source. Useful for tests.
func (p *Provider) WithClock(now func() time.Time) *Provider {
	p.now = now
	return p
}

// Current returns the latest published snapshot.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Refresh recomputes the aggregate and publishes it. Runs at least once per
// trading tick from the orchestrator's periodic task.
func (p *Provider) Refresh() {
	equity, drawdown := p.source.Equity()
	byTicker, bySector, openOrders := p.source.Exposures()
	pairwise, netBeta := p.source.Correlations()

	total := 0.0
	for _, notional := range byTicker {
		total += notional
	}

	snap := &Snapshot{
		Equity:            equity,
		TotalExposure:     total,
		OpenOrderExposure: openOrders,
		NetBeta:           netBeta,
		DrawdownPct:       drawdown,
		ExposureByTicker:  byTicker,
		ExposureBySector:  bySector,
		Pairwise:          pairwise,
		AvgPairwiseCorr:   averagePairwise(heldTickers(byTicker), pairwise),
		AsOf:              p.now(),
	}

	p.current.Store(snap)

	logger.WithFields(map[string]interface{}{
		"equity":       equity,
		"exposure":     total,
		"drawdown_pct": drawdown,
		"avg_corr":     snap.AvgPairwiseCorr,
	}).Debug("risk snapshot refreshed")
}

func heldTickers(byTicker map[string]float64) []string {
	tickers := make([]string, 0, len(byTicker))
	for ticker, notional := range byTicker {
		if notional != 0 {
			tickers = append(tickers, ticker)
		}
	}
	return tickers
}

// averagePairwise is the unweighted mean correlation over distinct pairs.
// Fewer than two tickers means no pairs and zero correlation.
func averagePairwise(tickers []string, pairwise map[string]map[string]float64) float64 {
	if len(tickers) < 2 {
		return 0
	}

	sum := 0.0
	pairs := 0
	for i := 0; i < len(tickers); i++ {
		for j := i + 1; j < len(tickers); j++ {
			sum += corrOf(pairwise, tickers[i], tickers[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func corrOf(pairwise map[string]map[string]float64, a, b string) float64 {
	if row, ok := pairwise[a]; ok {
		if c, ok := row[b]; ok {
			return c
		}
	}
	if row, ok := pairwise[b]; ok {
		if c, ok := row[a]; ok {
			return c
		}
	}
	return 0
}

// HypotheticalCorr computes the post-trade average pairwise correlation if
// candidateTicker were added to the held set.
func (s *Snapshot) HypotheticalCorr(candidateTicker string) float64 {
	held := heldTickers(s.ExposureByTicker)
	for _, t := range held {
		if t == candidateTicker {
			// Already held: adding size does not change the unweighted pair
			// set.
			return s.AvgPairwiseCorr
		}
	}
	return averagePairwise(append(held, candidateTicker), s.Pairwise)
}
