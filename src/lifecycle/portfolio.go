package lifecycle

import (
	"context"
	"math"
	"sync"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/connectors"
	"signalpipeline/src/risk"
)

const correlationLookback = 48 // hourly samples

// portfolioState caches the account- and market-derived aggregates between
// refreshes so the risk provider's reads never block on network calls.
type portfolioState struct {
	mu sync.RWMutex

	equity         float64
	dayStartEquity float64
	peakEquity     float64
	drawdownPct    float64

	pairwise map[string]map[string]float64
	netBeta  float64

	account   func(ctx context.Context) (connectors.Account, error)
	returns   func(ticker string, n int) ([]float64, error)
	benchmark string
}

// WithPortfolioFeeds wires the account and return-series sources used to
// build risk snapshots. benchmark is the ticker beta is measured against.
func (m *Manager) WithPortfolioFeeds(
	account func(ctx context.Context) (connectors.Account, error),
	returns func(ticker string, n int) ([]float64, error),
	benchmark string,
) *Manager {
	m.portfolio.account = account
	m.portfolio.returns = returns
	m.portfolio.benchmark = benchmark
	return m
}

// RefreshPortfolio pulls fresh account equity and recomputes the pairwise
// correlation matrix for held tickers. Runs from the orchestrator's periodic
// task, ahead of the risk snapshot refresh.
func (m *Manager) RefreshPortfolio(ctx context.Context) {
	p := &m.portfolio
	if p.account == nil {
		return
	}

	acct, err := p.account(ctx)
	if err != nil {
		logger.WithError(err).Warn("account refresh failed, keeping cached equity")
	}

	held := m.heldTickers()

	series := map[string][]float64{}
	if p.returns != nil {
		universe := held
		if p.benchmark != "" && !contains(held, p.benchmark) {
			universe = append(append([]string{}, held...), p.benchmark)
		}
		for _, ticker := range universe {
			r, rerr := p.returns(ticker, correlationLookback)
			if rerr != nil {
				logger.WithError(rerr).WithField("ticker", ticker).
					Debug("no return series for correlation refresh")
				continue
			}
			series[ticker] = r
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil && acct.Equity > 0 {
		p.equity = acct.Equity
		if p.dayStartEquity == 0 {
			p.dayStartEquity = acct.Equity
		}
		if acct.Equity > p.peakEquity {
			p.peakEquity = acct.Equity
		}
		if p.peakEquity > 0 {
			p.drawdownPct = (p.peakEquity - acct.Equity) / p.peakEquity * 100
		}
	}

	if len(series) > 1 {
		p.pairwise = risk.PairwiseMatrix(series)
		p.netBeta = m.netBetaLocked(series)
	}
}

// ResetDay rebaselines the daily equity anchor. Called at session rollover.
func (m *Manager) ResetDay() {
	m.portfolio.mu.Lock()
	defer m.portfolio.mu.Unlock()
	m.portfolio.dayStartEquity = m.portfolio.equity
}

// DailyDrawdownPct measures the loss from the day's starting equity.
func (m *Manager) DailyDrawdownPct() float64 {
	m.portfolio.mu.RLock()
	defer m.portfolio.mu.RUnlock()

	if m.portfolio.dayStartEquity <= 0 {
		return 0
	}
	dd := (m.portfolio.dayStartEquity - m.portfolio.equity) / m.portfolio.dayStartEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// Equity implements risk.PortfolioSource.
func (m *Manager) Equity() (float64, float64) {
	m.portfolio.mu.RLock()
	defer m.portfolio.mu.RUnlock()
	return m.portfolio.equity, m.portfolio.drawdownPct
}

// Exposures implements risk.PortfolioSource. Open-order exposure is zero
// because routing is synchronous: an order is either filled into a position
// or terminally rejected before the next gate decision.
func (m *Manager) Exposures() (map[string]float64, map[string]float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byTicker := map[string]float64{}
	bySector := map[string]float64{}
	for _, pos := range m.open {
		notional := math.Abs(pos.Quantity * pos.CurrentPrice)
		byTicker[pos.Ticker] += notional
		if pos.Sector != "" {
			bySector[pos.Sector] += notional
		}
	}
	return byTicker, bySector, 0
}

// Correlations implements risk.PortfolioSource.
func (m *Manager) Correlations() (map[string]map[string]float64, float64) {
	m.portfolio.mu.RLock()
	defer m.portfolio.mu.RUnlock()
	return m.portfolio.pairwise, m.portfolio.netBeta
}

// netBetaLocked is the exposure-weighted beta of held tickers against the
// benchmark series. Caller holds portfolio.mu.
func (m *Manager) netBetaLocked(series map[string][]float64) float64 {
	bench, ok := series[m.portfolio.benchmark]
	if !ok || len(bench) == 0 {
		return 0
	}

	byTicker, _, _ := m.Exposures()
	total := 0.0
	for _, notional := range byTicker {
		total += notional
	}
	if total == 0 {
		return 0
	}

	beta := 0.0
	for ticker, notional := range byTicker {
		r, ok := series[ticker]
		if !ok {
			continue
		}
		beta += risk.Beta(r, bench) * (notional / total)
	}
	return beta
}

func (m *Manager) heldTickers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.open))
	for ticker := range m.open {
		out = append(out, ticker)
	}
	return out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
