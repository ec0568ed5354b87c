package connectors

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	goex "github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	logger "github.com/sirupsen/logrus"
)

// MarketData is the REST fallback for prices when the quote stream has no
// fresh tick, plus the source of historical closes for the correlation
// matrix. Crypto tickers resolve through the exchange API; anything else is
// answered from the quote cache only.
type MarketData struct {
	api    goex.API
	stream *QuoteStream
	now    func() time.Time

	// quote is stale once older than this; fall back to REST.
	maxQuoteAge time.Duration
}

func NewMarketData(stream *QuoteStream, maxQuoteAge time.Duration) *MarketData {
	apiConfig := &goex.APIConfig{
		HttpClient: http.DefaultClient,
		Endpoint:   binance.GLOBAL_API_BASE_URL,
	}

	return &MarketData{
		api:         binance.NewWithConfig(apiConfig),
		stream:      stream,
		now:         time.Now,
		maxQuoteAge: maxQuoteAge,
	}
}

// WithClock overrides the time source. Useful for tests.
func (m *MarketData) WithClock(now func() time.Time) *MarketData {
	m.now = now
	return m
}

// currencyPair splits a crypto ticker like BTC-USD or ETHUSDT into a goex
// pair. Reports false for symbols that do not look like crypto pairs.
func currencyPair(ticker string) (goex.CurrencyPair, bool) {
	upper := strings.ToUpper(ticker)

	var base, quote string
	switch {
	case strings.Contains(upper, "-"):
		parts := strings.SplitN(upper, "-", 2)
		base, quote = parts[0], parts[1]
	case strings.HasSuffix(upper, "USDT"):
		base, quote = strings.TrimSuffix(upper, "USDT"), "USDT"
	case strings.HasSuffix(upper, "USDC"):
		base, quote = strings.TrimSuffix(upper, "USDC"), "USDC"
	default:
		return goex.CurrencyPair{}, false
	}
	if base == "" || quote == "" {
		return goex.CurrencyPair{}, false
	}
	if quote == "USD" {
		quote = "USDT"
	}

	pair := goex.NewCurrencyPair(goex.Currency{Symbol: base}, goex.Currency{Symbol: quote})
	return pair, true
}

// Price returns the current mark for ticker: fresh stream quote first, then
// exchange REST for crypto pairs.
func (m *MarketData) Price(ticker string) (float64, error) {
	if q, ok := m.stream.Latest(ticker); ok {
		if m.now().Sub(q.At) <= m.maxQuoteAge {
			return q.Mid(), nil
		}
	}

	pair, ok := currencyPair(ticker)
	if !ok {
		return 0, fmt.Errorf("no fresh quote for %s and no REST source", ticker)
	}

	ticker24h, err := m.api.GetTicker(pair)
	if err != nil {
		return 0, fmt.Errorf("exchange ticker %s: %w", ticker, err)
	}
	if ticker24h.Last <= 0 {
		return 0, fmt.Errorf("exchange returned zero price for %s", ticker)
	}

	m.stream.apply(Quote{Symbol: ticker, Last: ticker24h.Last, At: m.now()})
	return ticker24h.Last, nil
}

// ReturnSeries fetches the last n hourly closes for ticker and converts them
// to simple returns, oldest first. Used to build the pairwise correlation
// matrix for the risk snapshot.
func (m *MarketData) ReturnSeries(ticker string, n int) ([]float64, error) {
	pair, ok := currencyPair(ticker)
	if !ok {
		return nil, fmt.Errorf("no kline source for %s", ticker)
	}

	klines, err := m.api.GetKlineRecords(pair, goex.KLINE_PERIOD_1H, n+1, goex.OptionalParameter{})
	if err != nil {
		return nil, fmt.Errorf("exchange klines %s: %w", ticker, err)
	}
	if len(klines) < 2 {
		return nil, fmt.Errorf("not enough klines for %s: got %d", ticker, len(klines))
	}

	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-prev)/prev)
	}

	logger.WithFields(map[string]interface{}{
		"ticker":  ticker,
		"samples": len(returns),
	}).Debug("fetched return series")

	return returns, nil
}
