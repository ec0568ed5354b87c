package router

import (
	"math"
	"sort"
	"sync"

	"signalpipeline/src/connectors"
)

const (
	ewmaAlpha = 0.2

	// Priors used until a broker has produced real measurements.
	priorLatencyMs   = 250.0
	priorSlippageBps = 5.0
)

// brokerStats is the router's rolling view of one venue's execution quality.
type brokerStats struct {
	latencyMsEWMA   float64
	slippageBpsEWMA float64
	failStreak      int
	samples         int
}

func newBrokerStats() *brokerStats {
	return &brokerStats{
		latencyMsEWMA:   priorLatencyMs,
		slippageBpsEWMA: priorSlippageBps,
	}
}

func (s *brokerStats) recordSuccess(latencyMs int64, slippageBps float64) {
	s.latencyMsEWMA = ewma(s.latencyMsEWMA, float64(latencyMs))
	s.slippageBpsEWMA = ewma(s.slippageBpsEWMA, math.Abs(slippageBps))
	s.failStreak = 0
	s.samples++
}

func (s *brokerStats) recordFailure(latencyMs int64) {
	s.latencyMsEWMA = ewma(s.latencyMsEWMA, float64(latencyMs))
	s.failStreak++
	s.samples++
}

func ewma(prev, sample float64) float64 {
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

// scorecard tracks stats for all registered brokers.
type scorecard struct {
	mu    sync.Mutex
	stats map[string]*brokerStats
}

func newScorecard() *scorecard {
	return &scorecard{stats: map[string]*brokerStats{}}
}

func (c *scorecard) get(name string) *brokerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[name]
	if !ok {
		s = newBrokerStats()
		c.stats[name] = s
	}
	return s
}

func (c *scorecard) success(name string, latencyMs int64, slippageBps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[name]
	if !ok {
		s = newBrokerStats()
		c.stats[name] = s
	}
	s.recordSuccess(latencyMs, slippageBps)
}

func (c *scorecard) failure(name string, latencyMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[name]
	if !ok {
		s = newBrokerStats()
		c.stats[name] = s
	}
	s.recordFailure(latencyMs)
}

// BrokerScore is one candidate's composite score with its components, kept
// for the routing decision log.
type BrokerScore struct {
	Broker      string  `json:"broker"`
	Score       float64 `json:"score"`
	CostScore   float64 `json:"cost_score"`
	SpeedScore  float64 `json:"speed_score"`
	FillScore   float64 `json:"fill_score"`
	FeeBps      float64 `json:"fee_bps"`
	LatencyMs   float64 `json:"latency_ms"`
	SlippageBps float64 `json:"slippage_bps"`
}

// rank scores the candidates and returns them best-first. Each component is
// normalized across the candidate set so the weights compare like with like:
// the cheapest venue gets cost score 1, the most expensive 0, and so on.
func (c *scorecard) rank(candidates []connectors.BrokerAdapter, costW, speedW, fillW float64) []BrokerScore {
	scores := make([]BrokerScore, 0, len(candidates))
	for _, b := range candidates {
		stats := c.get(b.Name())
		scores = append(scores, BrokerScore{
			Broker:      b.Name(),
			FeeBps:      b.FeeBps(),
			LatencyMs:   stats.latencyMsEWMA,
			SlippageBps: stats.slippageBpsEWMA,
		})
	}

	normalize(scores, func(s BrokerScore) float64 { return s.FeeBps }, func(s *BrokerScore, v float64) { s.CostScore = v })
	normalize(scores, func(s BrokerScore) float64 { return s.LatencyMs }, func(s *BrokerScore, v float64) { s.SpeedScore = v })
	normalize(scores, func(s BrokerScore) float64 { return s.SlippageBps }, func(s *BrokerScore, v float64) { s.FillScore = v })

	total := costW + speedW + fillW
	for i := range scores {
		scores[i].Score = (costW*scores[i].CostScore +
			speedW*scores[i].SpeedScore +
			fillW*scores[i].FillScore) / total
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores
}

// normalize maps a lower-is-better metric onto [0,1] with the best candidate
// at 1. A degenerate set (all equal, or one candidate) scores 1 everywhere.
func normalize(scores []BrokerScore, metric func(BrokerScore) float64, set func(*BrokerScore, float64)) {
	if len(scores) == 0 {
		return
	}

	min, max := metric(scores[0]), metric(scores[0])
	for _, s := range scores[1:] {
		v := metric(s)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	spread := max - min
	for i := range scores {
		if spread == 0 {
			set(&scores[i], 1)
			continue
		}
		set(&scores[i], (max-metric(scores[i]))/spread)
	}
}
