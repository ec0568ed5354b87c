package pipeline

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Watchlist       string `envconfig:"WATCHLIST" default:"BTC-USD,ETH-USD,SOL-USD"`
	Benchmark       string `envconfig:"BENCHMARK_TICKER" default:"BTC-USD"`
	AlertWebhookURL string `envconfig:"ALERT_WEBHOOK_URL" default:""`
	PaperOnly       bool   `envconfig:"PAPER_ONLY" default:"true"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Symbols splits the watchlist into tickers.
func (c Config) Symbols() []string {
	parts := strings.Split(c.Watchlist, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}
