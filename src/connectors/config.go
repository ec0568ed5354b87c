package connectors

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	QuoteStreamURL  string  `envconfig:"QUOTE_STREAM_URL" default:"wss://stream.example-md.com/v1/quotes"`
	QuoteMaxAgeSecs int     `envconfig:"QUOTE_MAX_AGE_SECS" default:"10"`

	AlpineBaseURL   string  `envconfig:"ALPINE_BASE_URL" default:"https://api.alpine-broker.com"`
	AlpineAPIKey    string  `envconfig:"ALPINE_API_KEY" default:""`
	AlpineAPISecret string  `envconfig:"ALPINE_API_SECRET" default:""`
	AlpineFeeBps    float64 `envconfig:"ALPINE_FEE_BPS" default:"1.0"`

	CascadeBaseURL   string  `envconfig:"CASCADE_BASE_URL" default:"https://api.cascade-markets.com"`
	CascadeAPIKey    string  `envconfig:"CASCADE_API_KEY" default:""`
	CascadeAPISecret string  `envconfig:"CASCADE_API_SECRET" default:""`
	CascadeFeeBps    float64 `envconfig:"CASCADE_FEE_BPS" default:"2.5"`

	PaperStartingCash float64 `envconfig:"PAPER_STARTING_CASH" default:"100000"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
