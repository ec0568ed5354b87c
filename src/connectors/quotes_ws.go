package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsReconnectBase    = time.Second
	wsReconnectMax     = 30 * time.Second
)

// quoteFrame is the stream's wire format for one tick.
type quoteFrame struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	TS     int64   `json:"ts"` // unix millis
}

// QuoteStream maintains a websocket subscription to the market data feed and
// caches the latest quote per symbol. Run blocks until ctx is cancelled,
// reconnecting with backoff on any read failure.
type QuoteStream struct {
	url     string
	symbols []string
	now     func() time.Time

	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewQuoteStream(url string, symbols []string) *QuoteStream {
	return &QuoteStream{
		url:     url,
		symbols: symbols,
		now:     time.Now,
		quotes:  map[string]Quote{},
	}
}

// WithClock overrides the time source. Useful for tests.
func (s *QuoteStream) WithClock(now func() time.Time) *QuoteStream {
	s.now = now
	return s
}

// Latest returns the most recent quote for symbol and whether one exists.
func (s *QuoteStream) Latest(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// apply is exported to the package for tests and for the REST fallback to
// seed the cache.
func (s *QuoteStream) apply(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Symbol] = q
}

// Run dials, subscribes and consumes frames until ctx is cancelled.
func (s *QuoteStream) Run(ctx context.Context) {
	backoff := wsReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"url":     s.url,
				"backoff": backoff.String(),
			}).Warn("quote stream disconnected, reconnecting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

func (s *QuoteStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout:  wsHandshakeTimeout,
		EnableCompression: true,
		Proxy:             http.ProxyFromEnvironment,
	}

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}
	defer conn.Close()

	sub := map[string]interface{}{"op": "subscribe", "channel": "quotes", "symbols": s.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("ws subscribe failed: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"url":     s.url,
		"symbols": len(s.symbols),
	}).Info("quote stream connected")

	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read failed: %w", err)
		}

		var frame quoteFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			logger.WithError(err).Debug("skipping malformed quote frame")
			continue
		}
		if frame.Type != "quote" || frame.Symbol == "" {
			continue
		}

		at := s.now()
		if frame.TS > 0 {
			at = time.UnixMilli(frame.TS)
		}
		s.apply(Quote{
			Symbol: frame.Symbol,
			Bid:    frame.Bid,
			Ask:    frame.Ask,
			Last:   frame.Last,
			At:     at,
		})
	}
}
