package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/model"
)

// ErrMalformed marks producer output that cannot be normalized. Malformed
// signals are dropped with an audit record and never retried.
var ErrMalformed = errors.New("malformed producer signal")

// producerSource maps producer identifiers to canonical source names.
// Unknown producers pass through lowercased so a new engine can come online
// without a code change; it just fuses at the default weight.
var producerSource = map[string]string{
	"ema":            model.SourceEMACloud,
	"ema_cloud":      model.SourceEMACloud,
	"meanrev":        model.SourceMeanReversion,
	"mean_reversion": model.SourceMeanReversion,
	"momentum":       model.SourceMomentumBreakout,
	"breakout":       model.SourceMomentumBreakout,
	"social":         model.SourceSentiment,
	"sentiment":      model.SourceSentiment,
	"ml":             model.SourceMLRanking,
	"ml_ranking":     model.SourceMLRanking,
}

// Normalizer converts heterogeneous producer outputs into the canonical
// Signal record. One normalization call per producer emission; the pipeline
// does not know producer internals.
type Normalizer struct {
	now func() time.Time
}

func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// WithClock overrides the time source. Useful for tests.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize maps one raw producer row into a canonical Signal. The returned
// signal is immutable from here on.
func (n *Normalizer) Normalize(raw *model.RawProducerSignal) (*model.Signal, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil row", ErrMalformed)
	}

	ticker := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if ticker == "" {
		return nil, fmt.Errorf("%w: empty symbol (producer=%s id=%d)", ErrMalformed, raw.Producer, raw.ID)
	}

	direction, err := normalizeDirection(raw.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (producer=%s id=%d)", ErrMalformed, err, raw.Producer, raw.ID)
	}

	conviction, err := normalizeConviction(raw.Confidence, raw.Scale)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (producer=%s id=%d)", ErrMalformed, err, raw.Producer, raw.ID)
	}

	source := strings.ToLower(strings.TrimSpace(raw.Producer))
	if canonical, ok := producerSource[source]; ok {
		source = canonical
	}
	if source == "" {
		return nil, fmt.Errorf("%w: empty producer (id=%d)", ErrMalformed, raw.ID)
	}

	signalType := strings.ToLower(strings.TrimSpace(raw.SignalType))
	if signalType == "" {
		signalType = "unspecified"
	}

	createdAt := n.now().UTC()
	if raw.EmittedAt != nil && !raw.EmittedAt.IsZero() {
		createdAt = raw.EmittedAt.UTC()
	}

	entry := 0.0
	if raw.Price != nil {
		if *raw.Price < 0 {
			return nil, fmt.Errorf("%w: negative price %v (producer=%s id=%d)", ErrMalformed, *raw.Price, raw.Producer, raw.ID)
		}
		entry = *raw.Price
	}

	sig := &model.Signal{
		SignalID:    uuid.NewString(),
		Ticker:      ticker,
		Source:      source,
		Direction:   direction,
		Conviction:  conviction,
		SignalType:  signalType,
		EntryPrice:  entry,
		StopLoss:    raw.StopLoss,
		TargetPrice: raw.Target,
		Metadata:    raw.Payload,
		CreatedAt:   createdAt,
	}

	logger.WithFields(map[string]interface{}{
		"signal_id":  sig.SignalID,
		"ticker":     sig.Ticker,
		"source":     sig.Source,
		"direction":  sig.Direction,
		"conviction": sig.Conviction,
	}).Debug("normalized producer signal")

	return sig, nil
}

func normalizeDirection(action string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "buy", "long":
		return model.DirectionLong, nil
	case "sell", "short":
		return model.DirectionShort, nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func normalizeConviction(confidence float64, scale string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(scale)) {
	case "unit":
		confidence *= 100
	case "", "percent":
		// already 0..100
	default:
		return 0, fmt.Errorf("unknown confidence scale %q", scale)
	}

	if confidence < 0 || confidence > 100 {
		return 0, fmt.Errorf("conviction %v out of range", confidence)
	}

	return confidence, nil
}
