package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

// Severities, in escalating order.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Well-known alert names.
const (
	AlertBreakerTripped    = "circuit_breaker_tripped"
	AlertKillSwitch        = "kill_switch_triggered"
	AlertRejectSpike       = "signal_reject_spike"
	AlertRoutingExhausted  = "order_routing_exhausted"
	AlertWeightsPublished  = "fusion_weights_published"
	AlertSnapshotStale     = "risk_snapshot_stale"
	AlertAuditChainBroken  = "audit_chain_broken"
)

// Event is one alert occurrence. DedupKey suppresses repeats inside the
// dedup window; an empty key never dedupes.
type Event struct {
	Name     string                 `json:"name"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	DedupKey string                 `json:"dedup_key,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	At       time.Time              `json:"at"`
}

// Dispatcher delivers one event to one destination.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Alerter fans events out to its dispatchers, deduplicating on DedupKey. A
// delivery failure is logged and never propagates: alerting must not take
// the pipeline down.
type Alerter struct {
	dispatchers []Dispatcher
	window      time.Duration
	now         func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewAlerter(window time.Duration, dispatchers ...Dispatcher) *Alerter {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Alerter{
		dispatchers: dispatchers,
		window:      window,
		now:         time.Now,
		seen:        map[string]time.Time{},
	}
}

// WithClock overrides the time source. Useful for tests.
func (a *Alerter) WithClock(now func() time.Time) *Alerter {
	a.now = now
	return a
}

// Send dispatches the event unless an identical dedup key fired inside the
// window. Reports whether the event was actually dispatched.
func (a *Alerter) Send(ctx context.Context, event Event) bool {
	if event.At.IsZero() {
		event.At = a.now().UTC()
	}
	if a.suppressed(event.DedupKey) {
		return false
	}

	for _, d := range a.dispatchers {
		if err := d.Dispatch(ctx, event); err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"alert":    event.Name,
				"severity": event.Severity,
			}).Warn("alert delivery failed")
		}
	}
	return true
}

func (a *Alerter) suppressed(key string) bool {
	if key == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if last, ok := a.seen[key]; ok && now.Sub(last) < a.window {
		return true
	}

	// Opportunistic expiry keeps the map bounded.
	for k, at := range a.seen {
		if now.Sub(at) >= a.window {
			delete(a.seen, k)
		}
	}
	a.seen[key] = now
	return false
}

// LogDispatcher writes alerts to the structured log. Always registered so
// every alert is visible even with no webhook configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(_ context.Context, event Event) error {
	entry := logger.WithFields(map[string]interface{}{
		"alert":    event.Name,
		"severity": event.Severity,
		"metadata": event.Metadata,
	})

	switch event.Severity {
	case SeverityCritical:
		entry.Error(event.Message)
	case SeverityWarning:
		entry.Warn(event.Message)
	default:
		entry.Info(event.Message)
	}
	return nil
}

// WebhookDispatcher POSTs events as JSON to an operator endpoint.
type WebhookDispatcher struct {
	http *resty.Client
}

func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{
		http: resty.New().
			SetBaseURL(url).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

func (w *WebhookDispatcher) Dispatch(ctx context.Context, event Event) error {
	resp, err := w.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		Post("")
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode())
	}
	return nil
}
