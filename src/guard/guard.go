package guard

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/model"
)

const (
	ReasonStale     = "STALE"
	ReasonDuplicate = "DUPLICATE"
)

// Admission is the result of one Admit call.
type Admission struct {
	Accepted bool
	Reason   string
}

// shardCount keeps the dedup map critical sections short: concurrent admits
// for different keys land on different shards with high probability.
const shardCount = 16

type shard struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> last admitted at
}

// Guard rejects stale and duplicate signals before they reach fusion.
// Dedup state is a bounded recency map keyed by (ticker, signal_type,
// direction); entries expire after the dedup window.
type Guard struct {
	maxAge      func() time.Duration
	dedupWindow func() time.Duration
	now         func() time.Time

	shards [shardCount]*shard

	mu        sync.Mutex
	rejects   []time.Time // recent rejection timestamps for spike detection
	spikeSize int
	spikeSpan time.Duration
	onSpike   func(count int)
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source. Useful for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithSpikeAlert fires onSpike when more than size rejections happen within
// span. Used to surface guard-rejection storms to the alert dispatcher.
func WithSpikeAlert(size int, span time.Duration, onSpike func(count int)) Option {
	return func(g *Guard) {
		g.spikeSize = size
		g.spikeSpan = span
		g.onSpike = onSpike
	}
}

// New builds a Guard. maxAge and dedupWindow are read per call so config
// reloads take effect without rebuilding the guard.
func New(maxAge, dedupWindow func() time.Duration, opts ...Option) *Guard {
	g := &Guard{
		maxAge:      maxAge,
		dedupWindow: dedupWindow,
		now:         time.Now,
	}
	for i := range g.shards {
		g.shards[i] = &shard{entries: make(map[string]time.Time)}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func dedupKey(sig *model.Signal) string {
	return fmt.Sprintf("%s|%s|%s", sig.Ticker, sig.SignalType, sig.Direction)
}

func (g *Guard) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%shardCount]
}

// Admit accepts or rejects one signal. Safe for concurrent use; admits for
// different keys do not block each other beyond a single shard critical
// section.
func (g *Guard) Admit(sig *model.Signal) Admission {
	now := g.now()

	if age := now.Sub(sig.CreatedAt); age > g.maxAge() {
		logger.WithFields(map[string]interface{}{
			"signal_id": sig.SignalID,
			"ticker":    sig.Ticker,
			"age":       age.String(),
		}).Info("guard rejected stale signal")
		g.trackReject(now)
		return Admission{Accepted: false, Reason: ReasonStale}
	}

	key := dedupKey(sig)
	window := g.dedupWindow()
	sh := g.shardFor(key)

	sh.mu.Lock()
	last, seen := sh.entries[key]
	if seen && now.Sub(last) <= window {
		sh.mu.Unlock()
		logger.WithFields(map[string]interface{}{
			"signal_id": sig.SignalID,
			"key":       key,
		}).Info("guard rejected duplicate signal")
		g.trackReject(now)
		return Admission{Accepted: false, Reason: ReasonDuplicate}
	}
	sh.entries[key] = now

	// Expire entries past the window while we hold the shard lock; the map
	// stays bounded by the number of live keys per window.
	for k, at := range sh.entries {
		if now.Sub(at) > window {
			delete(sh.entries, k)
		}
	}
	sh.mu.Unlock()

	return Admission{Accepted: true}
}

func (g *Guard) trackReject(now time.Time) {
	if g.onSpike == nil {
		return
	}

	g.mu.Lock()
	g.rejects = append(g.rejects, now)

	cutoff := now.Add(-g.spikeSpan)
	kept := g.rejects[:0]
	for _, at := range g.rejects {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	g.rejects = kept
	count := len(g.rejects)
	fire := count >= g.spikeSize
	if fire {
		g.rejects = g.rejects[:0]
	}
	g.mu.Unlock()

	if fire {
		g.onSpike(count)
	}
}
