package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/config"
	"signalpipeline/src/fusion"
	"signalpipeline/src/model"
)

var ErrNoRollbackTarget = errors.New("no previous weight snapshot to roll back to")

type outcomeStore interface {
	FindWindow(ctx context.Context, from, to time.Time) ([]model.TradeOutcome, error)
}

type snapshotStore interface {
	Append(ctx context.Context, snap *model.WeightSnapshot) error
	Latest(ctx context.Context) (*model.WeightSnapshot, error)
	FindByVersion(ctx context.Context, version uint) (*model.WeightSnapshot, error)
}

// SourceStats is one source's performance over the evaluation window,
// persisted as the snapshot's context.
type SourceStats struct {
	Samples int     `json:"samples"`
	Sharpe  float64 `json:"sharpe"`
	WinRate float64 `json:"win_rate"`
	Score   float64 `json:"score"`
}

// Loop recomputes per-source fusion weights from realized outcomes. Every
// TradesPerCycle closed trades it scores each source over the trailing
// window, moves weights toward performance with a per-cycle delta clamp,
// bounds them to the floor/ceiling, renormalizes, and publishes a new
// version. Every published set is persisted so any version can be rolled
// back to.
type Loop struct {
	outcomes  outcomeStore
	snapshots snapshotStore
	store     *fusion.WeightStore
	cfg       func() config.FeedbackConfig
	now       func() time.Time
	onPublish func(version uint, trigger string)

	pending atomic.Int64
}

func NewLoop(outcomes outcomeStore, snapshots snapshotStore, store *fusion.WeightStore, cfg func() config.FeedbackConfig) *Loop {
	return &Loop{
		outcomes:  outcomes,
		snapshots: snapshots,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Useful for tests.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

// OnPublish registers a callback invoked after each published weight set.
func (l *Loop) OnPublish(fn func(version uint, trigger string)) *Loop {
	l.onPublish = fn
	return l
}

// OnOutcome is the sink the lifecycle manager fans realized trades into.
func (l *Loop) OnOutcome(model.TradeOutcome) {
	l.pending.Add(1)
}

// Due reports whether enough trades have closed to run a recompute cycle.
func (l *Loop) Due() bool {
	per := int64(l.cfg().TradesPerCycle)
	return per > 0 && l.pending.Load() >= per
}

// MaybeRecompute runs a scheduled cycle when one is due.
func (l *Loop) MaybeRecompute(ctx context.Context) error {
	if !l.Due() {
		return nil
	}
	l.pending.Store(0)
	return l.Recompute(ctx, model.WeightTriggerScheduled)
}

// Recompute scores sources over the trailing window and publishes adjusted
// weights as a new version.
func (l *Loop) Recompute(ctx context.Context, trigger string) error {
	cfg := l.cfg()
	to := l.now()
	from := to.Add(-cfg.Window.Std())

	outcomes, err := l.outcomes.FindWindow(ctx, from, to)
	if err != nil {
		return fmt.Errorf("load outcome window: %w", err)
	}

	stats := scoreSources(outcomes)
	current := l.store.Current()

	next := adjustWeights(current.Weights, stats, cfg)
	if len(next) == 0 {
		logger.Debug("weight recompute produced no change, skipping publish")
		return nil
	}

	return l.publish(ctx, next, stats, trigger, current.Version)
}

// Rollback republishes the set the current version superseded, as a new
// version. History is never rewritten.
func (l *Loop) Rollback(ctx context.Context) error {
	latest, err := l.snapshots.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if latest == nil || latest.PrevVersion == nil {
		return ErrNoRollbackTarget
	}

	prev, err := l.snapshots.FindByVersion(ctx, *latest.PrevVersion)
	if err != nil {
		return fmt.Errorf("load snapshot v%d: %w", *latest.PrevVersion, err)
	}
	if prev == nil {
		return ErrNoRollbackTarget
	}

	weights := map[string]float64{}
	if err := json.Unmarshal([]byte(prev.Weights), &weights); err != nil {
		return fmt.Errorf("decode snapshot v%d: %w", prev.Version, err)
	}

	return l.publish(ctx, weights, nil, model.WeightTriggerRollback, latest.Version)
}

func (l *Loop) publish(ctx context.Context, weights map[string]float64, stats map[string]SourceStats, trigger string, prevVersion uint) error {
	encoded, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}

	contextJSON := ""
	if stats != nil {
		raw, _ := json.Marshal(stats)
		contextJSON = string(raw)
	}

	version := prevVersion + 1
	prev := prevVersion
	snap := &model.WeightSnapshot{
		Version:     version,
		Weights:     string(encoded),
		Trigger:     trigger,
		Context:     contextJSON,
		PrevVersion: &prev,
	}
	if err := l.snapshots.Append(ctx, snap); err != nil {
		return fmt.Errorf("persist weight snapshot: %w", err)
	}

	l.store.Publish(fusion.WeightSet{Version: version, Weights: weights})

	logger.WithFields(map[string]interface{}{
		"version": version,
		"trigger": trigger,
		"weights": string(encoded),
	}).Info("published fusion weights")

	if l.onPublish != nil {
		l.onPublish(version, trigger)
	}

	return nil
}

// scoreSources attributes each outcome's return to every source that
// contributed to the entry and computes a blended sharpe/win-rate score.
func scoreSources(outcomes []model.TradeOutcome) map[string]SourceStats {
	returnsBySource := map[string][]float64{}
	winsBySource := map[string]int{}

	for _, o := range outcomes {
		var sources []string
		if err := json.Unmarshal([]byte(o.Sources), &sources); err != nil {
			continue
		}
		for _, s := range sources {
			returnsBySource[s] = append(returnsBySource[s], o.ReturnPct)
			if o.Win {
				winsBySource[s]++
			}
		}
	}

	stats := map[string]SourceStats{}
	for source, returns := range returnsBySource {
		sharpe := sharpeRatio(returns)
		winRate := float64(winsBySource[source]) / float64(len(returns))
		stats[source] = SourceStats{
			Samples: len(returns),
			Sharpe:  sharpe,
			WinRate: winRate,
			// Sharpe squashed into [0,1] then blended evenly with win rate.
			Score: 0.5*sigmoid(sharpe) + 0.5*winRate,
		}
	}
	return stats
}

// adjustWeights moves current weights toward performance scores. Sources
// under the sample minimum keep their current weight. The per-cycle movement
// is clamped, then weights are bounded and renormalized to sum to 1.
func adjustWeights(current map[string]float64, stats map[string]SourceStats, cfg config.FeedbackConfig) map[string]float64 {
	if len(current) == 0 {
		return nil
	}

	// Target allocation proportional to score across sources with enough
	// samples.
	scored := map[string]float64{}
	scoreSum := 0.0
	for source := range current {
		s, ok := stats[source]
		if !ok || s.Samples < cfg.MinSamples {
			continue
		}
		scored[source] = s.Score
		scoreSum += s.Score
	}
	if len(scored) == 0 || scoreSum == 0 {
		return nil
	}

	// Mass available to the scored sources is whatever the unscored ones do
	// not hold, so untouched weights stay put.
	reserved := 0.0
	for source, w := range current {
		if _, ok := scored[source]; !ok {
			reserved += w
		}
	}
	available := 1 - reserved

	next := map[string]float64{}
	adjustable := make([]string, 0, len(scored))
	for source, w := range current {
		score, ok := scored[source]
		if !ok {
			next[source] = w
			continue
		}
		target := available * score / scoreSum
		next[source] = clamp(target, w-cfg.MaxDeltaPerCycle, w+cfg.MaxDeltaPerCycle)
		adjustable = append(adjustable, source)
	}
	sort.Strings(adjustable)

	rebalance(next, adjustable, available, cfg.FloorWeight, cfg.CeilingWeight)
	return next
}

// rebalance bounds the adjustable weights to [floor, ceiling] and spreads the
// remaining mass across whatever headroom they have, so the full set keeps
// summing to 1 without touching the unscored weights. Bounds win over the
// exact mass when the two conflict.
func rebalance(weights map[string]float64, adjustable []string, mass, floor, ceiling float64) {
	for _, s := range adjustable {
		weights[s] = clamp(weights[s], floor, ceiling)
	}

	for iter := 0; iter < len(adjustable); iter++ {
		sum := 0.0
		for _, s := range adjustable {
			sum += weights[s]
		}
		diff := mass - sum
		if math.Abs(diff) < 1e-9 {
			return
		}

		room := 0.0
		for _, s := range adjustable {
			if diff > 0 {
				room += ceiling - weights[s]
			} else {
				room += weights[s] - floor
			}
		}
		if room <= 0 {
			return
		}

		frac := math.Abs(diff) / room
		if frac > 1 {
			frac = 1
		}
		for _, s := range adjustable {
			if diff > 0 {
				weights[s] += (ceiling - weights[s]) * frac
			} else {
				weights[s] -= (weights[s] - floor) * frac
			}
		}
	}
}

func sharpeRatio(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	std := math.Sqrt(variance)
	if std == 0 {
		// Degenerate window: direction of the mean is all we know.
		if mean > 0 {
			return 1
		}
		if mean < 0 {
			return -1
		}
		return 0
	}
	return mean / std
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
