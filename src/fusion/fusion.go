package fusion

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalpipeline/src/model"
)

// Contribution records one source's input into a fused signal.
type Contribution struct {
	Source string  `json:"source"`
	Weight float64 `json:"weight"`
	Raw    float64 `json:"raw"`
	Decay  float64 `json:"decay"`
}

// FusedSignal is one ticker's consensus for a fusion cycle. Read-only
// downstream; the next cycle supersedes it.
type FusedSignal struct {
	Ticker         string
	CompositeScore float64 // -100..+100
	AgreementRatio float64
	DecayApplied   bool
	Contributions  []Contribution
	WeightVersion  uint
	FusedAt        time.Time

	// Carried forward for sizing: the strongest contributing signal's price
	// levels and the set of distinct sources.
	EntryPrice  float64
	StopLoss    *float64
	TargetPrice *float64
	SignalType  string
	SignalID    string
	Sources     []string
}

// Fuser merges normalized signals per ticker into weighted consensus
// signals.
type Fuser struct {
	weights *WeightStore
	lambda  func() float64 // decay rate per second
	now     func() time.Time
}

func NewFuser(weights *WeightStore, lambda func() float64) *Fuser {
	return &Fuser{weights: weights, lambda: lambda, now: time.Now}
}

// WithClock overrides the time source. Useful for tests.
func (f *Fuser) WithClock(now func() time.Time) *Fuser {
	f.now = now
	return f
}

// Fuse groups signals by ticker and computes one FusedSignal per group:
//
//	raw_i       = conviction_i * sign(direction_i)
//	decay_i     = exp(-lambda * age_i_seconds)
//	composite   = sum(w_i * raw_i * decay_i) / sum(w_i * decay_i), clamped to [-100, 100]
//	agreement   = fraction of sources whose sign matches the composite's sign
//
// Weights come from the store's current snapshot; an update published
// mid-stream affects the next Fuse call only.
func (f *Fuser) Fuse(signals []*model.Signal) []FusedSignal {
	if len(signals) == 0 {
		return nil
	}

	set := f.weights.Current()
	lambda := f.lambda()
	now := f.now()

	groups := map[string][]*model.Signal{}
	for _, sig := range signals {
		groups[sig.Ticker] = append(groups[sig.Ticker], sig)
	}

	tickers := make([]string, 0, len(groups))
	for ticker := range groups {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)

	fused := make([]FusedSignal, 0, len(groups))
	for _, ticker := range tickers {
		fused = append(fused, f.fuseGroup(ticker, groups[ticker], set, lambda, now))
	}

	return fused
}

func (f *Fuser) fuseGroup(ticker string, group []*model.Signal, set WeightSet, lambda float64, now time.Time) FusedSignal {
	var num, den float64
	decayApplied := false
	contributions := make([]Contribution, 0, len(group))

	var strongest *model.Signal
	var strongestAbs float64
	sourceSeen := map[string]bool{}
	sources := []string{}

	for _, sig := range group {
		raw := sig.Conviction * sig.DirectionSign()

		age := now.Sub(sig.CreatedAt).Seconds()
		if age < 0 {
			age = 0
		}
		decay := math.Exp(-lambda * age)
		if decay < 1 {
			decayApplied = true
		}

		weight := set.WeightOf(sig.Source)

		num += weight * raw * decay
		den += weight * decay

		contributions = append(contributions, Contribution{
			Source: sig.Source,
			Weight: weight,
			Raw:    raw,
			Decay:  decay,
		})

		if !sourceSeen[sig.Source] {
			sourceSeen[sig.Source] = true
			sources = append(sources, sig.Source)
		}

		if abs := math.Abs(raw * decay); strongest == nil || abs > strongestAbs {
			strongest = sig
			strongestAbs = abs
		}
	}

	composite := 0.0
	if den != 0 {
		composite = num / den
	}
	composite = math.Max(-100, math.Min(100, composite))

	agreement := 0.0
	if len(contributions) > 0 {
		matched := 0
		for _, c := range contributions {
			if sameSign(c.Raw, composite) {
				matched++
			}
		}
		agreement = float64(matched) / float64(len(contributions))
	}

	result := FusedSignal{
		Ticker:         ticker,
		CompositeScore: composite,
		AgreementRatio: agreement,
		DecayApplied:   decayApplied,
		Contributions:  contributions,
		WeightVersion:  set.Version,
		FusedAt:        now,
		Sources:        sources,
	}

	if strongest != nil {
		result.EntryPrice = strongest.EntryPrice
		result.StopLoss = strongest.StopLoss
		result.TargetPrice = strongest.TargetPrice
		result.SignalType = strongest.SignalType
		result.SignalID = strongest.SignalID
	}

	logger.WithFields(map[string]interface{}{
		"ticker":    ticker,
		"composite": composite,
		"agreement": agreement,
		"sources":   len(sources),
	}).Debug("fused signal group")

	return result
}

func sameSign(a, b float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	return (a > 0) == (b > 0)
}

// Record converts a FusedSignal into its persisted form.
func (fs *FusedSignal) Record() model.FusedSignalRecord {
	contrib, _ := json.Marshal(fs.Contributions)
	return model.FusedSignalRecord{
		Ticker:         fs.Ticker,
		CompositeScore: fs.CompositeScore,
		AgreementRatio: fs.AgreementRatio,
		DecayApplied:   fs.DecayApplied,
		Contributions:  string(contrib),
		WeightVersion:  fs.WeightVersion,
		FusedAt:        fs.FusedAt,
	}
}
