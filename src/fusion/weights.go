package fusion

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"signalpipeline/src/model"
)

// WeightSet is one immutable published set of per-source fusion weights.
type WeightSet struct {
	Version uint
	Weights map[string]float64
}

// WeightOf returns the weight for a source, falling back to the set's mean
// weight for sources the feedback loop has not learned yet.
func (w WeightSet) WeightOf(source string) float64 {
	if weight, ok := w.Weights[source]; ok {
		return weight
	}
	if len(w.Weights) == 0 {
		return 1
	}
	sum := 0.0
	for _, v := range w.Weights {
		sum += v
	}
	return sum / float64(len(w.Weights))
}

// WeightStore publishes weight sets to fusion. The feedback loop is the
// single writer; fusion reads the latest snapshot on every fuse call, so a
// published update takes effect on the next cycle and never retroactively.
type WeightStore struct {
	current atomic.Value // WeightSet
}

func NewWeightStore(initial WeightSet) *WeightStore {
	s := &WeightStore{}
	s.current.Store(cloneSet(initial))
	return s
}

// NewWeightStoreFromSnapshot hydrates the store from the latest persisted
// WeightSnapshot row.
func NewWeightStoreFromSnapshot(snap *model.WeightSnapshot) (*WeightStore, error) {
	weights := map[string]float64{}
	if snap != nil {
		if err := json.Unmarshal([]byte(snap.Weights), &weights); err != nil {
			return nil, fmt.Errorf("decode weight snapshot v%d: %w", snap.Version, err)
		}
	}
	version := uint(0)
	if snap != nil {
		version = snap.Version
	}
	return NewWeightStore(WeightSet{Version: version, Weights: weights}), nil
}

// Current returns the latest published weight set.
func (s *WeightStore) Current() WeightSet {
	return s.current.Load().(WeightSet)
}

// Publish atomically swaps the published set.
func (s *WeightStore) Publish(set WeightSet) {
	s.current.Store(cloneSet(set))
}

func cloneSet(set WeightSet) WeightSet {
	weights := make(map[string]float64, len(set.Weights))
	for k, v := range set.Weights {
		weights[k] = v
	}
	return WeightSet{Version: set.Version, Weights: weights}
}
