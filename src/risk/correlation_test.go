package risk

import (
	"math"
	"testing"
)

func TestCorrelation(t *testing.T) {
	tests := []struct {
		name string
		a    []float64
		b    []float64
		want float64
	}{
		{name: "perfect positive", a: []float64{1, 2, 3, 4}, b: []float64{2, 4, 6, 8}, want: 1},
		{name: "perfect negative", a: []float64{1, 2, 3, 4}, b: []float64{4, 3, 2, 1}, want: -1},
		{name: "constant series degenerate", a: []float64{1, 2, 3}, b: []float64{5, 5, 5}, want: 0},
		{name: "empty", a: nil, b: nil, want: 0},
		{name: "length mismatch", a: []float64{1, 2}, b: []float64{1}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Correlation(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Correlation = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBeta(t *testing.T) {
	benchmark := []float64{0.01, -0.02, 0.03, -0.01}

	doubled := make([]float64, len(benchmark))
	for i, r := range benchmark {
		doubled[i] = 2 * r
	}

	if got := Beta(doubled, benchmark); math.Abs(got-2) > 1e-9 {
		t.Fatalf("Beta of doubled series = %v, want 2", got)
	}
	if got := Beta(benchmark, benchmark); math.Abs(got-1) > 1e-9 {
		t.Fatalf("Beta against itself = %v, want 1", got)
	}
	if got := Beta(benchmark, []float64{0, 0, 0, 0}); got != 0 {
		t.Fatalf("Beta with flat benchmark = %v, want 0", got)
	}
}

func TestPairwiseMatrixSymmetric(t *testing.T) {
	returns := map[string][]float64{
		"BTC-USD": {0.01, 0.02, -0.01, 0.03},
		"ETH-USD": {0.02, 0.03, -0.02, 0.05},
		"AAPL":    {-0.01, 0.01, 0.02, -0.02},
	}

	m := PairwiseMatrix(returns)

	for a := range returns {
		for b := range returns {
			if a == b {
				continue
			}
			if math.Abs(m[a][b]-m[b][a]) > 1e-12 {
				t.Fatalf("matrix not symmetric at %s/%s: %v vs %v", a, b, m[a][b], m[b][a])
			}
			if m[a][b] < -1-1e-9 || m[a][b] > 1+1e-9 {
				t.Fatalf("correlation %s/%s = %v outside [-1, 1]", a, b, m[a][b])
			}
		}
	}

	if m["BTC-USD"]["ETH-USD"] <= 0.9 {
		t.Fatalf("strongly co-moving series should correlate above 0.9, got %v", m["BTC-USD"]["ETH-USD"])
	}
}

func TestHypotheticalCorrAlreadyHeld(t *testing.T) {
	snap := &Snapshot{
		ExposureByTicker: map[string]float64{"A": 100, "B": 100},
		Pairwise:         map[string]map[string]float64{"A": {"B": 0.4}},
		AvgPairwiseCorr:  0.4,
	}

	if got := snap.HypotheticalCorr("A"); got != 0.4 {
		t.Fatalf("adding size to a held ticker should not change the average, got %v", got)
	}

	// A new third ticker with an unknown pair contributes zeros.
	got := snap.HypotheticalCorr("C")
	want := 0.4 / 3
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("hypothetical with unknown pairs = %v, want %v", got, want)
	}
}
