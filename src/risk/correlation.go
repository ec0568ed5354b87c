package risk

import "math"

// Correlation computes the Pearson correlation of two equally long return
// series. Returns 0 when either series is degenerate.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}

	meanA, meanB := mean(a), mean(b)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}

	if varA == 0 || varB == 0 {
		return 0
	}

	return cov / math.Sqrt(varA*varB)
}

// Beta computes the regression beta of series against benchmark returns.
func Beta(series, benchmark []float64) float64 {
	n := len(series)
	if n == 0 || n != len(benchmark) {
		return 0
	}

	meanS, meanB := mean(series), mean(benchmark)

	var cov, varB float64
	for i := 0; i < n; i++ {
		cov += (series[i] - meanS) * (benchmark[i] - meanB)
		varB += (benchmark[i] - meanB) * (benchmark[i] - meanB)
	}

	if varB == 0 {
		return 0
	}

	return cov / varB
}

// PairwiseMatrix builds the symmetric correlation matrix for the given
// return series keyed by ticker.
func PairwiseMatrix(returns map[string][]float64) map[string]map[string]float64 {
	matrix := make(map[string]map[string]float64, len(returns))
	tickers := make([]string, 0, len(returns))
	for ticker := range returns {
		tickers = append(tickers, ticker)
		matrix[ticker] = map[string]float64{}
	}

	for i := 0; i < len(tickers); i++ {
		for j := i + 1; j < len(tickers); j++ {
			a, b := tickers[i], tickers[j]
			c := Correlation(returns[a], returns[b])
			matrix[a][b] = c
			matrix[b][a] = c
		}
	}

	return matrix
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
