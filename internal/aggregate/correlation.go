package aggregate

import "math"

// Correlation is the Pearson coefficient of one metric pair, in [-1, 1].
type Correlation struct {
	Pair        [2]string `json:"pair"`
	Coefficient float64   `json:"coefficient"`
}

// Pearson returns the correlation of a and b. Empty or length-mismatched
// input and zero-variance input yield 0.
func Pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) || constant(a) || constant(b) {
		return 0
	}

	var sumA, sumB float64
	for i := range a {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}

	r := finite(cov / math.Sqrt(varA*varB))
	return math.Max(-1, math.Min(1, r))
}

// Correlate computes Pearson for each pair of named series. A pair naming a
// missing series gets coefficient 0.
func Correlate(series map[string][]float64, pairs [][2]string) []Correlation {
	out := make([]Correlation, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Correlation{Pair: p, Coefficient: Pearson(series[p[0]], series[p[1]])})
	}
	return out
}

// AllPairs lists each unordered pair of names once, in input order.
func AllPairs(names []string) [][2]string {
	var pairs [][2]string
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			pairs = append(pairs, [2]string{names[i], names[j]})
		}
	}
	return pairs
}

func constant(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}
