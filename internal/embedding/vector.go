package embedding

import (
	"fmt"
	"math"
)

// Norm returns the Euclidean length of v. Components are scaled by the largest
// magnitude before squaring, so very small or very large vectors do not
// underflow to zero or overflow to +Inf.
func Norm(v []float64) float64 {
	m := maxAbs(v)
	if !usable(m) {
		return m
	}
	return m * math.Sqrt(scaledSquares(v, m))
}

// Normalize returns a unit-length copy of v. An empty vector, a zero norm or
// a non-finite component yields ErrNormalizationFailed.
func Normalize(v []float64) ([]float64, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrNormalizationFailed)
	}
	m := maxAbs(v)
	if !usable(m) {
		return nil, fmt.Errorf("%w: largest component is %v", ErrNormalizationFailed, m)
	}
	n := math.Sqrt(scaledSquares(v, m))
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / m / n
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. Both operands
// are normalized here, so callers may pass raw vectors of any finite scale.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	ma, mb := maxAbs(a), maxAbs(b)
	if !usable(ma) || !usable(mb) {
		return 0, ErrDegenerateVector
	}

	// scaled components lie in [-1, 1], so none of the sums can overflow
	var dot, na, nb float64
	for i := range a {
		x, y := a[i]/ma, b[i]/mb
		dot += x * y
		na += x * x
		nb += y * y
	}

	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(s) {
		return 0, ErrDegenerateVector
	}
	// rounding can push |s| slightly past 1
	return math.Max(-1, math.Min(1, s)), nil
}

// maxAbs returns the largest component magnitude of v, or NaN when any
// component is NaN.
func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		if math.IsNaN(x) {
			return math.NaN()
		}
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}

func scaledSquares(v []float64, m float64) float64 {
	var sum float64
	for _, x := range v {
		s := x / m
		sum += s * s
	}
	return sum
}

func usable(m float64) bool {
	return m > 0 && !math.IsInf(m, 0) && !math.IsNaN(m)
}
