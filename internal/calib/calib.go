// Package calib provides per-request score calibration. Raw retrieval
// scores live on incompatible, query-dependent scales (BM25 is unbounded,
// cosine sits in [-1,1], reranker logits are unbounded); mapping each source
// through a logistic transform of its own per-request statistics puts every
// signal on [0,1] so fixed routing thresholds stay meaningful.
package calib

import "math"

// epsilon floors denominators so calibration never divides by zero and a
// vanishing spread is treated as "no information".
const epsilon = 1e-6

// Stats summarizes one source's raw scores for a single request.
type Stats struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
	N    int
}

// ComputeStats returns summary statistics for values, or nil when values is
// empty. Std uses the sample (Bessel) denominator when more than one value
// is present; a single value gets the epsilon floor.
func ComputeStats(values []float64) *Stats {
	if len(values) == 0 {
		return nil
	}
	s := &Stats{
		Min: values[0],
		Max: values[0],
		N:   len(values),
	}
	var sum float64
	for _, v := range values {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean = sum / float64(s.N)

	if s.N > 1 {
		var ss float64
		for _, v := range values {
			d := v - s.Mean
			ss += d * d
		}
		s.Std = math.Sqrt(ss / float64(s.N-1))
	} else {
		s.Std = epsilon
	}
	return s
}

// LogisticFromStats maps a raw score into [0,1] using the per-request
// statistics of its source:
//
//	σ((x - mean) / max(std, ε) · scale)
//
// When the statistics carry no usable spread (a single value, or std below
// ε), it falls back to min-max scaling (x - min) / max(max - min, ε); a
// fully degenerate sample returns 0.5, the "no evidence either way" point.
// A nil Stats also returns 0.5.
func LogisticFromStats(x float64, s *Stats, scale float64) float64 {
	if s == nil {
		return 0.5
	}
	if s.N > 1 && s.Std >= epsilon {
		return Clamp01(Sigmoid((x - s.Mean) / math.Max(s.Std, epsilon) * scale))
	}
	span := s.Max - s.Min
	if span <= epsilon {
		return 0.5
	}
	return Clamp01((x - s.Min) / span)
}

// Sigmoid is the numerically stable logistic function. The two branches
// avoid overflow in exp for large |x|.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1.0 / (1.0 + z)
	}
	z := math.Exp(x)
	return z / (1.0 + z)
}

// Clamp01 clamps v to the inclusive range [0, 1].
func Clamp01(v float64) float64 {
	return Clamp(v, 0.0, 1.0)
}

// Clamp clamps v to the inclusive range [low, high].
func Clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
