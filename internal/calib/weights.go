package calib

// Weights holds the fusion weight for each score component. Field names
// match the keys accepted in calibration profiles and in the
// FUSION_<SOURCE>_WEIGHT environment overrides.
type Weights struct {
	Rerank     float64 `json:"rerank" yaml:"rerank"`
	Cosine     float64 `json:"cosine" yaml:"cosine"`
	BM25       float64 `json:"bm25" yaml:"bm25"`
	KGPrior    float64 `json:"kg_prior" yaml:"kg_prior"`
	Popularity float64 `json:"popularity" yaml:"popularity"`
}

// DefaultWeights returns the stock fusion weights. They already sum to 1.
func DefaultWeights() Weights {
	return Weights{
		Rerank:     0.55,
		Cosine:     0.20,
		BM25:       0.10,
		KGPrior:    0.10,
		Popularity: 0.05,
	}
}

// Sum returns the total of all weight components.
func (w Weights) Sum() float64 {
	return w.Rerank + w.Cosine + w.BM25 + w.KGPrior + w.Popularity
}

// Normalized returns a copy scaled so the components sum to 1. Negative
// components are floored at zero first. When everything is zero the
// defaults are restored; tuning every weight to zero is treated as "tune
// nothing", not "score nothing".
func (w Weights) Normalized() Weights {
	w.Rerank = floorZero(w.Rerank)
	w.Cosine = floorZero(w.Cosine)
	w.BM25 = floorZero(w.BM25)
	w.KGPrior = floorZero(w.KGPrior)
	w.Popularity = floorZero(w.Popularity)

	total := w.Sum()
	if total <= 0 {
		return DefaultWeights()
	}
	w.Rerank /= total
	w.Cosine /= total
	w.BM25 /= total
	w.KGPrior /= total
	w.Popularity /= total
	return w
}

func floorZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
