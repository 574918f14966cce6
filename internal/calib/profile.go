package calib

import (
	"encoding/json"
	"os"
)

// Profile is an optional operator-supplied calibration file. All fields may
// be omitted; unknown fields in the file are ignored. A typical profile:
//
//	{
//	  "pass_threshold": 0.87,
//	  "gray_low_threshold": 0.66,
//	  "fusion_weights": {"rerank": 0.5, "cosine": 0.25, "bm25": 0.15,
//	                     "kg_prior": 0.05, "popularity": 0.05}
//	}
type Profile struct {
	PassThreshold    *float64           `json:"pass_threshold"`
	GrayLowThreshold *float64           `json:"gray_low_threshold"`
	FusionWeights    map[string]float64 `json:"fusion_weights"`
}

// LoadProfile reads a calibration profile from path. An empty path or a
// missing file yields an empty profile and no error; a file that exists but
// cannot be parsed yields an empty profile plus the parse error so the
// caller can log it. Calibration is tuning, not configuration: a broken
// profile must never stop the service.
func LoadProfile(path string) (Profile, error) {
	if path == "" {
		return Profile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Profile{}, nil
		}
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ApplyWeights overlays the profile's fusion weights (if any) onto base and
// returns the result. Only the five known component keys are honored.
func (p Profile) ApplyWeights(base Weights) Weights {
	for key, value := range p.FusionWeights {
		switch key {
		case "rerank":
			base.Rerank = value
		case "cosine":
			base.Cosine = value
		case "bm25":
			base.BM25 = value
		case "kg_prior":
			base.KGPrior = value
		case "popularity":
			base.Popularity = value
		}
	}
	return base
}
