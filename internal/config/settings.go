// Package config builds the process-wide settings for faultmatch.
// Settings are assembled once at startup in order of increasing precedence:
//
//  1. hardcoded defaults
//  2. optional YAML file (faultmatch.yaml in the working directory)
//  3. optional calibration profile (SCORE_CALIBRATION_PATH JSON)
//  4. environment variables
//
// and validated at the end. The resulting Settings value is immutable for
// the life of the process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autokb/faultmatch/internal/calib"
	"github.com/autokb/faultmatch/internal/errors"
)

// Settings is the complete faultmatch configuration.
type Settings struct {
	// Routing thresholds. A top final score at or above PassThreshold is
	// answered directly; between GrayLowThreshold and PassThreshold it
	// enters the gray band; below GrayLowThreshold it is rejected.
	PassThreshold    float64 `yaml:"pass_threshold"`
	GrayLowThreshold float64 `yaml:"gray_low_threshold"`

	// Weights are the fusion weights. They are re-normalized to sum to 1
	// after every override layer.
	Weights calib.Weights `yaml:"fusion_weights"`

	// PopularityP95 scales popularity normalization:
	// popularity_norm = min(1, log1p(pop)/log1p(P95)).
	PopularityP95 float64 `yaml:"popularity_p95"`

	Paths    PathSettings     `yaml:"paths"`
	Retrieve RetrieveSettings `yaml:"retrieve"`
	LLM      LLMSettings      `yaml:"llm"`
	Rerank   RerankSettings   `yaml:"rerank"`
	Remote   RemoteSettings   `yaml:"opensearch"`
	Server   ServerSettings   `yaml:"server"`
}

// PathSettings locates the knowledge base and the index caches.
type PathSettings struct {
	// DataFile is the knowledge base, one JSON case per line.
	DataFile string `yaml:"data_file"`
	// HNSWIndexPath caches the vector index (plus a .meta sidecar).
	HNSWIndexPath string `yaml:"hnsw_index_path"`
	// TFIDFCachePath caches the fitted keyword index.
	TFIDFCachePath string `yaml:"tfidf_cache_path"`
	// CalibrationPath points at the optional calibration profile JSON.
	CalibrationPath string `yaml:"calibration_path"`
}

// RetrieveSettings tunes the local retrieval fan-out.
type RetrieveSettings struct {
	// TopKVec and TopKKw bound each retriever's candidate list.
	TopKVec int `yaml:"topk_vec"`
	TopKKw  int `yaml:"topk_kw"`
	// TopNReturn is how many fused candidates a response carries.
	TopNReturn int `yaml:"topn_return"`
	// KRerank is how many fused candidates the reranker rescores.
	KRerank int `yaml:"k_rerank"`
	// SourceTimeout bounds each retrieval source.
	SourceTimeout time.Duration `yaml:"source_timeout"`
	// EmbeddingModel names the encoder; "static" selects the offline
	// deterministic embedder.
	EmbeddingModel string `yaml:"embedding_model"`
}

// LLMSettings configures the closed-set picker and the OpenAI-compatible
// embedding endpoint.
type LLMSettings struct {
	APIBase string        `yaml:"api_base"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// TopN caps how many candidates are submitted to the picker.
	TopN int `yaml:"topn"`
}

// RerankSettings configures the cross-encoder reranker endpoint.
type RerankSettings struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteSettings configures the external full-text + vector backend. An
// empty URL selects the embedded bleve backend built from the local
// knowledge base.
type RemoteSettings struct {
	URL      string        `yaml:"url"`
	Index    string        `yaml:"index"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Insecure bool          `yaml:"insecure"`
	Timeout  time.Duration `yaml:"timeout"`
	// SemanticWeight blends kNN and lexical scores in remote-only mode.
	SemanticWeight float64 `yaml:"semantic_weight"`
	// VectorK bounds the kNN clause.
	VectorK int `yaml:"vector_k"`
}

// ServerSettings configures the HTTP surface.
type ServerSettings struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
}

// Default returns Settings with the stock values.
func Default() *Settings {
	return &Settings{
		PassThreshold:    0.84,
		GrayLowThreshold: 0.65,
		Weights:          calib.DefaultWeights(),
		// e^5-1: log1p(pop)/log1p(P95) then equals log1p(pop)/5.
		PopularityP95: 147.4131591025766,
		Paths: PathSettings{
			DataFile:       "data/cases.jsonl",
			HNSWIndexPath:  defaultCachePath("cases.hnsw"),
			TFIDFCachePath: defaultCachePath("cases.tfidf"),
		},
		Retrieve: RetrieveSettings{
			TopKVec:        50,
			TopKKw:         50,
			TopNReturn:     3,
			KRerank:        20,
			SourceTimeout:  1500 * time.Millisecond,
			EmbeddingModel: "static",
		},
		LLM: LLMSettings{
			Timeout: 20 * time.Second,
			TopN:    5,
		},
		Rerank: RerankSettings{
			Timeout: 500 * time.Millisecond,
		},
		Remote: RemoteSettings{
			Index:          "fault_cases",
			Timeout:        5 * time.Second,
			SemanticWeight: 0.6,
			VectorK:        50,
		},
		Server: ServerSettings{
			ListenAddr: ":8000",
			LogLevel:   "info",
		},
	}
}

// defaultCachePath places index caches under the user cache directory.
func defaultCachePath(name string) string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "faultmatch", name)
}

// Load assembles Settings from dir. dir is where faultmatch.yaml is looked
// up; an empty dir means the working directory.
func Load(dir string) (*Settings, error) {
	s := Default()

	if err := s.loadFromFile(dir); err != nil {
		return nil, err
	}
	if err := s.applyCalibration(); err != nil {
		return nil, err
	}
	s.applyEnvOverrides()
	s.Weights = s.Weights.Normalized()

	if err := s.Validate(); err != nil {
		return nil, errors.ConfigError("invalid configuration", err)
	}
	return s, nil
}

// loadFromFile merges faultmatch.yaml (or .yml) from dir when present.
// A missing file is fine; defaults apply.
func (s *Settings) loadFromFile(dir string) error {
	for _, name := range []string{"faultmatch.yaml", "faultmatch.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.ConfigError(fmt.Sprintf("reading config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return errors.New(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("parsing config file %s", path), err)
		}
		return nil
	}
	return nil
}

// applyCalibration overlays the calibration profile. The path itself may
// come from the environment, so it is resolved before the other env
// overrides run; the env threshold variables still win over the profile.
func (s *Settings) applyCalibration() error {
	path := s.Paths.CalibrationPath
	if v := os.Getenv("SCORE_CALIBRATION_PATH"); v != "" {
		path = v
		s.Paths.CalibrationPath = v
	}
	profile, err := calib.LoadProfile(path)
	if err != nil {
		// Tuning, not configuration: log-worthy but never fatal.
		return nil
	}
	if profile.PassThreshold != nil {
		s.PassThreshold = *profile.PassThreshold
	}
	if profile.GrayLowThreshold != nil {
		s.GrayLowThreshold = *profile.GrayLowThreshold
	}
	s.Weights = profile.ApplyWeights(s.Weights)
	return nil
}

// applyEnvOverrides applies the environment surface, highest precedence.
func (s *Settings) applyEnvOverrides() {
	setString(&s.LLM.APIBase, "OPENAI_API_BASE")
	setString(&s.LLM.APIKey, "OPENAI_API_KEY")
	setString(&s.LLM.Model, "OPENAI_MODEL")
	setString(&s.Retrieve.EmbeddingModel, "EMBEDDING_MODEL")
	setString(&s.Rerank.Model, "RERANKER_MODEL")
	setString(&s.Rerank.URL, "RERANKER_URL")
	setString(&s.Paths.DataFile, "DATA_FILE")
	setString(&s.Paths.HNSWIndexPath, "HNSW_INDEX_PATH")
	setString(&s.Paths.TFIDFCachePath, "TFIDF_CACHE_PATH")
	setString(&s.Remote.URL, "OPENSEARCH_URL")
	setString(&s.Remote.Index, "OPENSEARCH_INDEX")
	setString(&s.Remote.Username, "OPENSEARCH_USERNAME")
	setString(&s.Remote.Password, "OPENSEARCH_PASSWORD")
	setString(&s.Server.ListenAddr, "FAULTMATCH_LISTEN_ADDR")
	setString(&s.Server.LogLevel, "FAULTMATCH_LOG_LEVEL")

	setFloat(&s.PassThreshold, "PASS_THRESHOLD")
	setFloat(&s.GrayLowThreshold, "GRAY_LOW_THRESHOLD")
	setFloat(&s.PopularityP95, "POPULARITY_P95")

	if v := os.Getenv("OPENSEARCH_INSECURE"); v != "" {
		s.Remote.Insecure = strings.EqualFold(v, "true") || v == "1"
	}

	// FUSION_<SOURCE>_WEIGHT accepts explicit zeros, so presence matters,
	// not non-zeroness.
	setFloat(&s.Weights.Rerank, "FUSION_RERANK_WEIGHT")
	setFloat(&s.Weights.Cosine, "FUSION_COSINE_WEIGHT")
	setFloat(&s.Weights.BM25, "FUSION_BM25_WEIGHT")
	setFloat(&s.Weights.KGPrior, "FUSION_KG_PRIOR_WEIGHT")
	setFloat(&s.Weights.Popularity, "FUSION_POPULARITY_WEIGHT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks the assembled settings.
func (s *Settings) Validate() error {
	if s.PassThreshold < 0 || s.PassThreshold > 1 {
		return fmt.Errorf("pass_threshold must be in [0,1], got %f", s.PassThreshold)
	}
	if s.GrayLowThreshold < 0 || s.GrayLowThreshold > 1 {
		return fmt.Errorf("gray_low_threshold must be in [0,1], got %f", s.GrayLowThreshold)
	}
	if s.GrayLowThreshold > s.PassThreshold {
		return fmt.Errorf("gray_low_threshold %.2f exceeds pass_threshold %.2f",
			s.GrayLowThreshold, s.PassThreshold)
	}
	if s.PopularityP95 <= 0 {
		return fmt.Errorf("popularity_p95 must be positive, got %f", s.PopularityP95)
	}
	if s.Retrieve.TopNReturn <= 0 {
		return fmt.Errorf("topn_return must be positive, got %d", s.Retrieve.TopNReturn)
	}
	if s.Remote.SemanticWeight < 0 || s.Remote.SemanticWeight > 1 {
		return fmt.Errorf("semantic_weight must be in [0,1], got %f", s.Remote.SemanticWeight)
	}
	if s.LLM.TopN <= 0 {
		return fmt.Errorf("llm topn must be positive, got %d", s.LLM.TopN)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(s.Server.LogLevel)] {
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %s", s.Server.LogLevel)
	}
	return nil
}
