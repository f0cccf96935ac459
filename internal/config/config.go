// Package config handles configuration loading for the retrieval engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all configuration for the retrieval engine process.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Engine      EngineConfig      `mapstructure:"engine"`
	KeywordDB   KeywordDBConfig   `mapstructure:"keyword_db"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	GraphStore  GraphStoreConfig  `mapstructure:"graph_store"`
	LLM         LLMConfig         `mapstructure:"llm"`
}

// EngineConfig is the configuration surface described in spec.md §6.
type EngineConfig struct {
	// Strategy selects the active Router policy: PLAN, THRESHOLD, INTENT,
	// PARALLEL_EXPANSION, ENTITY_SENTENCE, or HOP.
	Strategy string `mapstructure:"strategy"`

	// RRFK is the Reciprocal Rank Fusion stabilizer constant.
	RRFK int `mapstructure:"rrf_k"`

	// SourceWeights maps KS/VS/GS to a weight in [0.2, 1.5].
	SourceWeights map[string]float64 `mapstructure:"source_weights"`

	// Limit is the default number of results returned per query.
	Limit int `mapstructure:"limit"`

	// RerankerEnabled toggles the external reranker hook.
	RerankerEnabled bool `mapstructure:"reranker_enabled"`

	// RerankerURL is the HTTP endpoint of the external cross-encoder reranker.
	RerankerURL string `mapstructure:"reranker_url"`

	Timeouts TimeoutsConfig `mapstructure:"timeouts_ms"`

	// FallbackToMorphology is loaded and defaulted to true but is not read
	// by the engine: the extractor and router always fall back to
	// morphological extraction when the LLM call fails or times out.
	FallbackToMorphology bool `mapstructure:"fallback_to_morphology"`

	// VerbSuffixList is the set of verb-bearing suffixes the extractor
	// matches against when detecting sentence-shaped query fragments.
	VerbSuffixList []string `mapstructure:"verb_suffix_list"`

	// ThresholdMinResults is THRESHOLD strategy's "combined KS+VS count"
	// floor below which GS is also consulted.
	ThresholdMinResults int `mapstructure:"threshold_min_results"`

	// DescriptionFallbackThreshold is KS's "fewer than N direct matches"
	// floor below which the description-substring stage runs.
	DescriptionFallbackThreshold int `mapstructure:"description_fallback_threshold"`
}

// TimeoutsConfig holds the per-call deadlines from spec.md §5.
type TimeoutsConfig struct {
	KeywordStoreMS int `mapstructure:"ks"`
	VectorStoreMS  int `mapstructure:"vs"`
	GraphStoreMS   int `mapstructure:"gs"`
	RouterLLMMS    int `mapstructure:"router_llm"`
	RerankerMS     int `mapstructure:"reranker"`
}

func (t TimeoutsConfig) keywordStore() time.Duration { return time.Duration(t.KeywordStoreMS) * time.Millisecond }
func (t TimeoutsConfig) vectorStore() time.Duration  { return time.Duration(t.VectorStoreMS) * time.Millisecond }
func (t TimeoutsConfig) graphStore() time.Duration   { return time.Duration(t.GraphStoreMS) * time.Millisecond }
func (t TimeoutsConfig) routerLLM() time.Duration    { return time.Duration(t.RouterLLMMS) * time.Millisecond }
func (t TimeoutsConfig) reranker() time.Duration     { return time.Duration(t.RerankerMS) * time.Millisecond }

// KeywordStore returns the configured KeywordStore call deadline.
func (t TimeoutsConfig) KeywordStore() time.Duration { return t.keywordStore() }

// VectorStore returns the configured VectorStore call deadline.
func (t TimeoutsConfig) VectorStore() time.Duration { return t.vectorStore() }

// GraphStore returns the configured GraphStore call deadline.
func (t TimeoutsConfig) GraphStore() time.Duration { return t.graphStore() }

// RouterLLM returns the configured Router LLM call deadline.
func (t TimeoutsConfig) RouterLLM() time.Duration { return t.routerLLM() }

// Reranker returns the configured reranker call deadline.
func (t TimeoutsConfig) Reranker() time.Duration { return t.reranker() }

// KeywordDBConfig configures the KeywordStore's SQLite backend.
type KeywordDBConfig struct {
	Path string `mapstructure:"path"`
}

// VectorStoreConfig configures the Qdrant-backed VectorStore.
type VectorStoreConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	CollectionName string `mapstructure:"collection_name"`
	Dimension      int    `mapstructure:"dimension"`
	BatchSize      int    `mapstructure:"batch_size"`

	EmbeddingHost  string `mapstructure:"embedding_host"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

// GraphStoreConfig configures the FalkorDB-backed GraphStore.
type GraphStoreConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	GraphName string `mapstructure:"graph_name"`
	Password  string `mapstructure:"password"`
}

// LLMConfig configures the primary/backup LLM providers used by the Router
// and KeywordExtractor.
type LLMConfig struct {
	Primary LLMProviderConfig `mapstructure:"primary"`
	Backup  LLMProviderConfig `mapstructure:"backup"`
}

// LLMProviderConfig configures one any-llm-go-backed provider.
type LLMProviderConfig struct {
	Provider string `mapstructure:"provider"` // "ollama" or "anthropic"
	Model    string `mapstructure:"model"`
	Host     string `mapstructure:"host"`    // ollama only
	APIKey   string `mapstructure:"api_key"` // anthropic only; read from env if empty
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".hybridretrieval")

	return &Config{
		DataDir:   dataDir,
		LogLevel:  "info",
		LogFormat: "json",

		Engine: EngineConfig{
			Strategy: "HOP",
			RRFK:     60,
			SourceWeights: map[string]float64{
				"KS": 1.0,
				"VS": 1.0,
				"GS": 1.0,
			},
			Limit:           10,
			RerankerEnabled: false,
			Timeouts: TimeoutsConfig{
				KeywordStoreMS: 500,
				VectorStoreMS:  1000,
				GraphStoreMS:   1000,
				RouterLLMMS:    3000,
				RerankerMS:     3000,
			},
			FallbackToMorphology:         true,
			VerbSuffixList:               []string{"파는", "사는", "주는", "있는", "가는", "하는", "되는"},
			ThresholdMinResults:          3,
			DescriptionFallbackThreshold: 3,
		},

		KeywordDB: KeywordDBConfig{
			Path: filepath.Join(dataDir, "keywordstore.db"),
		},

		VectorStore: VectorStoreConfig{
			Host:           "localhost",
			Port:           6334,
			CollectionName: "kb_entities",
			Dimension:      768,
			BatchSize:      100,
			EmbeddingHost:  "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
		},

		GraphStore: GraphStoreConfig{
			Host:      "localhost",
			Port:      6379,
			GraphName: "kb_graph",
			Password:  "",
		},

		LLM: LLMConfig{
			Primary: LLMProviderConfig{
				Provider: "ollama",
				Model:    "qwen2.5:7b",
				Host:     "http://localhost:11434",
			},
			Backup: LLMProviderConfig{
				Provider: "anthropic",
				Model:    "claude-3-5-haiku-latest",
			},
		},
	}
}

// Load loads configuration from files and environment, layered over defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("hybridretrieval")
	v.SetConfigType("yaml")

	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".hybridretrieval"))
	v.AddConfigPath("/etc/hybridretrieval")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HYBRIDRETRIEVAL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.KeywordDB.Path = expandPath(cfg.KeywordDB.Path)

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validStrategies = map[string]bool{
	"PLAN":               true,
	"THRESHOLD":          true,
	"INTENT":             true,
	"PARALLEL_EXPANSION": true,
	"ENTITY_SENTENCE":    true,
	"HOP":                true,
}

// Validate checks the engine configuration for the ConfigurationError
// conditions named in spec.md §7: unknown strategy name, out-of-band
// weight, negative limit.
func (e EngineConfig) Validate() error {
	if !validStrategies[e.Strategy] {
		return fmt.Errorf("%w: unknown strategy %q", ErrConfigInvalid, e.Strategy)
	}
	if e.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrConfigInvalid, e.Limit)
	}
	if e.RRFK <= 0 {
		return fmt.Errorf("%w: rrf_k must be positive, got %d", ErrConfigInvalid, e.RRFK)
	}
	for source, w := range e.SourceWeights {
		if w < 0.2 || w > 1.5 {
			return fmt.Errorf("%w: source weight for %s out of band [0.2, 1.5]: %v", ErrConfigInvalid, source, w)
		}
	}
	return nil
}

// EnsureDirectories creates the directories the engine needs on disk.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.KeywordDB.Path)}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
