// Package config provides application-wide configuration.
// Defaults are safe for a local run with no setup; an optional YAML file and
// a small set of environment variables override them (env wins over file).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the Arkham frame and workers.
type Config struct {
	// Filesystem roots
	StoragePath string `yaml:"storage_path"` // canonical document storage
	TempPath    string `yaml:"temp_path"`    // intake staging area
	DBPath      string `yaml:"db_path"`      // SQLite database file

	// OCR route selection: auto | paddle_only | qwen_only
	OCRMode string `yaml:"ocr_mode"`

	LLM    LLMConfig    `yaml:"llm"`
	Embed  EmbedConfig  `yaml:"embed"`
	Parse  ParseConfig  `yaml:"parse"`
	Search SearchConfig `yaml:"search"`

	Anomaly AnomalyConfig `yaml:"anomaly"`
	Worker  WorkerConfig  `yaml:"worker"`
}

// LLMConfig selects and configures the chat/verification model provider.
type LLMConfig struct {
	Provider      string `yaml:"provider"`        // "ollama" | "openai"
	OllamaBaseURL string `yaml:"ollama_base_url"` // default http://localhost:11434
	OllamaModel   string `yaml:"ollama_model"`    // chat model
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`
}

// EmbedConfig configures the embedding manager.
type EmbedConfig struct {
	Model     string `yaml:"model"`      // default "nomic-embed-text"
	Device    string `yaml:"device"`     // auto | cpu | cuda | mps (advisory, passed to the provider)
	BatchSize int    `yaml:"batch_size"` // texts per provider call
	CacheSize int    `yaml:"cache_size"` // LRU entries
	Normalize bool   `yaml:"normalize"`  // L2-normalize vectors before storage
}

// ParseConfig configures chunking and entity extraction.
type ParseConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	ChunkMethod  string `yaml:"chunk_method"` // fixed | sentence | semantic
}

// SearchConfig configures hybrid ranking.
type SearchConfig struct {
	DefaultSemanticWeight float64 `yaml:"default_semantic_weight"`
	DefaultKeywordWeight  float64 `yaml:"default_keyword_weight"`
	RRFK                  int     `yaml:"rrf_k"`
}

// AnomalyConfig configures the anomaly detectors.
type AnomalyConfig struct {
	ZScoreThreshold            float64 `yaml:"z_score_threshold"`
	MinClusterDistance         float64 `yaml:"min_cluster_distance"`
	EntropyChunkSize           int     `yaml:"entropy_chunk_size"`
	EntropyThresholdSuspicious float64 `yaml:"entropy_threshold_suspicious"`
	EntropyThresholdHigh       float64 `yaml:"entropy_threshold_high"`
	LSBSampleSize              int     `yaml:"lsb_sample_size"`
	ChiSquareThreshold         float64 `yaml:"chi_square_threshold"`
	MaxFileSizeMB              int     `yaml:"max_file_size_mb"`
}

// WorkerConfig configures job leasing and retries.
type WorkerConfig struct {
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

const (
	envConfigFile    = "ARKHAM_CONFIG"
	envStoragePath   = "ARKHAM_STORAGE_PATH"
	envTempPath      = "ARKHAM_TEMP_PATH"
	envDBPath        = "ARKHAM_DB_PATH"
	envOCRMode       = "ARKHAM_OCR_MODE"
	envLLMProvider   = "ARKHAM_LLM_PROVIDER"
	envOllamaBaseURL = "OLLAMA_BASE_URL"
	envOllamaModel   = "OLLAMA_CHAT_MODEL"
	envOpenAIAPIKey  = "OPENAI_API_KEY"
	envEmbedModel    = "ARKHAM_EMBED_MODEL"
	envEmbedDevice   = "ARKHAM_EMBED_DEVICE"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StoragePath: "data/storage",
		TempPath:    "data/tmp",
		DBPath:      "data/arkham.db",
		OCRMode:     "auto",
		LLM: LLMConfig{
			Provider:      "ollama",
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "llama3.2:3b",
			OpenAIModel:   "gpt-4o-mini",
		},
		Embed: EmbedConfig{
			Model:     "nomic-embed-text",
			Device:    "auto",
			BatchSize: 32,
			CacheSize: 4096,
			Normalize: true,
		},
		Parse: ParseConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			ChunkMethod:  "sentence",
		},
		Search: SearchConfig{
			DefaultSemanticWeight: 0.7,
			DefaultKeywordWeight:  0.3,
			RRFK:                  60,
		},
		Anomaly: AnomalyConfig{
			ZScoreThreshold:            3.0,
			MinClusterDistance:         0.7,
			EntropyChunkSize:           4096,
			EntropyThresholdSuspicious: 7.2,
			EntropyThresholdHigh:       7.8,
			LSBSampleSize:              65536,
			ChiSquareThreshold:         0.95,
			MaxFileSizeMB:              200,
		},
		Worker: WorkerConfig{
			LeaseTTL:          90 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			JobTimeout:        120 * time.Second,
			MaxRetries:        3,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file named
// by ARKHAM_CONFIG (if any), then environment variable overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// loadFile merges a YAML config file over cfg in place.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// applyEnv applies the supported environment overrides.
func applyEnv(cfg *Config) {
	cfg.StoragePath = envOr(envStoragePath, cfg.StoragePath)
	cfg.TempPath = envOr(envTempPath, cfg.TempPath)
	cfg.DBPath = envOr(envDBPath, cfg.DBPath)
	cfg.OCRMode = envOr(envOCRMode, cfg.OCRMode)
	cfg.LLM.Provider = envOr(envLLMProvider, cfg.LLM.Provider)
	cfg.LLM.OllamaBaseURL = envOr(envOllamaBaseURL, cfg.LLM.OllamaBaseURL)
	cfg.LLM.OllamaModel = envOr(envOllamaModel, cfg.LLM.OllamaModel)
	cfg.LLM.OpenAIAPIKey = envOr(envOpenAIAPIKey, cfg.LLM.OpenAIAPIKey)
	cfg.Embed.Model = envOr(envEmbedModel, cfg.Embed.Model)
	cfg.Embed.Device = envOr(envEmbedDevice, cfg.Embed.Device)
}

// envOr returns the value of the environment variable key, or fallback if not set.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
