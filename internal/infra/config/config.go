// Package config loads and validates application-wide configuration from
// environment variables. All fields have safe defaults so the binary runs
// locally without any env setup; Load fails closed (returns ErrInvalidConfig)
// rather than starting with values that would violate an invariant.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/matiasleandrokruk/ragd/internal/infra/flowlog"
)

// ErrInvalidConfig wraps every validation failure Load can return.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every recognized configuration key.
type Config struct {
	// LLM
	LLMHost     string
	LLMModel    string
	LLMTimeoutS int

	// Embedding
	EmbedHost             string
	EmbedModel            string
	EmbedDim              int
	EmbedBatchSize        int
	EmbedRetries          int
	EmbedBackoffInitialS  float64
	EmbedBackoffFactor    float64
	EmbedInterBatchDelayS float64

	// Vector store
	VectorStoreURL          string
	VectorDefaultCollection string

	// Chunker
	ChunkSize               int
	ChunkOverlap            int
	RespectSentenceBoundary bool
	ChineseAware            bool

	// Retrieval engine
	TopK                  int
	SimilarityThreshold   float64
	HybridVectorWeight    float64
	HybridKeywordWeight   float64
	AdaptiveMinThreshold  float64
	AdaptiveTargetResults int

	// Validation / ingestion limits
	MaxQueryLength   int
	MaxFileSizeBytes int64
	IngestWorkerPool int

	// Flow logger
	FlowLogPath     string
	FlowDetailLevel flowlog.DetailLevel
}

const (
	keyLLMHost     = "llm_host"
	keyLLMModel    = "llm_model"
	keyLLMTimeoutS = "llm_timeout_s"

	keyEmbedHost             = "embed_host"
	keyEmbedModel            = "embed_model"
	keyEmbedDim              = "embed_dim"
	keyEmbedBatchSize        = "embed_batch_size"
	keyEmbedRetries          = "embed_retries"
	keyEmbedBackoffInitialS  = "embed_backoff_initial_s"
	keyEmbedBackoffFactor    = "embed_backoff_factor"
	keyEmbedInterBatchDelayS = "embed_inter_batch_delay_s"

	keyVectorStoreURL          = "vector_store_url"
	keyVectorDefaultCollection = "vector_default_collection"

	keyChunkSize               = "chunk_size"
	keyChunkOverlap            = "chunk_overlap"
	keyRespectSentenceBoundary = "respect_sentence_boundary"
	keyChineseAware            = "chinese_aware"

	keyTopK                  = "top_k"
	keySimilarityThreshold   = "similarity_threshold"
	keyHybridVectorWeight    = "hybrid_vector_weight"
	keyHybridKeywordWeight   = "hybrid_keyword_weight"
	keyAdaptiveMinThreshold  = "adaptive_min_threshold"
	keyAdaptiveTargetResults = "adaptive_target_results"

	keyMaxQueryLength   = "max_query_length"
	keyMaxFileSizeBytes = "max_file_size_bytes"
	keyIngestWorkerPool = "ingest_worker_pool"

	keyFlowLogPath     = "flow_log_path"
	keyFlowDetailLevel = "flow_detail_level"
)

// Load reads configuration from environment variables (uppercased key
// names), applies defaults for anything unset, and validates the result.
// A non-nil error always wraps ErrInvalidConfig.
func Load() (Config, error) {
	cfg := Config{
		LLMHost:     envOr(keyLLMHost, "http://localhost:11434"),
		LLMModel:    envOr(keyLLMModel, "llama3.2:3b"),
		LLMTimeoutS: envOrInt(keyLLMTimeoutS, 60),

		EmbedHost:             envOr(keyEmbedHost, "http://localhost:11434"),
		EmbedModel:            envOr(keyEmbedModel, "nomic-embed-text"),
		EmbedDim:              envOrInt(keyEmbedDim, 768),
		EmbedBatchSize:        envOrInt(keyEmbedBatchSize, 32),
		EmbedRetries:          envOrInt(keyEmbedRetries, 3),
		EmbedBackoffInitialS:  envOrFloat(keyEmbedBackoffInitialS, 1.0),
		EmbedBackoffFactor:    envOrFloat(keyEmbedBackoffFactor, 2.0),
		EmbedInterBatchDelayS: envOrFloat(keyEmbedInterBatchDelayS, 0.0),

		VectorStoreURL:          envOr(keyVectorStoreURL, "http://localhost:6334"),
		VectorDefaultCollection: envOr(keyVectorDefaultCollection, "default"),

		ChunkSize:               envOrInt(keyChunkSize, 512),
		ChunkOverlap:            envOrInt(keyChunkOverlap, 64),
		RespectSentenceBoundary: envOrBool(keyRespectSentenceBoundary, true),
		ChineseAware:            envOrBool(keyChineseAware, false),

		TopK:                  envOrInt(keyTopK, 5),
		SimilarityThreshold:   envOrFloat(keySimilarityThreshold, 0.7),
		HybridVectorWeight:    envOrFloat(keyHybridVectorWeight, 0.7),
		HybridKeywordWeight:   envOrFloat(keyHybridKeywordWeight, 0.3),
		AdaptiveMinThreshold:  envOrFloat(keyAdaptiveMinThreshold, 0.2),
		AdaptiveTargetResults: envOrInt(keyAdaptiveTargetResults, 3),

		MaxQueryLength:   envOrInt(keyMaxQueryLength, 2000),
		MaxFileSizeBytes: envOrInt64(keyMaxFileSizeBytes, 100*1024*1024),
		IngestWorkerPool: envOrInt(keyIngestWorkerPool, 4),

		FlowLogPath:     envOr(keyFlowLogPath, "./data/flow.log"),
		FlowDetailLevel: flowlog.DetailLevel(envOr(keyFlowDetailLevel, string(flowlog.DetailNormal))),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for _, u := range []struct{ key, value string }{
		{keyLLMHost, c.LLMHost},
		{keyEmbedHost, c.EmbedHost},
		{keyVectorStoreURL, c.VectorStoreURL},
	} {
		if _, err := url.ParseRequestURI(u.value); err != nil {
			return fmt.Errorf("%w: %s %q is not a valid URL: %v", ErrInvalidConfig, u.key, u.value, err)
		}
	}

	for _, p := range []struct {
		key   string
		value int
	}{
		{keyLLMTimeoutS, c.LLMTimeoutS},
		{keyEmbedDim, c.EmbedDim},
		{keyEmbedBatchSize, c.EmbedBatchSize},
		{keyEmbedRetries, c.EmbedRetries},
		{keyChunkSize, c.ChunkSize},
		{keyTopK, c.TopK},
		{keyAdaptiveTargetResults, c.AdaptiveTargetResults},
		{keyMaxQueryLength, c.MaxQueryLength},
		{keyIngestWorkerPool, c.IngestWorkerPool},
	} {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.key, p.value)
		}
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, keyMaxFileSizeBytes, c.MaxFileSizeBytes)
	}

	for _, th := range []struct {
		key   string
		value float64
	}{
		{keySimilarityThreshold, c.SimilarityThreshold},
		{keyHybridVectorWeight, c.HybridVectorWeight},
		{keyHybridKeywordWeight, c.HybridKeywordWeight},
		{keyAdaptiveMinThreshold, c.AdaptiveMinThreshold},
	} {
		if th.value < 0 || th.value > 1 {
			return fmt.Errorf("%w: %s must be within [0,1], got %v", ErrInvalidConfig, th.key, th.value)
		}
	}

	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: %s (%d) must be less than %s (%d)", ErrInvalidConfig, keyChunkOverlap, c.ChunkOverlap, keyChunkSize, c.ChunkSize)
	}

	const weightTolerance = 1e-9
	if sum := c.HybridVectorWeight + c.HybridKeywordWeight; sum < 1-weightTolerance || sum > 1+weightTolerance {
		return fmt.Errorf("%w: %s + %s must sum to 1, got %v", ErrInvalidConfig, keyHybridVectorWeight, keyHybridKeywordWeight, sum)
	}

	if _, ok := flowlog.ParseDetailLevel(string(c.FlowDetailLevel)); !ok {
		return fmt.Errorf("%w: %s must be one of minimal/normal/verbose, got %q", ErrInvalidConfig, keyFlowDetailLevel, c.FlowDetailLevel)
	}

	return nil
}

// envKey maps a lower_snake_case config key to its environment variable
// name (UPPER_SNAKE_CASE).
func envKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envKey(key)); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(envKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if v := os.Getenv(envKey(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(envKey(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(envKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
