// Package config holds server configuration. Every parameter that
// influences run outputs (chunking geometry, retrieval weights, provider
// identity, template versions) lives here as an explicit field and is
// captured in the run manifest — nothing fingerprint-relevant is ambient.
package config

import (
	"os"
	"strconv"
)

// Config holds the full service configuration.
type Config struct {
	Port     string
	LogLevel string

	// Storage.
	DataDir      string // filesystem document store root
	BundleDir    string // regulatory bundle registry directory
	DatabasePath string // sqlite database file
	RedisAddr    string // optional distributed run-cache backend
	S3Bucket     string // optional S3 document store backend
	S3Region     string
	S3Endpoint   string // custom endpoint for MinIO/LocalStack

	// Auth: static tenant -> API key pairs, "tenant1:key1,tenant2:key2".
	TenantKeys string

	// Search: external web-search backend for document auto-discovery.
	// An empty key leaves auto-discovery disabled.
	SearchAPIURL string
	SearchAPIKey string

	// Provider.
	ProviderID        string // "deterministic-fallback" or "openai-compatible"
	ProviderBaseURL   string
	ProviderAPIKey    string
	ProviderModel     string
	ProviderTimeoutMS int
	ProviderRetries   int

	Pipeline PipelineParams
}

// PipelineParams are the fingerprinted pipeline parameters.
type PipelineParams struct {
	ChunkSize             int     `json:"chunk_size"`
	ChunkOverlap          int     `json:"chunk_overlap"`
	RetrievalTopK         int     `json:"retrieval_top_k"`
	LexicalWeight         float64 `json:"lexical_weight"`
	VectorWeight          float64 `json:"vector_weight"`
	EmbeddingModel        string  `json:"embedding_model"`
	PromptTemplateVersion string  `json:"prompt_template_version"`
	CodeVersion           string  `json:"code_version"`
	ReportTemplateVersion string  `json:"report_template_version"`
	FailureRateThreshold  float64 `json:"failure_rate_threshold"`
}

// DefaultPipelineParams returns the fixed defaults. Changing any of these
// changes the run hash of subsequent runs; cached prior runs are untouched.
func DefaultPipelineParams() PipelineParams {
	return PipelineParams{
		ChunkSize:             800,
		ChunkOverlap:          100,
		RetrievalTopK:         8,
		LexicalWeight:         0.6,
		VectorWeight:          0.4,
		EmbeddingModel:        "none",
		PromptTemplateVersion: "extract-v1",
		CodeVersion:           "dev",
		ReportTemplateVersion: "report-v1",
		FailureRateThreshold:  0.5,
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DataDir:           envOr("DATA_DIR", "./data/documents"),
		BundleDir:         envOr("BUNDLE_DIR", "./bundles"),
		DatabasePath:      envOr("DATABASE_PATH", "./data/regtrace.db"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          envOr("S3_REGION", "eu-central-1"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		TenantKeys:        os.Getenv("TENANT_KEYS"),
		SearchAPIURL:      envOr("SEARCH_API_URL", "https://api.tavily.com/search"),
		SearchAPIKey:      os.Getenv("SEARCH_API_KEY"),
		ProviderID:        envOr("PROVIDER_ID", "deterministic-fallback"),
		ProviderBaseURL:   os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:    os.Getenv("PROVIDER_API_KEY"),
		ProviderModel:     envOr("PROVIDER_MODEL", "gpt-4o-mini"),
		ProviderTimeoutMS: envInt("PROVIDER_TIMEOUT_MS", 30000),
		ProviderRetries:   envInt("PROVIDER_RETRIES", 2),
		Pipeline:          DefaultPipelineParams(),
	}

	cfg.Pipeline.ChunkSize = envInt("CHUNK_SIZE", cfg.Pipeline.ChunkSize)
	cfg.Pipeline.ChunkOverlap = envInt("CHUNK_OVERLAP", cfg.Pipeline.ChunkOverlap)
	cfg.Pipeline.RetrievalTopK = envInt("RETRIEVAL_TOP_K", cfg.Pipeline.RetrievalTopK)
	cfg.Pipeline.EmbeddingModel = envOr("EMBEDDING_MODEL", cfg.Pipeline.EmbeddingModel)
	cfg.Pipeline.CodeVersion = envOr("CODE_VERSION", cfg.Pipeline.CodeVersion)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
