package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML configuration profile. Fields present in the
// file override environment defaults; zero values leave the default alone.
type Profile struct {
	Port         string `yaml:"port,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty"`
	DataDir      string `yaml:"data_dir,omitempty"`
	BundleDir    string `yaml:"bundle_dir,omitempty"`
	DatabasePath string `yaml:"database_path,omitempty"`
	RedisAddr    string `yaml:"redis_addr,omitempty"`
	S3Bucket     string `yaml:"s3_bucket,omitempty"`
	S3Region     string `yaml:"s3_region,omitempty"`
	S3Endpoint   string `yaml:"s3_endpoint,omitempty"`

	ProviderID      string `yaml:"provider_id,omitempty"`
	ProviderBaseURL string `yaml:"provider_base_url,omitempty"`
	ProviderModel   string `yaml:"provider_model,omitempty"`

	SearchAPIURL string `yaml:"search_api_url,omitempty"`
	SearchAPIKey string `yaml:"search_api_key,omitempty"`

	ChunkSize     int     `yaml:"chunk_size,omitempty"`
	ChunkOverlap  int     `yaml:"chunk_overlap,omitempty"`
	RetrievalTopK int     `yaml:"retrieval_top_k,omitempty"`
	LexicalWeight float64 `yaml:"lexical_weight,omitempty"`
	VectorWeight  float64 `yaml:"vector_weight,omitempty"`
}

// LoadProfile reads a YAML profile and applies it over cfg.
func LoadProfile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}

	applyString(&cfg.Port, p.Port)
	applyString(&cfg.LogLevel, p.LogLevel)
	applyString(&cfg.DataDir, p.DataDir)
	applyString(&cfg.BundleDir, p.BundleDir)
	applyString(&cfg.DatabasePath, p.DatabasePath)
	applyString(&cfg.RedisAddr, p.RedisAddr)
	applyString(&cfg.S3Bucket, p.S3Bucket)
	applyString(&cfg.S3Region, p.S3Region)
	applyString(&cfg.S3Endpoint, p.S3Endpoint)
	applyString(&cfg.ProviderID, p.ProviderID)
	applyString(&cfg.ProviderBaseURL, p.ProviderBaseURL)
	applyString(&cfg.ProviderModel, p.ProviderModel)
	applyString(&cfg.SearchAPIURL, p.SearchAPIURL)
	applyString(&cfg.SearchAPIKey, p.SearchAPIKey)

	if p.ChunkSize > 0 {
		cfg.Pipeline.ChunkSize = p.ChunkSize
	}
	if p.ChunkOverlap > 0 {
		cfg.Pipeline.ChunkOverlap = p.ChunkOverlap
	}
	if p.RetrievalTopK > 0 {
		cfg.Pipeline.RetrievalTopK = p.RetrievalTopK
	}
	if p.LexicalWeight > 0 {
		cfg.Pipeline.LexicalWeight = p.LexicalWeight
	}
	if p.VectorWeight > 0 {
		cfg.Pipeline.VectorWeight = p.VectorWeight
	}
	return nil
}

func applyString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
