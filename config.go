package cortex

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultVectorDim is the embedding dimension of the default model (§3).
const DefaultVectorDim = 384

// StorageBackend selects the StorageAdapter implementation.
type StorageBackend string

const (
	BackendMemory     StorageBackend = "memory"
	BackendFilesystem StorageBackend = "filesystem"
	BackendSQLite     StorageBackend = "sqlite"
	BackendS3         StorageBackend = "s3"
)

// S3Config configures the S3-compatible object-store backend (S3, GCS, R2).
type S3Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"accessKey" yaml:"accessKey"`
	SecretKey string `json:"secretKey" yaml:"secretKey"`
	Region    string `json:"region" yaml:"region"`
	UseSSL    bool   `json:"useSSL" yaml:"useSSL"`
}

// HNSWConfig configures the vector index (§4.5).
type HNSWConfig struct {
	M              int `json:"m" yaml:"m"`
	EfConstruction int `json:"efConstruction" yaml:"efConstruction"`
	EfSearch       int `json:"efSearch" yaml:"efSearch"`
}

// DefaultHNSWConfig returns the spec's default HNSW parameters.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 50}
}

// CompressionConfig controls blob compression (§4.1).
type CompressionConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Level   int  `json:"level" yaml:"level"`
}

// Config is the top-level configuration for a Brain instance.
type Config struct {
	Path           string            `json:"path" yaml:"path"`
	VectorDim      int               `json:"vectorDim" yaml:"vectorDim"`
	StorageBackend StorageBackend    `json:"storageBackend" yaml:"storageBackend"`
	S3             S3Config          `json:"s3,omitempty" yaml:"s3,omitempty"`
	HNSW           HNSWConfig        `json:"hnsw" yaml:"hnsw"`
	Compression    CompressionConfig `json:"compression" yaml:"compression"`
	BlobCacheSize  int               `json:"blobCacheSize" yaml:"blobCacheSize"`
	Logger         Logger            `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with the spec's defaults: 384-dimensional
// vectors, filesystem backend rooted at path, HNSW M=16/efConstruction=200.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		VectorDim:      DefaultVectorDim,
		StorageBackend: BackendFilesystem,
		HNSW:           DefaultHNSWConfig(),
		Compression:    CompressionConfig{Enabled: false, Level: 6},
		BlobCacheSize:  4096,
	}
}

// Validate checks the configuration for obvious mistakes before Open uses it.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path cannot be empty", ErrInvalidConfig)
	}
	if c.VectorDim < 0 {
		return fmt.Errorf("%w: vectorDim must be non-negative", ErrInvalidConfig)
	}
	if c.StorageBackend == BackendS3 && c.S3.Bucket == "" {
		return fmt.Errorf("%w: s3 backend requires a bucket", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads a YAML configuration file, then layers spec defaults
// under it so a partial file is enough.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, wrapError("load_config", fmt.Errorf("failed to read config %s: %w", path, err))
	}

	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, wrapError("load_config", fmt.Errorf("failed to parse config %s: %w", path, err))
	}
	if cfg.HNSW == (HNSWConfig{}) {
		cfg.HNSW = DefaultHNSWConfig()
	}
	return cfg, nil
}
