package memorag

import "path/filepath"

// Config holds all configuration for the MemoRAG engine.
type Config struct {
	// StorageDir is the root directory for all persistent state: the SQLite
	// database, the vector index, and uploaded document blobs.
	StorageDir string `json:"storage_dir"`

	// LM is the OpenAI-compatible chat endpoint (LM Studio by default).
	LM LMConfig `json:"lm"`

	// Embedding configures the embedding model served on the same endpoint.
	Embedding EmbeddingConfig `json:"embedding"`

	// Retrieval tuning.
	TopKSpeed              int     `json:"top_k_speed"`
	TopKDeep               int     `json:"top_k_deep"`
	ModeSelectionThreshold float64 `json:"mode_selection_threshold"`

	// Graph traversal bounds.
	GraphMaxHops  int `json:"graph_max_hops"`
	GraphMaxPaths int `json:"graph_max_paths"`

	// Chunking (characters).
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`

	// Concurrent LM calls for entity extraction during ingest.
	ExtractConcurrency int `json:"extract_concurrency"`
}

// LMConfig configures the chat completion endpoint.
type LMConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// EmbeddingConfig configures the embedding model and its vector dimension.
// Dim must match the model; the vector index rejects mismatched vectors.
type EmbeddingConfig struct {
	Model string `json:"model"`
	Dim   int    `json:"dim"`
}

// DefaultConfig returns a Config with sensible defaults for local inference
// against LM Studio.
func DefaultConfig() Config {
	return Config{
		StorageDir: "./storage",
		LM: LMConfig{
			BaseURL: "http://localhost:1234",
			Model:   "local-model",
		},
		Embedding: EmbeddingConfig{
			Model: "text-embedding-nomic-embed-text-v1.5",
			Dim:   768,
		},
		TopKSpeed:              5,
		TopKDeep:               10,
		ModeSelectionThreshold: 0.5,
		GraphMaxHops:           3,
		GraphMaxPaths:          32,
		ChunkSize:              1000,
		ChunkOverlap:           100,
		ExtractConcurrency:     4,
	}
}

// DBPath returns the SQLite database path under StorageDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, "memorag.db")
}

// IndexPath returns the vector index database path under StorageDir.
func (c *Config) IndexPath() string {
	return filepath.Join(c.StorageDir, "indexes", "vector", "index.db")
}

// DocumentsDir returns the directory for uploaded document blobs.
func (c *Config) DocumentsDir() string {
	return filepath.Join(c.StorageDir, "documents")
}
