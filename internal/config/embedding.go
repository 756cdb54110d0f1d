package config

import (
	"fmt"
	"os"
)

const defaultJinaEndpoint = "https://api.jina.ai/v1/embeddings"

// EmbeddingConfig configures the Jina embedding endpoint used by the retrieval index.
type EmbeddingConfig struct {
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	APIKeyEnv  string `mapstructure:"api_key_env"` // Environment variable name for API key
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"` // Texts per embedding request
}

// ResolveEnvVars loads the API key from APIKeyEnv when it was not set directly.
func (c *EmbeddingConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultJinaEndpoint
	}
}

// Validate checks the fields needed to build requests. The API key is not
// required here because the server can run with indexing disabled.
func (c *EmbeddingConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("embedding: model is required")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("embedding: dimensions must be positive")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("embedding: batch_size must not be negative")
	}
	return nil
}

// Enabled reports whether an API key is available.
func (c *EmbeddingConfig) Enabled() bool {
	return c.APIKey != ""
}
