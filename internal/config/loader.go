package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`
	AssetRoot string `json:"asset_root" yaml:"asset_root" toml:"asset_root"`

	Provider        string                       `json:"provider" yaml:"provider" toml:"provider"`
	EnableProviders bool                         `json:"enable_providers" yaml:"enable_providers" toml:"enable_providers"`
	ProviderOptions map[string]map[string]string `json:"provider_options" yaml:"provider_options" toml:"provider_options"`

	// Engine is "llama" or "scripted".
	Engine         string  `json:"engine" yaml:"engine" toml:"engine"`
	// MinLength and MaxLength are nil when unset, so an explicit 0 survives.
	MinLength      *int    `json:"min_length,omitempty" yaml:"min_length,omitempty" toml:"min_length,omitempty"`
	MaxLength      *int    `json:"max_length,omitempty" yaml:"max_length,omitempty" toml:"max_length,omitempty"`
	PromptTemplate string  `json:"prompt_template" yaml:"prompt_template" toml:"prompt_template"`
	FPS            float64 `json:"fps" yaml:"fps" toml:"fps"`
	DrainAll       bool    `json:"drain_all" yaml:"drain_all" toml:"drain_all"`
	Debug          bool    `json:"debug" yaml:"debug" toml:"debug"`
	LogLevel       string  `json:"log_level" yaml:"log_level" toml:"log_level"`

	LlamaCtx       int `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads   int `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaGPULayers int `json:"llama_gpu_layers" yaml:"llama_gpu_layers" toml:"llama_gpu_layers"`

	MaxQueueDepth  int   `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitSeconds int64 `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	Preload        bool  `json:"preload" yaml:"preload" toml:"preload"`

	MaxBodyBytes        int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSeconds int64 `json:"infer_timeout_seconds" yaml:"infer_timeout_seconds" toml:"infer_timeout_seconds"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
