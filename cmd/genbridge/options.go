package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"genbridge/internal/bridge"
	"genbridge/internal/config"
	"genbridge/internal/engine"
	"genbridge/internal/engine/llamacpp"
	"genbridge/internal/engine/scripted"
	"genbridge/internal/scheduler"
)

const (
	engineLlama    = "llama"
	engineScripted = "scripted"

	defaultAddr   = ":8080"
	defaultScript = "Hello from the scripted engine."
)

// addModelFlags registers the flags shared by serve and generate. Their
// defaults are zero so that an unset flag never shadows a config file value.
func addModelFlags(fs *pflag.FlagSet) {
	fs.String("model-path", "", "Model directory, absolute or relative to --asset-root")
	fs.String("asset-root", "", "Base directory for relative model paths")
	fs.String("provider", "", "Execution provider: cpu|cuda|metal|vulkan (needs --enable-providers)")
	fs.Bool("enable-providers", false, "Honor --provider instead of the engine default")
	fs.String("engine", "", "Inference engine: llama|scripted (default llama)")
	fs.String("script", "", "Text replayed by the scripted engine")
	fs.Int("min-length", 0, fmt.Sprintf("Minimum decode length in tokens (default %d)", bridge.DefaultMinLength))
	fs.Int("max-length", 0, fmt.Sprintf("Maximum decode length in tokens (default %d)", bridge.DefaultMaxLength))
	fs.String("prompt-template", "", "Prompt wrapper; {prompt} is replaced by the request text")
	fs.Float64("fps", 0, fmt.Sprintf("Foreground frame rate (default %d)", scheduler.DefaultFPS))
	fs.Bool("drain-all", false, "Deliver every queued fragment on each frame")
	fs.Bool("debug", false, "Enable native engine diagnostics")
	fs.Int("llama-ctx", 0, "llama.cpp context size (default 2048)")
	fs.Int("llama-threads", 0, "llama.cpp threads (default 4)")
	fs.Int("llama-gpu-layers", 0, "llama.cpp layers offloaded to the GPU")
}

// loadConfig reads --config, then applies every flag the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		c, err := config.Load(path)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	fs := cmd.Flags()
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "model-path":
			cfg.ModelPath = f.Value.String()
		case "asset-root":
			cfg.AssetRoot = f.Value.String()
		case "provider":
			cfg.Provider = f.Value.String()
		case "enable-providers":
			cfg.EnableProviders, _ = fs.GetBool(f.Name)
		case "engine":
			cfg.Engine = f.Value.String()
		case "min-length":
			n, _ := fs.GetInt(f.Name)
			cfg.MinLength = &n
		case "max-length":
			n, _ := fs.GetInt(f.Name)
			cfg.MaxLength = &n
		case "prompt-template":
			cfg.PromptTemplate = f.Value.String()
		case "fps":
			cfg.FPS, _ = fs.GetFloat64(f.Name)
		case "drain-all":
			cfg.DrainAll, _ = fs.GetBool(f.Name)
		case "debug":
			cfg.Debug, _ = fs.GetBool(f.Name)
		case "llama-ctx":
			cfg.LlamaCtx, _ = fs.GetInt(f.Name)
		case "llama-threads":
			cfg.LlamaThreads, _ = fs.GetInt(f.Name)
		case "llama-gpu-layers":
			cfg.LlamaGPULayers, _ = fs.GetInt(f.Name)
		case "max-queue-depth":
			cfg.MaxQueueDepth, _ = fs.GetInt(f.Name)
		case "max-wait-seconds":
			cfg.MaxWaitSeconds, _ = fs.GetInt64(f.Name)
		case "preload":
			cfg.Preload, _ = fs.GetBool(f.Name)
		case "max-body-bytes":
			cfg.MaxBodyBytes, _ = fs.GetInt64(f.Name)
		case "infer-timeout-seconds":
			cfg.InferTimeoutSeconds, _ = fs.GetInt64(f.Name)
		case "cors":
			cfg.CORSEnabled, _ = fs.GetBool(f.Name)
		case "cors-origins":
			cfg.CORSAllowedOrigins = splitCSV(f.Value.String())
		case "cors-methods":
			cfg.CORSAllowedMethods = splitCSV(f.Value.String())
		case "cors-headers":
			cfg.CORSAllowedHeaders = splitCSV(f.Value.String())
		}
	})
	applyDefaults(&cfg, fs)
	return cfg, nil
}

// applyDefaults fills what neither the file nor the flags set.
func applyDefaults(cfg *config.Config, fs *pflag.FlagSet) {
	if cfg.Addr == "" {
		cfg.Addr = envOr("GENBRIDGE_ADDR", defaultAddr)
	}
	if cfg.LogLevel == "" {
		if f := fs.Lookup("log-level"); f != nil {
			cfg.LogLevel = f.Value.String()
		}
	}
	if cfg.Engine == "" {
		cfg.Engine = engineLlama
	}
	if cfg.FPS <= 0 {
		cfg.FPS = scheduler.DefaultFPS
	}
}

// newEngine picks the engine named by cfg. A llama build without the runtime
// linked returns a nil engine so the server can still answer with 503s.
func newEngine(cfg config.Config, script string, log zerolog.Logger) (engine.Engine, error) {
	switch cfg.Engine {
	case engineLlama:
		eng, err := llamacpp.New(llamacpp.Options{
			ContextSize: cfg.LlamaCtx,
			Threads:     cfg.LlamaThreads,
			GPULayers:   cfg.LlamaGPULayers,
		})
		if errors.Is(err, llamacpp.ErrUnavailable) {
			log.Warn().Err(err).Msg("no inference engine linked; rebuild with -tags=llama")
			return nil, nil
		}
		return eng, err
	case engineScripted:
		if script == "" {
			script = defaultScript
		}
		return scripted.New(scripted.FromText(script)), nil
	default:
		return nil, fmt.Errorf("unknown engine %q (want %s or %s)", cfg.Engine, engineLlama, engineScripted)
	}
}

func bridgeConfig(cfg config.Config, log zerolog.Logger) bridge.Config {
	return bridge.Config{
		AssetRoot:       cfg.AssetRoot,
		Bounds:          bounds(cfg),
		PromptTemplate:  cfg.PromptTemplate,
		EnableProviders: cfg.EnableProviders,
		ProviderOptions: cfg.ProviderOptions,
		DrainAll:        cfg.DrainAll,
		Debug:           cfg.Debug,
		Logger:          log,
	}
}

// bounds completes a half-set pair. Both unset is left to the bridge.
func bounds(cfg config.Config) bridge.Bounds {
	switch {
	case cfg.MinLength == nil && cfg.MaxLength == nil:
		return bridge.Bounds{}
	case cfg.MaxLength == nil:
		return bridge.Bounds{MinLength: *cfg.MinLength, MaxLength: max(bridge.DefaultMaxLength, *cfg.MinLength)}
	case cfg.MinLength == nil:
		return bridge.Bounds{MinLength: min(bridge.DefaultMinLength, *cfg.MaxLength), MaxLength: *cfg.MaxLength}
	}
	return bridge.Bounds{MinLength: *cfg.MinLength, MaxLength: *cfg.MaxLength}
}

func modelOptions(cfg config.Config) bridge.Options {
	return bridge.Options{ModelPath: cfg.ModelPath, ProviderName: cfg.Provider}
}

func maxWait(cfg config.Config) time.Duration {
	return time.Duration(cfg.MaxWaitSeconds) * time.Second
}

// splitCSV splits a comma-separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
