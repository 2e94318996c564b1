package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"genbridge/internal/common/fsutil"
	"genbridge/internal/engine"
	"genbridge/internal/scheduler"
)

// Defaults applied when the corresponding Config fields are unset.
const (
	DefaultMinLength      = 50
	DefaultMaxLength      = 500
	DefaultPromptTemplate = "<|user|>{prompt}<|end|><|assistant|>"

	promptPlaceholder = "{prompt}"
)

// Options selects the model to load.
type Options struct {
	// ModelPath is absolute, or relative to Config.AssetRoot.
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`
	// ProviderName picks an execution provider. Empty means the engine default.
	ProviderName string `json:"provider" yaml:"provider" toml:"provider"`
}

// ResolveModelPath returns the absolute model directory and whether it exists.
func (o Options) ResolveModelPath(assetRoot string) (string, bool) {
	p, err := fsutil.ResolveUnder(assetRoot, o.ModelPath)
	if err != nil || p == "" {
		return p, false
	}
	return p, fsutil.DirExists(p)
}

// Bounds are the decode length limits, counted in tokens including the prompt.
type Bounds struct {
	MinLength int
	MaxLength int
}

// Validate checks MaxLength >= MinLength >= 0 and MaxLength > 0.
func (b Bounds) Validate() error {
	if b.MinLength < 0 {
		return fmt.Errorf("min length %d is negative", b.MinLength)
	}
	if b.MaxLength <= 0 {
		return fmt.Errorf("max length %d must be positive", b.MaxLength)
	}
	if b.MaxLength < b.MinLength {
		return fmt.Errorf("max length %d is below min length %d", b.MaxLength, b.MinLength)
	}
	return nil
}

// Background runs blocking engine work. *scheduler.Worker implements it.
type Background interface {
	Go(ctx context.Context, fn func(ctx context.Context) error) *scheduler.Task
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Foreground is the frame-paced side the consumer runs on.
// *scheduler.FrameLoop implements it.
type Foreground interface {
	NextFrame(ctx context.Context) error
}

// Config wires a bridge to its engine and execution contexts.
type Config struct {
	Engine     engine.Engine
	Background Background
	Foreground Foreground

	// AssetRoot anchors relative model paths.
	AssetRoot string
	// Bounds defaults to DefaultMinLength/DefaultMaxLength when zero.
	Bounds Bounds
	// PromptTemplate wraps each prompt; "{prompt}" is replaced by the text.
	PromptTemplate string
	// EnableProviders honors Options.ProviderName. When false every model is
	// loaded on the engine's default provider.
	EnableProviders bool
	// ProviderOptions are applied per provider on top of built-in tuning.
	ProviderOptions map[string]map[string]string
	// DrainAll yields every queued fragment on each tick instead of one.
	DrainAll bool
	// Debug enables native engine diagnostics for the whole process.
	Debug bool

	Logger zerolog.Logger
	Tracer trace.Tracer
}

func (c Config) withDefaults() (Config, error) {
	if c.Engine == nil {
		return c, errors.New("bridge: config has no engine")
	}
	if c.Background == nil || c.Foreground == nil {
		return c, errors.New("bridge: config needs background and foreground contexts")
	}
	if c.Bounds == (Bounds{}) {
		c.Bounds = Bounds{MinLength: DefaultMinLength, MaxLength: DefaultMaxLength}
	}
	if err := c.Bounds.Validate(); err != nil {
		return c, fmt.Errorf("bridge: %w", err)
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = DefaultPromptTemplate
	}
	if c.Tracer == nil {
		c.Tracer = defaultTracer()
	}
	return c, nil
}

func formatPrompt(tpl, prompt string) string {
	if !strings.Contains(tpl, promptPlaceholder) {
		return tpl + prompt
	}
	return strings.ReplaceAll(tpl, promptPlaceholder, prompt)
}
