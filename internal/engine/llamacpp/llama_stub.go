//go:build !llama

package llamacpp

import "genbridge/internal/engine"

// New fails fast: the llama runtime is not linked into this build.
func New(Options) (engine.Engine, error) {
	return nil, ErrUnavailable
}
