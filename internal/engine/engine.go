// Package engine defines the contract genbridge consumes from a native
// text-generation runtime. Implementations own the actual model, tokenizer and
// decoder; genbridge only sequences calls into them.
//
// Every engine object is a native resource and must be released with Close.
// Implementations are not required to be safe for concurrent use: genbridge
// drives all calls for one model from a single background worker. An
// implementation may still hand work to threads of its own, as long as its
// methods block until that work is done.
package engine

import (
	"errors"
	"os"
	"sync"
)

// Search option keys understood by GeneratorParams.SetSearchOption.
const (
	OptionMinLength = "min_length"
	OptionMaxLength = "max_length"
)

// VerboseLogEnv is read by engine implementations to enable native diagnostics.
const VerboseLogEnv = "GENBRIDGE_ENGINE_LOG"

// ErrUnsupportedProvider is returned by engines that cannot honor a requested
// execution provider.
var ErrUnsupportedProvider = errors.New("engine: unsupported execution provider")

// Engine constructs native resources.
type Engine interface {
	// Name identifies the engine in logs and status output.
	Name() string
	NewConfig(modelPath string) (Config, error)
	NewModel(modelPath string) (Model, error)
	NewModelFromConfig(cfg Config) (Model, error)
	NewTokenizer(m Model) (Tokenizer, error)
	NewGeneratorParams(m Model) (GeneratorParams, error)
	NewGenerator(m Model, p GeneratorParams) (Generator, error)
}

// Config is a runtime configuration read from a model directory.
type Config interface {
	ClearProviders() error
	AppendProvider(name string) error
	SetProviderOption(provider, key, value string) error
	Close() error
}

// Model is a loaded model.
type Model interface {
	Close() error
}

// Tokenizer converts between text and tokens for one model.
type Tokenizer interface {
	Encode(text string) (Sequences, error)
	CreateStream() (TokenizerStream, error)
	Close() error
}

// Sequences is a batch of encoded token sequences.
type Sequences interface {
	Count() int
	Sequence(i int) []int32
	Close() error
}

// TokenizerStream decodes tokens one at a time, carrying partial state
// (e.g. incomplete UTF-8) between calls.
type TokenizerStream interface {
	Decode(token int32) (string, error)
	Close() error
}

// Flusher is implemented by decode streams that hold back partial output.
// Flush returns whatever is still held once generation has ended.
type Flusher interface {
	Flush() (string, error)
}

// GeneratorParams holds decode-time search options.
type GeneratorParams interface {
	SetSearchOption(key string, value float64) error
	Close() error
}

// Generator advances decoding one token at a time.
type Generator interface {
	AppendTokenSequences(seq Sequences) error
	IsDone() bool
	GenerateNextToken() error
	// Sequence returns the tokens of batch entry i, prompt included.
	Sequence(i int) []int32
	Close() error
}

var verboseMu sync.Mutex

// EnableVerboseLogging turns on native engine diagnostics for the process.
// It is a no-op while they are already on.
func EnableVerboseLogging() {
	verboseMu.Lock()
	defer verboseMu.Unlock()
	if VerboseLogging() {
		return
	}
	_ = os.Setenv(VerboseLogEnv, "1")
}

// VerboseLogging reports whether native diagnostics were requested.
func VerboseLogging() bool { return os.Getenv(VerboseLogEnv) == "1" }
