//go:build llama

package llamacpp

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"genbridge/internal/engine"
)

// Engine loads GGUF models through go-llama.cpp.
type Engine struct {
	opts Options
}

var _ engine.Engine = (*Engine)(nil)

// New returns a llama.cpp engine.
func New(opts Options) (engine.Engine, error) {
	return &Engine{opts: opts.withDefaults()}, nil
}

func (e *Engine) Name() string { return "llama" }

type config struct {
	path      string
	provider  string
	gpuLayers int
}

func (c *config) ClearProviders() error {
	c.provider = ""
	return nil
}

func (c *config) AppendProvider(name string) error {
	switch name {
	case "cpu":
		c.gpuLayers = 0
	case "cuda", "metal", "vulkan":
		if c.gpuLayers == 0 {
			c.gpuLayers = 999
		}
	default:
		return fmt.Errorf("%w: %s", engine.ErrUnsupportedProvider, name)
	}
	c.provider = name
	return nil
}

func (c *config) SetProviderOption(provider, key, value string) error {
	switch key {
	case "gpu_layers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("gpu_layers: %w", err)
		}
		c.gpuLayers = n
	}
	// Options the runtime has no equivalent for are accepted and ignored.
	return nil
}

func (c *config) Close() error { return nil }

func (e *Engine) NewConfig(modelPath string) (engine.Config, error) {
	return &config{path: modelPath, gpuLayers: e.opts.GPULayers}, nil
}

type model struct {
	l     *llama.LLama
	vocab *vocab
	opts  Options

	mu   sync.Mutex
	busy bool
}

func (m *model) Close() error {
	if m.l != nil {
		m.l.Free()
		m.l = nil
	}
	return nil
}

func (e *Engine) load(dir string, gpuLayers int) (engine.Model, error) {
	file, err := findModelFile(dir)
	if err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{llama.SetContext(e.opts.ContextSize)}
	if gpuLayers > 0 {
		mo = append(mo, llama.SetGPULayers(gpuLayers))
	}
	l, err := llama.New(file, mo...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", file, err)
	}
	return &model{l: l, vocab: newVocab(), opts: e.opts}, nil
}

func (e *Engine) NewModel(modelPath string) (engine.Model, error) {
	return e.load(modelPath, e.opts.GPULayers)
}

func (e *Engine) NewModelFromConfig(cfg engine.Config) (engine.Model, error) {
	c, ok := cfg.(*config)
	if !ok {
		return nil, errors.New("llamacpp: foreign config")
	}
	return e.load(c.path, c.gpuLayers)
}

func asModel(m engine.Model) (*model, error) {
	lm, ok := m.(*model)
	if !ok || lm.l == nil {
		return nil, errors.New("llamacpp: model not loaded")
	}
	return lm, nil
}

type tokenizer struct {
	m *model
}

func (e *Engine) NewTokenizer(m engine.Model) (engine.Tokenizer, error) {
	lm, err := asModel(m)
	if err != nil {
		return nil, err
	}
	return &tokenizer{m: lm}, nil
}

func (t *tokenizer) Close() error { return nil }

// sequences keeps the prompt text next to its ids; Predict takes text.
type sequences struct {
	text string
	ids  []int32
}

func (s *sequences) Count() int { return 1 }

func (s *sequences) Sequence(i int) []int32 {
	if i != 0 {
		return nil
	}
	return s.ids
}

func (s *sequences) Close() error { return nil }

func (t *tokenizer) Encode(text string) (engine.Sequences, error) {
	_, ids, err := t.m.l.TokenizeString(text, llama.SetThreads(t.m.opts.Threads))
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	return &sequences{text: text, ids: ids}, nil
}

var _ engine.Flusher = (*decodeStream)(nil)

type decodeStream struct {
	v   *vocab
	buf utf8Buffer
}

func (t *tokenizer) CreateStream() (engine.TokenizerStream, error) {
	return &decodeStream{v: t.m.vocab}, nil
}

func (d *decodeStream) Decode(id int32) (string, error) {
	piece, ok := d.v.lookup(id)
	if !ok {
		return "", fmt.Errorf("llamacpp: cannot decode token %d", id)
	}
	return d.buf.write(piece), nil
}

// Flush returns bytes still held when generation stopped inside a rune.
func (d *decodeStream) Flush() (string, error) { return d.buf.flush(), nil }

func (d *decodeStream) Close() error { return nil }

type params struct {
	min, max int
}

func (e *Engine) NewGeneratorParams(engine.Model) (engine.GeneratorParams, error) {
	return &params{}, nil
}

func (p *params) SetSearchOption(key string, value float64) error {
	switch key {
	case engine.OptionMinLength:
		p.min = int(value)
	case engine.OptionMaxLength:
		p.max = int(value)
	default:
		return fmt.Errorf("llamacpp: unknown search option %q", key)
	}
	return nil
}

func (p *params) Close() error { return nil }

// generator runs Predict on a goroutine and consumes its pieces one step at
// a time. peek holds the next piece so IsDone can answer exactly.
type generator struct {
	m      *model
	max    int
	prompt *sequences
	seq    []int32

	pieces   chan string
	stop     chan struct{}
	finished chan struct{}
	err      error

	started   bool
	exhausted bool
	peek      *string
	closeOnce sync.Once
}

func (e *Engine) NewGenerator(m engine.Model, p engine.GeneratorParams) (engine.Generator, error) {
	lm, err := asModel(m)
	if err != nil {
		return nil, err
	}
	lp, ok := p.(*params)
	if !ok {
		return nil, errors.New("llamacpp: foreign generator params")
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.busy {
		return nil, errors.New("llamacpp: model already has an active generator")
	}
	lm.busy = true
	return &generator{
		m:        lm,
		max:      lp.max,
		pieces:   make(chan string),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

func (g *generator) AppendTokenSequences(s engine.Sequences) error {
	ls, ok := s.(*sequences)
	if !ok {
		return errors.New("llamacpp: foreign sequences")
	}
	if g.started {
		return errors.New("llamacpp: generation already started")
	}
	g.prompt = ls
	g.seq = append(g.seq, ls.ids...)
	return nil
}

func (g *generator) start() {
	if g.started {
		return
	}
	g.started = true
	budget := g.max - len(g.seq)
	if g.max <= 0 || budget < 1 {
		budget = 1
	}
	po := []llama.PredictOption{
		llama.SetTokens(budget),
		llama.SetThreads(g.m.opts.Threads),
	}
	if engine.VerboseLogging() {
		po = append(po, llama.Debug)
	}
	text := ""
	if g.prompt != nil {
		text = g.prompt.text
	}
	g.m.l.SetTokenCallback(func(piece string) bool {
		select {
		case g.pieces <- piece:
			return true
		case <-g.stop:
			return false
		}
	})
	go func() {
		defer close(g.finished)
		defer close(g.pieces)
		if _, err := g.m.l.Predict(text, po...); err != nil {
			g.err = err
		}
	}()
}

func (g *generator) fill() {
	if g.peek != nil || g.exhausted {
		return
	}
	piece, ok := <-g.pieces
	if !ok {
		g.exhausted = true
		return
	}
	g.peek = &piece
}

func (g *generator) IsDone() bool {
	if g.max > 0 && len(g.seq) >= g.max {
		return true
	}
	g.start()
	g.fill()
	return g.exhausted && g.peek == nil
}

func (g *generator) GenerateNextToken() error {
	g.start()
	g.fill()
	if g.peek == nil {
		<-g.finished
		if g.err != nil {
			return fmt.Errorf("predict: %w", g.err)
		}
		return errors.New("llamacpp: generation finished")
	}
	g.seq = append(g.seq, g.m.vocab.intern(*g.peek))
	g.peek = nil
	return nil
}

func (g *generator) Sequence(i int) []int32 {
	if i != 0 {
		return nil
	}
	return g.seq
}

// Close stops Predict at its next token callback and waits for it to return,
// so the model is never freed under a running prediction.
func (g *generator) Close() error {
	g.closeOnce.Do(func() {
		close(g.stop)
		if g.started {
			for range g.pieces {
			}
			<-g.finished
		}
		g.m.l.SetTokenCallback(nil)
		g.m.mu.Lock()
		g.m.busy = false
		g.m.mu.Unlock()
	})
	return nil
}
