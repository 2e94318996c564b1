// Package scripted is a deterministic in-memory engine. It replays a fixed
// list of fragments instead of running a model, counts every construction and
// release, and can inject failures at any stage. It backs the bridge tests and
// the `--engine scripted` smoke mode of the CLI.
package scripted

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"genbridge/internal/engine"
)

// Stage names a point where the scripted engine can fail or panic.
type Stage string

const (
	StageConfig    Stage = "config"
	StageProvider  Stage = "provider"
	StageModel     Stage = "model"
	StageTokenizer Stage = "tokenizer"
	StageEncode    Stage = "encode"
	StageStream    Stage = "stream"
	StageParams    Stage = "params"
	StageGenerator Stage = "generator"
	StageAppend    Stage = "append"
	StageDecode    Stage = "decode"
)

// tokenBase is the first id handed to script fragments. Lower ids are raw
// prompt bytes.
const tokenBase = 1000

// Script describes what the engine produces.
type Script struct {
	// Tokens are emitted one per step, in order.
	Tokens []string
	// Repeat cycles Tokens forever.
	Repeat bool
	// IgnoreMaxLength makes IsDone disregard the max_length search option.
	IgnoreMaxLength bool
	// StepDelay is slept inside every GenerateNextToken.
	StepDelay time.Duration
	// StepGate, when set, must deliver one value per step before the step runs.
	StepGate <-chan struct{}
	// FailAtStep makes the n-th GenerateNextToken (1-based) return StepErr.
	FailAtStep int
	StepErr    error
	// Fail injects an error at the given stages.
	Fail map[Stage]error
	// Panic makes the given stage panic.
	Panic Stage
	// HoldPartialRunes makes the decode stream hold back an incomplete
	// trailing UTF-8 sequence until a later token completes it or the stream
	// is flushed.
	HoldPartialRunes bool
}

// Engine implements engine.Engine.
type Engine struct {
	script Script

	mu      sync.Mutex
	calls   int
	live    map[string]int
	events  []string
	params  map[string]float64
	prompts []string
	steps   int
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine replaying s.
func New(s Script) *Engine {
	return &Engine{script: s, live: make(map[string]int), params: make(map[string]float64)}
}

// FromText builds a script that emits text word by word, keeping the
// separating spaces attached to the following word.
func FromText(text string) Script {
	var toks []string
	for i, w := range strings.Split(text, " ") {
		if i > 0 {
			w = " " + w
		}
		if w != "" {
			toks = append(toks, w)
		}
	}
	return Script{Tokens: toks}
}

func (e *Engine) Name() string { return "scripted" }

// Calls reports how many engine methods have been invoked.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Live reports the number of constructed but unreleased resources.
func (e *Engine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, v := range e.live {
		n += v
	}
	return n
}

// Events returns the ordered construction/release log, e.g. "new:model",
// "close:tokenizer".
func (e *Engine) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	copy(out, e.events)
	return out
}

// SearchOption returns the last value set for key.
func (e *Engine) SearchOption(key string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.params[key]
	return v, ok
}

// Prompts returns every text passed to Encode.
func (e *Engine) Prompts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.prompts...)
}

// Steps reports the total number of GenerateNextToken calls.
func (e *Engine) Steps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps
}

// enter records a call and applies failure injection for stage.
func (e *Engine) enter(stage Stage, event string) error {
	e.mu.Lock()
	e.calls++
	if event != "" {
		e.events = append(e.events, event)
	}
	e.mu.Unlock()
	if e.script.Panic == stage && stage != "" {
		panic(fmt.Sprintf("scripted: panic at %s", stage))
	}
	if err := e.script.Fail[stage]; err != nil {
		return err
	}
	return nil
}

func (e *Engine) created(kind string) {
	e.mu.Lock()
	e.live[kind]++
	e.events = append(e.events, "new:"+kind)
	e.mu.Unlock()
}

func (e *Engine) closed(kind string) {
	e.mu.Lock()
	e.live[kind]--
	e.events = append(e.events, "close:"+kind)
	e.mu.Unlock()
}

// resource is embedded by every scripted object to make Close idempotent.
type resource struct {
	e    *Engine
	kind string
	once sync.Once
}

func (r *resource) Close() error {
	r.once.Do(func() { r.e.closed(r.kind) })
	return nil
}

func (e *Engine) newResource(kind string) *resource {
	e.created(kind)
	return &resource{e: e, kind: kind}
}

type config struct {
	*resource
	providers []string
	options   map[string]map[string]string
}

func (e *Engine) NewConfig(modelPath string) (engine.Config, error) {
	if err := e.enter(StageConfig, ""); err != nil {
		return nil, err
	}
	return &config{resource: e.newResource("config"), options: make(map[string]map[string]string)}, nil
}

func (c *config) ClearProviders() error {
	c.providers = nil
	return nil
}

func (c *config) AppendProvider(name string) error {
	if err := c.e.enter(StageProvider, "provider:"+name); err != nil {
		return err
	}
	c.providers = append(c.providers, name)
	return nil
}

func (c *config) SetProviderOption(provider, key, value string) error {
	if c.options[provider] == nil {
		c.options[provider] = make(map[string]string)
	}
	c.options[provider][key] = value
	c.e.mu.Lock()
	c.e.events = append(c.e.events, fmt.Sprintf("option:%s:%s=%s", provider, key, value))
	c.e.mu.Unlock()
	return nil
}

type model struct {
	*resource
}

func (e *Engine) NewModel(modelPath string) (engine.Model, error) {
	if err := e.enter(StageModel, ""); err != nil {
		return nil, err
	}
	return &model{resource: e.newResource("model")}, nil
}

func (e *Engine) NewModelFromConfig(cfg engine.Config) (engine.Model, error) {
	if _, ok := cfg.(*config); !ok {
		return nil, errors.New("scripted: foreign config")
	}
	return e.NewModel("")
}

type tokenizer struct {
	*resource
}

func (e *Engine) NewTokenizer(m engine.Model) (engine.Tokenizer, error) {
	if m == nil {
		return nil, errors.New("scripted: nil model")
	}
	if err := e.enter(StageTokenizer, ""); err != nil {
		return nil, err
	}
	return &tokenizer{resource: e.newResource("tokenizer")}, nil
}

type sequences struct {
	*resource
	ids []int32
}

func (s *sequences) Count() int { return 1 }

func (s *sequences) Sequence(i int) []int32 {
	if i != 0 {
		return nil
	}
	return s.ids
}

func (t *tokenizer) Encode(text string) (engine.Sequences, error) {
	if err := t.e.enter(StageEncode, ""); err != nil {
		return nil, err
	}
	t.e.mu.Lock()
	t.e.prompts = append(t.e.prompts, text)
	t.e.mu.Unlock()
	ids := make([]int32, 0, len(text))
	for i := 0; i < len(text); i++ {
		ids = append(ids, int32(text[i]))
	}
	return &sequences{resource: t.e.newResource("sequences"), ids: ids}, nil
}

type stream struct {
	*resource
	pending []byte
}

var _ engine.Flusher = (*stream)(nil)

func (t *tokenizer) CreateStream() (engine.TokenizerStream, error) {
	if err := t.e.enter(StageStream, ""); err != nil {
		return nil, err
	}
	return &stream{resource: t.e.newResource("stream")}, nil
}

func (s *stream) Decode(token int32) (string, error) {
	if err := s.e.script.Fail[StageDecode]; err != nil {
		return "", err
	}
	if token < tokenBase {
		return string([]byte{byte(token)}), nil
	}
	toks := s.e.script.Tokens
	idx := int(token - tokenBase)
	if idx < 0 || idx >= len(toks) {
		return "", fmt.Errorf("scripted: unknown token %d", token)
	}
	if !s.e.script.HoldPartialRunes {
		return toks[idx], nil
	}
	return s.hold(toks[idx]), nil
}

// hold appends piece and returns everything up to an incomplete trailing rune.
func (s *stream) hold(piece string) string {
	s.pending = append(s.pending, piece...)
	cut := len(s.pending)
	for i := len(s.pending) - 1; i >= 0 && i >= len(s.pending)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s.pending[i]) {
			if !utf8.FullRune(s.pending[i:]) {
				cut = i
			}
			break
		}
	}
	out := string(s.pending[:cut])
	s.pending = append(s.pending[:0], s.pending[cut:]...)
	return out
}

// Flush returns the bytes hold kept back.
func (s *stream) Flush() (string, error) {
	out := string(s.pending)
	s.pending = s.pending[:0]
	return out, nil
}

type params struct {
	*resource
	min, max int
}

func (e *Engine) NewGeneratorParams(m engine.Model) (engine.GeneratorParams, error) {
	if err := e.enter(StageParams, ""); err != nil {
		return nil, err
	}
	return &params{resource: e.newResource("params")}, nil
}

func (p *params) SetSearchOption(key string, value float64) error {
	p.e.mu.Lock()
	p.e.params[key] = value
	p.e.mu.Unlock()
	switch key {
	case engine.OptionMinLength:
		p.min = int(value)
	case engine.OptionMaxLength:
		p.max = int(value)
	}
	return nil
}

type generator struct {
	*resource
	max   int
	seq   []int32
	steps int
}

func (e *Engine) NewGenerator(m engine.Model, p engine.GeneratorParams) (engine.Generator, error) {
	if err := e.enter(StageGenerator, ""); err != nil {
		return nil, err
	}
	g := &generator{resource: e.newResource("generator")}
	if sp, ok := p.(*params); ok {
		g.max = sp.max
	}
	return g, nil
}

func (g *generator) AppendTokenSequences(seq engine.Sequences) error {
	if err := g.e.enter(StageAppend, ""); err != nil {
		return err
	}
	g.seq = append(g.seq, seq.Sequence(0)...)
	return nil
}

func (g *generator) IsDone() bool {
	s := g.e.script
	if !s.IgnoreMaxLength && g.max > 0 && len(g.seq) >= g.max {
		return true
	}
	if s.Repeat {
		return len(s.Tokens) == 0
	}
	return g.steps >= len(s.Tokens)
}

func (g *generator) GenerateNextToken() error {
	s := g.e.script
	if s.StepGate != nil {
		<-s.StepGate
	}
	if s.StepDelay > 0 {
		time.Sleep(s.StepDelay)
	}
	g.steps++
	g.e.mu.Lock()
	g.e.steps++
	g.e.mu.Unlock()
	if s.FailAtStep > 0 && g.steps == s.FailAtStep {
		if s.StepErr != nil {
			return s.StepErr
		}
		return fmt.Errorf("scripted: step %d failed", g.steps)
	}
	if len(s.Tokens) == 0 {
		return errors.New("scripted: no tokens to generate")
	}
	idx := (g.steps - 1) % len(s.Tokens)
	g.seq = append(g.seq, int32(tokenBase+idx))
	return nil
}

func (g *generator) Sequence(i int) []int32 {
	if i != 0 {
		return nil
	}
	return g.seq
}
