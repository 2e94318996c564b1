package bridge

import (
	"errors"
	"fmt"

	"genbridge/internal/engine"
)

// session holds the per-prompt native state: encoded input, decode stream,
// search parameters and the generator. It is confined to the background
// worker and closed when the generation loop exits.
type session struct {
	bounds Bounds
	seqs   engine.Sequences
	stream engine.TokenizerStream
	params engine.GeneratorParams
	gen    engine.Generator
	steps  int
}

// beginSession wraps prompt in tpl, encodes it and primes a generator bound
// to the handle's model. Partially built state is closed on failure.
func beginSession(h *ResourceHandle, prompt, tpl string, b Bounds) (*session, error) {
	if h.Released() {
		return nil, ErrDisposed
	}
	s := &session{bounds: b}
	if err := s.open(h, formatPrompt(tpl, prompt)); err != nil {
		if cerr := s.close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, newError(KindEngineFailure, "begin session", err)
	}
	return s, nil
}

func (s *session) open(h *ResourceHandle, text string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	tok := h.tokenizer()
	if s.seqs, err = tok.Encode(text); err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	if s.stream, err = tok.CreateStream(); err != nil {
		return fmt.Errorf("create decode stream: %w", err)
	}
	if s.params, err = h.eng.NewGeneratorParams(h.model()); err != nil {
		return fmt.Errorf("create generator params: %w", err)
	}
	if err = s.params.SetSearchOption(engine.OptionMinLength, float64(s.bounds.MinLength)); err != nil {
		return fmt.Errorf("set %s: %w", engine.OptionMinLength, err)
	}
	if err = s.params.SetSearchOption(engine.OptionMaxLength, float64(s.bounds.MaxLength)); err != nil {
		return fmt.Errorf("set %s: %w", engine.OptionMaxLength, err)
	}
	if s.gen, err = h.eng.NewGenerator(h.model(), s.params); err != nil {
		return fmt.Errorf("create generator: %w", err)
	}
	if err = s.gen.AppendTokenSequences(s.seqs); err != nil {
		return fmt.Errorf("append prompt tokens: %w", err)
	}
	return nil
}

// done reports whether the generator finished or the step budget is spent.
// The budget guards against engines that never report done.
func (s *session) done() bool {
	return s.steps >= s.bounds.MaxLength || s.gen.IsDone()
}

// next runs one decode step and returns the text of the new token.
func (s *session) next() (string, error) {
	if err := s.gen.GenerateNextToken(); err != nil {
		return "", fmt.Errorf("generate next token: %w", err)
	}
	s.steps++
	seq := s.gen.Sequence(0)
	if len(seq) == 0 {
		return "", errors.New("generator returned an empty sequence")
	}
	frag, err := s.stream.Decode(seq[len(seq)-1])
	if err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	return frag, nil
}

// flush returns text the decode stream held back, if it holds any.
func (s *session) flush() (string, error) {
	f, ok := s.stream.(engine.Flusher)
	if !ok {
		return "", nil
	}
	frag, err := f.Flush()
	if err != nil {
		return "", fmt.Errorf("flush decode stream: %w", err)
	}
	return frag, nil
}

// close releases generator, params, decode stream and encoded input, newest
// first. Nil members are skipped so it is safe on a half-built session.
func (s *session) close() error {
	var errs []error
	if s.gen != nil {
		errs = append(errs, s.gen.Close())
		s.gen = nil
	}
	if s.params != nil {
		errs = append(errs, s.params.Close())
		s.params = nil
	}
	if s.stream != nil {
		errs = append(errs, s.stream.Close())
		s.stream = nil
	}
	if s.seqs != nil {
		errs = append(errs, s.seqs.Close())
		s.seqs = nil
	}
	return errors.Join(errs...)
}
