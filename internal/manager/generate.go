package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"genbridge/internal/bridge"
	"genbridge/pkg/types"
)

// Generate ensures the model is loaded, waits for the generation slot and
// streams NDJSON to w: one TokenLine per fragment, then a DoneLine once the
// session completes. flusher, when set, runs after every line.
//
// A failure after some fragments were written is returned as an error; the
// caller decides whether headers are still writable. A cancelled session
// returns ctx.Err() or, when the bridge was disposed, a dependency error.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flusher func()) error {
	if err := m.EnsureReady(ctx); err != nil {
		return err
	}
	release, err := m.beginGeneration(ctx)
	if err != nil {
		return err
	}
	defer release()

	b := m.loaded()
	if b == nil {
		return ErrDependencyUnavailable("manager closed")
	}
	atomic.AddUint64(&m.generationsTotal, 1)

	s := b.GenerateStream(ctx, req.Prompt)
	m.publish(EventGenerationStart, map[string]any{"session_id": s.ID()})

	var content strings.Builder
	var werr error
	for frag, ferr := range s.Fragments() {
		if ferr != nil {
			m.publishEnd(s, ferr)
			return translate(ferr)
		}
		if _, werr = w.Write(tokenLineJSON(frag)); werr != nil {
			// Leaving the range cancels the session.
			break
		}
		content.WriteString(frag)
		if flusher != nil {
			flusher()
		}
	}
	if werr != nil {
		m.publishEnd(s, werr)
		return werr
	}
	m.publishEnd(s, s.Err())

	if s.State() == bridge.StateCancelled {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if errors.Is(s.Err(), bridge.ErrDisposed) {
			return ErrDependencyUnavailable("manager closed")
		}
		return context.Canceled
	}

	end := types.DoneLine{
		Done:         true,
		Content:      content.String(),
		Fragments:    s.Delivered(),
		SessionID:    s.ID(),
		FinishReason: "stop",
	}
	jb, _ := json.Marshal(end)
	if _, err := w.Write(append(jb, '\n')); err != nil {
		return err
	}
	if flusher != nil {
		flusher()
	}
	return nil
}

func (m *Manager) publishEnd(s *bridge.Stream, err error) {
	fields := map[string]any{
		"session_id": s.ID(),
		"state":      s.State().String(),
		"fragments":  s.Delivered(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.publish(EventGenerationEnd, fields)
}

// tokenLineJSON formats a token NDJSON line using json.Marshal for correctness.
func tokenLineJSON(tok string) []byte {
	b, _ := json.Marshal(types.TokenLine{Token: tok})
	return append(b, '\n')
}
