package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"genbridge/internal/bridge"
	"genbridge/internal/engine/scripted"
	"genbridge/pkg/types"
)

func decodeLines(t *testing.T, b []byte) ([]string, *types.DoneLine) {
	t.Helper()
	var tokens []string
	var done *types.DoneLine
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.Contains(line, []byte(`"done"`)) {
			var d types.DoneLine
			if err := json.Unmarshal(line, &d); err != nil {
				t.Fatalf("decode done line %q: %v", line, err)
			}
			done = &d
			continue
		}
		var tl types.TokenLine
		if err := json.Unmarshal(line, &tl); err != nil {
			t.Fatalf("decode token line %q: %v", line, err)
		}
		tokens = append(tokens, tl.Token)
	}
	return tokens, done
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	env := newTestManager(t, scripted.Script{Tokens: []string{"Hello", ",", " world"}}, nil)
	var buf bytes.Buffer
	flushes := 0
	if err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "greet"}, &buf, func() { flushes++ }); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tokens, done := decodeLines(t, buf.Bytes())
	if strings.Join(tokens, "|") != "Hello|,| world" {
		t.Fatalf("unexpected tokens: %q", tokens)
	}
	if done == nil || !done.Done || done.Content != "Hello, world" || done.Fragments != 3 || done.SessionID == "" {
		t.Fatalf("unexpected done line: %+v", done)
	}
	if flushes != 4 {
		t.Fatalf("expected 4 flushes, got %d", flushes)
	}

	st := env.m.Status()
	if st.State != string(StateReady) || st.LoadsTotal != 1 || st.GenerationsTotal != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.Model == nil || st.Model.Engine != "scripted" || st.Model.Path != env.dir || st.Model.MaxLength != bridge.DefaultMaxLength {
		t.Fatalf("unexpected model info: %+v", st.Model)
	}
	if st.Inflight != 0 || st.QueueLen != 0 || st.MaxQueueDepth != defaultMaxQueueDepth {
		t.Fatalf("unexpected queue status: %+v", st)
	}

	names := eventNames(env.pub)
	for _, want := range []string{EventModelLoading, EventModelReady, EventGenerationStart, EventGenerationEnd} {
		if countEvents(names, want) != 1 {
			t.Fatalf("expected one %s event, got %v", want, names)
		}
	}
	end, ok := env.pub.Last(EventGenerationEnd)
	if !ok || end.Fields["state"] != "completed" || end.Fields["fragments"] != 3 || end.Fields["session_id"] != done.SessionID {
		t.Fatalf("unexpected generation_end event: %+v", end)
	}
	if end.ModelPath != env.dir {
		t.Fatalf("event model path = %q", end.ModelPath)
	}
}

func TestEnsureReadyLoadsOnce(t *testing.T) {
	env := newTestManager(t, scripted.Script{Tokens: []string{"a"}}, nil)
	if env.m.Ready() {
		t.Fatalf("manager must not be ready before the first load")
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.m.EnsureReady(testCtx(t))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureReady: %v", err)
		}
	}
	if n := countEvents(env.eng.Events(), "new:model"); n != 1 {
		t.Fatalf("expected a single model load, got %d", n)
	}
	if !env.m.Ready() {
		t.Fatalf("expected ready")
	}
}

func TestGenerateModelNotFound(t *testing.T) {
	missing := ""
	env := newTestManager(t, scripted.Script{Tokens: []string{"a"}}, func(c *ManagerConfig) {
		missing = filepath.Join(c.Model.ModelPath, "nope")
		c.Model.ModelPath = missing
	})
	err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"}, &bytes.Buffer{}, nil)
	if !IsModelNotFound(err) {
		t.Fatalf("expected model not found, got %v", err)
	}
	if !strings.Contains(err.Error(), missing) {
		t.Fatalf("expected path in error, got %v", err)
	}
	snap := env.m.Snapshot()
	if snap.State != StateError || snap.Err == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if env.eng.Calls() != 0 {
		t.Fatalf("engine must not be touched, got %d calls", env.eng.Calls())
	}
	// A later call tries again.
	if err := env.m.EnsureReady(testCtx(t)); !IsModelNotFound(err) {
		t.Fatalf("expected model not found on retry, got %v", err)
	}
	if countEvents(eventNames(env.pub), EventModelError) != 2 {
		t.Fatalf("expected two model_error events: %v", eventNames(env.pub))
	}
}

func TestNoEngineIsDependencyUnavailable(t *testing.T) {
	env := newTestManager(t, scripted.Script{}, func(c *ManagerConfig) { c.Engine = nil })
	err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"}, &bytes.Buffer{}, nil)
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	if env.m.Status().State != string(StateError) {
		t.Fatalf("expected error state")
	}
}

func TestGenerateEngineFailureMidStream(t *testing.T) {
	env := newTestManager(t, scripted.Script{Tokens: []string{"a", "b", "c"}, FailAtStep: 2}, nil)
	var buf bytes.Buffer
	err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"}, &buf, nil)
	if err == nil || !bridge.IsEngineFailure(err) {
		t.Fatalf("expected engine failure, got %v", err)
	}
	if IsModelNotFound(err) || IsTooBusy(err) || IsDependencyUnavailable(err) {
		t.Fatalf("engine failure misclassified: %v", err)
	}
	tokens, done := decodeLines(t, buf.Bytes())
	if len(tokens) != 1 || tokens[0] != "a" || done != nil {
		t.Fatalf("expected one token and no done line, got %q %+v", tokens, done)
	}
	// The manager stays usable.
	if !env.m.Ready() {
		t.Fatalf("expected manager to stay ready after a failed generation")
	}
}

func TestGenerateQueueBackpressure(t *testing.T) {
	gate := make(chan struct{})
	env := newTestManager(t, scripted.Script{Tokens: []string{"a"}, StepGate: gate}, func(c *ManagerConfig) {
		c.MaxQueueDepth = 1
		c.MaxWait = 50 * time.Millisecond
	})
	if err := env.m.EnsureReady(testCtx(t)); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "one"}, &bytes.Buffer{}, nil)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for env.m.Status().Inflight == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first generation never started")
		}
		time.Sleep(time.Millisecond)
	}

	err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "two"}, &bytes.Buffer{}, nil)
	if !IsTooBusy(err) {
		t.Fatalf("expected too busy, got %v", err)
	}
	close(gate)
	if err := <-firstErr; err != nil {
		t.Fatalf("first generation: %v", err)
	}
}

func TestGenerateContextCancelled(t *testing.T) {
	env := newTestManager(t, scripted.Script{Tokens: []string{"x"}, Repeat: true, IgnoreMaxLength: true, StepDelay: time.Millisecond}, func(c *ManagerConfig) {
		c.Bridge.Bounds = bridge.Bounds{MinLength: 0, MaxLength: 100000}
	})
	ctx, cancel := context.WithCancel(testCtx(t))
	w := &cancelAfterWriter{n: 3, cancel: cancel}
	err := env.m.Generate(ctx, types.GenerateRequest{Prompt: "x"}, w, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if bytes.Contains(w.buf.Bytes(), []byte(`"done"`)) {
		t.Fatalf("cancelled generation must not write a done line")
	}
}

type cancelAfterWriter struct {
	buf    bytes.Buffer
	n      int
	cancel context.CancelFunc
}

func (w *cancelAfterWriter) Write(p []byte) (int, error) {
	w.n--
	if w.n == 0 {
		w.cancel()
	}
	return w.buf.Write(p)
}

func TestGenerateWriteErrorStopsSession(t *testing.T) {
	env := newTestManager(t, scripted.Script{Tokens: []string{"x"}, Repeat: true, IgnoreMaxLength: true, StepDelay: time.Millisecond}, func(c *ManagerConfig) {
		c.Bridge.Bounds = bridge.Bounds{MinLength: 0, MaxLength: 100000}
	})
	err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"}, &errWriter{}, nil)
	if err == nil || !strings.Contains(err.Error(), "client went away") {
		t.Fatalf("expected write error, got %v", err)
	}
	// The slot is free again: a second request is admitted.
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		done <- env.m.Generate(ctx, types.GenerateRequest{Prompt: "y"}, &bytes.Buffer{}, nil)
	}()
	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second generation to run until its deadline, got %v", err)
	}
}

func TestCloseDisposesBridge(t *testing.T) {
	env := newTestManager(t, scripted.Script{Tokens: []string{"a"}}, nil)
	if err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"}, &bytes.Buffer{}, nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := env.m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := env.m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if env.eng.Live() != 0 {
		t.Fatalf("expected all resources released, %d live", env.eng.Live())
	}
	if env.m.Ready() || env.m.Status().State != string(StateClosed) {
		t.Fatalf("unexpected state after close: %+v", env.m.Status())
	}
	err := env.m.Generate(testCtx(t), types.GenerateRequest{Prompt: "x"}, &bytes.Buffer{}, nil)
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency unavailable after close, got %v", err)
	}
	if countEvents(eventNames(env.pub), EventClosed) != 1 {
		t.Fatalf("expected one closed event: %v", eventNames(env.pub))
	}
}

func TestTranslate(t *testing.T) {
	nf := &bridge.Error{Kind: bridge.KindNotFound, Op: "initialize", Path: "/m"}
	if err := translate(nf); !IsModelNotFound(err) || err.Error() != "model not found: /m" {
		t.Fatalf("unexpected translation: %v", err)
	}
	if err := translate(&bridge.Error{Kind: bridge.KindBusy}); !IsTooBusy(err) {
		t.Fatalf("expected busy, got %v", err)
	}
	ef := &bridge.Error{Kind: bridge.KindEngineFailure, Op: "generate"}
	if err := translate(ef); err != ef {
		t.Fatalf("engine failure should pass through, got %v", err)
	}
	plain := errors.New("plain")
	if translate(plain) != plain {
		t.Fatalf("plain errors pass through")
	}
}
