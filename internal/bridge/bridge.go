// Package bridge streams text from a blocking, thread-affine generation engine
// to a frame-paced consumer.
//
// Initialize loads the model on a background worker and resumes on the
// foreground frame loop. GenerateStream returns a lazy Stream: engine work
// runs on the worker and fills a queue, and the consumer takes fragments from
// it one frame at a time. A single context cancels everything; it is checked
// at every context switch, every frame and between decode steps, never in the
// middle of an engine call.
//
// A Bridge runs at most one session at a time and must be disposed with
// Dispose once no longer needed.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Bridge owns one loaded model and serves generation sessions on it.
type Bridge struct {
	cfg    Config
	handle *ResourceHandle
	log    zerolog.Logger
	tracer trace.Tracer

	// slot holds a token while a session owns the engine. Dispose takes it
	// for good.
	slot chan struct{}

	// ctx is cancelled with ErrDisposed to stop running generation loops.
	ctx    context.Context
	cancel context.CancelCauseFunc

	disposed    atomic.Bool
	disposeOnce sync.Once
	disposeErr  error
}

func newBridge(cfg Config, h *ResourceHandle) *Bridge {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Bridge{
		cfg:    cfg,
		handle: h,
		log:    cfg.Logger.With().Str("model_path", h.Path()).Str("provider", h.Provider()).Logger(),
		tracer: cfg.Tracer,
		slot:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ModelPath is the resolved model directory.
func (b *Bridge) ModelPath() string { return b.handle.Path() }

// Provider is the execution provider the model was loaded with.
func (b *Bridge) Provider() string { return b.handle.Provider() }

// Bounds are the decode limits applied to every session.
func (b *Bridge) Bounds() Bounds { return b.cfg.Bounds }

// Disposed reports whether Dispose has been called.
func (b *Bridge) Disposed() bool { return b.disposed.Load() }

// Busy reports whether a session currently owns the engine.
func (b *Bridge) Busy() bool { return len(b.slot) > 0 }

func (b *Bridge) acquireSlot() error {
	if b.disposed.Load() {
		return newError(KindCancelled, "generate", ErrDisposed)
	}
	select {
	case b.slot <- struct{}{}:
	default:
		return newError(KindBusy, "generate", errors.New("a session is already running"))
	}
	if b.disposed.Load() {
		<-b.slot
		return newError(KindCancelled, "generate", ErrDisposed)
	}
	activeSessions.Inc()
	return nil
}

func (b *Bridge) releaseSlot() {
	activeSessions.Dec()
	<-b.slot
}

// Dispose stops any running generation loop, waits for it to let go of the
// engine, then releases tokenizer, model and config on the background worker.
// Only the first call does any work; later calls return the first result.
func (b *Bridge) Dispose() error {
	b.disposeOnce.Do(func() {
		b.disposed.Store(true)
		b.cancel(ErrDisposed)
		b.slot <- struct{}{}

		err := releaseOn(b.cfg.Background, b.handle)
		b.disposeErr = err
		if err != nil {
			b.log.Error().Err(err).Msg("dispose failed")
			return
		}
		b.log.Info().Msg("bridge disposed")
	})
	return b.disposeErr
}
