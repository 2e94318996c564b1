package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.opentelemetry.io/otel/attribute"

	"genbridge/internal/engine"
	"genbridge/internal/scheduler"
)

// Initialize loads the model selected by opts and returns a ready Bridge.
//
// The model path is validated first; a missing directory fails with
// KindNotFound before any engine call. Loading then runs on cfg.Background,
// after which Initialize waits for the next foreground frame. ctx is checked
// when the background job starts and again after the frame; a cancellation
// seen after loading releases the model before returning KindCancelled.
func Initialize(ctx context.Context, opts Options, cfg Config) (b *Bridge, err error) {
	cfg, err = cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	ctx, span := cfg.Tracer.Start(ctx, "bridge.initialize")
	defer func() {
		initializationsTotal.WithLabelValues(initResult(err)).Inc()
		endSpan(span, err)
	}()

	if cfg.Debug {
		engine.EnableVerboseLogging()
	}

	path, ok := opts.ResolveModelPath(cfg.AssetRoot)
	if !ok {
		if path == "" {
			path = opts.ModelPath
		}
		err = &Error{
			Kind: KindNotFound,
			Op:   "initialize",
			Path: path,
			Err:  fmt.Errorf("model not found at %q: %w", path, fs.ErrNotExist),
		}
		log.Error().Str("model_path", path).Msg("model directory not found")
		return nil, err
	}

	provider := opts.ProviderName
	if provider != "" && !cfg.EnableProviders {
		log.Warn().Str("provider", provider).Msg("provider selection disabled, using engine default")
		provider = ""
	}
	span.SetAttributes(
		attribute.String("model.path", path),
		attribute.String("model.provider", provider),
		attribute.String("engine", cfg.Engine.Name()),
	)

	var h *ResourceHandle
	err = cfg.Background.Do(ctx, func(context.Context) error {
		var aerr error
		h, aerr = Acquire(cfg.Engine, path, provider, cfg.ProviderOptions[provider])
		return aerr
	})
	if err != nil {
		err = classify("initialize", err)
		if !IsCancelled(err) {
			log.Error().Err(err).Str("model_path", path).Msg("failed to load model")
		}
		return nil, err
	}

	if ferr := cfg.Foreground.NextFrame(ctx); ferr != nil {
		err = newError(KindCancelled, "initialize", ferr)
	} else if cerr := ctx.Err(); cerr != nil {
		err = newError(KindCancelled, "initialize", cerr)
	}
	if err != nil {
		if rerr := releaseOn(cfg.Background, h); rerr != nil {
			log.Error().Err(rerr).Msg("release after cancelled initialization")
		}
		return nil, err
	}

	log.Info().Str("model_path", path).Str("provider", provider).Str("engine", cfg.Engine.Name()).Msg("model loaded")
	return newBridge(cfg, h), nil
}

// releaseOn releases h on bg, falling back to the calling goroutine when the
// worker is gone.
func releaseOn(bg Background, h *ResourceHandle) error {
	err := bg.Do(context.Background(), func(context.Context) error { return h.Release() })
	if errors.Is(err, scheduler.ErrWorkerClosed) {
		err = h.Release()
	}
	return err
}
