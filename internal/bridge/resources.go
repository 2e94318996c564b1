package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"genbridge/internal/common/fsutil"
	"genbridge/internal/engine"
)

// providerTuning holds options always applied for a provider before any
// user-supplied ones.
var providerTuning = map[string]map[string]string{
	"cuda": {"enable_cuda_graph": "0"},
}

// nativeResources is kept separate from ResourceHandle so the runtime cleanup
// can reference it without keeping the handle reachable.
type nativeResources struct {
	mu        sync.Mutex
	released  bool
	config    engine.Config
	model     engine.Model
	tokenizer engine.Tokenizer
}

// release closes tokenizer, model and config in that order. Only the first
// call does anything.
func (r *nativeResources) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	var errs []error
	if r.tokenizer != nil {
		if err := r.tokenizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tokenizer: %w", err))
		}
		r.tokenizer = nil
	}
	if r.model != nil {
		if err := r.model.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
		r.model = nil
	}
	if r.config != nil {
		if err := r.config.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config: %w", err))
		}
		r.config = nil
	}
	releasesTotal.Inc()
	return errors.Join(errs...)
}

// ResourceHandle owns the native config, model and tokenizer of one bridge.
type ResourceHandle struct {
	eng      engine.Engine
	res      *nativeResources
	cleanup  runtime.Cleanup
	released atomic.Bool
	path     string
	provider string
}

// Acquire loads the model in modelPath and its tokenizer. With a non-empty
// provider the model is built from a runtime config whose provider list is
// replaced by provider and tuned with options. On failure every resource that
// was already built is released before returning.
func Acquire(eng engine.Engine, modelPath, provider string, options map[string]string) (h *ResourceHandle, err error) {
	if !fsutil.DirExists(modelPath) {
		return nil, &Error{Kind: KindNotFound, Op: "acquire", Path: modelPath, Err: fs.ErrNotExist}
	}
	res := &nativeResources{}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
		if err != nil {
			if rerr := res.release(); rerr != nil {
				err = errors.Join(err, rerr)
			}
			h = nil
			err = &Error{Kind: KindEngineFailure, Op: "acquire", Path: modelPath, Err: err}
		}
	}()

	if provider == "" {
		if res.model, err = eng.NewModel(modelPath); err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
	} else {
		if res.config, err = eng.NewConfig(modelPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err = configureProvider(res.config, provider, options); err != nil {
			return nil, err
		}
		if res.model, err = eng.NewModelFromConfig(res.config); err != nil {
			return nil, fmt.Errorf("load model from config: %w", err)
		}
	}
	if res.tokenizer, err = eng.NewTokenizer(res.model); err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	h = &ResourceHandle{eng: eng, res: res, path: modelPath, provider: provider}
	h.cleanup = runtime.AddCleanup(h, func(r *nativeResources) { _ = r.release() }, res)
	return h, nil
}

func configureProvider(cfg engine.Config, provider string, options map[string]string) error {
	if err := cfg.ClearProviders(); err != nil {
		return fmt.Errorf("clear providers: %w", err)
	}
	if err := cfg.AppendProvider(provider); err != nil {
		return fmt.Errorf("append provider %s: %w", provider, err)
	}
	merged := make(map[string]string, len(providerTuning[provider])+len(options))
	for k, v := range providerTuning[provider] {
		merged[k] = v
	}
	for k, v := range options {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := cfg.SetProviderOption(provider, k, merged[k]); err != nil {
			return fmt.Errorf("set provider option %s.%s: %w", provider, k, err)
		}
	}
	return nil
}

// Release closes the native resources. It is idempotent; only the first call
// reaches the engine.
func (h *ResourceHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	h.cleanup.Stop()
	return h.res.release()
}

// Released reports whether Release has been called.
func (h *ResourceHandle) Released() bool { return h.released.Load() }

// Path is the model directory the handle was loaded from.
func (h *ResourceHandle) Path() string { return h.path }

// Provider is the execution provider in use, empty for the default.
func (h *ResourceHandle) Provider() string { return h.provider }

func (h *ResourceHandle) model() engine.Model { return h.res.model }

func (h *ResourceHandle) tokenizer() engine.Tokenizer { return h.res.tokenizer }
