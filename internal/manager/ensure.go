package manager

import (
	"context"

	"genbridge/internal/bridge"
)

// EnsureReady loads the configured model once. Concurrent callers wait for
// the load in flight instead of starting their own. A failed load leaves the
// manager in StateError and the next call tries again; a cancelled load
// leaves it in StateLoading.
func (m *Manager) EnsureReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return ErrDependencyUnavailable("manager closed")
		}
		if m.b != nil {
			m.mu.Unlock()
			return nil
		}
		if m.engine == nil {
			m.state = StateError
			m.err = "no inference engine available"
			m.mu.Unlock()
			return ErrDependencyUnavailable("no inference engine available")
		}
		if ch := m.loading; ch != nil {
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.loading = ch
		m.state = StateLoading
		m.err = ""
		m.mu.Unlock()

		return m.load(ctx, ch)
	}
}

func (m *Manager) load(ctx context.Context, ch chan struct{}) error {
	m.publish(EventModelLoading, nil)
	b, err := bridge.Initialize(ctx, m.model, m.bcfg)

	m.mu.Lock()
	m.loading = nil
	close(ch)
	closed := m.state == StateClosed
	switch {
	case err != nil && bridge.IsCancelled(err):
		if !closed {
			m.state = StateLoading
		}
	case err != nil:
		if !closed {
			m.state = StateError
			m.err = err.Error()
		}
	case closed:
	default:
		m.b = b
		m.state = StateReady
		m.loadsTotal++
	}
	m.mu.Unlock()

	if err != nil {
		if !bridge.IsCancelled(err) {
			m.publish(EventModelError, map[string]any{"error": err.Error()})
		}
		return translate(err)
	}
	if closed {
		_ = b.Dispose()
		return ErrDependencyUnavailable("manager closed")
	}
	m.publish(EventModelReady, map[string]any{"provider": b.Provider()})
	return nil
}

// loaded returns the loaded bridge or nil.
func (m *Manager) loaded() *bridge.Bridge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.b
}
