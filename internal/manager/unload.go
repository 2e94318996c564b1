package manager

import (
	"time"
)

// drainTimeout bounds how long Close waits for queued requests.
const drainTimeout = 5 * time.Second

// Close rejects new work, waits up to drainTimeout for queued and in-flight
// generations, then disposes the bridge. A generation still running after
// the wait is stopped by the dispose. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.mu.Unlock()

	deadline := time.Now().Add(drainTimeout)
	for len(m.queueCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(m.queueCh); n > 0 {
		m.publish("close_timeout", map[string]any{"queue": n})
	}

	m.mu.Lock()
	b := m.b
	m.b = nil
	m.mu.Unlock()

	var err error
	if b != nil {
		err = b.Dispose()
	}
	m.publish(EventClosed, nil)
	return err
}
