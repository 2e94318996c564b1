package manager

import (
	"sync/atomic"
	"time"

	"genbridge/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Err: m.err}
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp := types.StatusResponse{
		State:            string(m.state),
		Error:            m.err,
		Inflight:         len(m.genCh),
		QueueLen:         len(m.queueCh),
		MaxQueueDepth:    cap(m.queueCh),
		LoadsTotal:       m.loadsTotal,
		GenerationsTotal: atomic.LoadUint64(&m.generationsTotal),
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix:   time.Now().Unix(),
	}
	if m.b != nil {
		bounds := m.b.Bounds()
		resp.Model = &types.ModelInfo{
			Path:      m.b.ModelPath(),
			Provider:  m.b.Provider(),
			Engine:    m.engine.Name(),
			MinLength: bounds.MinLength,
			MaxLength: bounds.MaxLength,
		}
	}
	return resp
}
