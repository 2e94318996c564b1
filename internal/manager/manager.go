package manager

import (
	"sync"
	"time"

	"genbridge/internal/bridge"
	"genbridge/internal/engine"
)

type Manager struct {
	mu     sync.RWMutex
	state  State
	err    string
	engine engine.Engine
	model  bridge.Options
	bcfg   bridge.Config
	b      *bridge.Bridge
	// loading is non-nil while a load is in flight; waiters block on it.
	loading chan struct{}

	publisher EventPublisher
	startTime time.Time

	loadsTotal       uint64
	generationsTotal uint64

	// Admission: genCh holds the single in-flight slot, queueCh the waiting
	// requests including the running one.
	genCh         chan struct{}
	queueCh       chan struct{}
	maxQueueDepth int
	maxWait       time.Duration
}

// New builds a manager with default queueing.
func New(eng engine.Engine, bg bridge.Background, fg bridge.Foreground, model bridge.Options, bcfg bridge.Config) *Manager {
	return NewWithConfig(ManagerConfig{
		Engine:     eng,
		Background: bg,
		Foreground: fg,
		Model:      model,
		Bridge:     bcfg,
	})
}

// Ready reports whether the model is loaded.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.b != nil
}

func (m *Manager) publish(name string, fields map[string]any) {
	m.publisher.Publish(Event{Name: name, ModelPath: m.model.ModelPath, Fields: fields})
}
