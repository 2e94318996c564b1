package manager

import (
	"time"

	"genbridge/internal/bridge"
	"genbridge/internal/engine"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Engine may be nil when no runtime is linked into the binary; every
	// request then fails with a dependency-unavailable error.
	Engine     engine.Engine
	Background bridge.Background
	Foreground bridge.Foreground

	// Model selects the model directory and provider.
	Model bridge.Options
	// Bridge carries the remaining bridge settings. Its Engine, Background
	// and Foreground fields are overwritten from the ones above.
	Bridge bridge.Config

	MaxQueueDepth int
	MaxWait       time.Duration
	// Publisher receives lifecycle events. Defaults to a no-op.
	Publisher EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:     StateLoading,
		engine:    cfg.Engine,
		model:     cfg.Model,
		bcfg:      cfg.Bridge,
		publisher: cfg.Publisher,
		startTime: time.Now(),
	}
	m.bcfg.Engine = cfg.Engine
	m.bcfg.Background = cfg.Background
	m.bcfg.Foreground = cfg.Foreground
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	// Apply defaults if unset
	if cfg.MaxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	} else {
		m.maxQueueDepth = cfg.MaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		m.maxWait = defaultMaxWait
	} else {
		m.maxWait = cfg.MaxWait
	}
	m.genCh = make(chan struct{}, 1)
	m.queueCh = make(chan struct{}, m.maxQueueDepth)
	return m
}
