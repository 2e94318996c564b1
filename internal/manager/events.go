package manager

// Event names published by the manager.
const (
	EventModelLoading    = "model_loading"
	EventModelReady      = "model_ready"
	EventModelError      = "model_error"
	EventGenerationStart = "generation_start"
	EventGenerationEnd   = "generation_end"
	EventClosed          = "closed"
)

// Event represents a manager lifecycle event.
// Minimal and stable: name + model path and optional fields via key/values.
type Event struct {
	Name      string
	ModelPath string
	Fields    map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
