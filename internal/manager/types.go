package manager

// State represents lifecycle state of the manager.
type State string

const (
	StateReady   State = "ready"
	StateLoading State = "loading"
	StateError   State = "error"
	StateClosed  State = "closed"
)

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State State
	Err   string
}
