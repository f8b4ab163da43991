package acq

// State is the lifecycle stage of a Worker.
type State uint32

const (
	StateIdle State = iota
	StateRunning
	// StateStopping covers the stop path: polling has halted and the stop sequence is running.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}
