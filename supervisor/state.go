package supervisor

// SlotState represents the lifecycle state of the supervisor's single
// process slot.
type SlotState int

const (
	// SlotEmpty means no backend process is tracked.
	SlotEmpty SlotState = iota
	// SlotStarting means a launch attempt is in progress.
	SlotStarting
	// SlotRunning means the backend has passed its readiness probe.
	SlotRunning
	// SlotStopping means teardown has been requested and is in progress.
	SlotStopping
)

// String returns a string representation of the SlotState.
func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "Empty"
	case SlotStarting:
		return "Starting"
	case SlotRunning:
		return "Running"
	case SlotStopping:
		return "Stopping"
	default:
		return "InvalidState"
	}
}
