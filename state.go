package offlinecache

// State is the lifecycle state of a worker.
type State int

const (
	Parsed State = iota
	Installing
	Waiting
	Activating
	Active
	// Redundant workers failed to install or were replaced by a newer one.
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Waiting:
		return "waiting"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	default:
		return "unknown"
	}
}
