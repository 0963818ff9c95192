package gcscope

// State is the lifecycle state of a Session.
type State int

const (
	// StateUninitialized is the state before the layout table is loaded.
	StateUninitialized State = iota
	// StateLayoutLoaded allows heap and generation operations.
	StateLayoutLoaded
	// StateFailed follows a failed layout reload. It is terminal.
	StateFailed
	// StateClosed follows Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLayoutLoaded:
		return "layout_loaded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
