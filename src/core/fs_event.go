package core

// An FSEventKind says what happened to a path.
type FSEventKind int

const (
	FSCreate FSEventKind = iota
	FSModify
	FSDelete
	// FSOverflow means the watcher lost events and the set of changed paths is
	// unknown; everything must be assumed changed.
	FSOverflow
)

func (k FSEventKind) String() string {
	switch k {
	case FSCreate:
		return "create"
	case FSModify:
		return "modify"
	case FSDelete:
		return "delete"
	case FSOverflow:
		return "overflow"
	}
	return "unknown"
}

// An FSEvent is a single filesystem change notification.
type FSEvent struct {
	Kind FSEventKind
	// Path of the changed file, absolute. Empty for overflow events.
	Path string
}

// IsPathEvent returns true if the event names a concrete changed path.
func (e FSEvent) IsPathEvent() bool {
	return e.Kind != FSOverflow && e.Path != ""
}
