// Package lifecycle follows projects through opening and closing by
// polling their backend, and keeps the list of launched projects.
package lifecycle

import (
	"time"

	"github.com/fruitsalade/assetsync/internal/backend"
)

// Poll intervals.
const (
	StaticInterval           = 30 * time.Second
	LocalTransitionInterval  = 100 * time.Millisecond
	RemoteTransitionInterval = 2500 * time.Millisecond
	UnknownStateInterval     = 120 * time.Second
)

// NextInterval returns how long to wait before polling a project again,
// given the state the last poll observed. A failed poll stops polling
// until someone refetches explicitly.
func NextInterval(t backend.Type, state backend.ProjectState, fetchErr error) (time.Duration, bool) {
	if fetchErr != nil {
		return 0, false
	}
	switch state {
	case backend.StateOpened, backend.StateClosed:
		return StaticInterval, true
	case backend.StateOpenInProgress, backend.StateProvisioned, backend.StateScheduled, backend.StateClosing,
		backend.StateCreated, backend.StateNew:
		if t == backend.TypeLocal {
			return LocalTransitionInterval, true
		}
		return RemoteTransitionInterval, true
	default:
		return UnknownStateInterval, true
	}
}

// settled reports whether state needs no further fast polling.
func settled(state backend.ProjectState) bool {
	return state == backend.StateOpened || state == backend.StateClosed
}
