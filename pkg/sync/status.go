package sync

import (
	"time"
)

// State is the state of the connection to the server.
type State int

const (
	// Unconnected means that there's no connection to the server.
	Unconnected State = iota

	// Idle means that we're connected, but not syncing.
	Idle

	// NodeWatching means that the destination is up to date, and we're
	// waiting for local changes.
	NodeWatching

	// Syncing means that there's outstanding work.
	Syncing
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "Unconnected"
	case Idle:
		return "Idle"
	case NodeWatching:
		return "Watching"
	case Syncing:
		return "Syncing"
	default:
		return "Unknown"
	}
}

// Counters describe the progress of the current sync. They're reset when
// the connection goes idle.
type Counters struct {
	DirsFinished int
	DirsKnown    int
	DirsIgnored  int
	FilesKnown   int
	FilesIgnored int

	FilesResolved    int
	FilesPendingStat int

	FilesCopied      int
	FilesPendingCopy int
	FileErrors       int
	FilesDeleted     int
}

// StatusListener is notified of the Orchestrator's progress. The methods
// are called from the Orchestrator's control loop, so they must not block.
type StatusListener interface {
	StateChanged(State)
	CountersChanged(Counters)

	// FileAction is called when an upload or deletion is sent.
	FileAction(path string, modTime time.Time, deleted bool)

	// FileStatus is called when the server acknowledges an upload.
	FileStatus(path string, modTime time.Time, success bool)

	// Error reports a problem that the Orchestrator recovers from.
	Error(error)

	// Fatal reports that the server can't be talked to at all. The
	// Orchestrator stops after calling it.
	Fatal(error)
}

// NopListener ignores all notifications. It can be embedded to implement a
// subset of StatusListener.
type NopListener struct{}

func (NopListener) StateChanged(State)                 {}
func (NopListener) CountersChanged(Counters)           {}
func (NopListener) FileAction(string, time.Time, bool) {}
func (NopListener) FileStatus(string, time.Time, bool) {}
func (NopListener) Error(error)                        {}
func (NopListener) Fatal(error)                        {}

// MultiListener forwards every notification to each of its listeners.
type MultiListener []StatusListener

func (ml MultiListener) StateChanged(state State) {
	for _, l := range ml {
		l.StateChanged(state)
	}
}

func (ml MultiListener) CountersChanged(counters Counters) {
	for _, l := range ml {
		l.CountersChanged(counters)
	}
}

func (ml MultiListener) FileAction(path string, modTime time.Time, deleted bool) {
	for _, l := range ml {
		l.FileAction(path, modTime, deleted)
	}
}

func (ml MultiListener) FileStatus(path string, modTime time.Time, success bool) {
	for _, l := range ml {
		l.FileStatus(path, modTime, success)
	}
}

func (ml MultiListener) Error(err error) {
	for _, l := range ml {
		l.Error(err)
	}
}

func (ml MultiListener) Fatal(err error) {
	for _, l := range ml {
		l.Fatal(err)
	}
}
