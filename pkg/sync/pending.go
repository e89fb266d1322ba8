package sync

import (
	"path/filepath"
	"sort"
	"time"
)

// pendingOp is a queued upload or deletion. There's at most one per path.
type pendingOp struct {
	path       string
	delete     bool
	binary     bool
	executable bool
	modTime    time.Time
	readyAt    time.Time

	// started is set once the upload has been sent, and cleared if it has
	// to be sent again.
	started bool
	retries int

	// superseded is set when the file changes while its upload is in
	// flight. The upload is repeated once the server acknowledges it.
	superseded bool

	// wasKnown is whether the server may already have the file. Deleting a
	// file that was only ever queued for upload is a no-op.
	wasKnown bool
}

// addTodo queues an operation for `path`, merging it into any operation
// that's already queued.
func (o *Orchestrator) addTodo(path string, del, binary, executable, retry bool) {
	now := o.clock.Now()
	modTime := now
	if fi, err := fs.Stat(o.absPath(path)); err == nil {
		// Directories are never transferred.
		if fi.IsDir() {
			return
		}
		modTime = fi.ModTime()
	}

	op, ok := o.pending[path]
	if !ok {
		_, known := o.known[path]
		o.pending[path] = &pendingOp{
			path:       path,
			delete:     del,
			binary:     binary,
			executable: executable,
			modTime:    modTime,
			readyAt:    now.Add(syncDelay),
			wasKnown:   known,
		}

		if del {
			delete(o.known, path)
		} else {
			o.counters.FilesPendingCopy++
			o.known[path] = struct{}{}
		}
		return
	}

	if del && !op.delete && !op.started {
		o.counters.FilesPendingCopy--
		delete(o.known, path)
		if !op.wasKnown {
			delete(o.pending, path)
			return
		}

		op.delete = true
		op.retries = 0
		op.readyAt = now.Add(syncDelay)
		return
	}

	if op.delete && !del && !retry {
		o.counters.FilesPendingCopy++
		o.known[path] = struct{}{}
		op.started = false
	} else if del {
		delete(o.known, path)
	}

	if !del && !retry && op.started {
		op.superseded = true
	}

	op.delete = del
	op.binary = binary
	op.executable = executable
	op.modTime = modTime
	op.readyAt = now.Add(syncDelay)

	if del {
		op.superseded = false
	}

	if retry {
		op.retries++
		op.started = false
		op.superseded = false
	}
}

// sortedPending returns the queued paths in a stable order.
func (o *Orchestrator) sortedPending() []string {
	paths := make([]string, 0, len(o.pending))
	for path := range o.pending {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (o *Orchestrator) absPath(path string) string {
	return filepath.Join(o.settings.Source, filepath.FromSlash(path))
}
