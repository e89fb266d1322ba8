// Package fswatch publishes changes to a directory tree as events relative
// to the tree's root.
package fswatch

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/errors"
)

var fs = afero.NewOsFs()

// renamePollInterval is how long the old half of a rename waits for its
// new half before it's reported as a deletion.
const renamePollInterval = 100 * time.Millisecond

// Op is the kind of change.
type Op int

const (
	Added Op = iota
	Deleted
	Changed
	Renamed
	// LostSync means that events were dropped, so the tree must be
	// rescanned.
	LostSync
	// Error means that the watch couldn't be started.
	Error
)

func (op Op) String() string {
	switch op {
	case Added:
		return "Added"
	case Deleted:
		return "Deleted"
	case Changed:
		return "Changed"
	case Renamed:
		return "Renamed"
	case LostSync:
		return "LostSync"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is a single change. Paths use forward slashes and are relative to
// the synced tree.
type Event struct {
	Op   Op
	Path string

	// OldPath is only set for Renamed events.
	OldPath string

	// Err is only set for Error and LostSync events.
	Err error
}

// Watcher watches a single subtree.
type Watcher struct {
	root   string
	prefix string
	out    chan<- Event
	log    logrus.FieldLogger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Start watches `root` and everything below it. Event paths are joined
// onto `prefix`, which is the position of `root` within the synced tree.
func Start(root, prefix string, out chan<- Event, log logrus.FieldLogger) *Watcher {
	w := &Watcher{
		root:   root,
		prefix: prefix,
		out:    out,
		log:    log.WithField("root", root),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Stop stops the watch and waits for it to exit. Stopping twice is a no-op.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) run() {
	defer util.HandlePanic()
	defer close(w.done)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.send(Event{Op: Error, Err: errors.WithContext(err, "create watcher")})
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.log.WithError(err).Warn("Failed to close file watcher")
		}
	}()

	if err := w.addRecursive(watcher, w.root); err != nil {
		w.send(Event{Op: Error, Err: errors.WithContext(err, "watch")})
		return
	}

	t := &translator{root: w.root, prefix: w.prefix}
	ticker := time.NewTicker(renamePollInterval)
	defer ticker.Stop()

	for {
		var events []Event
		select {
		case <-w.stop:
			return
		case fsEvent, ok := <-watcher.Events:
			if !ok {
				return
			}

			// fsnotify isn't recursive, so new directories have to be
			// added as they appear.
			if fsEvent.Has(fsnotify.Create) && isDir(fsEvent.Name) {
				if err := w.addRecursive(watcher, fsEvent.Name); err != nil {
					w.log.WithError(err).WithField("path", fsEvent.Name).Debug(
						"Failed to watch new directory")
				}
			}
			events = t.translate(fsEvent, time.Now())
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			w.log.WithError(err).Warn("File watcher failed. Resyncing.")
			events = []Event{{Op: LostSync, Err: err}}
		case now := <-ticker.C:
			events = t.flush(now)
		}

		for _, event := range events {
			if !w.send(event) {
				return
			}
		}
	}
}

func (w *Watcher) send(event Event) bool {
	select {
	case w.out <- event:
		return true
	case <-w.stop:
		return false
	}
}

// addRecursive watches `dir` and the directories below it. Only a failure
// to watch `dir` itself is returned. Subdirectories that can't be read or
// watched are logged and skipped.
func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if path == dir {
				return errors.WithContext(err, "walk")
			}
			w.log.WithError(err).WithField("path", path).Warn(
				"Failed to read directory. Changes to it won't be noticed.")
			return nil
		}

		if !fi.IsDir() {
			return nil
		}

		if err := watcher.Add(path); err != nil {
			if path == dir {
				return errors.WithContext(err, path)
			}
			w.log.WithError(err).WithField("path", path).Warn(
				"Failed to watch directory. Changes to it won't be noticed.")
			return filepath.SkipDir
		}
		return nil
	})
}

func isDir(path string) bool {
	fi, err := fs.Stat(path)
	return err == nil && fi.IsDir()
}

type heldRename struct {
	path string
	at   time.Time
}

// translator converts raw fsnotify events into Events, pairing the two
// halves of renames.
type translator struct {
	root   string
	prefix string
	held   *heldRename
}

func (t *translator) translate(fsEvent fsnotify.Event, now time.Time) []Event {
	relPath, ok := t.relPath(fsEvent.Name)
	if !ok {
		return nil
	}

	var events []Event
	switch {
	case fsEvent.Has(fsnotify.Create):
		if t.held != nil {
			events = append(events, Event{Op: Renamed, OldPath: t.held.path, Path: relPath})
			t.held = nil
		} else {
			events = append(events, Event{Op: Added, Path: relPath})
		}
	case fsEvent.Has(fsnotify.Rename):
		// An earlier rename that never got its new half was a move out of
		// the tree.
		events = append(events, t.release()...)
		t.held = &heldRename{path: relPath, at: now}
	case fsEvent.Has(fsnotify.Remove):
		events = append(events, Event{Op: Deleted, Path: relPath})
	case fsEvent.Has(fsnotify.Write):
		events = append(events, Event{Op: Changed, Path: relPath})
	}
	return events
}

// flush reports a held rename as a deletion once it's waited long enough.
func (t *translator) flush(now time.Time) []Event {
	if t.held == nil || now.Sub(t.held.at) < renamePollInterval {
		return nil
	}
	return t.release()
}

func (t *translator) release() []Event {
	if t.held == nil {
		return nil
	}

	event := Event{Op: Deleted, Path: t.held.path}
	t.held = nil
	return []Event{event}
}

func (t *translator) relPath(absPath string) (string, bool) {
	rel, err := filepath.Rel(t.root, absPath)
	if err != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path.Join(t.prefix, filepath.ToSlash(rel)), true
}
