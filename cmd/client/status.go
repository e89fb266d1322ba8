package client

import (
	"fmt"
	"io"
	goSync "sync"
	"time"

	"github.com/buger/goterm"

	"github.com/sidkik/quicksync/pkg/sync"
)

// statusPrinter prints the progress of the sync to the terminal, one line
// per event.
type statusPrinter struct {
	out io.Writer

	lock     goSync.Mutex
	state    sync.State
	counters sync.Counters
}

func newStatusPrinter(out io.Writer) *statusPrinter {
	return &statusPrinter{out: out}
}

type statusString struct {
	color int
	phase string
	msg   string
}

func (ss statusString) String() string {
	msg := ss.phase
	if ss.msg != "" {
		msg += ": " + ss.msg
	}
	return goterm.Color(msg, ss.color)
}

func stateString(state sync.State) statusString {
	ss := statusString{
		phase: state.String(),
		color: goterm.BLACK,
	}
	switch state {
	case sync.Unconnected:
		ss.color = goterm.RED
		ss.msg = "waiting for the server"
	case sync.Idle:
		ss.color = goterm.YELLOW
	case sync.Syncing:
		ss.color = goterm.YELLOW
	case sync.NodeWatching:
		ss.color = goterm.GREEN
		ss.msg = "up to date"
	}
	return ss
}

func (p *statusPrinter) StateChanged(state sync.State) {
	p.lock.Lock()
	defer p.lock.Unlock()

	// Summarize the sync that just finished before the counters are reset.
	if p.state == sync.Syncing && state == sync.NodeWatching {
		c := p.counters
		fmt.Fprintf(p.out, "Synced %d files in %d directories "+
			"(%d copied, %d deleted, %d ignored, %d errors)\n",
			c.FilesKnown, c.DirsFinished, c.FilesCopied, c.FilesDeleted,
			c.FilesIgnored, c.FileErrors)
	}

	p.state = state
	fmt.Fprintln(p.out, stateString(state))
}

func (p *statusPrinter) CountersChanged(counters sync.Counters) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.counters = counters
}

func (p *statusPrinter) FileAction(path string, modTime time.Time, deleted bool) {
	action := statusString{phase: "Upload", msg: path, color: goterm.BLUE}
	if deleted {
		action = statusString{phase: "Delete", msg: path, color: goterm.MAGENTA}
	}
	p.println(action)
}

func (p *statusPrinter) FileStatus(path string, modTime time.Time, success bool) {
	if success {
		return
	}
	p.println(statusString{phase: "Failed", msg: path, color: goterm.RED})
}

func (p *statusPrinter) Error(err error) {
	p.println(statusString{phase: "Error", msg: err.Error(), color: goterm.RED})
}

func (p *statusPrinter) Fatal(err error) {
	p.println(statusString{phase: "Fatal", msg: err.Error(), color: goterm.RED})
}

func (p *statusPrinter) println(ss statusString) {
	p.lock.Lock()
	defer p.lock.Unlock()
	fmt.Fprintln(p.out, ss)
}
