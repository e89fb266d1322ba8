package sync

import (
	"context"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/fswatch"
	"github.com/sidkik/quicksync/pkg/protocol"
	"github.com/sidkik/quicksync/pkg/rules"
	"github.com/sidkik/quicksync/pkg/scanner"
	"github.com/sidkik/quicksync/pkg/sync/client"
)

var fs = afero.NewOsFs()

const (
	// syncDelay is how long a queued operation waits for further changes
	// before it's sent.
	syncDelay = 500 * time.Millisecond

	drainInterval  = 100 * time.Millisecond
	lostSyncDelay  = 5 * time.Second
	reconnectDelay = 1 * time.Second
	resumeDelay    = 1 * time.Second

	// Modification times that differ by less than this are considered
	// equal, since file systems store them with different resolutions.
	statTolerance = time.Second

	// maxInFlightBytes caps the bytes sent but not yet acknowledged.
	maxInFlightBytes = 1 << 25

	eventBufferSize = 1024
)

// Settings describe what to sync, and where to.
type Settings struct {
	Host string
	Port int

	Branch      string
	Source      string
	Destination string
}

// Address returns the server address to dial.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type watcher interface {
	Stop()
}

type dialResult struct {
	client client.Client
	err    error
	gen    int
}

// Orchestrator keeps the destination directory on the server in sync with
// the local source directory.
type Orchestrator struct {
	settings     Settings
	defaultRules *rules.RuleSet
	listener     StatusListener
	log          logrus.FieldLogger

	// Mocked in unit tests.
	clock        clockwork.Clock
	dial         func(context.Context, string, logrus.FieldLogger) (client.Client, error)
	startWatcher func(string, string, chan<- fswatch.Event, logrus.FieldLogger) watcher
	maxInFlight  int64

	ctx      context.Context
	commands chan func()
	fatalErr error

	state          State
	client         client.Client
	msgs           <-chan protocol.Message
	dialing        bool
	dialGen        int
	dialResults    chan dialResult
	reconnectTimer clockwork.Timer
	resumeTimer    clockwork.Timer
	resume         bool

	scanner       *scanner.Scanner
	watcher       watcher
	events        chan fswatch.Event
	lostSyncTimer clockwork.Timer
	rootRules     *rules.RuleSet
	nestedRules   map[string]*rules.RuleSet
	unresolved    map[string]scanner.Record

	known         map[string]struct{}
	pending       map[string]*pendingOp
	inFlight      map[string][]int64
	inFlightBytes int64

	counters Counters
}

// New creates an Orchestrator. It doesn't do anything until Run is called.
func New(settings Settings, defaultRules *rules.RuleSet, listener StatusListener,
	log logrus.FieldLogger) *Orchestrator {

	if listener == nil {
		listener = NopListener{}
	}

	o := &Orchestrator{
		settings:     settings,
		defaultRules: defaultRules,
		listener:     listener,
		log:          log,
		clock:        clockwork.NewRealClock(),
		dial:         client.Dial,
		startWatcher: startFSWatcher,
		maxInFlight:  maxInFlightBytes,
		ctx:          context.Background(),
		commands:     make(chan func(), 16),
		dialResults:  make(chan dialResult, 1),
		state:        Unconnected,
	}
	o.resetQueue()
	o.resetScan()
	return o
}

func startFSWatcher(root, prefix string, out chan<- fswatch.Event,
	log logrus.FieldLogger) watcher {
	return fswatch.Start(root, prefix, out, log)
}

// Run connects to the server and processes events until `ctx` is cancelled.
// It only returns an error if the server can't be talked to at all, such as
// when it speaks a different protocol version.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	drain := o.clock.NewTicker(drainInterval)
	defer drain.Stop()
	defer o.shutdown()

	o.connect()
	for {
		var scanReady <-chan struct{}
		if o.scanner != nil {
			scanReady = closedChan
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-o.commands:
			cmd()
		case res := <-o.dialResults:
			o.handleDialResult(res)
		case msg, ok := <-o.msgs:
			if !ok {
				o.handleDisconnect()
				break
			}
			o.handleMessage(msg)
		case event := <-o.events:
			o.handleWatchEvent(event)
		case <-drain.Chan():
			o.drain()
		case <-timerChan(o.lostSyncTimer):
			o.lostSyncTimer = nil
			o.resync()
		case <-timerChan(o.reconnectTimer):
			o.reconnectTimer = nil
			o.connect()
		case <-timerChan(o.resumeTimer):
			o.resumeTimer = nil
			o.startSync()
		case <-scanReady:
			o.scanStep()
		}

		if o.fatalErr != nil {
			return o.fatalErr
		}
	}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

// StartSync starts a full sync. If the server isn't connected yet, the sync
// starts once it is.
func (o *Orchestrator) StartSync() {
	o.commands <- func() {
		if o.client == nil {
			o.resume = true
			return
		}
		o.startSync()
	}
}

// StopSync stops syncing, and drops all queued operations.
func (o *Orchestrator) StopSync() {
	o.commands <- func() {
		o.resume = false
		o.stopSync()
	}
}

// Resync restarts a sync that's in progress.
func (o *Orchestrator) Resync() {
	o.commands <- func() {
		if o.state == Syncing || o.state == NodeWatching {
			o.resync()
		}
	}
}

// UpdateSettings switches to new settings. The connection is re-established,
// and a sync that was running is restarted with the new settings.
func (o *Orchestrator) UpdateSettings(settings Settings) {
	o.commands <- func() {
		wasActive := o.state == Syncing || o.state == NodeWatching
		o.log.WithField("branch", settings.Branch).Info("Settings changed. Reconnecting.")

		o.settings = settings
		o.disconnect(true)
		o.resume = o.resume || wasActive
		if o.reconnectTimer != nil {
			o.reconnectTimer.Stop()
			o.reconnectTimer = nil
		}
		o.connect()
	}
}

func (o *Orchestrator) connect() {
	if o.dialing || o.client != nil {
		return
	}
	o.dialing = true

	ctx, gen, addr := o.ctx, o.dialGen, o.settings.Address()
	o.log.WithField("address", addr).Debug("Connecting to server")
	go func() {
		defer util.HandlePanic()

		c, err := o.dial(ctx, addr, o.log)
		select {
		case o.dialResults <- dialResult{client: c, err: err, gen: gen}:
		case <-ctx.Done():
			if c != nil {
				c.Close()
			}
		}
	}()
}

func (o *Orchestrator) handleDialResult(res dialResult) {
	if res.gen != o.dialGen {
		if res.client != nil {
			res.client.Close()
		}
		return
	}
	o.dialing = false

	if res.err != nil {
		if errors.IsFatalProtocolError(res.err) {
			o.fatal(res.err)
			return
		}

		o.log.WithError(res.err).Warn("Failed to connect to server. Retrying.")
		o.scheduleReconnect()
		return
	}

	o.client = res.client
	o.msgs = res.client.Messages()
	o.log.WithField("address", o.settings.Address()).Info("Connected to server")
	o.setState(Idle)

	if o.resume {
		o.resume = false
		o.resumeTimer = o.clock.NewTimer(resumeDelay)
	}
}

func (o *Orchestrator) scheduleReconnect() {
	if o.reconnectTimer != nil {
		return
	}
	o.reconnectTimer = o.clock.NewTimer(reconnectDelay)
}

func (o *Orchestrator) handleDisconnect() {
	err := o.client.Err()
	if errors.IsFatalProtocolError(err) {
		o.fatal(err)
		return
	}

	o.log.WithError(err).Warn("Lost connection to server")
	o.resume = o.resume || o.state == Syncing || o.state == NodeWatching
	o.disconnect(false)
	o.scheduleReconnect()
}

// disconnect drops the connection. Queued operations survive unless
// `dropQueue` is set, but uploads that were in flight have to be resent.
func (o *Orchestrator) disconnect(dropQueue bool) {
	o.teardownSync()
	if dropQueue {
		o.resetQueue()
	} else {
		o.requeueInFlight()
	}
	if o.resumeTimer != nil {
		o.resumeTimer.Stop()
		o.resumeTimer = nil
	}

	if o.client != nil {
		o.client.Close()
		o.client = nil
		o.msgs = nil
	}

	// Results of dials that are still running are stale.
	o.dialGen++
	o.dialing = false
	o.setState(Unconnected)
}

func (o *Orchestrator) fatal(err error) {
	o.log.WithError(err).Error("Server is incompatible")
	o.listener.Fatal(err)
	o.fatalErr = err
}

func (o *Orchestrator) shutdown() {
	o.teardownSync()
	if o.client != nil {
		o.client.Close()
		o.client = nil
	}
}

// startSync starts a full sync. Operations queued before a disconnect are
// kept, since the scan can't rediscover deletions.
func (o *Orchestrator) startSync() {
	if o.client == nil {
		o.log.Debug("Not connected. Ignoring request to sync.")
		return
	}

	o.teardownSync()
	if err := o.startScan(); err != nil {
		o.log.WithError(err).Error("Failed to start sync")
		o.listener.Error(err)
		o.setState(Idle)
		return
	}

	o.log.WithFields(logrus.Fields{
		"branch":      o.settings.Branch,
		"source":      o.settings.Source,
		"destination": o.settings.Destination,
	}).Info("Starting sync")
	o.setState(Syncing)
	o.countersChanged()
}

func (o *Orchestrator) startScan() error {
	switch {
	case o.settings.Branch == "":
		return errors.NewFriendlyError("No branch is selected. " +
			"Select one with `quicksync config --branch`.")
	case o.settings.Source == "":
		return errors.NewFriendlyError(
			"Branch %q doesn't have a source directory.", o.settings.Branch)
	case o.settings.Destination == "":
		return errors.NewFriendlyError(
			"Branch %q doesn't have a destination directory.", o.settings.Branch)
	}

	sc, err := scanner.New(fs, o.settings.Source, o.defaultRules, o.log)
	if err != nil {
		return errors.WithContext(err, "scan source")
	}

	if err := o.client.SetTargetDirectory(o.settings.Destination); err != nil {
		return errors.WithContext(err, "set target directory")
	}

	o.scanner = sc
	o.rootRules = sc.RootRules()
	o.events = make(chan fswatch.Event, eventBufferSize)
	o.watcher = o.startWatcher(o.settings.Source, "", o.events, o.log)
	return nil
}

// resync restarts the scan. Queued operations are kept since the scan only
// finds uploads, and can't rediscover deletions.
func (o *Orchestrator) resync() {
	if o.client == nil {
		return
	}

	o.log.Info("Resyncing")
	o.teardownSync()
	if err := o.startScan(); err != nil {
		o.log.WithError(err).Error("Failed to restart sync")
		o.listener.Error(err)
		o.resetQueue()
		o.setState(Idle)
		return
	}
	o.setState(Syncing)
	o.countersChanged()
}

func (o *Orchestrator) stopSync() {
	o.teardownSync()
	o.resetQueue()
	if o.client != nil {
		o.setState(Idle)
	}
}

// teardownSync stops scanning and watching.
func (o *Orchestrator) teardownSync() {
	if o.watcher != nil {
		o.watcher.Stop()
		o.watcher = nil
	}
	if o.lostSyncTimer != nil {
		o.lostSyncTimer.Stop()
		o.lostSyncTimer = nil
	}
	o.resetScan()
}

func (o *Orchestrator) resetScan() {
	o.scanner = nil
	o.events = nil
	o.rootRules = o.defaultRules
	o.nestedRules = map[string]*rules.RuleSet{}
	o.unresolved = map[string]scanner.Record{}
	o.counters.FilesPendingStat = 0
	o.counters.FilesResolved = 0
}

func (o *Orchestrator) resetQueue() {
	o.known = map[string]struct{}{}
	o.pending = map[string]*pendingOp{}
	o.inFlight = map[string][]int64{}
	o.inFlightBytes = 0
}

func (o *Orchestrator) requeueInFlight() {
	for _, op := range o.pending {
		op.started = false
		op.superseded = false
		op.retries = 0
	}
	o.inFlight = map[string][]int64{}
	o.inFlightBytes = 0
}

func (o *Orchestrator) scanStep() {
	more := o.scanner.Step()

	for _, rf := range o.scanner.RuleFiles() {
		o.nestedRules[rf.Dir] = rf.Rules
	}

	records := o.scanner.Records()
	for _, rec := range records {
		o.known[rec.Path] = struct{}{}
		o.unresolved[rec.Path] = rec
		if err := o.client.StatFile(rec.Path); err != nil {
			o.log.WithError(err).WithField("path", rec.Path).Debug("Failed to stat file")
		}
	}
	o.counters.FilesPendingStat += len(records)

	sc := o.scanner.Counters()
	o.counters.DirsFinished = sc.DirsScanned
	o.counters.DirsKnown = sc.DirsKnown
	o.counters.DirsIgnored = sc.DirsIgnored
	o.counters.FilesKnown = sc.FilesKnown
	o.counters.FilesIgnored = sc.FilesIgnored
	o.scanner.ClearRecords()

	if !more {
		o.log.WithFields(logrus.Fields{
			"files":   sc.FilesKnown,
			"ignored": sc.FilesIgnored,
		}).Info("Finished scanning")
		o.scanner = nil
	}

	o.countersChanged()
	o.updateSyncState()
}

func (o *Orchestrator) handleMessage(msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.StatFileReply:
		o.recvStatFileReply(msg)
	case protocol.SendFileResult:
		o.recvSendFileResult(msg)
	default:
		o.log.WithField("command", msg.Command()).Warn("Ignoring unexpected message")
	}
}

func (o *Orchestrator) recvStatFileReply(msg protocol.StatFileReply) {
	if o.state != Syncing && o.state != NodeWatching {
		return
	}

	rec, ok := o.unresolved[msg.Path]
	if !ok {
		o.log.WithField("path", msg.Path).Debug("Ignoring stale stat reply")
		return
	}
	delete(o.unresolved, msg.Path)
	o.counters.FilesResolved++

	if msg.ModTime.IsZero() || absDuration(rec.ModTime.Sub(msg.ModTime)) > statTolerance {
		o.addTodo(rec.Path, false, rec.Binary, rec.Executable, false)
	}

	o.countersChanged()
	o.updateSyncState()
}

func (o *Orchestrator) recvSendFileResult(msg protocol.SendFileResult) {
	if o.state != Syncing && o.state != NodeWatching {
		return
	}

	o.listener.FileStatus(msg.Path, msg.ModTime, msg.Success)
	op, ok := o.pending[msg.Path]
	if msg.Success {
		o.counters.FilesCopied++
		o.releaseInFlight(msg.Path)

		// If the operation isn't started, it was queued after this upload
		// was sent.
		if ok && !op.delete && op.started {
			if op.superseded {
				op.started = false
				op.superseded = false
				op.retries = 0
				o.counters.FilesPendingCopy++
			} else {
				delete(o.pending, msg.Path)
			}
		}
	} else {
		o.counters.FileErrors++
		o.log.WithField("path", msg.Path).Warn("Server failed to write file. Retrying.")
		o.retry(msg.Path, op, ok)
	}

	o.countersChanged()
	o.updateSyncState()
}

// retry requeues a failed upload if the rules still include it.
func (o *Orchestrator) retry(path string, op *pendingOp, queued bool) {
	if queued && op.delete {
		o.releaseInFlight(path)
		return
	}

	included, flags := o.rulesFor(path).EvaluatePathPrefixes(path)
	if !included {
		o.releaseInFlight(path)
		if queued {
			delete(o.pending, path)
		}
		return
	}
	o.addTodo(path, false, flags.IsBinary(), flags.IsExecutable(), true)
}

func (o *Orchestrator) handleWatchEvent(event fswatch.Event) {
	if o.state != Syncing && o.state != NodeWatching {
		return
	}

	// Any activity postpones a pending resync.
	if o.lostSyncTimer != nil {
		o.lostSyncTimer.Reset(lostSyncDelay)
	}

	switch event.Op {
	case fswatch.Added, fswatch.Changed:
		o.fileChanged(event.Path)
	case fswatch.Deleted:
		o.fileDeleted(event.Path)
	case fswatch.Renamed:
		o.fileRenamed(event.OldPath, event.Path)
	case fswatch.LostSync:
		o.log.WithError(event.Err).Warn("File watcher lost sync")
		o.scheduleResync()
	case fswatch.Error:
		// The watch is gone, so changes are only picked up again by a
		// resync.
		o.log.WithError(event.Err).Error("Failed to watch for file changes. Resyncing.")
		o.listener.Error(errors.WithContext(event.Err, "watch"))
		o.scheduleResync()
	}

	o.countersChanged()
	o.updateSyncState()
}

func (o *Orchestrator) scheduleResync() {
	if o.lostSyncTimer != nil {
		o.lostSyncTimer.Reset(lostSyncDelay)
		return
	}
	o.lostSyncTimer = o.clock.NewTimer(lostSyncDelay)
}

// checkForRescan schedules a resync if `path` can't be handled as a single
// file, and returns whether it did.
func (o *Orchestrator) checkForRescan(p string) bool {
	if path.Base(p) == rules.FileName {
		o.log.WithField("path", p).Info("Sync rules changed")
		o.scheduleResync()
		return true
	}

	if fi, err := fs.Stat(o.absPath(p)); err == nil && fi.IsDir() {
		o.scheduleResync()
		return true
	}
	return false
}

// Changes to excluded paths are dropped before anything else, so activity
// in ignored trees never causes a resync.
func (o *Orchestrator) fileChanged(p string) {
	included, flags := o.rulesFor(p).EvaluatePathPrefixes(p)
	if !included || o.checkForRescan(p) {
		return
	}
	o.addTodo(p, false, flags.IsBinary(), flags.IsExecutable(), false)
}

func (o *Orchestrator) fileDeleted(p string) {
	included, _ := o.rulesFor(p).EvaluatePathPrefixes(p)
	if !included {
		return
	}

	if path.Base(p) == rules.FileName {
		o.checkForRescan(p)
		return
	}

	// The path might have been a directory.
	var children []string
	prefix := p + "/"
	for known := range o.known {
		if strings.HasPrefix(known, prefix) {
			children = append(children, known)
		}
	}

	if len(children) == 0 {
		o.addTodo(p, true, false, false, false)
		return
	}

	sort.Strings(children)
	for _, child := range children {
		o.addTodo(child, true, false, false, false)
	}
}

// fileRenamed is handled as a deletion of the old path and a creation of
// the new one. Either half is skipped if the rules exclude it.
func (o *Orchestrator) fileRenamed(oldPath, newPath string) {
	o.fileDeleted(oldPath)
	o.fileChanged(newPath)
}

// rulesFor returns the rules of the closest directory above `p` that has
// its own rule file.
func (o *Orchestrator) rulesFor(p string) *rules.RuleSet {
	for dir := p; dir != "." && dir != "/" && dir != ""; dir = path.Dir(dir) {
		if rs, ok := o.nestedRules[dir]; ok {
			return rs
		}
	}
	return o.rootRules
}

func (o *Orchestrator) drain() {
	if o.scanner != nil || o.client == nil || len(o.pending) == 0 {
		return
	}

	if o.inFlightBytes >= o.maxInFlight {
		return
	}

	now := o.clock.Now()
	for _, path := range o.sortedPending() {
		op := o.pending[path]
		if op.readyAt.After(now) {
			continue
		}

		if op.delete {
			if err := o.client.DeleteFile(path); err != nil {
				o.log.WithError(err).WithField("path", path).Debug("Failed to delete file")
				continue
			}
			delete(o.pending, path)
			o.counters.FilesDeleted++
			o.listener.FileAction(path, op.modTime, true)
			continue
		}

		if op.started {
			continue
		}

		// Check the size on disk before reading the whole file. Stripping
		// line endings only makes it smaller.
		if op.retries == 0 && o.inFlightBytes > 0 {
			fi, err := fs.Stat(o.absPath(path))
			if err == nil && o.inFlightBytes+fi.Size() > o.maxInFlight {
				continue
			}
		}

		data, err := o.readFile(op)
		if err != nil {
			o.log.WithError(err).WithField("path", path).Warn("Failed to read file. Retrying.")
			// Nothing was sent, so the next attempt is still the first.
			o.counters.FileErrors++
			op.readyAt = now.Add(syncDelay)
			continue
		}

		size := int64(len(data))
		if op.retries == 0 && o.inFlightBytes > 0 && o.inFlightBytes+size > o.maxInFlight {
			continue
		}

		err = o.client.SendFile(protocol.SendFile{
			Path:       path,
			ModTime:    op.modTime,
			Data:       data,
			Executable: op.executable,
		})
		if err != nil {
			o.log.WithError(err).WithField("path", path).Debug("Failed to send file")
			continue
		}

		op.started = true
		if op.retries == 0 {
			o.trackInFlight(path, size)
		}
		o.listener.FileAction(path, op.modTime, false)

		if o.inFlightBytes >= o.maxInFlight {
			break
		}
	}

	o.countersChanged()
	o.updateSyncState()
}

// updateSyncState switches between Syncing and NodeWatching depending on
// whether there's outstanding work.
func (o *Orchestrator) updateSyncState() {
	if o.state != Syncing && o.state != NodeWatching {
		return
	}

	busy := o.scanner != nil ||
		len(o.unresolved) > 0 ||
		len(o.pending) > 0 ||
		len(o.inFlight) > 0 ||
		o.lostSyncTimer != nil
	if busy {
		o.setState(Syncing)
	} else {
		o.setState(NodeWatching)
	}
}

func (o *Orchestrator) setState(state State) {
	if state == o.state {
		return
	}

	o.log.WithFields(logrus.Fields{
		"from": o.state,
		"to":   state,
	}).Debug("State changed")
	o.state = state

	if state == Idle || state == Unconnected {
		o.counters = Counters{}
		o.countersChanged()
	}
	o.listener.StateChanged(state)
}

func (o *Orchestrator) countersChanged() {
	o.listener.CountersChanged(o.counters)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
