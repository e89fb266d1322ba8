// Package scanner walks a source tree one directory at a time so that the
// sync loop can interleave scanning with network traffic.
package scanner

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/rules"
)

// Record describes a file that the rules include.
type Record struct {
	// Path is relative to the scan root, and uses forward slashes.
	Path       string
	ModTime    time.Time
	Binary     bool
	Executable bool
	Size       int64
}

// RuleFile is a nested rule document that was found during the scan. Its
// rules apply to everything under Dir.
type RuleFile struct {
	Dir   string
	Rules *rules.RuleSet
}

// Counters track the progress of the scan.
type Counters struct {
	DirsScanned  int
	DirsKnown    int
	DirsIgnored  int
	FilesKnown   int
	FilesIgnored int
}

type frontierEntry struct {
	dir   string
	rules *rules.RuleSet
}

// Scanner performs a breadth first walk of a directory tree.
type Scanner struct {
	fs        afero.Fs
	root      string
	rootRules *rules.RuleSet
	log       logrus.FieldLogger

	frontier  []frontierEntry
	records   []Record
	ruleFiles []RuleFile
	counters  Counters
}

// New creates a scanner for `root`. If the root contains a rule document,
// it replaces `defaults` for the whole tree.
func New(fs afero.Fs, root string, defaults *rules.RuleSet,
	log logrus.FieldLogger) (*Scanner, error) {

	fi, err := fs.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: root}
		}
		return nil, errors.WithContext(err, "stat root")
	}

	if !fi.IsDir() {
		return nil, errors.New("%q is not a directory", root)
	}

	s := &Scanner{
		fs:   fs,
		root: root,
		log:  log,
	}
	s.rootRules = s.loadRules(filepath.Join(root, rules.FileName), defaults)
	s.frontier = []frontierEntry{{dir: "", rules: s.rootRules}}
	s.counters.DirsKnown = 1
	return s, nil
}

// RootRules returns the rules that apply at the root of the tree.
func (s *Scanner) RootRules() *rules.RuleSet {
	return s.rootRules
}

// Step scans the next directory in the frontier. It returns false once
// there's nothing left to scan.
func (s *Scanner) Step() bool {
	if len(s.frontier) == 0 {
		return false
	}

	entry := s.frontier[0]
	s.frontier = s.frontier[1:]
	s.scanDir(entry)
	return true
}

// Records returns the files found since the last call to ClearRecords.
func (s *Scanner) Records() []Record {
	return s.records
}

// RuleFiles returns the nested rule documents found since the last call to
// ClearRecords.
func (s *Scanner) RuleFiles() []RuleFile {
	return s.ruleFiles
}

// ClearRecords drops the records and rule files that have been consumed.
func (s *Scanner) ClearRecords() {
	s.records = nil
	s.ruleFiles = nil
}

// Counters returns the progress so far.
func (s *Scanner) Counters() Counters {
	return s.counters
}

func (s *Scanner) scanDir(entry frontierEntry) {
	s.counters.DirsScanned++

	absDir := filepath.Join(s.root, filepath.FromSlash(entry.dir))
	infos, err := afero.ReadDir(s.fs, absDir)
	if err != nil {
		s.log.WithError(err).WithField("dir", entry.dir).Warn(
			"Failed to read directory. Skipping it.")
		return
	}

	for _, info := range infos {
		relPath := path.Join(entry.dir, info.Name())
		if info.IsDir() {
			s.scanSubdir(entry, relPath)
			continue
		}

		if info.Name() == rules.FileName {
			continue
		}

		// Sockets, devices and symlinks can't be mirrored.
		if !info.Mode().IsRegular() {
			s.log.WithField("path", relPath).Debug("Skipping irregular file")
			continue
		}

		decision := entry.rules.Evaluate(strings.ToLower(relPath))
		if !decision.Included {
			s.counters.FilesIgnored++
			continue
		}

		s.records = append(s.records, Record{
			Path:       relPath,
			ModTime:    info.ModTime(),
			Binary:     decision.Flags.IsBinary(),
			Executable: decision.Flags.IsExecutable(),
			Size:       info.Size(),
		})
		s.counters.FilesKnown++
	}
}

func (s *Scanner) scanSubdir(parent frontierEntry, relPath string) {
	dirRules := parent.rules
	rulePath := filepath.Join(s.root, filepath.FromSlash(relPath), rules.FileName)
	if nested := s.loadRules(rulePath, nil); nested != nil {
		dirRules = nested
		s.ruleFiles = append(s.ruleFiles, RuleFile{Dir: relPath, Rules: nested})
	}

	if !dirRules.Evaluate(strings.ToLower(relPath)).Included {
		s.counters.DirsIgnored++
		return
	}

	s.frontier = append(s.frontier, frontierEntry{dir: relPath, rules: dirRules})
	s.counters.DirsKnown++
}

// loadRules returns the rules in the document at `path`, or `fallback` if
// there's no valid document there.
func (s *Scanner) loadRules(path string, fallback *rules.RuleSet) *rules.RuleSet {
	rs, warnings, err := rules.LoadFile(s.fs, path)
	if err != nil {
		if _, ok := err.(errors.FileNotFound); !ok {
			s.log.WithError(err).Warn("Ignoring invalid rule file")
		}
		return fallback
	}

	for _, warning := range warnings {
		s.log.WithError(warning).Warn("Problem in rule file")
	}
	return rs
}
