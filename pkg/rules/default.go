package rules

import (
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/pkg/errors"
)

// Defaults returns the rules that are written to the data directory the
// first time quicksync runs.
func Defaults() *RuleSet {
	return New(DefaultSource,
		MustCompile(`(^|/)\.git$`, true, NoFlags),
		MustCompile(`(^|/)\.svn$`, true, NoFlags),
		MustCompile(`(^|/)\.hg$`, true, NoFlags),
		MustCompile(`\.(tmp|swp)$`, true, NoFlags),
		MustCompile(`~$`, true, NoFlags),
		MustCompile(`\.(png|jpg|jpeg|gif|tga|dds|zip|gz|pdf)$`, false, Binary),
		MustCompile(`\.(exe|dll|so|dylib)$`, false, BinaryExecutable),
		MustCompile(`\.sh$`, false, Executable),
	)
}

// DefaultPath returns the path of the default rule document.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// LoadDefault loads the default rule document from `dataDir`. If it doesn't
// exist yet, the built-in rules are written there.
//
// If the document exists but can't be loaded, the built-in rules are
// returned together with the error. The broken document is left alone so
// that the user can fix it.
func LoadDefault(fs afero.Fs, dataDir string) (*RuleSet, error) {
	path := DefaultPath(dataDir)
	rs, warnings, err := LoadFile(fs, path)
	if err == nil {
		for _, warning := range warnings {
			log.WithError(warning).Warn("Problem in default rules")
		}
		return rs, nil
	}

	defaults := Defaults()
	if _, ok := err.(errors.FileNotFound); !ok {
		return defaults, errors.WithContext(err, "load default rules")
	}

	if err := fs.MkdirAll(dataDir, 0755); err != nil {
		return defaults, errors.WithContext(err, "create data directory")
	}

	if err := SaveFile(fs, path, defaults); err != nil {
		return defaults, errors.WithContext(err, "save default rules")
	}

	log.WithField("path", path).Info("Wrote default sync rules")
	return defaults, nil
}
