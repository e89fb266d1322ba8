package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/quicksync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the quicksync user config.
	UserConfigPath = "~/.quicksync.yaml"

	// DefaultDataDir is where the default rule document is kept if the
	// config doesn't say otherwise.
	DefaultDataDir = "~/.quicksync"

	// DefaultPort is the port that `quicksync serve` is usually run on.
	DefaultPort = 8093

	// InitialUserConfigVersion is the first version of the quicksync
	// user config. Config files that do not specify a version
	// will default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the
	// quicksync user config of the current quicksync binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// User contains the user's servers and branches.
type User struct {
	Version       string            `json:"version,omitempty"`
	Server        Server            `json:"server"`
	CurrentBranch string            `json:"currentBranch,omitempty"`
	Branches      map[string]Branch `json:"branches,omitempty"`
	DataDir       string            `json:"dataDir,omitempty"`
}

// Server is the address of the quicksync server.
type Server struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

// Branch pairs a local source directory with its destination on the server.
type Branch struct {
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
}

// BranchNames returns the configured branch names in sorted order.
func (u User) BranchNames() []string {
	var names []string
	for name := range u.Branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetBranch returns the branch called `name`. If `name` is empty, the
// current branch is returned.
func (u User) GetBranch(name string) (string, Branch, error) {
	if name == "" {
		name = u.CurrentBranch
	}
	if name == "" {
		return "", Branch{}, errors.NewFriendlyError("No branch is selected. " +
			"Please run `quicksync config` to select one.")
	}

	branch, ok := u.Branches[name]
	if !ok {
		return "", Branch{}, errors.NewFriendlyError("Branch %q isn't configured. "+
			"Configured branches: %v.", name, u.BranchNames())
	}
	return name, branch, nil
}

// Mocked in unit tests.
var (
	fs            = afero.NewOsFs()
	homedirExpand = homedir.Expand
)

// parseConfigErrTemplate is shown when the user config isn't valid yaml, or
// has fields of the wrong type or unknown fields. The yaml library's errors
// don't say which field was wrong, so the parser's message is passed on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of quicksync.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

// readUser decodes the user config at `path`. The version is checked before
// the strict decode so that an old config gets a version error rather than
// an unknown field error.
func readUser(path string) (User, error) {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return User{}, errors.FileNotFound{Path: path}
		}
		return User{}, errors.WithContext(err, "read file")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return User{}, errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.Version != SupportedUserConfigVersion {
		return User{}, incompatibleVersionError{path, SupportedUserConfigVersion, config.Version}
	}

	if err := yaml.UnmarshalStrict(configBytes, &config, yaml.DisallowUnknownFields); err != nil {
		return User{}, errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return config, nil
}

// ParseUser attempts to parse the User stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config, err := readUser(path)
	if err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The quicksync user config "+
				"file doesn't exist at %q. Please run `quicksync config` "+
				"to create the user config file.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}
	if config.DataDir == "" {
		config.DataDir = DefaultDataDir
	}

	// Evaluate relative paths relative to the config path.
	configDir := filepath.Dir(path)
	config.DataDir, err = expandPath(config.DataDir, configDir)
	if err != nil {
		return User{}, errors.WithContext(err, "expand data directory")
	}

	for name, branch := range config.Branches {
		branch.Source, err = expandPath(branch.Source, configDir)
		if err != nil {
			return User{}, errors.WithContext(err, "expand source of "+name)
		}
		config.Branches[name] = branch
	}
	return config, nil
}

func expandPath(path, relativeTo string) (string, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return "", err
	}

	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(relativeTo, path)
	}
	return path, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's global quicksync
// configuration. This path is expanded, so it can be directly passed to file
// operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
