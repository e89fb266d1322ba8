package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/config"
	"github.com/sidkik/quicksync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	parseUserConfig               = config.ParseUser
	writeUserConfig               = config.WriteUser
	stat                          = os.Stat
	getWorkingDirectory           = os.Getwd
)

// options are the values that can be set from the command line. Empty
// values are prompted for.
type options struct {
	host        string
	port        int
	branch      string
	source      string
	destination string
}

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts options
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the quicksync user configuration",
		Long: "Select the quicksync server, and the branch to sync.\n" +
			"Branches that are already configured are kept.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.host, "host", "",
		"Set the host of the quicksync server. "+
			"Optional: If not set, `quicksync config` will interactively prompt.")
	cmd.Flags().IntVar(&cliOpts.port, "port", 0,
		fmt.Sprintf("Set the port of the quicksync server (default %d).", config.DefaultPort))
	cmd.Flags().StringVar(&cliOpts.branch, "branch", "",
		"Set the name of the branch to sync. "+
			"Optional: If not set, `quicksync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.source, "source", "",
		"Set the local directory of the branch. "+
			"Optional: If not set, `quicksync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.destination, "destination", "",
		"Set the directory on the server that the branch is synced to. "+
			"Optional: If not set, `quicksync config` will interactively prompt.")

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-server",
			short: "Get the address of the configured quicksync server",
			fn: func(cfg config.User) string {
				return fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			},
		},
		{
			use:   "get-branch",
			short: "Get the currently selected branch",
			fn:    func(cfg config.User) string { return cfg.CurrentBranch },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig prompts for any options that weren't set, and writes the
// result to the user config.
func SetupConfig(cliOpts options) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

var branchNameRegex = regexp.MustCompile(`^[-_.a-zA-Z0-9]+$`)

func branchValidationFn(name string) (string, bool) {
	if branchNameRegex.MatchString(name) {
		return "", true
	}
	return "Branch names may only contain letters, numbers, " +
		"and the characters `-`, `_` and `.`.", false
}

func sourceValidationFn(path string) (string, bool) {
	fi, err := stat(path)
	switch {
	case os.IsNotExist(err):
		return fmt.Sprintf("%q doesn't exist.", path), false
	case err != nil:
		return fmt.Sprintf("Failed to check %q: %s.", path, err), false
	case !fi.IsDir():
		return fmt.Sprintf("%q is not a directory.", path), false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(cliOpts options) (config.User, error) {
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	defaults := guessDefaults()
	reader := bufio.NewReader(stdin)
	opts := cliOpts
	var prompts []prompt
	if opts.host == "" {
		prompts = append(prompts, prompt{
			helpString:    "Enter the host that `quicksync serve` is running on.",
			prompt:        "Server host",
			defaultAnswer: "localhost",
			currAnswer:    currConfig.Server.Host,
			field:         &opts.host,
		})
	}

	if opts.branch == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter a name for the branch to sync.\n" +
				"Each branch pairs a local directory with a directory on the server.",
			prompt:        "Branch name",
			defaultAnswer: defaults.branch,
			currAnswer:    currConfig.CurrentBranch,
			field:         &opts.branch,
			validationFn:  branchValidationFn,
		})
	}

	for _, p := range prompts {
		if err := runPrompt(reader, p); err != nil {
			return config.User{}, err
		}
	}

	// The branch's current settings can only be suggested once we know
	// which branch it is.
	currBranch := currConfig.Branches[opts.branch]
	prompts = nil
	if opts.source == "" {
		prompts = append(prompts, prompt{
			helpString:    "Enter the local directory to sync from.",
			prompt:        "Source directory",
			defaultAnswer: defaults.source,
			currAnswer:    currBranch.Source,
			field:         &opts.source,
			validationFn:  sourceValidationFn,
		})
	}

	if opts.destination == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory on the server to sync to.\n" +
				"Leave it empty to use the directory that the server was started with.",
			prompt:     "Destination directory",
			currAnswer: currBranch.Destination,
			field:      &opts.destination,
		})
	}

	for _, p := range prompts {
		if err := runPrompt(reader, p); err != nil {
			return config.User{}, err
		}
	}

	cfg := currConfig
	cfg.Server.Host = opts.host
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = config.DefaultPort
	}

	branches := map[string]config.Branch{}
	for name, branch := range currConfig.Branches {
		branches[name] = branch
	}
	branches[opts.branch] = config.Branch{
		Source:      opts.source,
		Destination: opts.destination,
	}
	cfg.Branches = branches
	cfg.CurrentBranch = opts.branch
	return cfg, nil
}

func runPrompt(reader *bufio.Reader, p prompt) error {
	for {
		resp, err := promptUser(reader, p.helpString, p.prompt, p.defaultAnswer, p.currAnswer)
		if err != nil {
			return errors.WithContext(err, "read response")
		}

		if p.validationFn != nil {
			if validationErr, ok := p.validationFn(resp); !ok {
				fmt.Fprintln(stdout, validationErr)
				continue
			}
		}

		*p.field = resp
		return nil
	}
}

type guesses struct {
	branch, source string
}

// guessDefaults guesses that the user wants to sync the current directory.
func guessDefaults() (g guesses) {
	currDir, err := getWorkingDirectory()
	if err != nil {
		log.WithError(err).Info("Failed to guess source directory")
		return g
	}

	g.source = currDir
	if name := filepath.Base(currDir); branchNameRegex.MatchString(name) {
		g.branch = name
	}
	return g
}

func promptUser(stdinReader *bufio.Reader, helpString, prompt, defaultAnswer,
	currAnswer string) (string, error) {

	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil && !(err == io.EOF && resp != "") {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
