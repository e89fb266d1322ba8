package rules

import (
	"fmt"
	"io"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/config"
	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/rules"
)

// Mocked for unit testing.
var (
	fs                        = afero.NewOsFs()
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
	homedirExpand             = homedir.Expand
	promptYesOrNo             = util.PromptYesOrNo
)

// New creates a new `rules` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the rules that select which files are synced",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write the built-in rules to a rule file",
		Long: "Write the built-in rules to PATH. By default, the default rule file\n" +
			"in the quicksync data directory is reset.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := initRules(args, force); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false,
		"Overwrite the rule file without asking.")

	var ruleFile string
	checkCmd := &cobra.Command{
		Use:   "check PATH...",
		Short: "Show whether paths would be synced",
		Long: "Evaluate each PATH, relative to the root of a branch, against the\n" +
			"default rules or the given rule file.",
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if err := checkRules(ruleFile, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	checkCmd.Flags().StringVar(&ruleFile, "file", "",
		"The rule file to evaluate against. Defaults to the default rules.")

	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}

// dataDir returns the data directory from the user config, falling back to
// the default one if there's no config.
func dataDir() (string, error) {
	userConfig, err := parseUserConfig()
	if err == nil {
		return userConfig.DataDir, nil
	}

	log.WithError(err).Debug("Failed to read user config. Using the default data directory.")
	return homedirExpand(config.DefaultDataDir)
}

func initRules(args []string, force bool) error {
	var path string
	if len(args) == 1 {
		path = args[0]
	} else {
		dir, err := dataDir()
		if err != nil {
			return errors.WithContext(err, "get data directory")
		}

		if err := fs.MkdirAll(dir, 0755); err != nil {
			return errors.WithContext(err, "create data directory")
		}
		path = rules.DefaultPath(dir)
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return errors.WithContext(err, "check if rule file exists")
	}

	if exists && !force {
		overwrite, err := promptYesOrNo(fmt.Sprintf("%s already exists. Overwrite it?", path))
		if err != nil {
			return errors.WithContext(err, "prompt")
		}
		if !overwrite {
			return nil
		}
	}

	if err := rules.SaveFile(fs, path, rules.Defaults()); err != nil {
		return errors.WithContext(err, "save rules")
	}
	fmt.Fprintf(stdout, "Wrote rules to %s\n", path)
	return nil
}

func checkRules(ruleFile string, paths []string) error {
	var rs *rules.RuleSet
	if ruleFile == "" {
		dir, err := dataDir()
		if err != nil {
			return errors.WithContext(err, "get data directory")
		}

		rs, err = rules.LoadDefault(fs, dir)
		if err != nil {
			return err
		}
	} else {
		var warnings []error
		var err error
		rs, warnings, err = rules.LoadFile(fs, ruleFile)
		if err != nil {
			return err
		}

		for _, warning := range warnings {
			fmt.Fprintf(stdout, "Warning: %s\n", warning)
		}
	}

	for _, path := range paths {
		included, flags := rs.EvaluatePathPrefixes(path)
		if included {
			fmt.Fprintf(stdout, "%s: included (%s)\n", path, flags)
		} else {
			fmt.Fprintf(stdout, "%s: excluded\n", path)
		}
	}
	return nil
}
