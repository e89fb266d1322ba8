package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/quicksync/cmd/client"
	configCmd "github.com/sidkik/quicksync/cmd/config"
	rulesCmd "github.com/sidkik/quicksync/cmd/rules"
	"github.com/sidkik/quicksync/cmd/server"
	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "QUICKSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	if err := newRootCommand().Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "quicksync",
		Short:        "Mirror directory trees to a remote machine",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		client.New(),
		configCmd.New(),
		rulesCmd.New(),
		server.New(),
		version.New(),
	)
	return rootCmd
}
