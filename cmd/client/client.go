package client

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/config"
	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/metrics"
	"github.com/sidkik/quicksync/pkg/rules"
	"github.com/sidkik/quicksync/pkg/sync"
)

// Mocked for unit testing.
var (
	fs              = afero.NewOsFs()
	parseUserConfig = config.ParseUser
)

type clientCmd struct {
	branch      string
	metricsAddr string
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var cmd clientCmd
	cobraCmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror a branch to the quicksync server",
		Long: `Mirror the source directory of a branch to its destination on the server.

"sync" first compares every file with the server, and then keeps watching for
local changes until it's interrupted. Send SIGHUP to reload the user config,
or SIGUSR1 to compare every file again.`,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := cmd.run(ctx); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cobraCmd.Flags().StringVar(&cmd.branch, "branch", "",
		"The branch to sync. Defaults to the current branch in the user config.")
	cobraCmd.Flags().StringVar(&cmd.metricsAddr, "metrics-addr", "",
		"If set, serve Prometheus metrics on this address (e.g. `:9101`).")
	return cobraCmd
}

func (cmd clientCmd) run(ctx context.Context) error {
	logrus.SetFormatter(&logrus.TextFormatter{
		// Show the full timestamp so that the logs can be correlated with
		// the server's.
		FullTimestamp: true,
	})

	settings, dataDir, err := cmd.settings()
	if err != nil {
		return err
	}

	defaultRules, err := rules.LoadDefault(fs, dataDir)
	if err != nil {
		logrus.WithError(err).Warn("Using the built-in sync rules")
	}

	if err := setOpenFilesLimit(); err != nil {
		logrus.WithError(err).Warn("Failed to increase the kernel limit on open files. " +
			"File syncing speed may be impacted.")
	}

	log := logrus.WithField("branch", settings.Branch)
	listeners := sync.MultiListener{newStatusPrinter(os.Stdout)}
	if cmd.metricsAddr != "" {
		listeners = append(listeners, metrics.Listener{})
		go func() {
			defer util.HandlePanic()
			if err := metrics.Serve(ctx, cmd.metricsAddr); err != nil {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	orchestrator := sync.New(settings, defaultRules, listeners, log)
	go cmd.handleSignals(ctx, orchestrator, log)

	log.WithFields(logrus.Fields{
		"server": settings.Address(),
		"source": settings.Source,
	}).Info("Starting sync")
	orchestrator.StartSync()
	return orchestrator.Run(ctx)
}

// settings reads the sync settings from the user config.
func (cmd clientCmd) settings() (sync.Settings, string, error) {
	userConfig, err := parseUserConfig()
	if err != nil {
		return sync.Settings{}, "", errors.WithContext(err, "parse user config")
	}

	if userConfig.Server.Host == "" {
		return sync.Settings{}, "", errors.NewFriendlyError(
			"No server is configured in %s. Run `quicksync config` to fix.",
			config.UserConfigPath)
	}

	name, branch, err := userConfig.GetBranch(cmd.branch)
	if err != nil {
		return sync.Settings{}, "", err
	}

	return sync.Settings{
		Host:        userConfig.Server.Host,
		Port:        userConfig.Server.Port,
		Branch:      name,
		Source:      branch.Source,
		Destination: branch.Destination,
	}, userConfig.DataDir, nil
}

func (cmd clientCmd) handleSignals(ctx context.Context, orchestrator *sync.Orchestrator,
	log logrus.FieldLogger) {
	defer util.HandlePanic()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				settings, _, err := cmd.settings()
				if err != nil {
					log.WithError(err).Error("Failed to reload settings")
					continue
				}
				log.Info("Reloaded settings")
				orchestrator.UpdateSettings(settings)
			case syscall.SIGUSR1:
				log.Info("Resyncing")
				orchestrator.Resync()
			}
		}
	}
}

// The max file limit is 10240, even though the max returned by Getrlimit is
// 1<<63-1. This is OPEN_MAX in sys/syslimits.h.
const osxMaxSoftOpenFilesLimit = 10240

func setOpenFilesLimit() error {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		return errors.WithContext(err, "get current limit")
	}

	if rLimit.Max < osxMaxSoftOpenFilesLimit {
		rLimit.Cur = rLimit.Max
	} else {
		rLimit.Cur = osxMaxSoftOpenFilesLimit
	}
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
