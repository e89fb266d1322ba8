package server

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/errors"
	syncServer "github.com/sidkik/quicksync/pkg/sync/server"
)

// Mocked for unit testing.
var (
	runServer           = syncServer.Run
	getWorkingDirectory = os.Getwd
)

// New creates a new `serve` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "serve PORT [DIRECTORY]",
		Short: "Receive files from quicksync clients",
		Long: "Listen for quicksync clients on PORT. Files are written relative to\n" +
			"DIRECTORY, which defaults to the current directory, unless the\n" +
			"client's branch has its own destination.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

			ctx, cancel := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := run(ctx, args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(ctx context.Context, args []string) error {
	addr, dir, err := parseArgs(args)
	if err != nil {
		return err
	}
	return runServer(ctx, addr, dir)
}

func parseArgs(args []string) (addr, dir string, err error) {
	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		return "", "", errors.NewFriendlyError("Invalid port %q.", args[0])
	}

	if len(args) > 1 {
		dir = args[1]
	} else {
		dir, err = getWorkingDirectory()
		if err != nil {
			return "", "", errors.WithContext(err, "get current directory")
		}
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return "", "", errors.WithContext(err, "resolve directory")
	}
	return net.JoinHostPort("", strconv.Itoa(port)), dir, nil
}
