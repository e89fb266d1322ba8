package version

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/quicksync/cmd/util"
	"github.com/sidkik/quicksync/pkg/config"
	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/sync/client"
	"github.com/sidkik/quicksync/pkg/version"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
	dial                      = client.Dial
)

const dialTimeout = 5 * time.Second

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of quicksync.",
		Long: "Print the local version of quicksync and its protocol version, and\n" +
			"check whether the configured server speaks the same protocol.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	fmt.Fprintf(stdout, "local version:    %s\n", version.Version)
	fmt.Fprintf(stdout, "protocol version: %d\n", version.ProtocolVersion)

	userConfig, err := parseUserConfig()
	if err != nil {
		log.WithError(err).Debug("Failed to read user config. Not checking the server.")
		return nil
	}

	addr := net.JoinHostPort(userConfig.Server.Host, strconv.Itoa(userConfig.Server.Port))
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	c, err := dial(ctx, addr, log.StandardLogger())
	if err != nil {
		if mismatch, ok := errors.RootCause(err).(errors.ProtocolVersionMismatch); ok {
			return errors.NewFriendlyError("The server at %s speaks protocol "+
				"version %d, but this client speaks version %d.",
				addr, mismatch.Remote, mismatch.Local)
		}
		return errors.WithContext(err, "connect to server")
	}
	defer c.Close()

	fmt.Fprintf(stdout, "server %s: compatible\n", addr)
	return nil
}
