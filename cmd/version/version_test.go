package version

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/quicksync/pkg/config"
	"github.com/sidkik/quicksync/pkg/errors"
	"github.com/sidkik/quicksync/pkg/sync/client"
	"github.com/sidkik/quicksync/pkg/sync/client/mocks"
	"github.com/sidkik/quicksync/pkg/version"
)

func TestRun(t *testing.T) {
	userConfig := config.User{Server: config.Server{Host: "build01", Port: 9000}}
	header := "local version:    " + version.Version + "\n" +
		"protocol version: 2\n"

	tests := []struct {
		name      string
		configErr error
		dialErr   error
		expOut    string
		expErr    error
	}{
		{
			name:   "Compatible",
			expOut: header + "server build01:9000: compatible\n",
		},
		{
			name:      "NoConfig",
			configErr: errors.New("missing"),
			expOut:    header,
		},
		{
			name: "Mismatch",
			dialErr: errors.WithContext(errors.ProtocolVersionMismatch{
				Local:  2,
				Remote: 3,
			}, "handshake"),
			expOut: header,
			expErr: errors.NewFriendlyError("The server at build01:9000 speaks " +
				"protocol version 3, but this client speaks version 2."),
		},
		{
			name:    "Unreachable",
			dialErr: errors.New("connection refused"),
			expOut:  header,
			expErr:  errors.WithContext(errors.New("connection refused"), "connect to server"),
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			stdout = &out
			parseUserConfig = func() (config.User, error) {
				return userConfig, test.configErr
			}

			c := &mocks.Client{}
			c.On("Close").Return(nil)
			dial = func(_ context.Context, addr string, _ logrus.FieldLogger) (client.Client, error) {
				assert.Equal(t, "build01:9000", addr)
				if test.dialErr != nil {
					return nil, test.dialErr
				}
				return c, nil
			}

			err := run()
			assert.Equal(t, test.expErr, err)
			assert.Equal(t, test.expOut, out.String())
		})
	}
}
