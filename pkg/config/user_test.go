package config

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/quicksync/pkg/errors"
)

const configPath = "/home/user/.quicksync.yaml"

func mockHome() {
	homedirExpand = func(path string) (string, error) {
		if path == UserConfigPath {
			return configPath, nil
		}
		if strings.HasPrefix(path, "~") {
			return "/home/user" + path[1:], nil
		}
		return path, nil
	}
}

func TestParseUser(t *testing.T) {
	userEmptyVersion := User{
		Server:        Server{Host: "build01", Port: 9000},
		CurrentBranch: "main",
		Branches: map[string]Branch{
			"main": {Source: "/src/main", Destination: "/data/main"},
		},
		DataDir: "/var/quicksync",
	}
	userInitialVersion := userEmptyVersion
	userInitialVersion.Version = InitialUserConfigVersion

	userCorrectVersion := userEmptyVersion
	userCorrectVersion.Version = SupportedUserConfigVersion

	userIncorrectVersion := userEmptyVersion
	userIncorrectVersion.Version = "incorrect_version"

	userEmptyVersionString, err := yaml.Marshal(userEmptyVersion)
	assert.NoError(t, err)
	userCorrectVersionString, err := yaml.Marshal(userCorrectVersion)
	assert.NoError(t, err)
	userIncorrectVersionString, err := yaml.Marshal(userIncorrectVersion)
	assert.NoError(t, err)

	tests := []struct {
		name      string
		input     []byte
		expConfig User
		expError  error
	}{
		{
			name:      "EmptyVersion",
			input:     userEmptyVersionString,
			expConfig: userInitialVersion,
		},
		{
			name:      "CorrectVersion",
			input:     userCorrectVersionString,
			expConfig: userCorrectVersion,
		},
		{
			name:  "IncorrectVersion",
			input: userIncorrectVersionString,
			expError: errors.WithContext(incompatibleVersionError{
				path:   configPath,
				exp:    SupportedUserConfigVersion,
				actual: userIncorrectVersion.Version,
			}, "parse"),
		},
		{
			name: "ExtraFields",
			input: []byte(fmt.Sprintf(
				"version: %s\nextra: fields", SupportedUserConfigVersion)),
			expError: errors.WithContext(
				errors.NewFriendlyError(parseConfigErrTemplate, configPath,
					errors.New("error unmarshaling JSON: while decoding JSON: "+
						`json: unknown field "extra"`)),
				"parse"),
		},
		{
			name: "IncorrectVersionAndExtraFields",
			input: []byte(`
version: incorrect_version
extra: fields
`),
			expError: errors.WithContext(incompatibleVersionError{
				path:   configPath,
				exp:    SupportedUserConfigVersion,
				actual: "incorrect_version",
			}, "parse"),
		},
		{
			name: "Defaults",
			input: []byte(`
server:
  host: build01
currentBranch: main
branches:
  main:
    source: src/main
  tools:
    source: ~/tools
    destination: /data/tools
`),
			expConfig: User{
				Version:       InitialUserConfigVersion,
				Server:        Server{Host: "build01", Port: DefaultPort},
				CurrentBranch: "main",
				Branches: map[string]Branch{
					"main":  {Source: "/home/user/src/main"},
					"tools": {Source: "/home/user/tools", Destination: "/data/tools"},
				},
				DataDir: "/home/user/.quicksync",
			},
		},
	}

	fs = afero.NewMemMapFs()
	mockHome()
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			err := afero.WriteFile(fs, configPath, test.input, 0644)
			assert.NoError(t, err)
			config, err := ParseUser()
			assert.Equal(t, test.expConfig, config)
			assert.Equal(t, test.expError, err)
		})
	}
}

func TestParseMissingUser(t *testing.T) {
	fs = afero.NewMemMapFs()
	mockHome()

	_, err := ParseUser()
	friendlyErr, ok := err.(errors.FriendlyError)
	require.True(t, ok)
	assert.Contains(t, friendlyErr.FriendlyMessage(), "quicksync config")
}

func TestParseWrittenUser(t *testing.T) {
	fs = afero.NewMemMapFs()
	mockHome()

	user := User{
		Server:        Server{Host: "localhost", Port: 8093},
		CurrentBranch: "main",
		Branches: map[string]Branch{
			"main": {Source: "/src/main", Destination: "/data/main"},
		},
		DataDir: "/home/user/.quicksync",
	}

	// Write the user to disk, and assert that we get the same user config when
	// we parse it.
	assert.NoError(t, WriteUser(user))

	parsed, err := ParseUser()
	assert.NoError(t, err)

	user.Version = SupportedUserConfigVersion
	assert.Equal(t, user, parsed)
}

func TestGetBranch(t *testing.T) {
	user := User{
		CurrentBranch: "main",
		Branches: map[string]Branch{
			"main":  {Source: "/src/main"},
			"tools": {Source: "/src/tools"},
		},
	}

	name, branch, err := user.GetBranch("")
	assert.NoError(t, err)
	assert.Equal(t, "main", name)
	assert.Equal(t, Branch{Source: "/src/main"}, branch)

	name, branch, err = user.GetBranch("tools")
	assert.NoError(t, err)
	assert.Equal(t, "tools", name)
	assert.Equal(t, Branch{Source: "/src/tools"}, branch)

	_, _, err = user.GetBranch("missing")
	assert.Equal(t, errors.NewFriendlyError("Branch \"missing\" isn't configured. "+
		"Configured branches: [main tools]."), err)

	_, _, err = User{}.GetBranch("")
	assert.IsType(t, errors.FriendlyError{}, err)
}
