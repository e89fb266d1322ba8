package config

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/quicksync/pkg/config"
	"github.com/sidkik/quicksync/pkg/errors"
)

func TestPromptUser(t *testing.T) {
	tests := []struct {
		name                                                 string
		helpString, prompt, defaultAnswer, currAnswer, stdin string
		expPrompt, expResult                                 string
	}{
		{
			name:       "No default or current answer",
			helpString: "explanation",
			prompt:     "prompt",
			stdin:      "user input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "Different default answer and current answer, chose current answer",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin:         "2\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "current answer",
		},
		{
			name:          "Empty choice picks the first option",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin:         "\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "default answer",
		},
		{
			name:          "Invalid choice, then enter manually without a trailing newline",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin:         "7\n2\nuser input",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			stdout = &out

			res, err := promptUser(bufio.NewReader(strings.NewReader(test.stdin)),
				test.helpString, test.prompt, test.defaultAnswer, test.currAnswer)
			assert.NoError(t, err)
			assert.Equal(t, test.expResult, res)
			assert.Equal(t, test.expPrompt, out.String())
		})
	}
}

type fakeFileInfo struct {
	isDir bool
}

func (fi fakeFileInfo) Name() string       { return "" }
func (fi fakeFileInfo) Size() int64        { return 0 }
func (fi fakeFileInfo) Mode() os.FileMode  { return 0 }
func (fi fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (fi fakeFileInfo) IsDir() bool        { return fi.isDir }
func (fi fakeFileInfo) Sys() interface{}   { return nil }

func mockStat(dirs ...string) {
	stat = func(path string) (os.FileInfo, error) {
		for _, dir := range dirs {
			if path == dir {
				return fakeFileInfo{isDir: true}, nil
			}
		}
		if path == "/file" {
			return fakeFileInfo{}, nil
		}
		return nil, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
	}
}

func TestGenerateConfigFromFlags(t *testing.T) {
	stdout = &bytes.Buffer{}
	stdin = strings.NewReader("")
	getWorkingDirectory = func() (string, error) { return "/src/game", nil }
	parseUserConfig = func() (config.User, error) {
		return config.User{}, errors.New("missing")
	}

	cfg, err := generateConfig(options{
		host:        "build01",
		port:        9000,
		branch:      "main",
		source:      "/src/main",
		destination: "/data/main",
	})
	require.NoError(t, err)
	assert.Equal(t, config.User{
		Server:        config.Server{Host: "build01", Port: 9000},
		CurrentBranch: "main",
		Branches: map[string]config.Branch{
			"main": {Source: "/src/main", Destination: "/data/main"},
		},
	}, cfg)
}

func TestGenerateConfigPrompts(t *testing.T) {
	stdout = &bytes.Buffer{}
	getWorkingDirectory = func() (string, error) { return "/src/game", nil }
	mockStat("/src/game", "/src/tools")
	parseUserConfig = func() (config.User, error) {
		return config.User{
			Server:        config.Server{Host: "build01", Port: 9000},
			CurrentBranch: "tools",
			Branches: map[string]config.Branch{
				"tools": {Source: "/src/tools", Destination: "/data/tools"},
			},
			DataDir: "/data",
		}, nil
	}

	stdin = strings.NewReader(strings.Join([]string{
		// Server host: keep the current host.
		"2",
		// Branch name: an invalid name, then the guessed name.
		"3", "bad name", "1",
		// Source directory: a file, then the current directory.
		"2", "/file", "1",
		// Destination directory.
		"/data/game",
	}, "\n") + "\n")

	cfg, err := generateConfig(options{})
	require.NoError(t, err)
	assert.Equal(t, config.User{
		Server:        config.Server{Host: "build01", Port: 9000},
		CurrentBranch: "game",
		Branches: map[string]config.Branch{
			"tools": {Source: "/src/tools", Destination: "/data/tools"},
			"game":  {Source: "/src/game", Destination: "/data/game"},
		},
		DataDir: "/data",
	}, cfg)
}

func TestBranchValidation(t *testing.T) {
	for _, name := range []string{"main", "release-1.2", "my_branch"} {
		_, ok := branchValidationFn(name)
		assert.True(t, ok, name)
	}
	for _, name := range []string{"", "has space", "a/b"} {
		_, ok := branchValidationFn(name)
		assert.False(t, ok, name)
	}
}

func TestGetters(t *testing.T) {
	parseUserConfig = func() (config.User, error) {
		return config.User{
			Server:        config.Server{Host: "build01", Port: 9000},
			CurrentBranch: "main",
		}, nil
	}

	tests := []struct {
		args []string
		exp  string
	}{
		{[]string{"get-server"}, "build01:9000\n"},
		{[]string{"get-branch"}, "main\n"},
	}

	for _, test := range tests {
		var out bytes.Buffer
		stdout = &out

		cmd := New()
		cmd.SetArgs(test.args)
		require.NoError(t, cmd.Execute())
		assert.Equal(t, test.exp, out.String())
	}
}
