package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/quicksync/pkg/errors"
)

func mockExit(t *testing.T) (*bytes.Buffer, *int) {
	var out bytes.Buffer
	code := -1
	stderr = &out
	exit = func(c int) { code = c }
	return &out, &code
}

func TestHandleFatalError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expOut string
	}{
		{
			name:   "Friendly",
			err:    errors.WithContext(errors.NewFriendlyError("No branch is selected."), "start sync"),
			expOut: "No branch is selected.\n",
		},
		{
			name:   "Regular",
			err:    errors.WithContext(errors.New("boom"), "dial"),
			expOut: "Error: dial: boom\n",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			out, code := mockExit(t)
			HandleFatalError(test.err)
			assert.Equal(t, test.expOut, out.String())
			assert.Equal(t, 1, *code)
		})
	}
}

func TestHandlePanic(t *testing.T) {
	out, code := mockExit(t)

	func() {
		defer HandlePanic()
		panic("oops")
	}()
	assert.Equal(t, 1, *code)
	assert.Equal(t, "Crashed: oops\n", out.String())
}

func TestHandlePanicNoPanic(t *testing.T) {
	_, code := mockExit(t)

	func() {
		defer HandlePanic()
	}()
	assert.Equal(t, -1, *code)
}

func TestPromptYesOrNo(t *testing.T) {
	tests := []struct {
		input string
		exp   bool
	}{
		{"y\n", true},
		{"Yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"yes", true},
		{"", false},
	}

	for _, test := range tests {
		var out bytes.Buffer
		stderr = &out
		stdin = strings.NewReader(test.input)

		answer, err := PromptYesOrNo("Overwrite?")
		require.NoError(t, err)
		assert.Equal(t, test.exp, answer, "input %q", test.input)
		assert.Equal(t, "Overwrite? (y/N) ", out.String())
	}
}
