package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/quicksync/pkg/errors"
)

// Variables mocked for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin
)

// HandleFatalError prints `err` and exits. Errors meant for users are printed
// without their context.
func HandleFatalError(err error) {
	if friendlyErr, ok := errors.RootCause(err).(errors.FriendlyError); ok {
		fmt.Fprintln(stderr, friendlyErr.FriendlyMessage())
	} else {
		fmt.Fprintf(stderr, "Error: %s\n", err)
	}
	log.WithError(err).Debug("Exiting with fatal error")
	exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It must be
// deferred directly by the goroutine that might panic.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).
			Errorf("Unexpected panic: %v", r)
		fmt.Fprintf(stderr, "Crashed: %v\n", r)
		exit(1)
	}
}

// PromptYesOrNo asks `prompt` on the terminal, and returns whether the user
// answered yes.
func PromptYesOrNo(prompt string) (bool, error) {
	fmt.Fprintf(stderr, "%s (y/N) ", prompt)

	answer, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, errors.WithContext(err, "read answer")
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
