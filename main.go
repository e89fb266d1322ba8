package main

import (
	"github.com/sidkik/quicksync/cmd"
	"github.com/sidkik/quicksync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
