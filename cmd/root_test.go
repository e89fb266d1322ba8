package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubcommands(t *testing.T) {
	var names []string
	for _, cmd := range newRootCommand().Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"config", "rules", "serve", "sync", "version"}, names)
}
