package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPasswordKeepsInputVerbatim(t *testing.T) {
	orig := readSecret
	t.Cleanup(func() { readSecret = orig })

	readSecret = func(int) ([]byte, error) { return []byte("  spaced pw \t"), nil }
	got, err := readPassword("Password: ")
	require.NoError(t, err)
	assert.Equal(t, "  spaced pw \t", got)

	readSecret = func(int) ([]byte, error) { return nil, errors.New("not a terminal") }
	_, err = readPassword("Password: ")
	assert.ErrorContains(t, err, "failed to read password")
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "migrate", "create-admin", "set-role"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
