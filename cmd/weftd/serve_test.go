package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParentDir(t *testing.T) {
	require.Equal(t, "/var/lib/weft", parentDir("/var/lib/weft/state.db"))
	require.Equal(t, ".", parentDir("state.db"))
}
