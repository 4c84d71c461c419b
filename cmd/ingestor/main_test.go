package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunExitsOneOnFatalStartupError(t *testing.T) {
	t.Setenv("CHAINS", "ethereum:1")
	t.Setenv("ETHEREUM_RPC_WS", "")

	assert.Equal(t, 1, run(), "missing required configuration is a fatal startup error")
}
