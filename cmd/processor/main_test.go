package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunExitsOneOnFatalStartupError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	assert.Equal(t, 1, run(), "missing required configuration is a fatal startup error")
}
