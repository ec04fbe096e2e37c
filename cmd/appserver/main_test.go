package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/config"
)

func TestDetermineAddrPrecedence(t *testing.T) {
	cfg := &config.Config{HTTPAddr: ":9000"}

	require.Equal(t, ":1234", determineAddr(":1234", cfg))
	require.Equal(t, ":9000", determineAddr("", cfg))
	require.Equal(t, ":8080", determineAddr("", nil))
	require.Equal(t, ":8080", determineAddr("", &config.Config{}))
}
