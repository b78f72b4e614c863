package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunSimBootsAndSchedules(t *testing.T) {
	cfg := &simConfig{
		tiles:       2,
		ticks:       5,
		epsPerTile:  32,
		timeSliceNS: 1_000_000,
		ptFrames:    16,
		frameSize:   4096,
		memSize:     1 << 16,
	}
	require.NoError(t, runSim(cfg))
}

func TestRunSimRejectsZeroTiles(t *testing.T) {
	cfg := &simConfig{tiles: 0}
	require.Error(t, runSim(cfg))
}
