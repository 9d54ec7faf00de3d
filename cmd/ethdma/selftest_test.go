package main

import (
	"testing"
	"time"

	"github.com/slackhq/ethdma"
	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/mac"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncFrame(t *testing.T) {
	id := ptp.Identity{Version: 2, MessageType: ptp.Sync, SequenceID: 9}
	copy(id.SourcePort[:], selfTestMAC)

	frame, err := syncFrame(id)
	require.NoError(t, err)
	assert.Len(t, frame, minFrameLen)

	got, ok := ptp.ParseFrame(frame)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestRunSelfTest(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString("phy:\n  tick: 10ms\nrx:\n  worker: true\n"))

	h := newLogHandler(l)
	ctrl, err := ethdma.Main(c, false, "test", l, mac.NewLoopback(l, 0, ethdma.DefaultClockHz), h)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	start := time.Now()
	require.NoError(t, runSelfTest(l, ctrl, h, 3))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, uint64(3), h.received.Load())
}
