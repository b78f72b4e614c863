package tilemux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActivityAliveAfterCreation(t *testing.T) {
	a := &Activity{ID: 2, alive: true}
	assert.True(t, a.Alive())
}

func TestActivityPendingMessageTracking(t *testing.T) {
	a := &Activity{ID: 2}
	assert.Equal(t, uint32(0), a.pendingMsgs)
	a.NotePendingMessage()
	a.NotePendingMessage()
	assert.Equal(t, uint32(2), a.pendingMsgs)
	a.ClearPendingMessages()
	assert.Equal(t, uint32(0), a.pendingMsgs)
}
