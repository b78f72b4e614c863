package capeng

import (
	"testing"

	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeMoveTransfersOwnership(t *testing.T) {
	own := NewTable()
	peer := NewTable()

	mgate := NewRootMemGate(1, 0, 4096, tcu.PermRead)
	require.NoError(t, own.Insert(10, mgate))

	require.NoError(t, Exchange(own, peer, []Selector{10}, 200, false))

	assert.False(t, own.InUse(10))
	assert.True(t, peer.InUse(200))
	assert.Same(t, mgate, peer.Get(200))
}

func TestExchangeMoveRejectsOccupiedDestination(t *testing.T) {
	own := NewTable()
	peer := NewTable()

	mgate := NewRootMemGate(1, 0, 4096, tcu.PermRead)
	require.NoError(t, own.Insert(10, mgate))
	require.NoError(t, peer.Insert(200, NewSemaphore(0)))

	err := Exchange(own, peer, []Selector{10}, 200, false)
	assert.True(t, kerr.Is(err, kerr.Exists))
	assert.True(t, own.InUse(10), "failed exchange must not touch the source slot")
}

func TestExchangeObtainAliasesMemGateWithoutRemovingSource(t *testing.T) {
	own := NewTable()
	peer := NewTable()

	mgate := NewRootMemGate(1, 0, 4096, tcu.PermRead|tcu.PermWrite)
	require.NoError(t, own.Insert(10, mgate))

	require.NoError(t, Exchange(own, peer, []Selector{10}, 200, true))

	assert.True(t, own.InUse(10), "obtain must leave the source in place")
	alias := peer.Get(200)
	require.NotNil(t, alias)
	assert.NotSame(t, mgate, alias)
	assert.Same(t, mgate.MemGate.Alloc, alias.MemGate.Alloc)
	assert.Same(t, mgate, alias.Parent)
}

func TestExchangeObtainRevokeOfAliasLeavesOriginalIntact(t *testing.T) {
	own := NewTable()
	peer := NewTable()

	mgate := NewRootMemGate(1, 0, 4096, tcu.PermRead)
	require.NoError(t, own.Insert(10, mgate))
	require.NoError(t, Exchange(own, peer, []Selector{10}, 200, true))

	require.NoError(t, Revoke(peer, peer.Get(200), true, nil))

	assert.True(t, own.InUse(10))
	assert.Nil(t, mgate.FirstChild)
}

func TestExchangeMultiSelectorRange(t *testing.T) {
	own := NewTable()
	peer := NewTable()

	a := NewSemaphore(1)
	b := NewSemaphore(2)
	require.NoError(t, own.Insert(10, a))
	require.NoError(t, own.Insert(11, b))

	require.NoError(t, Exchange(own, peer, []Selector{10, 11}, 50, false))

	assert.Same(t, a, peer.Get(50))
	assert.Same(t, b, peer.Get(51))
}
