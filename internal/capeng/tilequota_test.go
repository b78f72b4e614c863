package capeng

import (
	"testing"

	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTileSplitsDimension(t *testing.T) {
	root := NewRootTile(1, 16, 1_000_000, 64)
	eps := uint64(4)

	child, err := DeriveTile(root, TileQuotaArgs{EPs: &eps})
	require.NoError(t, err)

	assert.Equal(t, uint64(4), child.Tile.EPs.Total)
	assert.Equal(t, uint64(12), root.Tile.EPs.Left)
	// Time and PTs were not given a present value: they're shared.
	assert.Same(t, root.Tile.Time, child.Tile.Time)
	assert.Equal(t, 2, root.Tile.Time.Users)
}

func TestDeriveTileRejectsOverQuota(t *testing.T) {
	root := NewRootTile(1, 4, 1000, 4)
	eps := uint64(8)
	_, err := DeriveTile(root, TileQuotaArgs{EPs: &eps})
	assert.True(t, kerr.Is(err, kerr.NoSpace))
}

func TestQuotaShareRefillDividesAmongUsers(t *testing.T) {
	q := &QuotaShare{Total: 100, Left: 0, Users: 4}
	q.Refill()
	assert.Equal(t, uint64(25), q.Left)
}

func TestQuotaShareRefillNoopWhenNonEmpty(t *testing.T) {
	q := &QuotaShare{Total: 100, Left: 10, Users: 2}
	q.Refill()
	assert.Equal(t, uint64(10), q.Left)
}

// TestTileTreeInvariant checks §3's "sum(children eps) + left == total"
// balance survives a split-then-revoke round trip.
func TestTileTreeInvariant(t *testing.T) {
	root := NewRootTile(1, 32, 1000, 16)
	a := uint64(10)
	b := uint64(5)

	childA, err := DeriveTile(root, TileQuotaArgs{EPs: &a})
	require.NoError(t, err)
	childB, err := DeriveTile(root, TileQuotaArgs{EPs: &b})
	require.NoError(t, err)

	assert.Equal(t, uint64(17), root.Tile.EPs.Left)

	require.NoError(t, destroyTile(childA))
	require.NoError(t, destroyTile(childB))

	assert.Equal(t, uint64(32), root.Tile.EPs.Total)
	assert.Equal(t, uint64(32), root.Tile.EPs.Left)
}

func TestSetQuotaRejectsDerivedTile(t *testing.T) {
	root := NewRootTile(1, 4, 1000, 4)
	eps := uint64(2)
	child, err := DeriveTile(root, TileQuotaArgs{EPs: &eps})
	require.NoError(t, err)

	err = SetQuota(child, 500, 2)
	assert.True(t, kerr.Is(err, kerr.NoPerm))
}

func TestSetQuotaRejectsMultiActivityTile(t *testing.T) {
	root := NewRootTile(1, 4, 1000, 4)
	root.Tile.ActivityCount = 2

	err := SetQuota(root, 500, 2)
	assert.True(t, kerr.Is(err, kerr.NoPerm))
}

func TestSetQuotaUpdatesTimeAndPTs(t *testing.T) {
	root := NewRootTile(1, 4, 1000, 4)
	require.NoError(t, SetQuota(root, 500, 2))
	assert.Equal(t, uint64(500), root.Tile.Time.Total)
	assert.Equal(t, uint64(2), root.Tile.PTs.Total)
}
