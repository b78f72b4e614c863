package capeng

import (
	"testing"

	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKMemSplitsBalance(t *testing.T) {
	root := NewRootKMem(1024)
	child, err := DeriveKMem(root, 256)
	require.NoError(t, err)

	assert.Equal(t, uint64(256), child.KernelMemory.Quota)
	assert.Equal(t, uint64(768), root.KernelMemory.Left)
}

func TestDeriveKMemRejectsOverQuota(t *testing.T) {
	root := NewRootKMem(64)
	_, err := DeriveKMem(root, 128)
	assert.True(t, kerr.Is(err, kerr.NoSpace))
}

func TestChargeAndCreditRoundTrip(t *testing.T) {
	kmem := NewRootKMem(128)
	require.NoError(t, Charge(kmem, CostRecvGate))
	assert.Equal(t, uint64(128-CostRecvGate), kmem.KernelMemory.Left)

	require.NoError(t, Credit(kmem, CostRecvGate))
	assert.Equal(t, uint64(128), kmem.KernelMemory.Left)
}

func TestChargeRejectsExhaustedQuota(t *testing.T) {
	kmem := NewRootKMem(8)
	err := Charge(kmem, 64)
	assert.True(t, kerr.Is(err, kerr.NoSpace))
	assert.Equal(t, uint64(8), kmem.KernelMemory.Left)
}

func TestCreditClampsAtQuota(t *testing.T) {
	kmem := NewRootKMem(32)
	require.NoError(t, Credit(kmem, 1000))
	assert.Equal(t, uint64(32), kmem.KernelMemory.Left)
}

// TestKMemTreeInvariant checks §3's "sum(children quota) + left == quota"
// balance across a root and two derived children after children are revoked.
func TestKMemTreeInvariant(t *testing.T) {
	root := NewRootKMem(1000)
	a, err := DeriveKMem(root, 400)
	require.NoError(t, err)
	b, err := DeriveKMem(root, 200)
	require.NoError(t, err)

	assert.Equal(t, uint64(400), root.KernelMemory.Left+a.KernelMemory.Quota+b.KernelMemory.Quota-600)

	require.NoError(t, Revoke(NewTable(), a, true, nil))
	require.NoError(t, Revoke(NewTable(), b, true, nil))

	assert.Equal(t, uint64(1000), root.KernelMemory.Left)
}

func TestDestroyKMemRejectsLeakedCharges(t *testing.T) {
	root := NewRootKMem(1000)
	child, err := DeriveKMem(root, 100)
	require.NoError(t, err)
	require.NoError(t, Charge(child, 10))

	err = destroyKMem(child)
	assert.True(t, kerr.Is(err, kerr.InvState))
}
