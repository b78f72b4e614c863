package capeng

import (
	"testing"

	"github.com/nestybox/m3kernel/internal/tcu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHooks struct {
	invalidated []uint32
	shutdowns   int
	closes      int
	woken       int
	freed       int
	released    int
}

func (f *fakeHooks) InvalidateEndpoint(tileID, ep uint32, force bool) error {
	f.invalidated = append(f.invalidated, ep)
	return nil
}
func (f *fakeHooks) NotifyServiceShutdown(svc *ServiceObj)             { f.shutdowns++ }
func (f *fakeHooks) NotifySessionClose(sess *SessionObj, isSrv bool)   { f.closes++ }
func (f *fakeHooks) WakeSemaphoreWaiters(sem *SemaphoreObj)            { f.woken++ }
func (f *fakeHooks) FreeFrames(alloc *MemAlloc)                       { f.freed++ }
func (f *fakeHooks) ReleaseEndpoint(ep *EndpointObj)                  { f.released++ }

func TestRevokeRemovesSubtreeFromTable(t *testing.T) {
	table := NewTable()
	root := NewRootMemGate(1, 0, 4096, tcu.PermRead|tcu.PermWrite)
	child, err := DeriveMemGate(root, tcu.PermRead)
	require.NoError(t, err)
	grandchild, err := DeriveMemGate(child, tcu.PermRead)
	require.NoError(t, err)

	require.NoError(t, table.Insert(100, root))
	require.NoError(t, table.Insert(101, child))
	require.NoError(t, table.Insert(102, grandchild))

	require.NoError(t, Revoke(table, root, false, nil))

	assert.False(t, table.InUse(101))
	assert.False(t, table.InUse(102))
	assert.True(t, table.InUse(100), "includeSelf=false must keep the root slot")
	assert.Nil(t, root.FirstChild)
}

func TestRevokeIncludingSelfRemovesRoot(t *testing.T) {
	table := NewTable()
	root := NewRootMemGate(1, 0, 4096, tcu.PermRead)
	require.NoError(t, table.Insert(5, root))

	require.NoError(t, Revoke(table, root, true, nil))
	assert.False(t, table.InUse(5))
}

func TestRevokeFreesNonDerivedMemGateOnly(t *testing.T) {
	hooks := &fakeHooks{}
	root := NewRootMemGate(1, 0, 4096, tcu.PermRead)
	child, err := DeriveMemGate(root, tcu.PermRead)
	require.NoError(t, err)

	require.NoError(t, Revoke(NewTable(), child, true, hooks))
	assert.Equal(t, 0, hooks.freed, "derived MemGate must not free the shared allocation")

	require.NoError(t, Revoke(NewTable(), root, true, hooks))
	assert.Equal(t, 1, hooks.freed)
}

func TestRevokeEndpointInvalidatesTCUAndReturnsQuota(t *testing.T) {
	hooks := &fakeHooks{}
	tileCap := NewRootTile(1, 8, 1000, 4)
	epCap := &Cap{
		Kind: KindEndpoint,
		Endpoint: &EndpointObj{
			Tile:       tileCap.Tile,
			EPIndex:    3,
			ReplySlots: 2,
		},
	}
	tileCap.Tile.EPs.Left -= 3

	require.NoError(t, Revoke(NewTable(), epCap, true, hooks))
	assert.Equal(t, []uint32{3}, hooks.invalidated)
	assert.Equal(t, 1, hooks.released)
	assert.Equal(t, uint64(8), tileCap.Tile.EPs.Left)
}

func TestRevokeSemaphoreWakesWaitersAndMarksRevoked(t *testing.T) {
	hooks := &fakeHooks{}
	sem := NewSemaphore(0)
	sem.Semaphore.Waiters = 3

	require.NoError(t, Revoke(NewTable(), sem, true, hooks))
	assert.Equal(t, int64(semRevoked), sem.Semaphore.Waiters)
	assert.Equal(t, 1, hooks.woken)
}

func TestRevokeServiceNotifiesShutdownOnlyForOwner(t *testing.T) {
	hooks := &fakeHooks{}
	rgate := NewRecvGate(6, 6)
	owned, err := NewService("a.srv", rgate, 1, true)
	require.NoError(t, err)
	nonOwned, err := NewService("b.srv", rgate, 1, false)
	require.NoError(t, err)

	require.NoError(t, Revoke(NewTable(), owned, true, hooks))
	require.NoError(t, Revoke(NewTable(), nonOwned, true, hooks))
	assert.Equal(t, 1, hooks.shutdowns)
}

func TestRevokeSessionNotifiesCloseWhenAutoClose(t *testing.T) {
	hooks := &fakeHooks{}
	rgate := NewRecvGate(6, 6)
	srv, err := NewService("a.srv", rgate, 1, true)
	require.NoError(t, err)
	sess, err := NewSession(srv, 1, 7, true)
	require.NoError(t, err)

	require.NoError(t, Revoke(NewTable(), sess, true, hooks))
	assert.Equal(t, 1, hooks.closes)
}

func TestRevokeCreditsFundedByKMem(t *testing.T) {
	kmem := NewRootKMem(1000)
	require.NoError(t, Charge(kmem, CostOf(KindSemaphore)))

	sem := NewSemaphore(0)
	sem.FundedBy = kmem

	require.NoError(t, Revoke(NewTable(), sem, true, nil))
	assert.Equal(t, uint64(1000), kmem.KernelMemory.Left)
}
