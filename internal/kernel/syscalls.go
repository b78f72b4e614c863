package kernel

import (
	"sync"

	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// semTokens hands out one stable *capeng.WaitToken per SemaphoreObj so
// SemCtrl(DOWN)'s suspend and Revoke's WakeSemaphoreWaiters hook agree on
// the same identity without SemaphoreObj itself growing a token field
// every capability variant would otherwise need (§9: "opaque event token
// (pointer identity of the waited-on object)" — the SemaphoreObj pointer
// already has the identity we need, this just keys a lazily-created
// token by it).
var (
	semTokenMu sync.Mutex
	semTokens  = make(map[*capeng.SemaphoreObj]*capeng.WaitToken)
)

func semToken(sem *capeng.SemaphoreObj) *capeng.WaitToken {
	semTokenMu.Lock()
	defer semTokenMu.Unlock()
	tok, ok := semTokens[sem]
	if !ok {
		tok = capeng.NewWaitToken("semaphore")
		semTokens[sem] = tok
	}
	return tok
}

// CreateRGate implements create_rgate (§4.5): reject unless msg_order <=
// order and (order - msg_order) < 32.
func (d *Dispatcher) CreateRGate(act *Activity, dst capeng.Selector, order, msgOrder uint8) error {
	if msgOrder > order || order-msgOrder >= 32 {
		return kerr.New(kerr.InvArgs, "create_rgate: invalid order/msg_order")
	}
	cap := capeng.NewRecvGate(order, msgOrder)
	_, err := chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// CreateSGate implements create_sgate (§4.5, §6.2): credits may be
// tcu.CreditsUnlimited.
func (d *Dispatcher) CreateSGate(act *Activity, dst, rgateSel capeng.Selector, label uint64, credits uint32) error {
	rgate := act.Table.Get(rgateSel)
	if rgate == nil {
		return kerr.New(kerr.InvArgs, "create_sgate: rgate selector unused")
	}
	cap, err := capeng.DeriveSendGate(rgate, label, credits)
	if err != nil {
		return err
	}
	_, err = chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// CreateMGate implements create_mgate (§6.2) over a physical, already
// page-aligned range. Resolving a virtual-memory tile's `addr` through a
// Mapping first is internal/tilemux's job; by the time a syscall reaches
// this dispatcher method, tile/offset/size are already physical.
func (d *Dispatcher) CreateMGate(act *Activity, dst capeng.Selector, tile uint32, offset, size uint64, perms tcu.Perms) error {
	cap := capeng.NewRootMemGate(tile, offset, size, perms)
	_, err := chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// DeriveMem implements derive_mem (§6.2): a narrower-permission MemGate
// sharing the parent's allocation.
func (d *Dispatcher) DeriveMem(act *Activity, dst, parentSel capeng.Selector, perms tcu.Perms) error {
	parent := act.Table.Get(parentSel)
	if parent == nil {
		return kerr.New(kerr.InvArgs, "derive_mem: parent selector unused")
	}
	cap, err := capeng.DeriveMemGate(parent, perms)
	if err != nil {
		return err
	}
	_, err = chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// DeriveKMem implements derive_kmem (§4.3, §6.2).
func (d *Dispatcher) DeriveKMem(act *Activity, dst, parentSel capeng.Selector, quota uint64) error {
	parent := act.Table.Get(parentSel)
	if parent == nil {
		return kerr.New(kerr.InvArgs, "derive_kmem: parent selector unused")
	}
	cap, err := capeng.DeriveKMem(parent, quota)
	if err != nil {
		return err
	}
	// A KernelMemory capability funds itself: its own creation cost is
	// charged to the same parent it was carved out of.
	_, err = chargeAndInsert(act.Table, dst, parent, cap)
	return err
}

// DeriveTile implements derive_tile (§4.4, §6.2).
func (d *Dispatcher) DeriveTile(act *Activity, dst, parentSel capeng.Selector, args capeng.TileQuotaArgs) error {
	parent := act.Table.Get(parentSel)
	if parent == nil {
		return kerr.New(kerr.InvArgs, "derive_tile: parent selector unused")
	}
	cap, err := capeng.DeriveTile(parent, args)
	if err != nil {
		return err
	}
	_, err = chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// CreateSem implements create_sem (§6.2).
func (d *Dispatcher) CreateSem(act *Activity, dst capeng.Selector, value int64) error {
	cap := capeng.NewSemaphore(value)
	_, err := chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// CreateMap implements create_map (§4.5): the MemGate's address and size
// must be page-aligned (enforced by the caller resolving virt_page into
// first_page/pages), first+pages within the MemGate's pages, perms a
// subset of the MemGate's. Reuses existing if its range length matches.
func (d *Dispatcher) CreateMap(act *Activity, dst, memgateSel capeng.Selector, virtPage uint64, firstPage, pages uint32, perms tcu.Perms, existingSel capeng.Selector) error {
	memgate := act.Table.Get(memgateSel)
	if memgate == nil {
		return kerr.New(kerr.InvArgs, "create_map: memgate selector unused")
	}
	totalPages := uint32(memgate.MemGate.Alloc.Size / 4096)
	if uint64(firstPage)+uint64(pages) > uint64(totalPages) {
		return kerr.New(kerr.InvArgs, "create_map: range exceeds MemGate's pages")
	}
	existing := act.Table.Get(existingSel)
	cap, err := capeng.NewMapping(memgate, virtPage, pages, perms, existing)
	if err != nil {
		return err
	}
	if cap == existing {
		return nil
	}
	_, err = chargeAndInsert(act.Table, dst, act.KMem, cap)
	return err
}

// Exchange implements exchange (§4.2, §6.2) between two activities'
// tables.
func (d *Dispatcher) Exchange(own, target *Activity, ownRange []capeng.Selector, peerStart capeng.Selector, obtain bool) error {
	return capeng.Exchange(own.Table, target.Table, ownRange, peerStart, obtain)
}

// Revoke implements revoke (§4.2, §6.2): the dispatcher supplies itself
// as the capeng.Hooks implementation so destructors can reach the TCU
// and the service registry.
func (d *Dispatcher) Revoke(act *Activity, root capeng.Selector, includeSelf bool) error {
	c := act.Table.Get(root)
	if c == nil {
		return kerr.New(kerr.InvArgs, "revoke: selector unused")
	}
	return capeng.Revoke(act.Table, c, includeSelf, d)
}

// SemCtrl implements sem_ctrl (§4.5, §6.2). UP increments the counter
// and wakes one waiter if any are blocked; DOWN blocks while the counter
// is zero and returns RecvGone if the semaphore is revoked while
// waiting.
func (d *Dispatcher) SemCtrl(act *Activity, sel capeng.Selector, op SemCtrlOp) error {
	c := act.Table.Get(sel)
	if c == nil || c.Kind != capeng.KindSemaphore {
		return kerr.New(kerr.InvArgs, "sem_ctrl: selector is not a Semaphore")
	}
	sem := c.Semaphore

	switch op {
	case SemUp:
		sem.Counter++
		if sem.Waiters > 0 {
			sem.Waiters--
			d.wait.notify(semToken(sem), nil)
		}
		return nil

	case SemDown:
		for sem.Counter == 0 {
			sem.Waiters++
			_, err := d.wait.suspend(semToken(sem))
			if err != nil {
				return err
			}
			if sem.Waiters == -1 {
				return kerr.New(kerr.RecvGone, "sem_ctrl: semaphore revoked while waiting")
			}
		}
		sem.Counter--
		return nil
	}
	return kerr.New(kerr.InvArgs, "sem_ctrl: unknown op")
}

// TileSetQuota implements tile_set_quota (§6.2).
func (d *Dispatcher) TileSetQuota(act *Activity, tileSel capeng.Selector, timeNS, pts uint64) error {
	tileCap := act.Table.Get(tileSel)
	if tileCap == nil {
		return kerr.New(kerr.InvArgs, "tile_set_quota: selector unused")
	}
	return capeng.SetQuota(tileCap, timeNS, pts)
}

// TileQuotaInfo is the introspection reply for TileQuota (§6.2).
type TileQuotaInfo struct {
	EPsLeft, EPsTotal   uint64
	TimeLeft, TimeTotal uint64
	PTsLeft, PTsTotal   uint64
}

// TileQuota implements the TileQuota introspection syscall.
func (d *Dispatcher) TileQuota(act *Activity, sel capeng.Selector) (TileQuotaInfo, error) {
	c := act.Table.Get(sel)
	if c == nil || c.Kind != capeng.KindTile {
		return TileQuotaInfo{}, kerr.New(kerr.InvArgs, "tile_quota: selector is not a Tile")
	}
	t := c.Tile
	return TileQuotaInfo{
		EPsLeft: t.EPs.Left, EPsTotal: t.EPs.Total,
		TimeLeft: t.Time.Left, TimeTotal: t.Time.Total,
		PTsLeft: t.PTs.Left, PTsTotal: t.PTs.Total,
	}, nil
}

// KMemQuota implements the KMemQuota introspection syscall.
func (d *Dispatcher) KMemQuota(act *Activity, sel capeng.Selector) (left, quota uint64, err error) {
	c := act.Table.Get(sel)
	if c == nil || c.Kind != capeng.KindKernelMemory {
		return 0, 0, kerr.New(kerr.InvArgs, "kmem_quota: selector is not KernelMemory")
	}
	return c.KernelMemory.Left, c.KernelMemory.Quota, nil
}

// MGateRegion implements the MGateRegion introspection syscall.
func (d *Dispatcher) MGateRegion(act *Activity, sel capeng.Selector) (tile uint32, offset, size uint64, err error) {
	c := act.Table.Get(sel)
	if c == nil || c.Kind != capeng.KindMemGate {
		return 0, 0, 0, kerr.New(kerr.InvArgs, "mgate_region: selector is not a MemGate")
	}
	a := c.MemGate.Alloc
	return a.Tile, a.Offset, a.Size, nil
}

// ActivityCtrl implements activity_ctrl (§6.2). INIT/START are
// lifecycle no-ops at this layer (internal/tilemux owns register-state
// setup); STOP on self acks without a reply, modeled here by the caller
// simply not expecting one.
func (d *Dispatcher) ActivityCtrl(act *Activity, op ActivityCtrlOp) error {
	switch op {
	case ActivityInit, ActivityStart:
		return nil
	case ActivityStop:
		act.Kill()
		return nil
	}
	return kerr.New(kerr.InvArgs, "activity_ctrl: unknown op")
}

// ResetStats and Noop are trivial syscalls (§6.2, original source's
// benchmarking harness): both return nil immediately, without selector
// validation, kmem charge or logging.
func (d *Dispatcher) ResetStats(act *Activity) error { return nil }
func (d *Dispatcher) Noop(act *Activity) error       { return nil }
