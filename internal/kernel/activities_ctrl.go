package kernel

import (
	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/tcu"
	"github.com/nestybox/m3kernel/internal/tilemux"
)

// CreateActivity implements create_activity (§6.2, §4.6): it derives a Tile capability
// share is not required here (tileSel already names the Tile the new activity runs
// on), reserves the new activity's standard EP block through the tile's multiplexer,
// and returns its id and first standard EP.
func (d *Dispatcher) CreateActivity(creator *Activity, dst capeng.Selector, name string, tileSel, kmemSel capeng.Selector) (*Activity, uint32, error) {
	tileCap := creator.Table.Get(tileSel)
	if tileCap == nil || tileCap.Kind != capeng.KindTile {
		return nil, 0, kerr.New(kerr.InvArgs, "create_activity: selector is not a Tile")
	}
	kmemCap := creator.Table.Get(kmemSel)
	if kmemCap == nil || kmemCap.Kind != capeng.KindKernelMemory {
		return nil, 0, kerr.New(kerr.InvArgs, "create_activity: selector is not KernelMemory")
	}

	mux, err := d.muxFor(tileCap.Tile.TileID)
	if err != nil {
		return nil, 0, err
	}

	muxAct, stdEPBase, err := mux.CreateActivity(name, tileCap)
	if err != nil {
		return nil, 0, err
	}

	act := NewActivity(muxAct.ID, tileCap.Tile.TileID, name, kmemCap, tileCap)
	ref := &capeng.Cap{Kind: capeng.KindActivity, Activity: &capeng.ActivityRef{Tile: act.Tile, ID: act.ID}}
	if _, err := chargeAndInsert(creator.Table, dst, creator.KMem, ref); err != nil {
		mux.DestroyActivity(muxAct.ID, stdEPBase)
		return nil, 0, err
	}

	d.RegisterActivity(act)
	return act, stdEPBase, nil
}

// DestroyActivity tears down act: its tile resources (§4.6 "destroying an Activity
// drops its Endpoints"), then whatever of its own capability table the caller has not
// already revoked.
func (d *Dispatcher) DestroyActivity(act *Activity, stdEPBase uint32) error {
	mux, err := d.muxFor(act.Tile)
	if err != nil {
		return err
	}
	mux.DestroyActivity(act.ID, stdEPBase)

	var sels []capeng.Selector
	act.Table.Range(func(sel capeng.Selector, _ *capeng.Cap) { sels = append(sels, sel) })
	for _, sel := range sels {
		if act.Table.InUse(sel) {
			_ = d.Revoke(act, sel, true)
		}
	}

	d.Exit(act, 0)
	return nil
}

// AllocEP implements alloc_ep (§6.2): reserves 1+replies consecutive EPs on the
// activity's tile and wraps them in an Endpoint capability. sentinel, when true, lets
// the tile multiplexer pick any free aligned run rather than a caller-specified index
// (the simulation always lets the allocator pick; §4.6's find_eps covers both cases
// identically once epID is ignored).
func (d *Dispatcher) AllocEP(act *Activity, dst capeng.Selector, replies uint32, sentinel bool) error {
	mux, err := d.muxFor(act.Tile)
	if err != nil {
		return err
	}
	base, err := mux.AllocEP(1 + replies)
	if err != nil {
		return err
	}

	cap, err := capeng.NewEndpoint(act.TileCap, base, replies, false)
	if err != nil {
		mux.FreeEPs(base, 1+replies)
		return err
	}
	if _, err := chargeAndInsert(act.Table, dst, act.KMem, cap); err != nil {
		mux.FreeEPs(base, 1+replies)
		return err
	}
	return nil
}

// SetPMP implements set_pmp (§6.2): installs mgate's Memory-EP configuration into one
// of the tile's protected low-range EPs.
func (d *Dispatcher) SetPMP(act *Activity, tileSel, mgateSel capeng.Selector, ep uint32) error {
	tileCap := act.Table.Get(tileSel)
	if tileCap == nil || tileCap.Kind != capeng.KindTile {
		return kerr.New(kerr.InvArgs, "set_pmp: selector is not a Tile")
	}
	mgateCap := act.Table.Get(mgateSel)
	if mgateCap == nil || mgateCap.Kind != capeng.KindMemGate {
		return kerr.New(kerr.InvArgs, "set_pmp: selector is not a MemGate")
	}

	mux, err := d.muxFor(tileCap.Tile.TileID)
	if err != nil {
		return err
	}
	alloc := mgateCap.MemGate.Alloc
	mem := tcu.MemoryEP{
		TargetTile: alloc.Tile,
		Base:       alloc.Offset,
		Size:       alloc.Size,
		Perms:      mgateCap.MemGate.Perms,
	}
	return mux.SetPMP(ep, mem)
}

// registerTile registers mux as tileID's multiplexer; it does not register a TCU
// (RegisterTCU does that) and has no callers in this repository.
func (d *Dispatcher) registerTile(tileID uint32, mux *tilemux.Mux) {
	d.RegisterMux(tileID, mux)
}
