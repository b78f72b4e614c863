package resmng

import (
	"github.com/nestybox/m3kernel/internal/capeng"
	"github.com/nestybox/m3kernel/internal/kerr"
	"github.com/nestybox/m3kernel/internal/kernel"
	"github.com/nestybox/m3kernel/internal/tcu"
)

// nextSel hands out a fresh selector in the manager's own table for a capability it is
// about to delegate to (or account on behalf of) a child (§6.3).
func (m *Manager) nextSel() capeng.Selector {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selCounter++
	return capeng.Selector(1000 + m.selCounter)
}

// ownChild looks up id's Child record as an *OwnChild, failing if it is foreign or
// missing — every §6.3 request is only meaningful against a child this manager itself
// created.
func (m *Manager) ownChild(id uint32) (*OwnChild, error) {
	m.mu.Lock()
	c, ok := m.children[id]
	m.mu.Unlock()
	if !ok {
		return nil, kerr.New(kerr.NotFound, "no such child")
	}
	oc, ok := c.(*OwnChild)
	if !ok {
		return nil, kerr.New(kerr.InvArgs, "request: not issued by an own child")
	}
	return oc, nil
}

// RegServ implements reg_serv (§6.3): the child registers a service under a name its
// AppConfig declares, creating a fresh RecvGate+Service pair in the manager's own
// table. It returns the RecvGate's selector, whose revocation also revokes the
// Service; no SendGate is created for the child.
func (m *Manager) RegServ(childID uint32, name string, sessions uint32) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	if !oc.Cfg.mayRegisterService(name) {
		return 0, kerr.New(kerr.NoPerm, "reg_serv: service not declared in app config")
	}
	if err := m.reserveName(name); err != nil {
		return 0, err
	}

	rgate := capeng.NewRecvGate(6, 6)
	rsel := m.nextSel()
	if _, err := insertSelf(m, rsel, rgate); err != nil {
		m.releaseName(name)
		return 0, err
	}
	if err := m.d.CreateSrv(m.Self, m.nextSel(), rsel, name, uint64(m.Self.ID), nil); err != nil {
		m.releaseName(name)
		return 0, err
	}

	oc.Res.Services = append(oc.Res.Services, rsel)
	oc.registered = true
	return rsel, nil
}

// UnregServ implements unreg_serv: revokes the Service capability the manager created
// on the child's behalf and frees its reserved name.
func (m *Manager) UnregServ(childID uint32, name string, sel capeng.Selector) error {
	oc, err := m.ownChild(childID)
	if err != nil {
		return err
	}
	if err := m.d.Revoke(m.Self, sel, true); err != nil {
		return err
	}
	m.releaseName(name)
	removeSelector(&oc.Res.Services, sel)
	return nil
}

// OpenSess implements open_sess (§6.3): the child names a service (its own or any
// other registered one — authorization lives at the service's own OPEN handler, not
// here) and gets back a Session capability.
func (m *Manager) OpenSess(childID uint32, name string, autoClose bool) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	sel := m.nextSel()
	if err := m.d.OpenSess(m.Self, sel, name, autoClose); err != nil {
		return 0, err
	}
	oc.Res.addSession(sel, name)
	return sel, nil
}

// CloseSess implements close_sess: revokes the child's Session capability.
func (m *Manager) CloseSess(childID uint32, sel capeng.Selector) error {
	oc, err := m.ownChild(childID)
	if err != nil {
		return err
	}
	if _, ok := oc.Res.removeSession(sel); !ok {
		return kerr.New(kerr.InvArgs, "close_sess: session not owned by this child")
	}
	return m.d.Revoke(m.Self, sel, true)
}

// AllocMem implements alloc_mem (§6.3): charges size against the child's ChildMem
// quota and derives a MemGate with the requested permissions from the manager's pool
// allocation for that tile.
func (m *Manager) AllocMem(childID uint32, pool *capeng.Cap, size uint64, perms tcu.Perms) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	if err := oc.Cfg.checkMemQuota(oc.Mem.Total-oc.Mem.Left, size); err != nil {
		return 0, err
	}
	if !oc.Mem.alloc(size) {
		return 0, kerr.New(kerr.NoSpace, "alloc_mem: child memory quota exhausted")
	}

	sel := m.nextSel()
	if err := m.d.DeriveMem(m.Self, sel, selfSelectorOf(m.Self, pool), perms); err != nil {
		oc.Mem.free(size)
		return 0, err
	}
	oc.Res.addMem(sel, size)
	return sel, nil
}

// FreeMem implements free_mem: revokes the MemGate and credits the size back to the
// child's quota.
func (m *Manager) FreeMem(childID uint32, sel capeng.Selector) error {
	oc, err := m.ownChild(childID)
	if err != nil {
		return err
	}
	size, ok := oc.Res.removeMem(sel)
	if !ok {
		return kerr.New(kerr.InvArgs, "free_mem: memory region not owned by this child")
	}
	if err := m.d.Revoke(m.Self, sel, true); err != nil {
		return err
	}
	oc.Mem.free(size)
	return nil
}

// UseRGate/UseSGate/UseSem/UseMod/GetSerial implement
// use_rgate/use_sgate/use_sem/use_mod/get_serial (§6.3): each hands the
// child a non-owning alias of a named resource declared in its
// AppConfig (get_serial's serial sink is always reachable, not gated by
// AppConfig), via the same obtain-exchange aliasing capeng.Exchange
// uses, filed into the resource bucket matching its own kind so
// revokeAll tears down only what it actually handed out.
func (m *Manager) UseRGate(childID uint32, name string, src *capeng.Cap) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	if !oc.Cfg.mayUseRGate(name) {
		return 0, kerr.New(kerr.NoPerm, "use_rgate: gate not declared in app config")
	}
	return m.useGeneric(oc, src, &oc.Res.RGates)
}

func (m *Manager) UseSGate(childID uint32, name string, src *capeng.Cap) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	if !oc.Cfg.mayUseSGate(name) {
		return 0, kerr.New(kerr.NoPerm, "use_sgate: gate not declared in app config")
	}
	return m.useGeneric(oc, src, &oc.Res.SGates)
}

func (m *Manager) UseSem(childID uint32, name string, src *capeng.Cap) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	if !oc.Cfg.mayUseSem(name) {
		return 0, kerr.New(kerr.NoPerm, "use_sem: semaphore not declared in app config")
	}
	return m.useGeneric(oc, src, &oc.Res.Sems)
}

func (m *Manager) UseMod(childID uint32, name string, src *capeng.Cap) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	if !oc.Cfg.mayUseMod(name) {
		return 0, kerr.New(kerr.NoPerm, "use_mod: module not declared in app config")
	}
	return m.useGeneric(oc, src, &oc.Res.Mods)
}

// GetSerial implements get_serial: hands the child a non-owning alias
// of the kernel's well-known serial-output RecvGate (§9 Open Question
// resolution: activate treats it specially, but get_serial itself is
// just use_rgate against a kernel-owned gate rather than one named in
// the child's AppConfig).
func (m *Manager) GetSerial(childID uint32) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	src := kernel.SerialSinkCap()
	if src == nil {
		return 0, kerr.New(kerr.NotFound, "get_serial: no serial sink registered")
	}
	return m.useGeneric(oc, src, &oc.Res.RGates)
}

func (m *Manager) useGeneric(oc *OwnChild, src *capeng.Cap, bucket *[]capeng.Selector) (capeng.Selector, error) {
	own := capeng.NewTable()
	srcSel := capeng.Selector(0)
	if err := own.Insert(srcSel, src); err != nil {
		return 0, err
	}
	dst := m.nextSel()
	if err := capeng.Exchange(own, selfTable(m.Self), []capeng.Selector{srcSel}, dst, true); err != nil {
		return 0, err
	}
	*bucket = append(*bucket, dst)
	return dst, nil
}

// AllocTile implements alloc_tile (§6.3): derives a child Tile from the manager's own
// Tile pool. Neither desc nor the child's configured tile class is consulted; any
// Tile in pool is derived as is.
func (m *Manager) AllocTile(childID uint32, pool *capeng.Cap, desc string, args capeng.TileQuotaArgs) (capeng.Selector, error) {
	oc, err := m.ownChild(childID)
	if err != nil {
		return 0, err
	}
	sel := m.nextSel()
	if err := m.d.DeriveTile(m.Self, sel, selfSelectorOf(m.Self, pool), args); err != nil {
		return 0, err
	}
	oc.Res.Tiles = append(oc.Res.Tiles, sel)
	return sel, nil
}

// FreeTile implements free_tile: revokes the derived Tile capability.
func (m *Manager) FreeTile(childID uint32, sel capeng.Selector) error {
	oc, err := m.ownChild(childID)
	if err != nil {
		return err
	}
	removeSelector(&oc.Res.Tiles, sel)
	return m.d.Revoke(m.Self, sel, true)
}

// AddChild implements add_child (§6.3, §4.8): an existing child asks this manager to
// add one of its own children, so parentID must already name a child this manager
// created — the grandchild still ends up directly in this manager's own child map
// (this simulation does not recurse add_child through intermediate resource managers;
// the parent link exists only to authorize the request).
func (m *Manager) AddChild(parentID uint32, tileSel, kmemSel capeng.Selector, name string, cfg *AppConfig, memQuota uint64) (*OwnChild, error) {
	if _, err := m.ownChild(parentID); err != nil {
		return nil, err
	}
	return m.createChild(tileSel, kmemSel, name, cfg, memQuota)
}

// Boot creates one of this resource manager's initial children directly from its own
// boot-info region, bypassing the add_child authorization check: at boot there is no
// existing child to authorize the request, since §6.4 state is rebuilt from boot
// modules rather than a running child's request (§4.8, §4.9, §6.4).
func (m *Manager) Boot(tileSel, kmemSel capeng.Selector, name string, cfg *AppConfig, memQuota uint64) (*OwnChild, error) {
	return m.createChild(tileSel, kmemSel, name, cfg, memQuota)
}

func (m *Manager) createChild(tileSel, kmemSel capeng.Selector, name string, cfg *AppConfig, memQuota uint64) (*OwnChild, error) {
	dst := m.nextSel()
	act, _, err := m.d.CreateActivity(m.Self, dst, name, tileSel, kmemSel)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	child := newOwnChild(id, act.ID, act.Tile, cfg, memQuota)
	child.ActivityCap = m.Self.Table.Get(dst)

	m.mu.Lock()
	m.children[id] = child
	m.mu.Unlock()

	if err := m.watch(act.ID); err != nil {
		return nil, err
	}
	return child, nil
}

// RemChild implements rem_child: forgets the child's record and revokes every
// resource allocated on its behalf. It does not stop or destroy the child's activity.
func (m *Manager) RemChild(id uint32) error {
	m.mu.Lock()
	child, ok := m.children[id]
	delete(m.children, id)
	m.mu.Unlock()
	if !ok {
		return kerr.New(kerr.NotFound, "rem_child: no such child")
	}
	m.revokeAll(child)
	return nil
}

// GetInfo implements get_info (§6.3): returns a snapshot of one child's resource
// usage, or of every child's when idx is nil.
type ChildInfo struct {
	ID       uint32
	Name     string
	MemLeft  uint64
	MemTotal uint64
	NumSess  int
	NumTiles int
}

func (m *Manager) GetInfo(idx *uint32) ([]ChildInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ChildInfo
	for id, c := range m.children {
		if idx != nil && id != *idx {
			continue
		}
		info := ChildInfo{ID: id, Name: c.Name(), NumSess: len(c.Resources().Sessions), NumTiles: len(c.Resources().Tiles)}
		if oc, ok := c.(*OwnChild); ok {
			info.MemLeft, info.MemTotal = oc.Mem.Left, oc.Mem.Total
		}
		out = append(out, info)
	}
	return out, nil
}

func removeSelector(list *[]capeng.Selector, sel capeng.Selector) {
	for i, s := range *list {
		if s == sel {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func insertSelf(m *Manager, sel capeng.Selector, cap *capeng.Cap) (capeng.Selector, error) {
	return sel, m.Self.Table.Insert(sel, cap)
}

func selfTable(a *kernel.Activity) *capeng.Table { return a.Table }

// selfSelectorOf does a reverse lookup of a capability the manager already holds; the
// manager always allocates selectors through nextSel, so the common case is a single
// table scan.
func selfSelectorOf(a *kernel.Activity, c *capeng.Cap) capeng.Selector {
	sel, _ := a.Table.SelectorOf(c)
	return sel
}
